//go:build linux

package claim

import (
	"errors"

	"golang.org/x/sys/unix"
)

// renameNoReplace moves src to dst and fails with fs.ErrExist if dst exists.
func renameNoReplace(src, dst string) error {
	err := unix.Renameat2(unix.AT_FDCWD, src, unix.AT_FDCWD, dst, unix.RENAME_NOREPLACE)
	if err == nil {
		return nil
	}
	// Filesystems without RENAME_NOREPLACE support (some network and overlay mounts).
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EOPNOTSUPP) {
		return linkRename(src, dst)
	}
	return &renameError{src: src, dst: dst, err: err}
}
