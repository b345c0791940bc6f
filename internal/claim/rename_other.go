//go:build !linux

package claim

func renameNoReplace(src, dst string) error {
	return linkRename(src, dst)
}
