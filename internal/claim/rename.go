package claim

import (
	"fmt"
	"os"
)

type renameError struct {
	src, dst string
	err      error
}

func (e *renameError) Error() string {
	return fmt.Sprintf("rename %s %s: %v", e.src, e.dst, e.err)
}

func (e *renameError) Unwrap() error { return e.err }

// linkRename emulates a no-replace rename: link(2) refuses an existing dst,
// and only the caller whose unlink of src succeeds keeps its link.
func linkRename(src, dst string) error {
	if err := os.Link(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}
