package store

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// reflinkOrCopy attempts an FICLONE reflink from src to dst, falling back to
// a full byte copy when the filesystem doesn't support it (cross-device,
// not btrfs/xfs/overlayfs-with-reflink, etc). Grounded on
// go.podman.io/storage/pkg/fileutils.ReflinkOrCopy, vendored in the
// jesseduffield-lazydocker example — see SPEC_FULL.md DOMAIN STACK.
func reflinkOrCopy(src, dst *os.File) error {
	err := unix.IoctlFileClone(int(dst.Fd()), int(src.Fd()))
	if err == nil {
		return nil
	}
	_, err = io.Copy(dst, src)
	return err
}
