package store

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// copyTree recursively copies src into dst, preserving mode, ownership,
// symlinks, and xattrs, reflinking regular files where possible. This is
// the Go-native equivalent of `cp --reflink=auto -a src/. dst`, used by
// both Object.Init (copy-on-write from a base) and Object.Export.
func copyTree(src, dst string, preserveOwner bool) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("store: copy %s: %w", src, err)
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		fi, err := os.Lstat(srcPath)
		if err != nil {
			return err
		}

		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			if err := copySymlink(srcPath, dstPath, fi, preserveOwner); err != nil {
				return err
			}
		case fi.IsDir():
			if err := copyTree(srcPath, dstPath, preserveOwner); err != nil {
				return err
			}
			if err := applyModeOwner(dstPath, fi, preserveOwner); err != nil {
				return err
			}
		case fi.Mode()&os.ModeDevice != 0 || fi.Mode()&os.ModeNamedPipe != 0 || fi.Mode()&os.ModeSocket != 0:
			if err := copySpecial(srcPath, dstPath, fi, preserveOwner); err != nil {
				return err
			}
		default:
			if err := copyRegular(srcPath, dstPath, fi, preserveOwner); err != nil {
				return err
			}
		}

		if err := copyXattrs(srcPath, dstPath); err != nil {
			return err
		}
	}

	return applyModeOwner(dst, info, preserveOwner)
}

func copyRegular(srcPath, dstPath string, fi os.FileInfo, preserveOwner bool) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if err := reflinkOrCopy(in, out); err != nil {
		return fmt.Errorf("store: copy %s: %w", srcPath, err)
	}
	return applyModeOwner(dstPath, fi, preserveOwner)
}

func copySymlink(srcPath, dstPath string, fi os.FileInfo, preserveOwner bool) error {
	target, err := os.Readlink(srcPath)
	if err != nil {
		return err
	}
	if err := os.Symlink(target, dstPath); err != nil {
		return err
	}
	if preserveOwner {
		if st, ok := fi.Sys().(*syscall.Stat_t); ok {
			_ = unix.Lchown(dstPath, int(st.Uid), int(st.Gid))
		}
	}
	return nil
}

func copySpecial(srcPath, dstPath string, fi os.FileInfo, preserveOwner bool) error {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("store: copy %s: cannot determine device info", srcPath)
	}
	if err := unix.Mknod(dstPath, st.Mode, int(st.Rdev)); err != nil {
		return fmt.Errorf("store: mknod %s: %w", dstPath, err)
	}
	return applyModeOwner(dstPath, fi, preserveOwner)
}

func applyModeOwner(path string, fi os.FileInfo, preserveOwner bool) error {
	if err := os.Chmod(path, fi.Mode().Perm()); err != nil {
		return err
	}
	if !preserveOwner {
		return nil
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	return os.Chown(path, int(st.Uid), int(st.Gid))
}

// copyXattrs best-effort copies extended attributes; ENOTSUP/missing
// support is not an error, matching `cp -a`'s tolerant behavior on
// filesystems without xattr support.
func copyXattrs(srcPath, dstPath string) error {
	size, err := unix.Llistxattr(srcPath, nil)
	if err != nil || size <= 0 {
		return nil
	}
	buf := make([]byte, size)
	n, err := unix.Llistxattr(srcPath, buf)
	if err != nil {
		return nil
	}
	for _, name := range splitNames(buf[:n]) {
		vsz, err := unix.Lgetxattr(srcPath, name, nil)
		if err != nil || vsz <= 0 {
			continue
		}
		val := make([]byte, vsz)
		if _, err := unix.Lgetxattr(srcPath, name, val); err != nil {
			continue
		}
		_ = unix.Lsetxattr(dstPath, name, val, 0)
	}
	return nil
}

func splitNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
