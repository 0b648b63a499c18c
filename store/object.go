package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"osbuild-go/identity"
)

// Sentinel errors matching the failure semantics in SPEC_FULL.md §4.2.
var (
	ErrBusyRead   = errors.New("store: write attempted while a read is ongoing")
	ErrBusyWrite  = errors.New("store: write attempted while a write is ongoing")
	ErrInUse      = errors.New("store: finalize attempted with an outstanding writer")
	ErrNotWritable = errors.New("store: object has been cleaned up and is no longer writable")
)

// Release is returned by scoped Object operations (Write, Read, ReadAt) and
// must be called exactly once to give up the path and clear the associated
// state, per "explicit scoped ownership" (SPEC_FULL.md §9).
type Release func() error

// Object is a single content-addressed filesystem tree, either in progress
// (WRITE) or finalized (READ). See SPEC_FULL.md §3 / §4.2.
type Object struct {
	store *Store

	workdir string
	tree    string

	base identity.ID
	id   identity.ID // equals base once committed/resolved; zero while mid-write

	init   bool
	readers int
	writer  bool
	final   bool
}

// ID returns the object's current identity (zero if uncommitted/mid-write).
func (o *Object) ID() identity.ID { return o.id }

// Base returns the object's base id, if any.
func (o *Object) Base() identity.ID { return o.base }

func (o *Object) checkWritable() error {
	if o.workdir == "" {
		return ErrNotWritable
	}
	return nil
}

func (o *Object) checkReaders() error {
	if o.readers != 0 {
		return ErrBusyRead
	}
	return nil
}

func (o *Object) checkWriter() error {
	if o.writer {
		return ErrBusyWrite
	}
	return nil
}

// path returns the directory that currently represents the object's
// content: the resolved ref of its base while still uninitialized, else its
// own working tree.
func (o *Object) path() string {
	if !o.base.IsZero() && !o.init {
		return o.store.ResolveRef(o.base)
	}
	return o.tree
}

// Init copies the base object's content into the working tree using
// reflink where supported. It is idempotent: a no-op once already
// initialized or when there is no base.
func (o *Object) Init() error {
	if err := o.checkWritable(); err != nil {
		return err
	}
	if err := o.checkReaders(); err != nil {
		return err
	}
	if err := o.checkWriter(); err != nil {
		return err
	}
	if o.init {
		return nil
	}

	base, err := o.store.New(o.base)
	if err != nil {
		return fmt.Errorf("store: init: %w", err)
	}
	defer base.Cleanup()

	if err := base.Export(o.tree, true); err != nil {
		return fmt.Errorf("store: init: %w", err)
	}
	o.init = true
	return nil
}

// Write returns a path the caller may mutate freely, and a Release to call
// when done. Fails if a reader or another writer is currently live.
func (o *Object) Write() (string, Release, error) {
	if err := o.checkWritable(); err != nil {
		return "", nil, err
	}
	if err := o.checkReaders(); err != nil {
		return "", nil, err
	}
	if err := o.checkWriter(); err != nil {
		return "", nil, err
	}
	if o.final {
		return "", nil, fmt.Errorf("store: object is finalized and no longer writable")
	}
	if err := o.Init(); err != nil {
		return "", nil, err
	}
	o.id = identity.Nil

	target, err := o.tempdir("writer")
	if err != nil {
		return "", nil, err
	}
	if err := bindMount(o.path(), target, false); err != nil {
		os.RemoveAll(target)
		return "", nil, err
	}

	o.writer = true
	release := func() error {
		err := umount(target)
		o.writer = false
		os.RemoveAll(target)
		return err
	}
	return target, release, nil
}

// Read returns an immutable view of the whole object at a fresh mount
// point, and a Release to call when done.
func (o *Object) Read() (string, Release, error) {
	return o.ReadAt("", "/")
}

// ReadAt binds subpath of the object at target (allocating one under the
// object's workdir if target is empty), yielding the mount point.
func (o *Object) ReadAt(target, subpath string) (string, Release, error) {
	if err := o.checkWritable(); err != nil {
		return "", nil, err
	}
	if err := o.checkWriter(); err != nil {
		return "", nil, err
	}

	owned := target == ""
	if owned {
		var err error
		target, err = o.tempdir("reader")
		if err != nil {
			return "", nil, err
		}
	}

	source := filepath.Join(o.path(), strings.TrimPrefix(subpath, "/"))
	if err := bindMount(source, target, true); err != nil {
		if owned {
			os.RemoveAll(target)
		}
		return "", nil, err
	}

	o.readers++
	release := func() error {
		err := umount(target)
		o.readers--
		if owned {
			os.RemoveAll(target)
		}
		return err
	}
	return target, release, nil
}

// storeTree moves the working tree into store.Objects under a fresh UUID
// name and resets the object, ready for reuse. Returns the UUID name.
func (o *Object) storeTree() (string, error) {
	if err := o.checkWritable(); err != nil {
		return "", err
	}
	if err := o.checkReaders(); err != nil {
		return "", err
	}
	if err := o.checkWriter(); err != nil {
		return "", err
	}
	if err := o.Init(); err != nil {
		return "", err
	}

	name := uuid.NewString()
	dest := filepath.Join(o.store.Objects, name)
	if err := os.Rename(o.tree, dest); err != nil {
		return "", fmt.Errorf("store: store_tree: %w", err)
	}
	if err := o.reset(); err != nil {
		return "", err
	}
	return name, nil
}

// Finalize clamps every file/dir/symlink mtime in the tree that exceeds
// sourceEpoch down to it, and marks the object read-only. Pass a zero
// time.Time to skip clamping (no source_epoch declared).
func (o *Object) Finalize(sourceEpoch time.Time) error {
	if err := o.checkWriter(); err != nil {
		return ErrInUse
	}
	if sourceEpoch.IsZero() {
		o.final = true
		return nil
	}
	err := filepath.WalkDir(o.tree, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.ModTime().After(sourceEpoch) {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			ts := []unix.Timeval{
				unix.NsecToTimeval(sourceEpoch.UnixNano()),
				unix.NsecToTimeval(sourceEpoch.UnixNano()),
			}
			return unix.Lutimes(path, ts)
		}
		return os.Chtimes(path, sourceEpoch, sourceEpoch)
	})
	if err != nil {
		return fmt.Errorf("store: finalize: %w", err)
	}
	o.final = true
	return nil
}

// Export copies the object's content into dstDir, reflinking where the
// underlying filesystem supports it (see reflink_linux.go), falling back to
// a full copy otherwise.
func (o *Object) Export(dstDir string, preserveOwner bool) error {
	src, release, err := o.Read()
	if err != nil {
		return fmt.Errorf("store: export: %w", err)
	}
	defer release()

	return copyTree(src, dstDir, preserveOwner)
}

// reset discards the working tree and allocates a fresh empty one,
// returning the object to a just-created state (used after storeTree).
func (o *Object) reset() error {
	if err := o.cleanupTree(); err != nil {
		return err
	}
	workdir, err := o.store.Tempdir("object")
	if err != nil {
		return err
	}
	o.workdir = workdir
	o.tree = filepath.Join(workdir, "tree")
	if err := os.MkdirAll(o.tree, 0o755); err != nil {
		return err
	}
	o.init = o.base.IsZero()
	o.id = o.base
	o.final = false
	return nil
}

func (o *Object) cleanupTree() error {
	if o.tree != "" {
		if err := os.RemoveAll(o.tree); err != nil {
			return err
		}
		o.tree = ""
	}
	if o.workdir != "" {
		if err := os.RemoveAll(o.workdir); err != nil {
			return err
		}
		o.workdir = ""
	}
	return nil
}

// Cleanup releases the object's scratch resources. Safe to call multiple
// times. Fails silently on outstanding readers/writer by returning early:
// callers are expected to have released all scoped operations first.
func (o *Object) Cleanup() {
	if o.readers != 0 || o.writer {
		return
	}
	_ = o.cleanupTree()
	o.id = identity.Nil
	o.store.removeFloating(o)
}

func (o *Object) tempdir(suffix string) (string, error) {
	return os.MkdirTemp(o.workdir, suffix+"-*")
}

// bindMount shells out to mount(8), matching objectstore.py's mount()
// helper: a recursive private bind mount, optionally read-only.
func bindMount(source, target string, ro bool) error {
	args := []string{"--rbind", "--make-rprivate"}
	if ro {
		args = append(args, "-o", "ro")
	}
	args = append(args, source, target)
	out, err := exec.Command("mount", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("mount %s %s: %s: %w", source, target, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// umount shells out to umount(8), matching objectstore.py's umount()
// helper: a sync followed by a recursive unmount.
func umount(target string) error {
	_ = exec.Command("sync", "-f", target).Run()
	out, err := exec.Command("umount", "-R", target).CombinedOutput()
	if err != nil {
		return fmt.Errorf("umount %s: %s: %w", target, strings.TrimSpace(string(out)), err)
	}
	return nil
}
