package store

import (
	"os"
	"path/filepath"
)

// HostTree provides read-only access to the running host filesystem,
// exposing the same Read/Cleanup surface as Object so the stage runner can
// treat "build against the host" and "build against a committed pipeline
// tree" uniformly when a pipeline's build_ref is null (see
// SPEC_FULL.md "Host-tree fallback").
type HostTree struct {
	store *Store
}

// NewHostTree returns a HostTree bound to store.
func NewHostTree(s *Store) *HostTree {
	return &HostTree{store: s}
}

// Write always fails: the host filesystem is never a valid write target.
func (h *HostTree) Write() (string, Release, error) {
	return "", nil, ErrNotWritable
}

// Read maps a bare-bones root (just /usr from the host) at a fresh mount
// point, matching HostTree.read in objectstore.py.
func (h *HostTree) Read() (string, Release, error) {
	tmp, err := h.store.Tempdir("hosttree")
	if err != nil {
		return "", nil, err
	}

	usr := filepath.Join(tmp, "usr")
	if err := os.MkdirAll(usr, 0o755); err != nil {
		os.RemoveAll(tmp)
		return "", nil, err
	}

	if err := bindMount(tmp, tmp, true); err != nil {
		os.RemoveAll(tmp)
		return "", nil, err
	}
	if err := bindMount("/usr", usr, true); err != nil {
		umount(tmp)
		os.RemoveAll(tmp)
		return "", nil, err
	}

	release := func() error {
		err := umount(tmp)
		os.RemoveAll(tmp)
		return err
	}
	return tmp, release, nil
}

// Cleanup is a no-op for the host, matching HostTree.cleanup.
func (h *HostTree) Cleanup() {}
