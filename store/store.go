// Package store implements the content-addressed object store: a
// copy-on-write tree store with uniquely named backing objects and
// symlink-based references, safe concurrent commit, export, and per-object
// staging with an explicit read/write lifecycle (see SPEC_FULL.md §4.2).
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"osbuild-go/identity"
)

// Store is the on-disk content-addressed object store rooted at a single
// directory, laid out as:
//
//	<root>/objects/<uuid>/        backing trees
//	<root>/refs/<id>   -> ../objects/<uuid>   (symlink)
//	<root>/sources/<info>/...     per-source fetch caches
//	<root>/tmp/                   scratch dirs
type Store struct {
	Root    string
	Objects string
	Refs    string
	Sources string
	Tmp     string

	mu       sync.Mutex
	floating map[*Object]struct{}
}

// Open creates (if needed) and returns the store rooted at root.
func Open(root string) (*Store, error) {
	s := &Store{
		Root:     root,
		Objects:  filepath.Join(root, "objects"),
		Refs:     filepath.Join(root, "refs"),
		Sources:  filepath.Join(root, "sources"),
		Tmp:      filepath.Join(root, "tmp"),
		floating: make(map[*Object]struct{}),
	}
	for _, dir := range []string{s.Root, s.Objects, s.Refs, s.Sources, s.Tmp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: open %s: %w", dir, err)
		}
	}
	return s, nil
}

// ResolveRef returns the path of the ref symlink for id (not necessarily
// existing).
func (s *Store) ResolveRef(id identity.ID) string {
	if id.IsZero() {
		return ""
	}
	return filepath.Join(s.Refs, id.String())
}

// SourcePath returns the per-source cache directory for the given source
// info_name, matching StoreServer._source in the original implementation.
func (s *Store) SourcePath(infoName string) string {
	return filepath.Join(s.Sources, infoName)
}

func (s *Store) getFloating(id identity.ID) *Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	for o := range s.floating {
		if o.id == id {
			return o
		}
	}
	return nil
}

func (s *Store) addFloating(o *Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floating[o] = struct{}{}
}

func (s *Store) removeFloating(o *Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.floating, o)
}

// Contains reports whether id names either a floating (uncommitted) Object
// or a published ref.
func (s *Store) Contains(id identity.ID) bool {
	if id.IsZero() {
		return false
	}
	if s.getFloating(id) != nil {
		return true
	}
	_, err := os.Lstat(s.ResolveRef(id))
	return err == nil
}

// Tempdir allocates a fresh scratch directory under the store's tmp/ area.
// The caller owns the returned directory and must remove it.
func (s *Store) Tempdir(prefix string) (string, error) {
	return os.MkdirTemp(s.Tmp, prefix+"-*")
}

// New allocates a new, writable floating Object. If baseID is non-zero the
// object's content will be lazily copied from that ref on first Write/Init
// (copy-on-write: no I/O happens here).
func (s *Store) New(baseID identity.ID) (*Object, error) {
	workdir, err := s.Tempdir("object")
	if err != nil {
		return nil, fmt.Errorf("store: new object: %w", err)
	}
	o := &Object{
		store:   s,
		workdir: workdir,
		base:    baseID,
		id:      baseID,
		init:    baseID.IsZero(),
	}
	o.tree = filepath.Join(workdir, "tree")
	if err := os.MkdirAll(o.tree, 0o755); err != nil {
		return nil, fmt.Errorf("store: new object: %w", err)
	}
	s.addFloating(o)
	return o, nil
}

// Get returns an Object for id: the live floating instance if one exists,
// otherwise a fresh Object based on the published ref. Returns (nil, nil)
// if id is not present anywhere.
func (s *Store) Get(id identity.ID) (*Object, error) {
	if o := s.getFloating(id); o != nil {
		return o, nil
	}
	if !s.Contains(id) {
		return nil, nil
	}
	return s.New(id)
}

// Commit stores obj's working tree permanently under a fresh UUID name and
// atomically (re)publishes refID to point at it. The previous backing
// object, if any, is left on disk (pruning is external, per §3 invariants).
func (s *Store) Commit(obj *Object, refID identity.ID) (string, error) {
	name, err := obj.storeTree()
	if err != nil {
		return "", err
	}

	link := filepath.Join(s.Tmp, "link-"+uuid.NewString())
	if err := os.Symlink(filepath.Join("..", "objects", name), link); err != nil {
		return "", fmt.Errorf("store: commit %s: %w", refID, err)
	}
	if err := os.Rename(link, s.ResolveRef(refID)); err != nil {
		os.Remove(link)
		return "", fmt.Errorf("store: commit %s: %w", refID, err)
	}

	obj.base = refID
	obj.id = refID
	obj.init = false
	return name, nil
}

// Cleanup releases every floating Object still tracked by the store.
func (s *Store) Cleanup() {
	s.mu.Lock()
	objs := make([]*Object, 0, len(s.floating))
	for o := range s.floating {
		objs = append(objs, o)
	}
	s.mu.Unlock()

	for _, o := range objs {
		o.Cleanup()
	}
}
