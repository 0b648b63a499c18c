// Package hostservice implements the auxiliary RPC services bridged into
// the build root's sandbox: store, remoteloop, input, device, and mount
// (SPEC_FULL.md §4.4). Each is an rpc.Service dispatched by the build
// root's rpc.Manager.
package hostservice

import (
	"fmt"
	"os"

	"osbuild-go/identity"
	"osbuild-go/rpc"
	"osbuild-go/store"
)

// StoreService implements the "store" endpoint: read-tree, read-tree-at,
// mkdtemp, source. Grounded on objectstore.py's StoreServer.
type StoreService struct {
	st      *store.Store
	scratch string // private scratch root, matches StoreServer.tmproot

	releases []store.Release
}

// NewStoreService allocates a private scratch directory under st and
// returns a service ready to register with an rpc.Manager.
func NewStoreService(st *store.Store) (*StoreService, error) {
	scratch, err := st.Tempdir("store-server")
	if err != nil {
		return nil, fmt.Errorf("hostservice: store scratch dir: %w", err)
	}
	return &StoreService{st: st, scratch: scratch}, nil
}

// Endpoint implements rpc.Service.
func (s *StoreService) Endpoint() string { return "store" }

// Handle implements rpc.Service.
func (s *StoreService) Handle(method string, msg map[string]any, fds *rpc.FdSet) (map[string]any, []int, error) {
	switch method {
	case "read-tree":
		return s.readTree(msg)
	case "read-tree-at":
		return s.readTreeAt(msg)
	case "mkdtemp":
		return s.mkdtemp(msg)
	case "source":
		return s.source(msg)
	default:
		return nil, nil, &rpc.ProtocolError{Detail: "store: unknown method " + method}
	}
}

func (s *StoreService) readTree(msg map[string]any) (map[string]any, []int, error) {
	id, err := identity.Parse(str(msg["object-id"]))
	if err != nil {
		return map[string]any{"path": nil}, nil, nil
	}

	obj, err := s.st.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if obj == nil {
		return map[string]any{"path": nil}, nil, nil
	}

	path, release, err := obj.Read()
	if err != nil {
		return nil, nil, err
	}
	s.releases = append(s.releases, release)
	return map[string]any{"path": path}, nil, nil
}

func (s *StoreService) readTreeAt(msg map[string]any) (map[string]any, []int, error) {
	id, err := identity.Parse(str(msg["object-id"]))
	if err != nil {
		return map[string]any{"path": nil}, nil, nil
	}
	target := str(msg["target"])
	subtree := str(msg["subtree"])

	obj, err := s.st.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if obj == nil {
		return map[string]any{"path": nil}, nil, nil
	}

	path, release, err := obj.ReadAt(target, subtree)
	if err != nil {
		return map[string]any{"error": err.Error()}, nil, nil
	}
	s.releases = append(s.releases, release)
	return map[string]any{"path": path}, nil, nil
}

func (s *StoreService) mkdtemp(msg map[string]any) (map[string]any, []int, error) {
	prefix := str(msg["prefix"])
	path, err := os.MkdirTemp(s.scratch, prefix+"-*")
	if err != nil {
		return nil, nil, err
	}
	return map[string]any{"path": path}, nil, nil
}

func (s *StoreService) source(msg map[string]any) (map[string]any, []int, error) {
	return map[string]any{"path": s.st.SourcePath(str(msg["name"]))}, nil, nil
}

// Close releases every outstanding read view and removes the scratch dir.
func (s *StoreService) Close() error {
	for _, release := range s.releases {
		if release != nil {
			_ = release()
		}
	}
	return os.RemoveAll(s.scratch)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
