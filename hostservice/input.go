package hostservice

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"osbuild-go/identity"
	"osbuild-go/rpc"
	"osbuild-go/store"
)

// InputService implements the "input" endpoint: materializing a stage's
// declared inputs (pipeline outputs or source items) into the sandbox
// filesystem. See SPEC_FULL.md §4.4.3.
type InputService struct {
	st       *store.Store
	releases []store.Release
}

// NewInputService returns an input service bound to st.
func NewInputService(st *store.Store) *InputService {
	return &InputService{st: st}
}

// Endpoint implements rpc.Service.
func (s *InputService) Endpoint() string { return "input" }

// Handle implements rpc.Service.
func (s *InputService) Handle(method string, msg map[string]any, fds *rpc.FdSet) (map[string]any, []int, error) {
	if method != "map" {
		return nil, nil, &rpc.ProtocolError{Detail: "input: unknown method " + method}
	}

	origin, _ := msg["origin"].(string)
	targetDir, _ := msg["target_dir"].(string)
	refsAny, _ := msg["refs"].([]any)

	refs := make([]string, 0, len(refsAny))
	for _, r := range refsAny {
		if rs, ok := r.(string); ok {
			refs = append(refs, rs)
		}
	}

	files := make(map[string]string, len(refs))
	switch origin {
	case "pipeline":
		for _, ref := range refs {
			id, err := identity.Parse(ref)
			if err != nil {
				return nil, nil, &rpc.ProtocolError{Detail: fmt.Sprintf("input: bad pipeline ref %q: %v", ref, err)}
			}
			obj, err := s.st.Get(id)
			if err != nil {
				return nil, nil, err
			}
			if obj == nil {
				return nil, nil, fmt.Errorf("input: pipeline ref %s not found in store", ref)
			}
			dest := filepath.Join(targetDir, ref)
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return nil, nil, err
			}
			_, release, err := obj.ReadAt(dest, "/")
			if err != nil {
				return nil, nil, err
			}
			s.releases = append(s.releases, release)
			files[ref] = dest
		}
	case "source":
		for _, checksum := range refs {
			infoName, _ := msg["info_name"].(string)
			src := filepath.Join(s.st.SourcePath(infoName), sanitizeChecksum(checksum))
			dest := filepath.Join(targetDir, sanitizeChecksum(checksum))
			if err := linkOrCopyFile(src, dest); err != nil {
				return nil, nil, err
			}
			files[checksum] = dest
		}
	default:
		return nil, nil, &rpc.ProtocolError{Detail: "input: unknown origin " + origin}
	}

	descriptor := map[string]any{"files": files}
	return descriptor, nil, nil
}

// Close releases every bind mount this service established.
func (s *InputService) Close() error {
	var firstErr error
	for _, release := range s.releases {
		if release != nil {
			if err := release(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func sanitizeChecksum(checksum string) string {
	return strings.ReplaceAll(checksum, ":", "-")
}

func linkOrCopyFile(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("input: open source %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("input: create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("input: copy %s: %w", src, err)
	}
	return nil
}
