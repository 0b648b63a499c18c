package rpc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Service is implemented by each auxiliary host-bridge service (store,
// remoteloop, input, device, mount — see SPEC_FULL.md §4.4). Handle
// dispatches one RPC call; returning a non-nil error causes the manager to
// reply with the reserved "exception" method instead of the service's
// normal reply shape.
type Service interface {
	// Endpoint names the socket under the manager's run directory, e.g.
	// "store" binds at "<run>/store".
	Endpoint() string
	// Handle dispatches (method, args, fds) to (reply, reply fds) or an
	// error.
	Handle(method string, msg map[string]any, fds *FdSet) (reply map[string]any, replyFds []int, err error)
	// Close releases any resources the service is pinning (e.g. loop
	// device handles).
	Close() error
}

type registered struct {
	svc  Service
	sock *Socket
	path string
}

// Manager is a process-wide registry of named service connections: a
// per-build-root directory of listening sockets, one per registered
// service, each served on its own goroutine. Manager.Close tears every
// service down in registration order's reverse, matching the LIFO release
// discipline described in SPEC_FULL.md §5.
type Manager struct {
	dir string

	mu       sync.Mutex
	order    []string
	services map[string]*registered
	wg       sync.WaitGroup
}

// NewManager creates a manager whose service sockets live under dir
// (typically the build root's `run/osbuild/api` directory).
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rpc: manager dir: %w", err)
	}
	return &Manager{dir: dir, services: make(map[string]*registered)}, nil
}

// Register starts a listener for svc and returns the socket path a stage
// sandbox should have bind-mounted in. Service IDs (endpoints) must be
// unique within a manager.
func (m *Manager) Register(svc Service) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	endpoint := svc.Endpoint()
	if _, exists := m.services[endpoint]; exists {
		return "", fmt.Errorf("rpc: service %q already registered", endpoint)
	}

	path := filepath.Join(m.dir, endpoint)
	sock, err := NewServer(path)
	if err != nil {
		return "", err
	}
	if err := sock.Listen(16); err != nil {
		sock.Close()
		return "", err
	}

	r := &registered{svc: svc, sock: sock, path: path}
	m.services[endpoint] = r
	m.order = append(m.order, endpoint)

	m.wg.Add(1)
	go m.accept(r)

	return path, nil
}

func (m *Manager) accept(r *registered) {
	defer m.wg.Done()
	for {
		conn, err := r.sock.Accept()
		if err != nil {
			return // socket closed during teardown
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			serveConn(r.svc, conn)
		}()
	}
}

func serveConn(svc Service, conn *Socket) {
	defer conn.Close()
	for {
		msg, fds, err := conn.Recv()
		if err != nil {
			if err == io.EOF {
				return
			}
			return
		}

		method, _ := msg["method"].(string)
		reply, replyFds, err := svc.Handle(method, msg, fds)
		if fds != nil {
			fds.Close()
		}
		if err != nil {
			_ = conn.Send(map[string]any{
				"method": exceptionMethod,
				"exception": map[string]any{
					"kind":    "ServiceError",
					"message": err.Error(),
				},
			}, nil)
			continue
		}
		if err := conn.Send(reply, replyFds); err != nil {
			return
		}
	}
}

// Close tears down every registered service in reverse registration order:
// closes its listener (which unlinks the socket path) and calls its
// Close().
func (m *Manager) Close() error {
	m.mu.Lock()
	order := append([]string(nil), m.order...)
	m.mu.Unlock()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		r := m.services[order[i]]
		if err := r.sock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := r.svc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.wg.Wait()
	return firstErr
}

// Client is a connection to a single service endpoint, used by stage-side
// code (or, in this Go port, the host-side stagerunner acting as the
// sandboxed caller would) to issue RPC calls.
type Client struct {
	sock *Socket
}

// Dial connects to a service's socket path.
func Dial(path string) (*Client, error) {
	sock, err := NewClient(path)
	if err != nil {
		return nil, err
	}
	return &Client{sock: sock}, nil
}

// Call issues method with args merged into the request payload plus fds,
// and waits for the reply. A reply using the reserved "exception" method
// is translated into a *RemoteError.
func (c *Client) Call(method string, args map[string]any, fds []int) (map[string]any, *FdSet, error) {
	req := map[string]any{"method": method}
	for k, v := range args {
		req[k] = v
	}

	reply, replyFds, err := c.sock.SendAndRecv(req, fds)
	if err != nil {
		return nil, nil, err
	}

	if m, _ := reply["method"].(string); m == exceptionMethod {
		exc, _ := reply["exception"].(map[string]any)
		kind, _ := exc["kind"].(string)
		message, _ := exc["message"].(string)
		if replyFds != nil {
			replyFds.Close()
		}
		return nil, nil, &RemoteError{Kind: kind, Message: message}
	}

	return reply, replyFds, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.sock.Close()
}
