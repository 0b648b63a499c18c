// Package rpc implements the local datagram RPC substrate: AF_UNIX
// SOCK_SEQPACKET sockets carrying one JSON object per datagram plus an
// optional SCM_RIGHTS file-descriptor set. See SPEC_FULL.md §4.3 / §4.3.1,
// grounded on osbuild/util/jsoncomm.py.
package rpc

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// maxSCMRights is the kernel's hard limit on the number of file descriptors
// in a single SCM_RIGHTS control message.
const maxSCMRights = 253

// Socket is a single communication endpoint: a connected or listening
// AF_UNIX SOCK_SEQPACKET socket.
type Socket struct {
	fd int

	// unlinkDir/unlinkName pin a directory fd + name so Close can unlink a
	// server's bind path even across intervening mount changes, matching
	// jsoncomm.py's Socket.new_server dir_fd dance.
	unlinkDir  int
	unlinkName string
}

func wrap(fd int) *Socket {
	return &Socket{fd: fd, unlinkDir: -1}
}

// Fd returns the underlying file descriptor.
func (s *Socket) Fd() int { return s.fd }

// NewClient creates a client socket, auto-binding it to a fresh address so
// it can receive replies, and optionally connecting to connectTo as the
// default destination for Send.
func NewClient(connectTo string) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, fmt.Errorf("rpc: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: ""}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rpc: autobind: %w", err)
	}
	if connectTo != "" {
		if err := unix.Connect(fd, &unix.SockaddrUnix{Name: connectTo}); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("rpc: connect %s: %w", connectTo, err)
		}
	}
	return wrap(fd), nil
}

// NewServer creates and binds a listener socket at bindTo. Call Listen to
// start accepting connections.
func NewServer(bindTo string) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, fmt.Errorf("rpc: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: bindTo}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rpc: bind %s: %w", bindTo, err)
	}

	dir := filepath.Dir(bindTo)
	dirFd, err := unix.Open(dir, unix.O_DIRECTORY|unix.O_CLOEXEC|unix.O_PATH, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rpc: open %s: %w", dir, err)
	}

	s := wrap(fd)
	s.unlinkDir = dirFd
	s.unlinkName = filepath.Base(bindTo)
	return s, nil
}

// NewPair creates a connected pair of sockets, for in-process client/server
// tests or service wiring that doesn't need a filesystem path.
func NewPair() (a, b *Socket, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("rpc: socketpair: %w", err)
	}
	return wrap(fds[0]), wrap(fds[1]), nil
}

// Listen enables accepting incoming connections.
func (s *Socket) Listen(backlog int) error {
	if err := unix.Listen(s.fd, backlog); err != nil {
		return fmt.Errorf("rpc: listen: %w", err)
	}
	return nil
}

// Accept blocks until a new connection arrives, returning a Socket for it.
func (s *Socket) Accept() (*Socket, error) {
	connFd, _, err := unix.Accept4(s.fd, 0)
	if err != nil {
		return nil, fmt.Errorf("rpc: accept: %w", err)
	}
	return wrap(connFd), nil
}

// Close closes the socket and, for a server socket, unlinks its bind path.
// Safe to call multiple times.
func (s *Socket) Close() error {
	var err error
	if s.fd >= 0 {
		err = unix.Close(s.fd)
		s.fd = -1
	}
	if s.unlinkDir >= 0 {
		if uerr := unix.Unlinkat(s.unlinkDir, s.unlinkName, 0); uerr != nil && uerr != unix.ENOENT {
			err = uerr
		}
		unix.Close(s.unlinkDir)
		s.unlinkDir = -1
	}
	return err
}

// Recv receives the next message: its JSON payload and any passed file
// descriptors. Returns io.EOF if the peer closed the connection.
func (s *Socket) Recv() (map[string]any, *FdSet, error) {
	size := 4096
	for {
		peek := make([]byte, size)
		n, _, flags, _, err := unix.Recvmsg(s.fd, peek, nil, unix.MSG_PEEK)
		if err != nil {
			return nil, nil, fmt.Errorf("rpc: recv peek: %w", err)
		}
		if n == 0 {
			return nil, nil, io.EOF
		}
		if flags&unix.MSG_TRUNC == 0 {
			break
		}
		size *= 2
	}

	buf := make([]byte, size)
	oob := make([]byte, unix.CmsgSpace(maxSCMRights*4))
	n, oobn, flags, _, err := unix.Recvmsg(s.fd, buf, oob, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("rpc: recv: %w", err)
	}
	if n == 0 {
		return nil, nil, io.EOF
	}

	var fds []int
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, nil, &ProtocolError{Detail: err.Error()}
		}
		for _, cmsg := range cmsgs {
			if cmsg.Header.Level == unix.SOL_SOCKET && cmsg.Header.Type == unix.SCM_RIGHTS {
				rights, err := unix.ParseUnixRights(&cmsg)
				if err != nil {
					return nil, nil, &ProtocolError{Detail: err.Error()}
				}
				fds = append(fds, rights...)
			}
		}
	}
	fdset := newFdSet(fds)

	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		fdset.Close()
		return nil, nil, &ProtocolError{Detail: "message truncated"}
	}

	var payload map[string]any
	if err := json.Unmarshal(buf[:n], &payload); err != nil {
		fdset.Close()
		return nil, nil, &ProtocolError{Detail: err.Error()}
	}

	return payload, fdset, nil
}

// Send serializes payload as JSON and sends it, optionally passing fds via
// SCM_RIGHTS. Returns *ErrMessageTooLarge distinctly from other I/O errors
// when the kernel rejects the message with EMSGSIZE.
func (s *Socket) Send(payload any, fds []int) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("rpc: marshal: %w", err)
	}

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	if err := unix.Sendmsg(s.fd, data, oob, nil, 0); err != nil {
		if err == unix.EMSGSIZE {
			return &ErrMessageTooLarge{Size: len(data)}
		}
		return fmt.Errorf("rpc: send: %w", err)
	}
	return nil
}

// SendAndRecv sends payload and blocks for the reply.
func (s *Socket) SendAndRecv(payload any, fds []int) (map[string]any, *FdSet, error) {
	if err := s.Send(payload, fds); err != nil {
		return nil, nil, err
	}
	return s.Recv()
}
