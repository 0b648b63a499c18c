package rpc

import "fmt"

// ErrMessageTooLarge is returned by Send when the kernel rejects a message
// with EMSGSIZE, kept distinct from generic I/O errors so callers can tell
// an oversized payload apart from other failures. This package has no
// alternative transport for large payloads (no memfd path): an oversized
// message is not sent.
type ErrMessageTooLarge struct {
	Size int
}

func (e *ErrMessageTooLarge) Error() string {
	return fmt.Sprintf("rpc: message size %d is too big", e.Size)
}

// ProtocolError indicates a malformed payload or an unknown method name —
// fatal to the current call, but the caller decides broader policy.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rpc: protocol error: %s", e.Detail)
}

// RemoteError is raised when a service handler reports failure via the
// reserved "exception" method, carrying a kind and message from the
// handler side.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("rpc: remote error (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("rpc: remote error: %s", e.Message)
}

// exceptionMethod is the reserved method name a service handler uses to
// signal RemoteError instead of replying normally.
const exceptionMethod = "exception"
