package rpc

import "syscall"

// FdSet wraps a slice of received file descriptors. Unlike a plain int
// slice, FdSet owns them: closing the set closes every entry still held.
// Once constructed, the only operations are querying and stealing — see
// jsoncomm.py's FdSet, which this ports one-for-one.
type FdSet struct {
	fds []int
}

// newFdSet takes ownership of fds.
func newFdSet(fds []int) *FdSet {
	return &FdSet{fds: fds}
}

// Len returns the number of (still-owned or stolen) slots in the set.
func (s *FdSet) Len() int {
	return len(s.fds)
}

// At returns the fd at index i. It panics if the slot was stolen or the
// index is out of range, matching the original's IndexError-on-stolen
// behavior.
func (s *FdSet) At(i int) int {
	fd := s.fds[i]
	if fd < 0 {
		panic("rpc: fd at index already stolen")
	}
	return fd
}

// Steal returns the fd at index i and transfers ownership to the caller:
// the set will no longer close it. Indices are not reshuffled.
func (s *FdSet) Steal(i int) int {
	fd := s.At(i)
	s.fds[i] = -1
	return fd
}

// Close closes every fd still owned by the set. Safe to call multiple
// times.
func (s *FdSet) Close() {
	for i, fd := range s.fds {
		if fd >= 0 {
			syscall.Close(fd)
			s.fds[i] = -1
		}
	}
}
