package hostservice

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"osbuild-go/rpc"
)

// loopInfo64 mirrors struct loop_info64 from <linux/loop.h>, used with
// LOOP_SET_STATUS64/LOOP_GET_STATUS64. Field layout grounded on
// go.podman.io/storage/pkg/loopback (vendored in jesseduffield-lazydocker).
type loopInfo64 struct {
	loDevice         uint64
	loInode          uint64
	loRdevice        uint64
	loOffset         uint64
	loSizelimit      uint64
	loNumber         uint32
	loEncryptType    uint32
	loEncryptKeySize uint32
	loFlags          uint32
	loFileName       [64]uint8
	loCryptName      [64]uint8
	loEncryptKey     [32]uint8
	loInit           [2]uint64
}

func ioctlLoopCtlGetFree(ctlFd uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, ctlFd, uintptr(unix.LOOP_CTL_GET_FREE), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(r), nil
}

func ioctlLoopSetFd(loopFd, backingFd uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, loopFd, uintptr(unix.LOOP_SET_FD), backingFd)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlLoopSetStatus64(loopFd uintptr, info *loopInfo64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, loopFd, uintptr(unix.LOOP_SET_STATUS64), uintptr(unsafe.Pointer(info)))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlLoopClrFd(loopFd uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, loopFd, uintptr(unix.LOOP_CLR_FD), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// loopDevice is one pinned loop binding, kept alive for the lifetime of the
// LoopService, matching remoteloop.py's LoopServer pinning `self.devs`.
type loopDevice struct {
	minor int
	file  *os.File
}

func (d *loopDevice) devname() string {
	return fmt.Sprintf("loop%d", d.minor)
}

func (d *loopDevice) close() error {
	err := ioctlLoopClrFd(d.file.Fd())
	d.file.Close()
	return err
}

// LoopService implements the "remoteloop" endpoint: creates loop devices on
// behalf of sandboxed stages, using SCM_RIGHTS-passed backing file and
// target-directory fds. Grounded on osbuild/remoteloop.py.
type LoopService struct {
	mu   sync.Mutex
	ctl  *os.File
	devs []*loopDevice
}

// NewLoopService opens /dev/loop-control and returns a ready service.
func NewLoopService() (*LoopService, error) {
	ctl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hostservice: open loop-control: %w", err)
	}
	return &LoopService{ctl: ctl}, nil
}

// Endpoint implements rpc.Service.
func (s *LoopService) Endpoint() string { return "remoteloop" }

// Handle implements rpc.Service. The payload carries fd/dir_fd as indices
// into the received FdSet, matching LoopServer._message.
func (s *LoopService) Handle(method string, msg map[string]any, fds *rpc.FdSet) (map[string]any, []int, error) {
	if method != "" && method != "create" {
		return nil, nil, &rpc.ProtocolError{Detail: "remoteloop: unknown method " + method}
	}

	fdIdx, _ := msg["fd"].(float64)
	dirFdIdx, _ := msg["dir_fd"].(float64)
	if fds == nil || int(fdIdx) >= fds.Len() || int(dirFdIdx) >= fds.Len() {
		return nil, nil, &rpc.ProtocolError{Detail: "remoteloop: fd indices out of range"}
	}

	backingFd := fds.At(int(fdIdx))
	dirFd := fds.At(int(dirFdIdx))

	var offset, sizelimit uint64
	if v, ok := msg["offset"].(float64); ok {
		offset = uint64(v)
	}
	if v, ok := msg["sizelimit"].(float64); ok {
		sizelimit = uint64(v)
	}

	devname, err := s.createDevice(backingFd, dirFd, offset, sizelimit)
	if err != nil {
		return nil, nil, err
	}
	return map[string]any{"devname": devname}, nil, nil
}

func (s *LoopService) createDevice(backingFd, dirFd int, offset, sizelimit uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	minor, err := ioctlLoopCtlGetFree(s.ctl.Fd())
	if err != nil {
		return "", fmt.Errorf("hostservice: loop-control get free: %w", err)
	}

	devPath := fmt.Sprintf("/dev/loop%d", minor)
	loopFile, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("hostservice: open %s: %w", devPath, err)
	}

	if err := ioctlLoopSetFd(loopFile.Fd(), uintptr(backingFd)); err != nil {
		loopFile.Close()
		return "", fmt.Errorf("hostservice: LOOP_SET_FD: %w", err)
	}

	info := &loopInfo64{
		loOffset:    offset,
		loSizelimit: sizelimit,
		loFlags:     unix.LO_FLAGS_AUTOCLEAR,
	}
	if err := ioctlLoopSetStatus64(loopFile.Fd(), info); err != nil {
		ioctlLoopClrFd(loopFile.Fd())
		loopFile.Close()
		return "", fmt.Errorf("hostservice: LOOP_SET_STATUS64: %w", err)
	}

	dev := &loopDevice{minor: minor, file: loopFile}
	s.devs = append(s.devs, dev)

	name := dev.devname()
	if dirFd >= 0 {
		if err := unix.Mknodat(dirFd, name, syscall.S_IFBLK|0o660, int(unix.Mkdev(7, uint32(minor)))); err != nil && err != unix.EEXIST {
			return "", fmt.Errorf("hostservice: mknodat %s: %w", name, err)
		}
	}
	return name, nil
}

// Close releases every pinned loop binding, matching LoopServer._cleanup.
func (s *LoopService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, d := range s.devs {
		if err := d.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.devs = nil
	s.ctl.Close()
	return firstErr
}

// DeviceDriver returns a DeviceDriver that opens a loop device backed by
// options["path"], suitable for DeviceService.RegisterDriver under
// info_name "org.osbuild.loopback". Unlike the remoteloop RPC endpoint
// (which exists for the sandboxed-stage side of the boundary, taking fds
// over SCM_RIGHTS), this runs in-process on the host side of the device
// service, since DeviceService and LoopService both live host-side.
func (s *LoopService) DeviceDriver() DeviceDriver {
	return func(options map[string]any, _ string) (string, uint32, uint32, func() error, error) {
		backingPath, _ := options["path"].(string)
		if backingPath == "" {
			return "", 0, 0, nil, fmt.Errorf("hostservice: org.osbuild.loopback requires options.path")
		}
		backing, err := os.OpenFile(backingPath, os.O_RDWR, 0)
		if err != nil {
			return "", 0, 0, nil, fmt.Errorf("hostservice: open backing file %s: %w", backingPath, err)
		}
		defer backing.Close()

		var offset, sizelimit uint64
		if v, ok := options["offset"].(float64); ok {
			offset = uint64(v)
		}
		if v, ok := options["sizelimit"].(float64); ok {
			sizelimit = uint64(v)
		}

		devName, err := s.createDevice(int(backing.Fd()), -1, offset, sizelimit)
		if err != nil {
			return "", 0, 0, nil, err
		}

		devPath := "/dev/" + devName
		var minor int
		fmt.Sscanf(devName, "loop%d", &minor)
		closeFn := func() error { return nil } // pinned device released by LoopService.Close
		return devPath, 7, uint32(minor), closeFn, nil
	}
}
