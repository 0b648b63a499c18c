package hostservice

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"osbuild-go/rpc"
)

// MountDriver mounts sourceDevicePath at target according to options. One
// driver per info_name, matching SPEC_FULL.md §4.4.5's "one fs driver per
// info" rule.
type MountDriver func(sourceDevicePath, target string, options map[string]any) error

// MountService implements the "mount" endpoint.
type MountService struct {
	mu      sync.Mutex
	drivers map[string]MountDriver
	mounted map[string]string
	order   []string
}

// NewMountService returns a mount service pre-registered with the generic
// filesystem-type driver ("org.osbuild.generic.mount": mounts via the
// kernel's normal mount(2) with an explicit fstype) and a bind driver
// ("org.osbuild.bind.mount").
func NewMountService() *MountService {
	s := &MountService{
		drivers: make(map[string]MountDriver),
		mounted: make(map[string]string),
	}
	s.RegisterDriver("org.osbuild.generic.mount", genericMount)
	s.RegisterDriver("org.osbuild.bind.mount", bindDriverMount)
	return s
}

// RegisterDriver adds a driver for the given info_name.
func (s *MountService) RegisterDriver(infoName string, driver MountDriver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[infoName] = driver
}

// Endpoint implements rpc.Service.
func (s *MountService) Endpoint() string { return "mount" }

// Handle implements rpc.Service.
func (s *MountService) Handle(method string, msg map[string]any, fds *rpc.FdSet) (map[string]any, []int, error) {
	switch method {
	case "mount":
		return s.mount(msg)
	case "umount":
		return s.umount(msg)
	default:
		return nil, nil, &rpc.ProtocolError{Detail: "mount: unknown method " + method}
	}
}

func (s *MountService) mount(msg map[string]any) (map[string]any, []int, error) {
	name, _ := msg["name"].(string)
	infoName, _ := msg["info_name"].(string)
	source, _ := msg["source_device_path"].(string)
	target, _ := msg["target"].(string)
	options, _ := msg["options"].(map[string]any)

	s.mu.Lock()
	driver, ok := s.drivers[infoName]
	s.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("mount: no driver registered for %q", infoName)
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, nil, fmt.Errorf("mount: mkdir %s: %w", target, err)
	}
	if err := driver(source, target, options); err != nil {
		return nil, nil, fmt.Errorf("mount: %s at %s: %w", name, target, err)
	}

	s.mu.Lock()
	s.mounted[name] = target
	s.order = append(s.order, name)
	s.mu.Unlock()

	return map[string]any{"path": target}, nil, nil
}

func (s *MountService) umount(msg map[string]any) (map[string]any, []int, error) {
	name, _ := msg["name"].(string)

	s.mu.Lock()
	target, ok := s.mounted[name]
	delete(s.mounted, name)
	s.mu.Unlock()

	if !ok {
		return map[string]any{}, nil, nil
	}
	return map[string]any{}, nil, lazyUnmount(target)
}

// Close unmounts everything still mounted, in reverse order, retrying
// lazily on failure per SPEC_FULL.md §4.4.5.
func (s *MountService) Close() error {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		s.mu.Lock()
		target, ok := s.mounted[name]
		delete(s.mounted, name)
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := lazyUnmount(target); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func lazyUnmount(target string) error {
	if err := unix.Unmount(target, 0); err == nil {
		return nil
	}
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("mount: lazy unmount %s: %w", target, err)
	}
	return nil
}

func genericMount(source, target string, options map[string]any) error {
	fstype, _ := options["fstype"].(string)
	if fstype == "" {
		return fmt.Errorf("mount: org.osbuild.generic.mount requires options.fstype")
	}
	var flags uintptr
	var data []string
	if ro, _ := options["readonly"].(bool); ro {
		flags |= unix.MS_RDONLY
	}
	if v, ok := options["data"].(string); ok {
		data = append(data, v)
	}
	return unix.Mount(source, target, fstype, flags, strings.Join(data, ","))
}

func bindDriverMount(source, target string, options map[string]any) error {
	args := []string{"--rbind", "--make-rprivate"}
	if ro, _ := options["readonly"].(bool); ro {
		args = append(args, "-o", "ro")
	}
	args = append(args, source, target)
	out, err := exec.Command("mount", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}
