package hostservice

import (
	"fmt"
	"sync"

	"osbuild-go/rpc"
)

// DeviceDriver creates one kernel-level or userspace device representation
// given its declared options and (if any) its already-open parent's path.
// Concrete drivers are registered per info_name, matching the "registry of
// typed handlers" design note in SPEC_FULL.md §9.
type DeviceDriver func(options map[string]any, parentPath string) (path string, major, minor uint32, closeFn func() error, err error)

type openDevice struct {
	path        string
	major       uint32
	minor       uint32
	close       func() error
}

// DeviceService implements the "device" endpoint: open/close of
// stage-scoped kernel resources (loop devices, device-mapper entries,
// partition nodes). The caller is responsible for sequencing opens in
// parent-before-child order per the manifest's declared device graph (see
// SPEC_FULL.md §4.4.4); this service opens exactly the device it's asked
// for, given its parent's already-resolved path.
type DeviceService struct {
	mu      sync.Mutex
	drivers map[string]DeviceDriver
	opened  map[string]*openDevice
	order   []string
}

// NewDeviceService returns an empty device service. Register drivers with
// RegisterDriver before use.
func NewDeviceService() *DeviceService {
	return &DeviceService{
		drivers: make(map[string]DeviceDriver),
		opened:  make(map[string]*openDevice),
	}
}

// RegisterDriver adds a driver for the given info_name.
func (s *DeviceService) RegisterDriver(infoName string, driver DeviceDriver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[infoName] = driver
}

// Endpoint implements rpc.Service.
func (s *DeviceService) Endpoint() string { return "device" }

// Handle implements rpc.Service.
func (s *DeviceService) Handle(method string, msg map[string]any, fds *rpc.FdSet) (map[string]any, []int, error) {
	switch method {
	case "open":
		return s.open(msg)
	case "close":
		return s.close(msg)
	default:
		return nil, nil, &rpc.ProtocolError{Detail: "device: unknown method " + method}
	}
}

func (s *DeviceService) open(msg map[string]any) (map[string]any, []int, error) {
	name, _ := msg["name"].(string)
	infoName, _ := msg["info_name"].(string)
	parentPath, _ := msg["parent_path"].(string)
	options, _ := msg["options"].(map[string]any)

	s.mu.Lock()
	driver, ok := s.drivers[infoName]
	s.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("device: no driver registered for %q", infoName)
	}

	path, major, minor, closeFn, err := driver(options, parentPath)
	if err != nil {
		return nil, nil, fmt.Errorf("device: open %s: %w", name, err)
	}

	s.mu.Lock()
	s.opened[name] = &openDevice{path: path, major: major, minor: minor, close: closeFn}
	s.order = append(s.order, name)
	s.mu.Unlock()

	return map[string]any{
		"path": path,
		"node": map[string]any{"major": major, "minor": minor},
	}, nil, nil
}

func (s *DeviceService) close(msg map[string]any) (map[string]any, []int, error) {
	name, _ := msg["name"].(string)

	s.mu.Lock()
	dev, ok := s.opened[name]
	if ok {
		delete(s.opened, name)
	}
	s.mu.Unlock()

	if !ok {
		return map[string]any{}, nil, nil
	}
	if dev.close != nil {
		if err := dev.close(); err != nil {
			return nil, nil, err
		}
	}
	return map[string]any{}, nil, nil
}

// Close releases every still-open device in reverse-open order, matching
// "close releases in reverse order" in SPEC_FULL.md §4.4.4.
func (s *DeviceService) Close() error {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		s.mu.Lock()
		dev, ok := s.opened[name]
		delete(s.opened, name)
		s.mu.Unlock()
		if !ok {
			continue
		}
		if dev.close != nil {
			if err := dev.close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
