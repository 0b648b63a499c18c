// Package buildroot sets up the sandboxed environment a single stage runs
// in: a pivoted root filesystem, a minimal set of kernel-visible mounts, the
// host service sockets the stage's API client can reach, and a dropped
// capability set. Grounded on the teacher's linux/rootfs.go,
// linux/namespace.go, linux/devices.go and linux/capabilities.go, which did
// the equivalent work for a long-lived container init process; here the
// same primitives build a one-shot sandbox for a single stage binary.
package buildroot

import "osbuild-go/spec"

// Bind is a caller-declared host:sandbox path pair, the Go equivalent of a
// bwrap --bind/--ro-bind argument.
type Bind struct {
	Host     string
	Sandbox  string
	ReadOnly bool
}

// DefaultCapabilities is the capability allowlist every stage gets,
// ported from stage.py's DEFAULT_CAPABILITIES.
var DefaultCapabilities = []string{
	"CAP_AUDIT_WRITE",
	"CAP_CHOWN",
	"CAP_DAC_OVERRIDE",
	"CAP_DAC_READ_SEARCH",
	"CAP_FOWNER",
	"CAP_FSETID",
	"CAP_IPC_LOCK",
	"CAP_LINUX_IMMUTABLE",
	"CAP_MAC_OVERRIDE",
	"CAP_MKNOD",
	"CAP_NET_BIND_SERVICE",
	"CAP_SETFCAP",
	"CAP_SETGID",
	"CAP_SETPCAP",
	"CAP_SETUID",
	"CAP_SYS_ADMIN",
	"CAP_SYS_CHROOT",
	"CAP_SYS_NICE",
	"CAP_SYS_RESOURCE",
}

// Config describes one stage invocation's sandbox.
type Config struct {
	// RootfsPath is the populated runner/os tree to pivot into (boot + usr
	// at minimum; lib*/bin/sbin are expected to be symlinks into usr, as on
	// any modern usr-merged tree).
	RootfsPath string

	// LibDirs are host paths bound read-only under /run/osbuild/lib, in
	// order, so the stage binary can import the runtime's own Python/Go
	// module tree regardless of what's installed in RootfsPath.
	LibDirs []string

	// Binds are caller-declared binds, applied after the fixed /dev,
	// /dev/shm, /run, /tmp, /var and /sys mounts and the LibDirs binds, and
	// before service sockets. /proc is mounted later, after the pivot.
	Binds []Bind

	// ServiceSockets maps a host-service name to its host-side socket path;
	// each is bound under /run/osbuild/api/<name>.
	ServiceSockets map[string]string

	// ExtraCapabilities are capability names a stage declares beyond
	// DefaultCapabilities (stage.py allows a stage's info to widen this).
	ExtraCapabilities []string

	// Env is the environment passed to Argv[0]. PATH is always forced to
	// /usr/sbin:/usr/bin regardless of what's passed here.
	Env []string

	// Argv is the runner binary, the stage's binary, and the arguments-file
	// path, in that order — the command actually exec'd inside the sandbox.
	Argv []string

	// SeccompProfile, if set, is installed just before exec'ing Argv[0].
	// Stages don't get one by default: a wrong default action risks
	// breaking runner binaries in ways that are hard for a caller to
	// diagnose from outside the sandbox.
	SeccompProfile *spec.LinuxSeccomp

	// CgroupPath, if non-empty, is a cgroup (relative to /sys/fs/cgroup)
	// that Run moves the sandboxed process into right after starting it;
	// the process is not held back while this happens.
	CgroupPath string

	// ResourceLimits, if set alongside CgroupPath, is applied to that
	// cgroup after the process has been moved into it.
	ResourceLimits *spec.LinuxResources
}

// capabilities returns the full capability name set for this config: the
// default allowlist plus any stage-declared extras, deduplicated.
func (c *Config) capabilities() []string {
	seen := make(map[string]bool, len(DefaultCapabilities)+len(c.ExtraCapabilities))
	var out []string
	for _, name := range DefaultCapabilities {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, name := range c.ExtraCapabilities {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
