// Package spec defines the subset of the OCI Runtime Specification structures
// the sandbox actually builds: enough of config.json's schema to describe a
// stage's rootfs, mounts, capabilities, seccomp filter and cgroup resource
// limits.
// Reference: https://github.com/opencontainers/runtime-spec/blob/main/config.md
package spec

import "os"

// Version is the OCI Runtime Specification version this implementation targets.
const Version = "1.0.2"

// Spec is the base configuration passed to rootfs/namespace/capability setup.
type Spec struct {
	// Version is the OCI Runtime Specification version.
	Version string `json:"ociVersion"`

	// Root configures the sandbox's root filesystem.
	Root *Root `json:"root,omitempty"`

	// Mounts configures additional mounts (on top of Root).
	Mounts []Mount `json:"mounts,omitempty"`

	// Linux is platform-specific configuration for Linux based sandboxes.
	Linux *Linux `json:"linux,omitempty"`
}

// LinuxCapabilities specifies the capabilities to keep for the sandboxed process.
type LinuxCapabilities struct {
	// Bounding is the set of capabilities checked by the kernel.
	Bounding []string `json:"bounding,omitempty"`

	// Effective is the set of capabilities checked by the kernel for permission checks.
	Effective []string `json:"effective,omitempty"`

	// Inheritable is the set of capabilities preserved across an execve.
	Inheritable []string `json:"inheritable,omitempty"`

	// Permitted is the limiting superset for the effective capabilities.
	Permitted []string `json:"permitted,omitempty"`

	// Ambient is the set of capabilities that are preserved across execve for unprivileged programs.
	Ambient []string `json:"ambient,omitempty"`
}

// Root contains information about the sandbox's root filesystem.
type Root struct {
	// Path is the path to the root filesystem.
	Path string `json:"path"`

	// Readonly makes the root filesystem readonly before the process is executed.
	Readonly bool `json:"readonly,omitempty"`
}

// Mount specifies a mount for the sandbox.
type Mount struct {
	// Destination is the path inside the sandbox.
	Destination string `json:"destination"`

	// Type specifies the mount type.
	Type string `json:"type,omitempty"`

	// Source specifies the source path of the mount.
	Source string `json:"source,omitempty"`

	// Options are fstab-style mount options.
	Options []string `json:"options,omitempty"`

	// UIDMappings specifies the user mappings for the mount's user namespace.
	UIDMappings []LinuxIDMapping `json:"uidMappings,omitempty"`

	// GIDMappings specifies the group mappings for the mount's user namespace.
	GIDMappings []LinuxIDMapping `json:"gidMappings,omitempty"`
}

// Linux contains platform-specific configuration for Linux based sandboxes.
type Linux struct {
	// UIDMappings specifies user mappings for user namespaces.
	UIDMappings []LinuxIDMapping `json:"uidMappings,omitempty"`

	// GIDMappings specifies group mappings for user namespaces.
	GIDMappings []LinuxIDMapping `json:"gidMappings,omitempty"`

	// Resources contains cgroup resource restrictions.
	Resources *LinuxResources `json:"resources,omitempty"`

	// CgroupsPath specifies the path to cgroups that are created/joined.
	CgroupsPath string `json:"cgroupsPath,omitempty"`

	// Namespaces contains the namespaces that are created/joined.
	Namespaces []LinuxNamespace `json:"namespaces,omitempty"`

	// Devices are a list of device nodes to create in the sandbox.
	Devices []LinuxDevice `json:"devices,omitempty"`

	// Seccomp specifies the seccomp security settings for the sandbox.
	Seccomp *LinuxSeccomp `json:"seccomp,omitempty"`

	// RootfsPropagation is the rootfs mount propagation mode.
	RootfsPropagation string `json:"rootfsPropagation,omitempty"`

	// MaskedPaths masks over the provided paths inside the sandbox.
	MaskedPaths []string `json:"maskedPaths,omitempty"`

	// ReadonlyPaths sets the provided paths as readonly inside the sandbox.
	ReadonlyPaths []string `json:"readonlyPaths,omitempty"`
}

// LinuxIDMapping specifies UID/GID mappings.
type LinuxIDMapping struct {
	// ContainerID is the starting uid/gid inside the sandbox.
	ContainerID uint32 `json:"containerID"`

	// HostID is the starting uid/gid on the host to be mapped to containerID.
	HostID uint32 `json:"hostID"`

	// Size is the number of ids to be mapped.
	Size uint32 `json:"size"`
}

// LinuxNamespace is the configuration for a Linux namespace.
type LinuxNamespace struct {
	// Type is the type of namespace.
	Type LinuxNamespaceType `json:"type"`

	// Path is a path to an existing namespace to join.
	Path string `json:"path,omitempty"`
}

// LinuxNamespaceType is one of the Linux namespaces.
type LinuxNamespaceType string

// Namespace types
const (
	PIDNamespace     LinuxNamespaceType = "pid"
	NetworkNamespace LinuxNamespaceType = "network"
	MountNamespace   LinuxNamespaceType = "mount"
	IPCNamespace     LinuxNamespaceType = "ipc"
	UTSNamespace     LinuxNamespaceType = "uts"
	UserNamespace    LinuxNamespaceType = "user"
	CgroupNamespace  LinuxNamespaceType = "cgroup"
	TimeNamespace    LinuxNamespaceType = "time"
)

// LinuxDevice represents a device node.
type LinuxDevice struct {
	// Path to the device.
	Path string `json:"path"`

	// Type is the device type, block, char, etc.
	Type string `json:"type"`

	// Major is the device's major number.
	Major int64 `json:"major"`

	// Minor is the device's minor number.
	Minor int64 `json:"minor"`

	// FileMode permission bits for the device.
	FileMode *os.FileMode `json:"fileMode,omitempty"`

	// UID of the device.
	UID *uint32 `json:"uid,omitempty"`

	// GID of the device.
	GID *uint32 `json:"gid,omitempty"`
}

// LinuxResources has resource constraints applied via cgroups.
type LinuxResources struct {
	// Devices configures the device allowlist.
	Devices []LinuxDeviceCgroup `json:"devices,omitempty"`

	// Memory restriction configuration.
	Memory *LinuxMemory `json:"memory,omitempty"`

	// CPU resource restriction configuration.
	CPU *LinuxCPU `json:"cpu,omitempty"`

	// Pids restricts the number of pids.
	Pids *LinuxPids `json:"pids,omitempty"`

	// Unified contains values for unified cgroup v2 controllers.
	Unified map[string]string `json:"unified,omitempty"`
}

// LinuxDeviceCgroup represents a device rule for the device cgroup controller.
type LinuxDeviceCgroup struct {
	// Allow or deny.
	Allow bool `json:"allow"`

	// Type is the device type: c, b, or a (all).
	Type string `json:"type,omitempty"`

	// Major is the device's major number.
	Major *int64 `json:"major,omitempty"`

	// Minor is the device's minor number.
	Minor *int64 `json:"minor,omitempty"`

	// Access is a combination of r (read), w (write), and m (mknod).
	Access string `json:"access,omitempty"`
}

// LinuxMemory for Linux cgroup 'memory' resource management.
type LinuxMemory struct {
	// Limit is the memory limit in bytes.
	Limit *int64 `json:"limit,omitempty"`

	// Reservation is the soft limit in bytes.
	Reservation *int64 `json:"reservation,omitempty"`

	// Swap is memory+swap limit in bytes.
	Swap *int64 `json:"swap,omitempty"`
}

// LinuxCPU for Linux cgroup 'cpu' resource management.
type LinuxCPU struct {
	// Shares is the CPU shares (relative weight).
	Shares *uint64 `json:"shares,omitempty"`

	// Quota is the CPU hardcap limit (in usecs). 0 means no limit.
	Quota *int64 `json:"quota,omitempty"`

	// Period is the CPU period to be used in usecs.
	Period *uint64 `json:"period,omitempty"`

	// Cpus is the list of CPUs the sandbox will run on (comma-separated list or ranges).
	Cpus string `json:"cpus,omitempty"`

	// Mems is the list of memory nodes the sandbox will run on (comma-separated list or ranges).
	Mems string `json:"mems,omitempty"`
}

// LinuxPids for Linux cgroup 'pids' resource management.
type LinuxPids struct {
	// Limit is the maximum number of PIDs.
	Limit int64 `json:"limit"`
}

// LinuxSeccomp represents syscall filtering configuration.
type LinuxSeccomp struct {
	// DefaultAction is the default action when no rules match.
	DefaultAction LinuxSeccompAction `json:"defaultAction"`

	// Architectures specifies the architectures this configuration applies to.
	Architectures []Arch `json:"architectures,omitempty"`

	// Flags are seccomp flags (e.g., SECCOMP_FILTER_FLAG_LOG).
	Flags []LinuxSeccompFlag `json:"flags,omitempty"`

	// Syscalls specifies syscall filtering rules.
	Syscalls []LinuxSyscall `json:"syscalls,omitempty"`
}

// LinuxSeccompAction is the action to take when a syscall matches.
type LinuxSeccompAction string

// Seccomp actions
const (
	ActKill        LinuxSeccompAction = "SCMP_ACT_KILL"
	ActKillProcess LinuxSeccompAction = "SCMP_ACT_KILL_PROCESS"
	ActKillThread  LinuxSeccompAction = "SCMP_ACT_KILL_THREAD"
	ActTrap        LinuxSeccompAction = "SCMP_ACT_TRAP"
	ActErrno       LinuxSeccompAction = "SCMP_ACT_ERRNO"
	ActTrace       LinuxSeccompAction = "SCMP_ACT_TRACE"
	ActAllow       LinuxSeccompAction = "SCMP_ACT_ALLOW"
	ActLog         LinuxSeccompAction = "SCMP_ACT_LOG"
	ActNotify      LinuxSeccompAction = "SCMP_ACT_NOTIFY"
)

// Arch is the architecture type.
type Arch string

// Architecture types
const (
	ArchX86     Arch = "SCMP_ARCH_X86"
	ArchX86_64  Arch = "SCMP_ARCH_X86_64"
	ArchARM     Arch = "SCMP_ARCH_ARM"
	ArchAARCH64 Arch = "SCMP_ARCH_AARCH64"
)

// LinuxSeccompFlag is a flag for seccomp.
type LinuxSeccompFlag string

// Seccomp flags
const (
	SeccompFlagLog       LinuxSeccompFlag = "SECCOMP_FILTER_FLAG_LOG"
	SeccompFlagSpecAllow LinuxSeccompFlag = "SECCOMP_FILTER_FLAG_SPEC_ALLOW"
	SeccompFlagWaitKill  LinuxSeccompFlag = "SECCOMP_FILTER_FLAG_WAIT_KILLABLE_RECV"
)

// LinuxSyscall specifies a syscall filter rule.
type LinuxSyscall struct {
	// Names specifies the names of the syscalls.
	Names []string `json:"names"`

	// Action is the action to take when the syscall is matched.
	Action LinuxSeccompAction `json:"action"`

	// ErrnoRet is the errno return value when action is SCMP_ACT_ERRNO.
	ErrnoRet *uint `json:"errnoRet,omitempty"`

	// Args specifies conditions on syscall arguments.
	Args []LinuxSeccompArg `json:"args,omitempty"`
}

// LinuxSeccompArg specifies a condition on a syscall argument.
type LinuxSeccompArg struct {
	// Index is the argument index (0-5).
	Index uint `json:"index"`

	// Value is the value to compare against.
	Value uint64 `json:"value"`

	// ValueTwo is the second value for range comparisons.
	ValueTwo uint64 `json:"valueTwo,omitempty"`

	// Op is the comparison operator.
	Op LinuxSeccompOperator `json:"op"`
}

// LinuxSeccompOperator is the comparison operator for seccomp argument checks.
type LinuxSeccompOperator string

// Seccomp operators
const (
	OpNotEqual     LinuxSeccompOperator = "SCMP_CMP_NE"
	OpLessThan     LinuxSeccompOperator = "SCMP_CMP_LT"
	OpLessEqual    LinuxSeccompOperator = "SCMP_CMP_LE"
	OpEqualTo      LinuxSeccompOperator = "SCMP_CMP_EQ"
	OpGreaterEqual LinuxSeccompOperator = "SCMP_CMP_GE"
	OpGreaterThan  LinuxSeccompOperator = "SCMP_CMP_GT"
	OpMaskedEqual  LinuxSeccompOperator = "SCMP_CMP_MASKED_EQ"
)
