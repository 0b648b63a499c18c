// Package errors provides predefined sentinel errors for common failure cases.
package errors

// Manifest validation errors.
var (
	// ErrDuplicateName indicates two pipelines (or stages) share a name.
	ErrDuplicateName = &BuildError{
		Kind:   ErrValidation,
		Detail: "duplicate name in manifest",
	}

	// ErrUnresolvedBuildRef indicates a build_ref does not resolve to an
	// existing pipeline.
	ErrUnresolvedBuildRef = &BuildError{
		Kind:   ErrValidation,
		Detail: "build_ref does not resolve to a pipeline",
	}

	// ErrUnresolvedInputRef indicates an origin=pipeline input ref does not
	// resolve to an existing pipeline.
	ErrUnresolvedInputRef = &BuildError{
		Kind:   ErrValidation,
		Detail: "input ref does not resolve to a pipeline",
	}

	// ErrUnresolvedMountSource indicates a mount's source_device does not
	// name a device declared in the same stage.
	ErrUnresolvedMountSource = &BuildError{
		Kind:   ErrValidation,
		Detail: "mount source_device not declared in stage",
	}

	// ErrPipelineCycle indicates a build_ref cycle among pipelines.
	ErrPipelineCycle = &BuildError{
		Kind:   ErrCycle,
		Detail: "cycle in pipeline build_ref graph",
	}

	// ErrDeviceCycle indicates a parent cycle among a stage's devices.
	ErrDeviceCycle = &BuildError{
		Kind:   ErrCycle,
		Detail: "cycle in device parent graph",
	}
)

// Object store errors.
var (
	// ErrBusyRead indicates a write was attempted while a reader is live.
	ErrBusyRead = &BuildError{
		Kind:   ErrBusyObject,
		Detail: "object has a live reader",
	}

	// ErrBusyWrite indicates an operation was attempted while a writer is live.
	ErrBusyWrite = &BuildError{
		Kind:   ErrBusyObject,
		Detail: "object has a live writer",
	}

	// ErrObjectInUse indicates finalize was attempted with an outstanding writer.
	ErrObjectInUse = &BuildError{
		Kind:   ErrInUse,
		Detail: "object has an outstanding writer",
	}

	// ErrNotWritable indicates a write was attempted on a read-only object
	// (e.g. HostTree).
	ErrNotWritable = &BuildError{
		Kind:   ErrInUse,
		Detail: "object is not writable",
	}
)

// RPC errors.
var (
	// ErrMessageTooLarge indicates a send exceeded the kernel's per-message limit.
	ErrMessageTooLarge = &BuildError{
		Kind:   ErrProtocol,
		Detail: "message exceeds socket buffer limit",
	}

	// ErrUnknownMethod indicates a service received a method it does not implement.
	ErrUnknownMethod = &BuildError{
		Kind:   ErrProtocol,
		Detail: "unknown method",
	}

	// ErrDuplicateEndpoint indicates two services registered the same endpoint name.
	ErrDuplicateEndpoint = &BuildError{
		Kind:   ErrInvalidConfig,
		Detail: "duplicate service endpoint",
	}
)

// Sandbox errors.
var (
	// ErrNamespaceSetup indicates a namespace setup error.
	ErrNamespaceSetup = &BuildError{
		Kind:   ErrNamespace,
		Detail: "failed to setup namespace",
	}

	// ErrCgroupSetup indicates a cgroup setup error.
	ErrCgroupSetup = &BuildError{
		Kind:   ErrCgroup,
		Detail: "failed to setup cgroup",
	}

	// ErrCapabilityDrop indicates a capability drop error.
	ErrCapabilityDrop = &BuildError{
		Kind:   ErrCapability,
		Detail: "failed to drop capabilities",
	}

	// ErrDeviceCreate indicates a device node creation error.
	ErrDeviceCreate = &BuildError{
		Kind:   ErrDevice,
		Detail: "failed to create device",
	}

	// ErrRootfsSetup indicates a build-root filesystem setup error.
	ErrRootfsSetup = &BuildError{
		Kind:   ErrRootfs,
		Detail: "failed to setup build root filesystem",
	}

	// ErrPivotRoot indicates a pivot_root error.
	ErrPivotRoot = &BuildError{
		Kind:   ErrRootfs,
		Detail: "failed to pivot_root",
	}

	// ErrMountFailed indicates a mount(2) error during build-root setup.
	ErrMountFailed = &BuildError{
		Kind:   ErrMount,
		Detail: "failed to mount",
	}

	// ErrLoopSetup indicates a loop-control ioctl failure.
	ErrLoopSetup = &BuildError{
		Kind:   ErrLoop,
		Detail: "failed to set up loop device",
	}
)

// Stage execution errors.
var (
	// ErrStageNonZero indicates the stage process exited with a non-zero code.
	ErrStageNonZero = &BuildError{
		Kind:   ErrStageFailed,
		Detail: "stage exited with non-zero status",
	}

	// ErrBuildCancelled indicates the build was interrupted.
	ErrBuildCancelled = &BuildError{
		Kind:   ErrCancelled,
		Detail: "build cancelled",
	}
)
