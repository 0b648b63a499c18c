package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKind_String(t *testing.T) {
	tests := []struct {
		kind     ErrorKind
		expected string
	}{
		{ErrNotFound, "not found"},
		{ErrAlreadyExists, "already exists"},
		{ErrInvalidState, "invalid state"},
		{ErrInvalidConfig, "invalid config"},
		{ErrPermission, "permission denied"},
		{ErrResource, "resource error"},
		{ErrNamespace, "namespace error"},
		{ErrCgroup, "cgroup error"},
		{ErrSeccomp, "seccomp error"},
		{ErrCapability, "capability error"},
		{ErrDevice, "device error"},
		{ErrRootfs, "rootfs error"},
		{ErrInternal, "internal error"},
		{ErrValidation, "validation error"},
		{ErrUnknownModule, "unknown module"},
		{ErrCycle, "dependency cycle"},
		{ErrBusyObject, "object busy"},
		{ErrInUse, "object in use"},
		{ErrProtocol, "protocol error"},
		{ErrRemote, "remote error"},
		{ErrMount, "mount error"},
		{ErrLoop, "loop device error"},
		{ErrStageFailed, "stage failed"},
		{ErrCancelled, "cancelled"},
		{ErrorKind(999), "unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.expected {
				t.Errorf("ErrorKind.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestBuildError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *BuildError
		expected string
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: "<nil>",
		},
		{
			name: "full error",
			err: &BuildError{
				Op:       "stage.run",
				Pipeline: "build",
				Stage:    "org.osbuild.rpm",
				Kind:     ErrStageFailed,
				Detail:   "exit code 1",
				Err:      fmt.Errorf("signal: killed"),
			},
			expected: "pipeline build: stage org.osbuild.rpm: stage.run: exit code 1: signal: killed",
		},
		{
			name: "without pipeline",
			err: &BuildError{
				Op:     "setup",
				Kind:   ErrRootfs,
				Detail: "pivot_root failed",
			},
			expected: "setup: pivot_root failed",
		},
		{
			name: "kind only",
			err: &BuildError{
				Kind: ErrPermission,
			},
			expected: "permission denied",
		},
		{
			name: "with underlying error",
			err: &BuildError{
				Op:   "mount",
				Kind: ErrMount,
				Err:  fmt.Errorf("device busy"),
			},
			expected: "mount: mount error: device busy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("BuildError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestBuildError_Unwrap(t *testing.T) {
	underlying := fmt.Errorf("underlying error")
	err := &BuildError{
		Op:   "test",
		Kind: ErrInternal,
		Err:  underlying,
	}

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}

	var nilErr *BuildError
	if got := nilErr.Unwrap(); got != nil {
		t.Errorf("nil.Unwrap() = %v, want nil", got)
	}
}

func TestBuildError_Is(t *testing.T) {
	err1 := &BuildError{Kind: ErrNotFound, Op: "test1"}
	err2 := &BuildError{Kind: ErrNotFound, Op: "test2"}
	err3 := &BuildError{Kind: ErrPermission, Op: "test3"}

	if !err1.Is(err2) {
		t.Error("err1.Is(err2) should be true (same kind)")
	}

	if err1.Is(err3) {
		t.Error("err1.Is(err3) should be false (different kind)")
	}

	if err1.Is(fmt.Errorf("some error")) {
		t.Error("err1.Is(fmt.Errorf(...)) should be false")
	}

	var nilErr *BuildError
	if !nilErr.Is(nil) {
		t.Error("nil.Is(nil) should be true")
	}
}

func TestNew(t *testing.T) {
	err := New(ErrInvalidConfig, "validate", "manifest is empty")

	if err.Kind != ErrInvalidConfig {
		t.Errorf("Kind = %v, want %v", err.Kind, ErrInvalidConfig)
	}
	if err.Op != "validate" {
		t.Errorf("Op = %q, want %q", err.Op, "validate")
	}
	if err.Detail != "manifest is empty" {
		t.Errorf("Detail = %q, want %q", err.Detail, "manifest is empty")
	}
}

func TestWrap(t *testing.T) {
	underlying := fmt.Errorf("permission denied")
	err := Wrap(underlying, ErrPermission, "open file")

	if err.Err != underlying {
		t.Error("Wrapped error should preserve underlying error")
	}
	if err.Kind != ErrPermission {
		t.Errorf("Kind = %v, want %v", err.Kind, ErrPermission)
	}
	if err.Op != "open file" {
		t.Errorf("Op = %q, want %q", err.Op, "open file")
	}
}

func TestWrapWithStage(t *testing.T) {
	underlying := fmt.Errorf("not found")
	err := WrapWithStage(underlying, ErrNotFound, "load", "build", "org.osbuild.rpm")

	if err.Pipeline != "build" {
		t.Errorf("Pipeline = %q, want %q", err.Pipeline, "build")
	}
	if err.Stage != "org.osbuild.rpm" {
		t.Errorf("Stage = %q, want %q", err.Stage, "org.osbuild.rpm")
	}
}

func TestWrapWithDetail(t *testing.T) {
	underlying := fmt.Errorf("syscall failed")
	err := WrapWithDetail(underlying, ErrSeccomp, "filter", "invalid architecture")

	if err.Detail != "invalid architecture" {
		t.Errorf("Detail = %q, want %q", err.Detail, "invalid architecture")
	}
}

func TestIsKind(t *testing.T) {
	err := &BuildError{Kind: ErrNotFound}
	wrapped := fmt.Errorf("wrapped: %w", err)

	if !IsKind(err, ErrNotFound) {
		t.Error("IsKind(err, ErrNotFound) should be true")
	}
	if !IsKind(wrapped, ErrNotFound) {
		t.Error("IsKind(wrapped, ErrNotFound) should be true")
	}
	if IsKind(err, ErrPermission) {
		t.Error("IsKind(err, ErrPermission) should be false")
	}
	if IsKind(fmt.Errorf("plain error"), ErrNotFound) {
		t.Error("IsKind(plain error, ErrNotFound) should be false")
	}
}

func TestGetKind(t *testing.T) {
	err := &BuildError{Kind: ErrCgroup}
	wrapped := fmt.Errorf("wrapped: %w", err)

	kind, ok := GetKind(err)
	if !ok || kind != ErrCgroup {
		t.Errorf("GetKind(err) = (%v, %v), want (%v, true)", kind, ok, ErrCgroup)
	}

	kind, ok = GetKind(wrapped)
	if !ok || kind != ErrCgroup {
		t.Errorf("GetKind(wrapped) = (%v, %v), want (%v, true)", kind, ok, ErrCgroup)
	}

	_, ok = GetKind(fmt.Errorf("plain error"))
	if ok {
		t.Error("GetKind(plain error) should return false")
	}
}

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  *BuildError
		kind ErrorKind
	}{
		{"ErrDuplicateName", ErrDuplicateName, ErrValidation},
		{"ErrPipelineCycle", ErrPipelineCycle, ErrCycle},
		{"ErrBusyRead", ErrBusyRead, ErrBusyObject},
		{"ErrObjectInUse", ErrObjectInUse, ErrInUse},
		{"ErrMessageTooLarge", ErrMessageTooLarge, ErrProtocol},
		{"ErrCapabilityDrop", ErrCapabilityDrop, ErrCapability},
		{"ErrNamespaceSetup", ErrNamespaceSetup, ErrNamespace},
		{"ErrCgroupSetup", ErrCgroupSetup, ErrCgroup},
		{"ErrDeviceCreate", ErrDeviceCreate, ErrDevice},
		{"ErrRootfsSetup", ErrRootfsSetup, ErrRootfs},
		{"ErrMountFailed", ErrMountFailed, ErrMount},
		{"ErrLoopSetup", ErrLoopSetup, ErrLoop},
		{"ErrStageNonZero", ErrStageNonZero, ErrStageFailed},
		{"ErrBuildCancelled", ErrBuildCancelled, ErrCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Kind != tt.kind {
				t.Errorf("%s.Kind = %v, want %v", tt.name, tt.err.Kind, tt.kind)
			}
			wrapped := Wrap(fmt.Errorf("underlying"), tt.kind, "test")
			if !errors.Is(wrapped, tt.err) {
				t.Errorf("errors.Is(wrapped, %s) should be true", tt.name)
			}
		})
	}
}

func TestErrorChain(t *testing.T) {
	underlying := fmt.Errorf("file not found")
	err1 := Wrap(underlying, ErrNotFound, "load manifest")
	err2 := fmt.Errorf("build failed: %w", err1)

	if !errors.Is(err2, New(ErrNotFound, "", "")) {
		t.Error("errors.Is should find a matching BuildError kind in chain")
	}

	var berr *BuildError
	if !errors.As(err2, &berr) {
		t.Error("errors.As should find BuildError in chain")
	}
	if berr.Op != "load manifest" {
		t.Errorf("berr.Op = %q, want %q", berr.Op, "load manifest")
	}

	if errors.Unwrap(err1) != underlying {
		t.Error("Unwrap should return underlying error")
	}
}
