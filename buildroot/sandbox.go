package buildroot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	berrors "osbuild-go/errors"
	"osbuild-go/linux"
)

// reexecSentinel is the hidden subcommand argument that tells the freshly
// re-exec'd process to enter RunInit instead of the normal CLI dispatch,
// the same trick the teacher's container/create.go uses for its "init"
// re-exec (there triggered by os.Args[1] == "init").
const reexecSentinel = "__osbuild_buildroot_init__"

// configEnvVar names the environment variable carrying the path to the
// marshaled Config the re-exec'd init reads on startup.
const configEnvVar = "OSBUILD_BUILDROOT_CONFIG"

// extraCapability is unconditionally granted on top of a stage's declared
// capabilities, matching the literal bwrap invocation's --cap-add
// CAP_MAC_ADMIN.
const extraCapability = "CAP_MAC_ADMIN"

// Result is a completed sandbox run's outcome.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Sandbox runs a single stage binary inside an isolated root filesystem.
// Reexec is the path to this program's own executable; it's re-invoked
// with the hidden sentinel argument so the child can perform namespace and
// mount setup before exec'ing the stage, mirroring the teacher's
// self-re-exec pattern for container init processes.
type Sandbox struct {
	Reexec string
}

// NewSandbox resolves the current executable's path for self re-exec.
func NewSandbox() (*Sandbox, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, berrors.Wrap(err, berrors.ErrInternal, "buildroot.NewSandbox")
	}
	return &Sandbox{Reexec: self}, nil
}

// Run spawns the sandboxed stage, waits for it to finish, and returns its
// exit code plus captured output.
func (sb *Sandbox) Run(ctx context.Context, cfg *Config) (*Result, error) {
	if len(cfg.Argv) == 0 {
		return nil, berrors.New(berrors.ErrInvalidConfig, "buildroot.Run", "empty argv")
	}

	confFile, err := os.CreateTemp("", "osbuild-buildroot-*.json")
	if err != nil {
		return nil, berrors.Wrap(err, berrors.ErrInternal, "buildroot.Run")
	}
	defer os.Remove(confFile.Name())
	enc := json.NewEncoder(confFile)
	if err := enc.Encode(cfg); err != nil {
		confFile.Close()
		return nil, berrors.Wrap(err, berrors.ErrInternal, "buildroot.Run")
	}
	if err := confFile.Close(); err != nil {
		return nil, berrors.Wrap(err, berrors.ErrInternal, "buildroot.Run")
	}

	cmd := exec.CommandContext(ctx, sb.Reexec, reexecSentinel)
	cmd.Env = append(os.Environ(), configEnvVar+"="+confFile.Name())
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: linux.CLONE_NEWNS | linux.CLONE_NEWIPC | linux.CLONE_NEWPID | linux.CLONE_NEWNET,
		Setsid:     true,
		Pdeathsig:  syscall.SIGKILL,
	}

	var stdout, stderr outputBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	var cg *linux.Cgroup
	if cfg.CgroupPath != "" {
		if err := linux.EnsureParentControllers(cfg.CgroupPath); err != nil {
			return nil, berrors.Wrap(err, berrors.ErrResource, "buildroot.Run")
		}
		cg, err = linux.NewCgroup(cfg.CgroupPath)
		if err != nil {
			return nil, berrors.Wrap(err, berrors.ErrResource, "buildroot.Run")
		}
		defer cg.Destroy()
	}

	var runErr error
	if cg == nil {
		runErr = cmd.Run()
	} else {
		if err := cmd.Start(); err != nil {
			return nil, berrors.Wrap(err, berrors.ErrInternal, "buildroot.Run")
		}
		if err := cg.AddProcess(cmd.Process.Pid); err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return nil, berrors.Wrap(err, berrors.ErrResource, "buildroot.Run")
		}
		if cfg.ResourceLimits != nil {
			if err := cg.ApplyResources(cfg.ResourceLimits); err != nil {
				cmd.Process.Kill()
				cmd.Wait()
				return nil, berrors.Wrap(err, berrors.ErrResource, "buildroot.Run")
			}
		}
		runErr = cmd.Wait()
	}
	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if runErr == nil {
		res.ExitCode = 0
		return res, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(runErr, &exitErr); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return nil, berrors.WrapWithDetail(runErr, berrors.ErrStageFailed, "buildroot.Run", fmt.Sprintf("argv=%v", cfg.Argv))
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// outputBuffer is a minimal growable byte sink satisfying io.Writer without
// pulling in bytes.Buffer's full surface for a capture-only use.
type outputBuffer struct {
	data []byte
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *outputBuffer) Bytes() []byte { return b.data }

// IsReexecInit reports whether the current process was invoked as the
// hidden sandbox-init re-exec, so main() can dispatch to RunInit before
// reaching normal CLI parsing.
func IsReexecInit(args []string) bool {
	return len(args) > 1 && args[1] == reexecSentinel
}

var _ io.Writer = (*outputBuffer)(nil)
