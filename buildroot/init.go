package buildroot

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"

	"osbuild-go/linux"
	"osbuild-go/spec"
)

// RunInit performs the sandbox setup and exec's the stage binary. It never
// returns on success: the final step replaces the process image with
// cfg.Argv[0]. It is invoked from main() when IsReexecInit(os.Args) is
// true, running as the freshly cloned child with the namespace flags
// Sandbox.Run requested already in effect.
func RunInit() error {
	confPath := os.Getenv(configEnvVar)
	if confPath == "" {
		return fmt.Errorf("buildroot: missing %s", configEnvVar)
	}
	data, err := os.ReadFile(confPath)
	if err != nil {
		return fmt.Errorf("buildroot: read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("buildroot: parse config: %w", err)
	}

	s := &spec.Spec{
		Root:   &spec.Root{Path: cfg.RootfsPath, Readonly: false},
		Mounts: buildMounts(&cfg),
	}
	if err := linux.SetupRootfs(s, ""); err != nil {
		return fmt.Errorf("buildroot: setup rootfs: %w", err)
	}
	if err := linux.MountProc(); err != nil {
		return fmt.Errorf("buildroot: mount proc: %w", err)
	}
	for _, dir := range []string{"/etc", APIMountBaseAbs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("buildroot: mkdir %s: %w", dir, err)
		}
	}

	caps := cfg.capabilities()
	caps = append(caps, extraCapability)
	capSet := &spec.LinuxCapabilities{
		Bounding:    caps,
		Effective:   caps,
		Inheritable: caps,
		Permitted:   caps,
	}
	if err := linux.ApplyCapabilities(capSet); err != nil {
		return fmt.Errorf("buildroot: apply capabilities: %w", err)
	}

	if cfg.SeccompProfile != nil {
		if err := linux.SetupSeccomp(cfg.SeccompProfile); err != nil {
			return fmt.Errorf("buildroot: apply seccomp profile: %w", err)
		}
	}

	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("buildroot: chdir /: %w", err)
	}

	env := append([]string{"PATH=/usr/sbin:/usr/bin"}, filterPath(cfg.Env)...)
	return syscall.Exec(cfg.Argv[0], cfg.Argv, env)
}

// APIMountBaseAbs is APIMountBase as an absolute in-sandbox path.
const APIMountBaseAbs = "/" + APIMountBase

// filterPath drops any PATH entry from env so the forced PATH set in
// RunInit is never shadowed by a caller-supplied one.
func filterPath(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if len(kv) >= 5 && kv[:5] == "PATH=" {
			continue
		}
		out = append(out, kv)
	}
	return out
}
