package buildroot

import (
	"fmt"
	"sort"

	"osbuild-go/spec"
)

// LibMountBase is the sandbox path under which LibDirs are bound, one
// numbered subdirectory per entry.
const LibMountBase = "run/osbuild/lib"

// APIMountBase is the sandbox path under which ServiceSockets are bound,
// one file per service name.
const APIMountBase = "run/osbuild/api"

// buildMounts assembles the fixed mount list for a stage sandbox in the
// same order bwrap would apply them: the kernel-visible filesystems first
// (dev, shm, run, tmp, var, sys — proc is mounted separately after pivot,
// see linux.MountProc), then the runtime's own library tree, then whatever
// the caller declared, then the host service sockets the stage's API
// client will dial.
func buildMounts(cfg *Config) []spec.Mount {
	var mounts []spec.Mount

	mounts = append(mounts,
		spec.Mount{Destination: "dev", Type: "bind", Source: "/dev", Options: []string{"bind"}},
		spec.Mount{Destination: "dev/shm", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev"}},
		spec.Mount{Destination: "run", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev"}},
		spec.Mount{Destination: "tmp", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev"}},
		spec.Mount{Destination: "var", Type: "bind", Source: "/var", Options: []string{"bind"}},
		spec.Mount{Destination: "sys", Type: "bind", Source: "/sys", Options: []string{"rbind"}},
	)

	for i, dir := range cfg.LibDirs {
		mounts = append(mounts, spec.Mount{
			Destination: fmt.Sprintf("%s/%d", LibMountBase, i),
			Type:        "bind",
			Source:      dir,
			Options:     []string{"rbind", "ro"},
		})
	}

	for _, b := range cfg.Binds {
		opts := []string{"bind"}
		if b.ReadOnly {
			opts = append(opts, "ro")
		}
		mounts = append(mounts, spec.Mount{
			Destination: b.Sandbox,
			Type:        "bind",
			Source:      b.Host,
			Options:     opts,
		})
	}

	names := make([]string, 0, len(cfg.ServiceSockets))
	for name := range cfg.ServiceSockets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		mounts = append(mounts, spec.Mount{
			Destination: fmt.Sprintf("%s/%s", APIMountBase, name),
			Type:        "bind",
			Source:      cfg.ServiceSockets[name],
			Options:     []string{"bind"},
		})
	}

	return mounts
}
