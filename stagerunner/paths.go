// Package stagerunner drives a pipeline's stages one at a time: for each
// uncached stage it opens a build root, materializes the stage's declared
// inputs/devices/mounts into it, runs the stage binary inside a
// buildroot.Sandbox, and commits checkpointed results back to the object
// store. See manifest/stage.py's Stage.run and buildroot.py's BuildRoot for
// the orchestration this ports.
package stagerunner

import (
	"fmt"
	"os"
	"path/filepath"

	"osbuild-go/manifest"
)

// Sandbox-relative mount points for the directories and files the stage
// runner assembles inside a build root, matching SPEC_FULL.md §4.5 step 5's
// well-known paths. Kept without a leading slash to match buildroot.Bind's
// convention (spec.Mount.Destination is joined under the rootfs path).
const (
	sandboxTreeRel    = "run/osbuild/tree"
	sandboxInputsRel  = "run/osbuild/inputs"
	sandboxDevicesRel = "run/osbuild/devices"
	sandboxMountsRel  = "run/osbuild/mounts"
	sandboxArgsRel    = "run/osbuild/arguments.json"
	sandboxBinRel     = "run/osbuild/bin"
	sandboxRunnerRel  = "run/osbuild/runners"
)

// DefaultRunner names the runner used when a pipeline doesn't declare one.
const DefaultRunner = "org.osbuild.linux"

func abs(rel string) string {
	return "/" + rel
}

// findInLibDirs looks for subdir/name under each of libDirs in order,
// returning the first match.
func findInLibDirs(libDirs []string, subdir, name string) (string, error) {
	for _, dir := range libDirs {
		candidate := filepath.Join(dir, subdir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("stagerunner: no %s named %q found under any lib dir", subdir, name)
}

func resolveStageBinary(libDirs []string, infoName string) (string, error) {
	return findInLibDirs(libDirs, "stages", infoName)
}

func resolveRunnerBinary(libDirs []string, runnerName string) (string, error) {
	if runnerName == "" {
		runnerName = DefaultRunner
	}
	return findInLibDirs(libDirs, "runners", runnerName)
}

// deviceOpenOrder returns st's declared devices ordered so that every
// device appears after its parent, matching SPEC_FULL.md §4.4.4 / §5's
// "a child is not opened until its parent is open" rule. Cycle-freedom is
// already guaranteed by manifest.Load, so this never recurses unboundedly.
func deviceOpenOrder(st *manifest.Stage) []string {
	visited := make(map[string]bool, len(st.Devices))
	order := make([]string, 0, len(st.Devices))

	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		dev, ok := st.Devices[name]
		if !ok {
			return
		}
		if dev.Parent != "" {
			visit(dev.Parent)
		}
		order = append(order, name)
	}

	for _, name := range st.DeviceOrder {
		visit(name)
	}
	return order
}
