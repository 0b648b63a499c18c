package stagerunner

import (
	"os"
	"path/filepath"
	"testing"

	"osbuild-go/manifest"
)

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestResolveStageBinary_FindsFirstMatchingLibDir(t *testing.T) {
	libA := t.TempDir()
	libB := t.TempDir()
	writeExecutable(t, filepath.Join(libB, "stages", "org.osbuild.copy"))

	path, err := resolveStageBinary([]string{libA, libB}, "org.osbuild.copy")
	if err != nil {
		t.Fatalf("resolveStageBinary: %v", err)
	}
	if path != filepath.Join(libB, "stages", "org.osbuild.copy") {
		t.Errorf("path = %q, want it under libB", path)
	}
}

func TestResolveStageBinary_NotFound(t *testing.T) {
	lib := t.TempDir()
	if _, err := resolveStageBinary([]string{lib}, "org.osbuild.missing"); err == nil {
		t.Fatal("expected error for missing stage binary")
	}
}

func TestResolveRunnerBinary_DefaultsWhenNameEmpty(t *testing.T) {
	lib := t.TempDir()
	writeExecutable(t, filepath.Join(lib, "runners", DefaultRunner))

	path, err := resolveRunnerBinary([]string{lib}, "")
	if err != nil {
		t.Fatalf("resolveRunnerBinary: %v", err)
	}
	if path != filepath.Join(lib, "runners", DefaultRunner) {
		t.Errorf("path = %q, want the default runner", path)
	}
}

func TestDeviceOpenOrder_ParentBeforeChild(t *testing.T) {
	st := &manifest.Stage{
		Devices: map[string]*manifest.Device{
			"loop":       {Name: "loop"},
			"partition1": {Name: "partition1", Parent: "loop"},
			"partition2": {Name: "partition2", Parent: "partition1"},
		},
		DeviceOrder: []string{"partition1", "partition2", "loop"},
	}

	order := deviceOpenOrder(st)
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	if pos["loop"] > pos["partition1"] {
		t.Errorf("loop opened after partition1: order = %v", order)
	}
	if pos["partition1"] > pos["partition2"] {
		t.Errorf("partition1 opened after partition2: order = %v", order)
	}
	if len(order) != 3 {
		t.Errorf("len(order) = %d, want 3", len(order))
	}
}

func TestDeviceOpenOrder_NoParentsIsStable(t *testing.T) {
	st := &manifest.Stage{
		Devices: map[string]*manifest.Device{
			"a": {Name: "a"},
			"b": {Name: "b"},
		},
		DeviceOrder: []string{"a", "b"},
	}
	order := deviceOpenOrder(st)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("order = %v, want [a b]", order)
	}
}
