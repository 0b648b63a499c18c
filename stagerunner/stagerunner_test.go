package stagerunner

import (
	"context"
	"testing"

	"osbuild-go/buildroot"
	"osbuild-go/identity"
	"osbuild-go/manifest"
	"osbuild-go/store"
)

func loadManifest(t *testing.T, raw string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Load([]byte(raw))
	if err != nil {
		t.Fatalf("manifest.Load: %v", err)
	}
	return m
}

const onePipelineManifest = `{
  "version": "2",
  "pipelines": [
    {
      "name": "tree",
      "stages": [
        {"type": "org.osbuild.copy", "options": {"marker": 1}}
      ]
    }
  ]
}`

func TestRunPipeline_UnknownPipelineErrors(t *testing.T) {
	m := loadManifest(t, onePipelineManifest)
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Cleanup()

	r := &Runner{Store: s}
	if _, err := r.RunPipeline(context.Background(), m, "does-not-exist"); err == nil {
		t.Fatal("expected error for unknown pipeline")
	}
}

func TestRunPipeline_AlreadyCachedSkipsExecution(t *testing.T) {
	m := loadManifest(t, onePipelineManifest)
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Cleanup()

	p := m.Pipelines["tree"]
	obj, err := s.New(identity.Nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if _, _, err := obj.Write(); err != nil {
		t.Skipf("privileged bind mount unavailable in this environment: %v", err)
	}
	if err := obj.Finalize(stageEpoch(p.Stages[0], p)); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := s.Commit(obj, p.ID()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	r := &Runner{Store: s, Sandbox: &buildroot.Sandbox{}}
	result, err := r.RunPipeline(context.Background(), m, "tree")
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if !result.Cached {
		t.Error("expected Cached = true for an already-committed pipeline")
	}
}
