package scheduler

import (
	"testing"

	"osbuild-go/identity"
	"osbuild-go/manifest"
)

// fakeStore is a ContentStore backed by an explicit set of ids, for tests
// that don't want to stand up a real object store.
type fakeStore struct {
	has map[identity.ID]bool
}

func newFakeStore(ids ...identity.ID) *fakeStore {
	s := &fakeStore{has: make(map[identity.ID]bool, len(ids))}
	for _, id := range ids {
		s.has[id] = true
	}
	return s
}

func (s *fakeStore) Contains(id identity.ID) bool { return s.has[id] }

func loadOrFail(t *testing.T, raw string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Load([]byte(raw))
	if err != nil {
		t.Fatalf("manifest.Load: %v", err)
	}
	return m
}

const chainManifest = `{
	"version": "2",
	"pipelines": [
		{"name": "build", "stages": [{"type": "org.osbuild.rpm", "options": {"packages": ["bash"]}}]},
		{"name": "tree", "build": "name:build", "stages": [{"type": "org.osbuild.mkdir", "options": {"paths": ["/etc"]}}]},
		{"name": "image", "build": "name:build", "stages": [
			{
				"type": "org.osbuild.copy",
				"inputs": {"root": {"type": "org.osbuild.tree", "origin": "pipeline", "references": ["name:tree"]}}
			}
		]}
	]
}`

func TestDepsolve_EmptyStoreBuildsEverythingInDependencyOrder(t *testing.T) {
	m := loadOrFail(t, chainManifest)
	store := newFakeStore()

	order, err := Depsolve(m, store, []string{"image"})
	if err != nil {
		t.Fatalf("Depsolve: %v", err)
	}

	want := []string{"build", "tree", "image"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	pos := make(map[string]int, len(order))
	for i, n := range order {
		pos[n] = i
	}
	if pos["build"] > pos["tree"] || pos["build"] > pos["image"] || pos["tree"] > pos["image"] {
		t.Errorf("dependency order violated: %v", order)
	}
}

func TestDepsolve_CachedPipelineIsSkipped(t *testing.T) {
	m := loadOrFail(t, chainManifest)
	store := newFakeStore(m.Pipelines["build"].ID())

	order, err := Depsolve(m, store, []string{"image"})
	if err != nil {
		t.Fatalf("Depsolve: %v", err)
	}
	for _, n := range order {
		if n == "build" {
			t.Errorf("cached pipeline %q should not appear in build order: %v", n, order)
		}
	}
}

func TestDepsolve_AllCachedReturnsEmpty(t *testing.T) {
	m := loadOrFail(t, chainManifest)
	store := newFakeStore(
		m.Pipelines["build"].ID(),
		m.Pipelines["tree"].ID(),
		m.Pipelines["image"].ID(),
	)

	order, err := Depsolve(m, store, []string{"image"})
	if err != nil {
		t.Fatalf("Depsolve: %v", err)
	}
	if len(order) != 0 {
		t.Errorf("order = %v, want empty", order)
	}
}

func TestDepsolve_CachedLastStageSkipsPipeline(t *testing.T) {
	raw := `{
		"version": "2",
		"pipelines": [
			{"name": "build", "stages": [{"type": "org.osbuild.rpm", "options": {"packages": ["bash"]}}]},
			{"name": "tree", "build": "name:build", "stages": [
				{"type": "org.osbuild.mkdir", "options": {"paths": ["/a"]}},
				{"type": "org.osbuild.mkdir", "options": {"paths": ["/b"]}}
			]},
			{"name": "image", "build": "name:build", "stages": [
				{
					"type": "org.osbuild.copy",
					"inputs": {"root": {"type": "org.osbuild.tree", "origin": "pipeline", "references": ["name:tree"]}}
				}
			]}
		]
	}`
	m := loadOrFail(t, raw)
	tree := m.Pipelines["tree"]
	// Cache only the last stage of tree and the build pipeline. A pipeline's
	// id is the id of its last stage, so tree is found in the store by its
	// pipeline id and skipped before any of its stages is scanned.
	store := newFakeStore(m.Pipelines["build"].ID(), tree.Stages[len(tree.Stages)-1].ID())

	order, err := Depsolve(m, store, []string{"image"})
	if err != nil {
		t.Fatalf("Depsolve: %v", err)
	}
	for _, n := range order {
		if n == "tree" {
			t.Errorf("tree should be skipped once its last stage is cached: %v", order)
		}
	}
}

func TestDepsolve_UnknownTargetErrors(t *testing.T) {
	m := loadOrFail(t, chainManifest)
	store := newFakeStore()
	if _, err := Depsolve(m, store, []string{"missing"}); err == nil {
		t.Fatal("expected error for unknown target pipeline")
	}
}

func TestDepsolve_SharedBuildPipelineBuiltOnce(t *testing.T) {
	raw := `{
		"version": "2",
		"pipelines": [
			{"name": "build", "stages": [{"type": "org.osbuild.rpm", "options": {"packages": ["bash"]}}]},
			{"name": "a", "build": "name:build", "stages": [{"type": "org.osbuild.mkdir", "options": {"paths": ["/a"]}}]},
			{"name": "b", "build": "name:build", "stages": [{"type": "org.osbuild.mkdir", "options": {"paths": ["/b"]}}]}
		]
	}`
	m := loadOrFail(t, raw)
	store := newFakeStore()

	order, err := Depsolve(m, store, []string{"a", "b"})
	if err != nil {
		t.Fatalf("Depsolve: %v", err)
	}
	count := 0
	for _, n := range order {
		if n == "build" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("build pipeline appears %d times in %v, want exactly once", count, order)
	}
}

func TestMarkCheckpoints_ByPipelineName(t *testing.T) {
	m := loadOrFail(t, chainManifest)
	unmatched := MarkCheckpoints(m, []string{"tree"})
	if len(unmatched) != 0 {
		t.Errorf("unmatched = %v, want empty", unmatched)
	}
	treeStages := m.Pipelines["tree"].Stages
	if !treeStages[len(treeStages)-1].Checkpoint {
		t.Error("last stage of tree should be marked as checkpoint")
	}
}

func TestMarkCheckpoints_ByStageID(t *testing.T) {
	m := loadOrFail(t, chainManifest)
	st := m.Pipelines["build"].Stages[0]
	unmatched := MarkCheckpoints(m, []string{st.ID().String()})
	if len(unmatched) != 0 {
		t.Errorf("unmatched = %v, want empty", unmatched)
	}
	if !st.Checkpoint {
		t.Error("stage should be marked as checkpoint by id")
	}
}

func TestMarkCheckpoints_ReturnsUnmatchedPatterns(t *testing.T) {
	m := loadOrFail(t, chainManifest)
	unmatched := MarkCheckpoints(m, []string{"tree", "no-such-pipeline"})
	if len(unmatched) != 1 || unmatched[0] != "no-such-pipeline" {
		t.Errorf("unmatched = %v, want [no-such-pipeline]", unmatched)
	}
}
