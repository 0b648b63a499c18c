package scheduler

import (
	"path"

	"osbuild-go/manifest"
)

// MarkCheckpoints treats each entry of checkpoints as a path.Match glob
// pattern. For every pipeline whose name matches a pattern and that has at
// least one stage, its last stage is marked as a checkpoint; otherwise every
// stage whose id matches the pattern is marked. It returns the subset of
// checkpoints that matched nothing, so callers can warn about stale or
// misspelled patterns.
//
// A checkpoint stage's output is committed to the store even when nothing
// downstream needs it yet, so a later build can resume from it without
// re-running the stages before it.
func MarkCheckpoints(m *manifest.Manifest, checkpoints []string) []string {
	remaining := make(map[string]bool, len(checkpoints))
	for _, c := range checkpoints {
		remaining[c] = true
	}

	for _, name := range m.Order {
		p := m.Pipelines[name]
		for _, c := range checkpoints {
			if ok, _ := path.Match(c, p.Name); ok && len(p.Stages) > 0 {
				p.Stages[len(p.Stages)-1].Checkpoint = true
				delete(remaining, c)
				continue
			}
			for _, st := range p.Stages {
				if ok, _ := path.Match(c, st.ID().String()); ok {
					st.Checkpoint = true
					delete(remaining, c)
				}
			}
		}
	}

	unmatched := make([]string, 0, len(remaining))
	for c := range remaining {
		unmatched = append(unmatched, c)
	}
	return unmatched
}
