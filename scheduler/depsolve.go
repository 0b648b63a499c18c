// Package scheduler decides which pipelines a build actually needs to run
// and which manifest checkpoint/export patterns apply to them. See
// manifest/__init__.py's depsolve for the algorithm ported here.
package scheduler

import (
	"fmt"

	berrors "osbuild-go/errors"
	"osbuild-go/identity"
	"osbuild-go/manifest"
)

// ContentStore reports whether an object with the given id already exists,
// so depsolve can skip rebuilding pipelines and stages that are cached.
// store.Store satisfies this.
type ContentStore interface {
	Contains(id identity.ID) bool
}

// Depsolve returns the ordered list of pipeline names that must be built to
// produce targets, given what the store already contains. A pipeline already
// present in the store (and everything only reachable through it) is
// skipped; a stage's pipeline-origin inputs pull in their source pipelines
// unless a later checkpoint in the same pipeline is already cached.
//
// The result is in build order: a pipeline's dependencies always appear
// before it, even if the same dependency is reached through more than one
// path (e.g. a shared build pipeline).
func Depsolve(m *manifest.Manifest, store ContentStore, targets []string) ([]string, error) {
	check := make([]*manifest.Pipeline, 0, len(targets))
	for _, name := range targets {
		p, ok := m.Pipelines[name]
		if !ok {
			return nil, berrors.WrapWithPipeline(fmt.Errorf("unknown pipeline"), berrors.ErrUnknownModule, "scheduler.Depsolve", name)
		}
		check = append(check, p)
	}

	// An ordered set of pipelines to build: insertion order matters, and a
	// pipeline reached again is moved to the end so that it is always built
	// before whichever dependent pushed it back onto the stack most recently.
	order := make([]string, 0, len(m.Pipelines))
	build := make(map[string]*manifest.Pipeline, len(m.Pipelines))

	moveToEnd := func(name string) {
		for i, n := range order {
			if n == name {
				order = append(order[:i], order[i+1:]...)
				break
			}
		}
		order = append(order, name)
	}

	for len(check) > 0 {
		p := check[len(check)-1]
		check = check[:len(check)-1]

		if p == nil {
			return nil, fmt.Errorf("scheduler: could not find pipeline")
		}
		if store.Contains(p.ID()) {
			continue
		}

		build[p.Name] = p
		moveToEnd(p.Name)

		if p.BuildRef != "" {
			bp, ok := m.Pipelines[p.BuildRef]
			if !ok {
				return nil, berrors.WrapWithPipeline(berrors.ErrUnresolvedBuildRef, berrors.ErrValidation, "scheduler.Depsolve", p.Name)
			}
			check = append(check, bp)
		}

		for i := len(p.Stages) - 1; i >= 0; i-- {
			st := p.Stages[i]
			if store.Contains(st.ID()) {
				break
			}
			for _, depName := range stageDependencies(st) {
				dp, ok := m.Pipelines[depName]
				if !ok {
					return nil, berrors.WrapWithStage(berrors.ErrUnresolvedInputRef, berrors.ErrValidation, "scheduler.Depsolve", p.Name, st.InfoName)
				}
				check = append(check, dp)
			}
		}
	}

	result := make([]string, 0, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		result = append(result, order[i])
	}
	return result, nil
}

// stageDependencies returns the names of pipelines a stage's inputs draw
// from, i.e. every ref of every origin="pipeline" input.
func stageDependencies(st *manifest.Stage) []string {
	var deps []string
	for _, name := range st.InputOrder {
		in := st.Inputs[name]
		if in.Origin != "pipeline" {
			continue
		}
		deps = append(deps, in.Refs...)
	}
	return deps
}
