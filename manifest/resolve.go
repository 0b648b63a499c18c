package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	berrors "osbuild-go/errors"
	"osbuild-go/identity"
)

// resolveAndValidate resolves name:-prefixed pipeline references, computes
// every stage/input/mount/pipeline id, and checks the manifest invariants
// from spec.md §3: unique names (checked during Load), build_ref
// resolution, pipeline input references, mount→device references, and
// acyclicity of both the pipeline build_ref graph and each stage's device
// parent graph.
func (m *Manifest) resolveAndValidate() error {
	for name, p := range m.Pipelines {
		if p.BuildRef != "" {
			p.BuildRef = strings.TrimPrefix(p.BuildRef, "name:")
			if _, ok := m.Pipelines[p.BuildRef]; !ok {
				return berrors.WrapWithPipeline(berrors.ErrUnresolvedBuildRef, berrors.ErrValidation, "manifest.resolveAndValidate", name)
			}
		}
	}
	if err := m.checkPipelineCycles(); err != nil {
		return err
	}

	for name, p := range m.Pipelines {
		for _, st := range p.Stages {
			if err := m.resolveStageInputs(name, st); err != nil {
				return err
			}
			if err := checkDeviceCycle(st); err != nil {
				return berrors.WrapWithStage(err, berrors.ErrCycle, "manifest.resolveAndValidate", name, st.InfoName)
			}
			if err := checkMountReferences(st); err != nil {
				return berrors.WrapWithStage(err, berrors.ErrValidation, "manifest.resolveAndValidate", name, st.InfoName)
			}
		}
	}

	return m.computeIDs()
}

// computeIDs assigns stage and pipeline ids in build_ref dependency order
// (a pipeline's stages depend on its build pipeline's id), then within each
// pipeline in declaration order (each stage's base_id is the previous
// stage's id). This is the Go realization of "build_id =
// pipeline_ref.id_of_last_stage_before_this_stage_was_added" from
// manifest/pipeline.py: the build pipeline must already have its final id
// before any of its dependents' stage ids can be computed.
func (m *Manifest) computeIDs() error {
	done := make(map[string]bool, len(m.Pipelines))
	var compute func(name string) error
	compute = func(name string) error {
		if done[name] {
			return nil
		}
		p, ok := m.Pipelines[name]
		if !ok {
			return nil
		}
		var buildID identity.ID
		if p.BuildRef != "" {
			if err := compute(p.BuildRef); err != nil {
				return err
			}
			buildID = m.Pipelines[p.BuildRef].id
		}

		base := identity.Nil
		for _, st := range p.Stages {
			st.baseID = base
			id, err := stageID(st, buildID)
			if err != nil {
				return berrors.WrapWithStage(err, berrors.ErrInternal, "manifest.computeIDs", name, st.InfoName)
			}
			st.id = id
			base = id
		}
		if len(p.Stages) > 0 {
			p.id = p.Stages[len(p.Stages)-1].id
		} else {
			p.id = identity.Nil
		}
		done[name] = true
		return nil
	}

	for _, name := range m.Order {
		if err := compute(name); err != nil {
			return err
		}
	}
	return nil
}

// resolveStageInputs computes each input's id and, for origin=pipeline,
// checks that every "name:"-prefixed ref resolves to a declared pipeline.
func (m *Manifest) resolveStageInputs(pipelineName string, st *Stage) error {
	for _, inputName := range st.InputOrder {
		in := st.Inputs[inputName]
		if in.Origin == "pipeline" {
			for i, ref := range in.Refs {
				if strings.HasPrefix(ref, "name:") {
					target := strings.TrimPrefix(ref, "name:")
					tp, ok := m.Pipelines[target]
					if !ok {
						return berrors.WrapWithStage(berrors.ErrUnresolvedInputRef, berrors.ErrValidation, "manifest.resolveStageInputs", pipelineName, st.InfoName)
					}
					in.Refs[i] = tp.Name // resolved at load time; id substituted below once tp.id is known
				}
			}
		}
		id, err := identity.Of(map[string]any{
			"info_name": in.InfoName,
			"origin":    in.Origin,
			"options":   rawOrNull(in.Options),
			"refs":      in.Refs,
		})
		if err != nil {
			return fmt.Errorf("input %s: %w", inputName, err)
		}
		in.id = id
	}
	return nil
}

func checkMountReferences(st *Stage) error {
	for _, mountName := range st.MountOrder {
		mnt := st.Mounts[mountName]
		dev, ok := st.Devices[mnt.SourceDevice]
		if !ok {
			return fmt.Errorf("mount %s: source device %q not declared in stage", mountName, mnt.SourceDevice)
		}
		id, err := identity.Of(map[string]any{
			"info_name": mnt.InfoName,
			"source_id": identity.OptionalID(dev.id),
			"target":    mnt.Target,
			"options":   rawOrNull(mnt.Options),
		})
		if err != nil {
			return fmt.Errorf("mount %s: %w", mountName, err)
		}
		mnt.id = id
	}
	return nil
}

// checkDeviceCycle walks each stage's device parent graph, computing a
// stable per-device identifier in parent-first order (a device's id folds
// in its parent's id, so the graph must be acyclic before ids can be
// assigned) and rejecting any cycle.
func checkDeviceCycle(st *Stage) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	state := make(map[string]int, len(st.Devices))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("device %q is part of a parent cycle", name)
		}
		state[name] = gray
		dev, ok := st.Devices[name]
		if !ok {
			return fmt.Errorf("device %q not declared in stage", name)
		}
		var parentID identity.ID
		if dev.Parent != "" {
			if _, ok := st.Devices[dev.Parent]; !ok {
				return fmt.Errorf("device %q: parent %q not declared in stage", name, dev.Parent)
			}
			if err := visit(dev.Parent); err != nil {
				return err
			}
			parentID = st.Devices[dev.Parent].id
		}
		id, err := identity.Of(map[string]any{
			"info_name": dev.InfoName,
			"parent":    identity.OptionalID(parentID),
			"options":   rawOrNull(dev.Options),
		})
		if err != nil {
			return fmt.Errorf("device %q: %w", name, err)
		}
		dev.id = id
		state[name] = black
		return nil
	}
	for _, name := range st.DeviceOrder {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manifest) checkPipelineCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	state := make(map[string]int, len(m.Pipelines))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case black:
			return nil
		case gray:
			return berrors.WrapWithPipeline(berrors.ErrPipelineCycle, berrors.ErrCycle, "manifest.checkPipelineCycles", name)
		}
		state[name] = gray
		if p, ok := m.Pipelines[name]; ok && p.BuildRef != "" {
			if err := visit(p.BuildRef); err != nil {
				return err
			}
		}
		state[name] = black
		return nil
	}
	for _, name := range m.Order {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// stageID computes a Stage's identifier exactly as manifest/stage.py does:
// a JSON object with keys name, build, base, options, an inputs object of
// name→input_id, and a mounts array of mount ids in declaration order.
// source-epoch is included only when the stage sets it. buildID is the
// owning pipeline's build_ref pipeline id (zero if building against the
// host tree).
func stageID(st *Stage, buildID identity.ID) (identity.ID, error) {
	inputs := make(map[string]any, len(st.InputOrder))
	for _, name := range st.InputOrder {
		inputs[name] = identity.OptionalID(st.Inputs[name].id)
	}
	mounts := make([]any, 0, len(st.MountOrder))
	for _, name := range st.MountOrder {
		mounts = append(mounts, identity.OptionalID(st.Mounts[name].id))
	}

	payload := map[string]any{
		"name":    st.InfoName,
		"build":   identity.OptionalID(buildID),
		"base":    identity.OptionalID(st.baseID),
		"options": rawOrNull(st.Options),
		"inputs":  inputs,
		"mounts":  mounts,
	}
	if st.SourceEpoch != nil {
		payload["source-epoch"] = *st.SourceEpoch
	}
	return identity.Of(payload)
}

func rawOrNull(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
