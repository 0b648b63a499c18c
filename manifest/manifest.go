// Package manifest parses the v2 manifest JSON into a DAG of pipelines and
// stages, computes stable content identifiers, and performs the
// cross-reference validation required before scheduling. See
// manifest/__init__.py, manifest/pipeline.py, manifest/stage.py in the
// original for the algorithms ported here.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"

	berrors "osbuild-go/errors"
	"osbuild-go/identity"
)

// Source is a declared external-fetcher record: info_name plus a mapping of
// content checksum to an opaque descriptor.
type Source struct {
	InfoName string
	Items    map[string]json.RawMessage
	Options  json.RawMessage
}

// Input is a stage's declared input: an origin ("pipeline" or "source"), a
// set of refs, and fetcher-specific options.
type Input struct {
	Name     string
	InfoName string
	Origin   string
	Options  json.RawMessage
	Refs     []string

	id identity.ID
}

// ID returns the input's stable identifier, computed at Load time.
func (in *Input) ID() identity.ID { return in.id }

// Device is a stage's declared device, optionally parented to another
// device declared in the same stage.
type Device struct {
	Name     string
	InfoName string
	Parent   string
	Options  json.RawMessage

	id identity.ID
}

// ID returns the device's stable identifier, computed at Load time.
func (d *Device) ID() identity.ID { return d.id }

// Mount is a stage's declared mount, bound to a device declared in the same
// stage.
type Mount struct {
	Name         string
	InfoName     string
	SourceDevice string
	Target       string
	Options      json.RawMessage

	id identity.ID
}

// ID returns the mount's stable identifier, computed at Load time.
func (m *Mount) ID() identity.ID { return m.id }

// Stage is one unit of work within a pipeline: an info_name, its options,
// and the inputs/devices/mounts it declares.
type Stage struct {
	InfoName     string
	Options      json.RawMessage
	SourceEpoch  *int64
	Inputs       map[string]*Input
	InputOrder   []string
	Devices      map[string]*Device
	DeviceOrder  []string
	Mounts       map[string]*Mount
	MountOrder   []string
	Checkpoint   bool
	Export       bool

	id     identity.ID
	baseID identity.ID
}

// ID returns the stage's stable identifier, computed at Load time.
func (s *Stage) ID() identity.ID { return s.id }

// BaseID returns the previous stage's id in the same pipeline, or the zero
// id for the first stage.
func (s *Stage) BaseID() identity.ID { return s.baseID }

// Pipeline is an ordered list of stages plus the build root it runs
// against.
type Pipeline struct {
	Name         string
	RunnerName   string
	BuildRef     string // resolved pipeline name, or "" for host tree
	Stages       []*Stage
	SourceEpoch  *int64

	id identity.ID
}

// ID returns the pipeline's stable identifier: its last stage's id, or the
// zero id if the pipeline has no stages.
func (p *Pipeline) ID() identity.ID { return p.id }

// Manifest is the loaded, validated, identity-resolved build graph.
type Manifest struct {
	Pipelines map[string]*Pipeline
	Order     []string // declaration order, for deterministic iteration
	Sources   map[string]*Source
}

// wireManifest mirrors the v2 JSON shape from spec.md §6.
type wireManifest struct {
	Version   string                     `json:"version"`
	Sources   map[string]wireSource      `json:"sources"`
	Pipelines []wirePipeline             `json:"pipelines"`
}

type wireSource struct {
	Items   map[string]json.RawMessage `json:"items"`
	Options json.RawMessage            `json:"options,omitempty"`
}

type wirePipeline struct {
	Name        string      `json:"name"`
	Runner      string      `json:"runner,omitempty"`
	Build       string      `json:"build,omitempty"`
	SourceEpoch *int64      `json:"source-epoch,omitempty"`
	Stages      []wireStage `json:"stages"`
}

type wireStage struct {
	Type    string                    `json:"type"`
	Options json.RawMessage           `json:"options,omitempty"`
	Devices map[string]wireDevice     `json:"devices,omitempty"`
	Inputs  map[string]wireInput      `json:"inputs,omitempty"`
	Mounts  map[string]wireMount      `json:"mounts,omitempty"`
}

type wireInput struct {
	Type       string          `json:"type"`
	Origin     string          `json:"origin"`
	Options    json.RawMessage `json:"options,omitempty"`
	References json.RawMessage `json:"references,omitempty"`
}

type wireDevice struct {
	Type    string          `json:"type"`
	Parent  string          `json:"parent,omitempty"`
	Options json.RawMessage `json:"options,omitempty"`
}

type wireMount struct {
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	Target  string          `json:"target"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Load parses raw v2 manifest JSON, resolves name references, computes every
// stable identifier, and validates cross-references. It does not touch the
// store or the filesystem.
func Load(data []byte) (*Manifest, error) {
	var wire wireManifest
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, berrors.WrapWithDetail(err, berrors.ErrValidation, "manifest.Load", "invalid JSON")
	}
	if wire.Version != "2" && wire.Version != "" {
		return nil, berrors.New(berrors.ErrValidation, "manifest.Load", fmt.Sprintf("unsupported manifest version %q", wire.Version))
	}

	m := &Manifest{
		Pipelines: make(map[string]*Pipeline, len(wire.Pipelines)),
		Sources:   make(map[string]*Source, len(wire.Sources)),
	}
	for info, ws := range wire.Sources {
		m.Sources[info] = &Source{InfoName: info, Items: ws.Items, Options: ws.Options}
	}

	// First pass: build Pipeline/Stage skeletons in declared order, checking
	// name uniqueness, without resolving cross-pipeline references yet.
	for _, wp := range wire.Pipelines {
		if wp.Name == "" {
			return nil, berrors.New(berrors.ErrValidation, "manifest.Load", "pipeline with empty name")
		}
		if _, dup := m.Pipelines[wp.Name]; dup {
			return nil, berrors.WrapWithPipeline(berrors.ErrDuplicateName, berrors.ErrValidation, "manifest.Load", wp.Name)
		}
		p := &Pipeline{Name: wp.Name, RunnerName: wp.Runner, BuildRef: wp.Build, SourceEpoch: wp.SourceEpoch}
		for _, ws := range wp.Stages {
			st, err := loadStage(ws)
			if err != nil {
				return nil, berrors.WrapWithPipeline(err, berrors.ErrValidation, "manifest.Load", wp.Name)
			}
			p.Stages = append(p.Stages, st)
		}
		m.Pipelines[wp.Name] = p
		m.Order = append(m.Order, wp.Name)
	}

	if err := m.resolveAndValidate(); err != nil {
		return nil, err
	}
	return m, nil
}

func loadStage(ws wireStage) (*Stage, error) {
	st := &Stage{
		InfoName: ws.Type,
		Options:  ws.Options,
		Inputs:   make(map[string]*Input),
		Devices:  make(map[string]*Device),
		Mounts:   make(map[string]*Mount),
	}

	names := make([]string, 0, len(ws.Inputs))
	for name := range ws.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		wi := ws.Inputs[name]
		refs, err := parseReferences(wi.References)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		st.Inputs[name] = &Input{Name: name, InfoName: wi.Type, Origin: wi.Origin, Options: wi.Options, Refs: refs}
		st.InputOrder = append(st.InputOrder, name)
	}

	devNames := make([]string, 0, len(ws.Devices))
	for name := range ws.Devices {
		devNames = append(devNames, name)
	}
	sort.Strings(devNames)
	for _, name := range devNames {
		wd := ws.Devices[name]
		st.Devices[name] = &Device{Name: name, InfoName: wd.Type, Parent: wd.Parent, Options: wd.Options}
		st.DeviceOrder = append(st.DeviceOrder, name)
	}

	mountNames := make([]string, 0, len(ws.Mounts))
	for name := range ws.Mounts {
		mountNames = append(mountNames, name)
	}
	sort.Strings(mountNames)
	for _, name := range mountNames {
		wm := ws.Mounts[name]
		st.Mounts[name] = &Mount{Name: name, InfoName: wm.Type, SourceDevice: wm.Source, Target: wm.Target, Options: wm.Options}
		st.MountOrder = append(st.MountOrder, name)
	}

	return st, nil
}

// parseReferences accepts either an array of string refs or a map of
// ref→descriptor, per spec.md §6's Input shape; only the ref keys/values
// matter for identity and input materialization, descriptors are carried
// through as-is by the stage runner.
func parseReferences(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var asArray []string
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return asArray, nil
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("references: %w", err)
	}
	refs := make([]string, 0, len(asMap))
	for ref := range asMap {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs, nil
}
