package stagerunner

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"osbuild-go/manifest"
)

// stageArgs mirrors the JSON arguments file a stage binary reads at
// sandboxArgsRel, per SPEC_FULL.md §4.5 step 5 / §4.6's path-rewriting
// contract.
type stageArgs struct {
	Options json.RawMessage   `json:"options,omitempty"`
	Meta    map[string]any    `json:"meta"`
	Tree    string            `json:"tree"`
	Paths   map[string]string `json:"paths"`
	Inputs  map[string]any    `json:"inputs,omitempty"`
	Devices map[string]any    `json:"devices,omitempty"`
	Mounts  map[string]any    `json:"mounts,omitempty"`
}

func buildArgsFile(pipelineName string, st *manifest.Stage, inputs, devices, mounts map[string]any) ([]byte, error) {
	a := stageArgs{
		Options: st.Options,
		Meta: map[string]any{
			"pipeline": pipelineName,
			"stage":    st.InfoName,
			"id":       st.ID().String(),
		},
		Tree: abs(sandboxTreeRel),
		Paths: map[string]string{
			"tree":    abs(sandboxTreeRel),
			"inputs":  abs(sandboxInputsRel),
			"devices": abs(sandboxDevicesRel),
			"mounts":  abs(sandboxMountsRel),
		},
		Inputs:  inputs,
		Devices: devices,
		Mounts:  mounts,
	}
	return json.MarshalIndent(&a, "", "  ")
}

// decodeOptions unmarshals a stage/input/device/mount's raw options into a
// plain map suitable for an RPC call payload. Empty raw yields a nil map.
func decodeOptions(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// rewritePath rewrites hostPath, which must live under hostRoot, to the
// equivalent path under sandboxRoot. This is the host-side half of the
// path-rewriting contract described in SPEC_FULL.md §4.6: the runner only
// ever sees sandbox-relative paths, never host ones.
func rewritePath(hostRoot, sandboxRoot, hostPath string) string {
	rel, err := filepath.Rel(hostRoot, hostPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return hostPath
	}
	return filepath.Join(sandboxRoot, rel)
}

// stageEpoch resolves the source-epoch clamp for a stage: its own
// declaration if set, falling back to the owning pipeline's, else the zero
// time (no clamping).
func stageEpoch(st *manifest.Stage, p *manifest.Pipeline) time.Time {
	if st.SourceEpoch != nil {
		return time.Unix(*st.SourceEpoch, 0).UTC()
	}
	if p.SourceEpoch != nil {
		return time.Unix(*p.SourceEpoch, 0).UTC()
	}
	return time.Time{}
}
