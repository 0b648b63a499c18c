package stagerunner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	berrors "osbuild-go/errors"
	"osbuild-go/buildroot"
	"osbuild-go/hostservice"
	"osbuild-go/identity"
	"osbuild-go/logging"
	"osbuild-go/manifest"
	"osbuild-go/rpc"
	"osbuild-go/store"
)

// Runner executes a pipeline's uncached stage suffix inside build roots.
type Runner struct {
	Store   *store.Store
	Sandbox *buildroot.Sandbox
	// LibDirs are host directories searched (in order) for stage and
	// runner binaries (under "stages/<info_name>" and "runners/<name>")
	// and bind-mounted read-only into every sandbox under
	// /run/osbuild/lib/<n>.
	LibDirs []string
}

// PipelineResult records what RunPipeline did.
type PipelineResult struct {
	Pipeline  string
	ID        identity.ID
	Cached    bool
	StagesRun []string
}

// RunPipeline runs p's uncached stage suffix, reusing any cached prefix
// found by scanning from the end backward (SPEC_FULL.md §4.6 step 2).
func (r *Runner) RunPipeline(ctx context.Context, m *manifest.Manifest, pipelineName string) (*PipelineResult, error) {
	p, ok := m.Pipelines[pipelineName]
	if !ok {
		return nil, berrors.WrapWithPipeline(fmt.Errorf("unknown pipeline"), berrors.ErrUnknownModule, "stagerunner.RunPipeline", pipelineName)
	}
	result := &PipelineResult{Pipeline: pipelineName}
	if len(p.Stages) == 0 {
		result.Cached = true
		return result, nil
	}
	if r.Store.Contains(p.ID()) {
		result.Cached = true
		result.ID = p.ID()
		return result, nil
	}

	startIdx := 0
	baseID := identity.Nil
	for i := len(p.Stages) - 1; i >= 0; i-- {
		if r.Store.Contains(p.Stages[i].ID()) {
			startIdx = i + 1
			baseID = p.Stages[i].ID()
			break
		}
	}
	if startIdx >= len(p.Stages) {
		result.Cached = true
		result.ID = p.ID()
		return result, nil
	}

	buildTree, releaseBuild, err := r.resolveBuildTree(m, p)
	if err != nil {
		return result, err
	}
	defer releaseBuild()

	obj, err := r.Store.New(baseID)
	if err != nil {
		return result, berrors.WrapWithPipeline(err, berrors.ErrResource, "stagerunner.RunPipeline", pipelineName)
	}
	defer obj.Cleanup()

	logger := logging.WithPipeline(logging.Default(), pipelineName)

	for i := startIdx; i < len(p.Stages); i++ {
		st := p.Stages[i]
		logger.Info("running stage", "stage", st.InfoName, "index", i)

		if err := r.runStage(ctx, m, p, st, obj, buildTree); err != nil {
			return result, err
		}
		result.StagesRun = append(result.StagesRun, st.InfoName)

		isLast := i == len(p.Stages)-1
		if st.Checkpoint || isLast {
			if err := obj.Finalize(stageEpoch(st, p)); err != nil {
				return result, berrors.WrapWithStage(err, berrors.ErrInUse, "stagerunner.RunPipeline", pipelineName, st.InfoName)
			}
			if _, err := r.Store.Commit(obj, st.ID()); err != nil {
				return result, berrors.WrapWithStage(err, berrors.ErrResource, "stagerunner.RunPipeline", pipelineName, st.InfoName)
			}
		}
	}

	result.ID = p.ID()
	return result, nil
}

// resolveBuildTree opens a read view of the build pipeline's committed
// tree, or the host filesystem when the pipeline declares no build_ref.
func (r *Runner) resolveBuildTree(m *manifest.Manifest, p *manifest.Pipeline) (string, store.Release, error) {
	if p.BuildRef == "" {
		return store.NewHostTree(r.Store).Read()
	}
	bp, ok := m.Pipelines[p.BuildRef]
	if !ok {
		return "", nil, berrors.WrapWithPipeline(fmt.Errorf("unresolved build ref %q", p.BuildRef), berrors.ErrValidation, "stagerunner.resolveBuildTree", p.Name)
	}
	obj, err := r.Store.Get(bp.ID())
	if err != nil {
		return "", nil, err
	}
	if obj == nil {
		return "", nil, fmt.Errorf("stagerunner: build pipeline %q (%s) has no committed object", bp.Name, bp.ID())
	}
	return obj.Read()
}

// runStage assembles one build root, runs st inside it, and leaves its
// output written into obj's working tree.
func (r *Runner) runStage(ctx context.Context, m *manifest.Manifest, p *manifest.Pipeline, st *manifest.Stage, obj *store.Object, buildTree string) error {
	logger := logging.WithStage(logging.WithPipeline(logging.Default(), p.Name), st.InfoName)

	treeHost, releaseTree, err := obj.Write()
	if err != nil {
		return berrors.WrapWithStage(err, berrors.ErrBusyObject, "stagerunner.runStage", p.Name, st.InfoName)
	}
	defer releaseTree()

	scratch, err := r.Store.Tempdir("stage")
	if err != nil {
		return berrors.WrapWithStage(err, berrors.ErrResource, "stagerunner.runStage", p.Name, st.InfoName)
	}
	defer os.RemoveAll(scratch)

	apiDir := filepath.Join(scratch, "api")
	inputsHostDir := filepath.Join(scratch, "inputs")
	devicesHostDir := filepath.Join(scratch, "devices")
	mountsHostDir := filepath.Join(scratch, "mounts")
	for _, d := range []string{apiDir, inputsHostDir, devicesHostDir, mountsHostDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return berrors.WrapWithStage(err, berrors.ErrResource, "stagerunner.runStage", p.Name, st.InfoName)
		}
	}

	mgr, err := rpc.NewManager(apiDir)
	if err != nil {
		return berrors.WrapWithStage(err, berrors.ErrProtocol, "stagerunner.runStage", p.Name, st.InfoName)
	}
	defer mgr.Close()

	storeSvc, err := hostservice.NewStoreService(r.Store)
	if err != nil {
		return err
	}
	defer storeSvc.Close()

	loopSvc, err := hostservice.NewLoopService()
	if err != nil {
		return berrors.WrapWithStage(err, berrors.ErrLoop, "stagerunner.runStage", p.Name, st.InfoName)
	}
	defer loopSvc.Close()

	deviceSvc := hostservice.NewDeviceService()
	deviceSvc.RegisterDriver("org.osbuild.loopback", loopSvc.DeviceDriver())
	defer deviceSvc.Close()

	mountSvc := hostservice.NewMountService()
	defer mountSvc.Close()

	inputSvc := hostservice.NewInputService(r.Store)
	defer inputSvc.Close()

	sockets := make(map[string]string)
	for _, svc := range []rpc.Service{storeSvc, loopSvc, deviceSvc, mountSvc, inputSvc} {
		path, err := mgr.Register(svc)
		if err != nil {
			return berrors.WrapWithStage(err, berrors.ErrProtocol, "stagerunner.runStage", p.Name, st.InfoName)
		}
		sockets[svc.Endpoint()] = path
	}
	logger.Debug("registered host services", "endpoints", sortedKeys(sockets))

	binds := []buildroot.Bind{{Host: treeHost, Sandbox: sandboxTreeRel}}

	deviceHostPath := make(map[string]string, len(st.Devices))
	deviceDescriptors := make(map[string]any, len(st.Devices))
	for _, name := range deviceOpenOrder(st) {
		dev := st.Devices[name]
		var parentPath string
		if dev.Parent != "" {
			parentPath = deviceHostPath[dev.Parent]
		}
		opts, err := decodeOptions(dev.Options)
		if err != nil {
			return berrors.WrapWithStage(err, berrors.ErrValidation, "stagerunner.runStage", p.Name, st.InfoName)
		}

		reply, _, err := deviceSvc.Handle("open", map[string]any{
			"name":        name,
			"info_name":   dev.InfoName,
			"parent_path": parentPath,
			"options":     opts,
		}, nil)
		if err != nil {
			return berrors.WrapWithStage(err, berrors.ErrDevice, "stagerunner.runStage", p.Name, st.InfoName)
		}

		hostPath, _ := reply["path"].(string)
		deviceHostPath[name] = hostPath
		sandboxPath := filepath.Join(sandboxDevicesRel, name)
		binds = append(binds, buildroot.Bind{Host: hostPath, Sandbox: sandboxPath})
		deviceDescriptors[name] = map[string]any{"path": abs(sandboxPath), "node": reply["node"]}
	}
	defer func() {
		for i := len(st.DeviceOrder) - 1; i >= 0; i-- {
			deviceSvc.Handle("close", map[string]any{"name": st.DeviceOrder[i]}, nil)
		}
	}()

	mountDescriptors := make(map[string]any, len(st.Mounts))
	for _, name := range st.MountOrder {
		mnt := st.Mounts[name]
		opts, err := decodeOptions(mnt.Options)
		if err != nil {
			return berrors.WrapWithStage(err, berrors.ErrValidation, "stagerunner.runStage", p.Name, st.InfoName)
		}
		target := filepath.Join(mountsHostDir, name)
		reply, _, err := mountSvc.Handle("mount", map[string]any{
			"name":               name,
			"info_name":          mnt.InfoName,
			"source_device_path": deviceHostPath[mnt.SourceDevice],
			"target":             target,
			"options":            opts,
		}, nil)
		if err != nil {
			return berrors.WrapWithStage(err, berrors.ErrMount, "stagerunner.runStage", p.Name, st.InfoName)
		}
		hostPath, _ := reply["path"].(string)
		sandboxPath := filepath.Join(sandboxMountsRel, name)
		binds = append(binds, buildroot.Bind{Host: hostPath, Sandbox: sandboxPath})
		mountDescriptors[name] = map[string]any{"path": abs(sandboxPath), "target": mnt.Target}
	}
	defer func() {
		for i := len(st.MountOrder) - 1; i >= 0; i-- {
			mountSvc.Handle("umount", map[string]any{"name": st.MountOrder[i]}, nil)
		}
	}()

	inputDescriptors := make(map[string]any, len(st.Inputs))
	for _, name := range st.InputOrder {
		in := st.Inputs[name]
		opts, err := decodeOptions(in.Options)
		if err != nil {
			return berrors.WrapWithStage(err, berrors.ErrValidation, "stagerunner.runStage", p.Name, st.InfoName)
		}

		refs := in.Refs
		if in.Origin == "pipeline" {
			resolved := make([]string, len(in.Refs))
			for i, refName := range in.Refs {
				tp, ok := m.Pipelines[refName]
				if !ok {
					return berrors.WrapWithStage(fmt.Errorf("unresolved pipeline input ref %q", refName), berrors.ErrValidation, "stagerunner.runStage", p.Name, st.InfoName)
				}
				resolved[i] = tp.ID().String()
			}
			refs = resolved
		}

		targetDir := filepath.Join(inputsHostDir, name)
		if err := os.MkdirAll(targetDir, 0o755); err != nil {
			return berrors.WrapWithStage(err, berrors.ErrResource, "stagerunner.runStage", p.Name, st.InfoName)
		}
		refsAny := make([]any, len(refs))
		for i, ref := range refs {
			refsAny[i] = ref
		}
		reply, _, err := inputSvc.Handle("map", map[string]any{
			"origin":     in.Origin,
			"info_name":  in.InfoName,
			"refs":       refsAny,
			"target_dir": targetDir,
			"options":    opts,
		}, nil)
		if err != nil {
			return berrors.WrapWithStage(err, berrors.ErrValidation, "stagerunner.runStage", p.Name, st.InfoName)
		}

		sandboxPath := filepath.Join(sandboxInputsRel, name)
		binds = append(binds, buildroot.Bind{Host: targetDir, Sandbox: sandboxPath, ReadOnly: true})

		files, _ := reply["files"].(map[string]string)
		rewritten := make(map[string]string, len(files))
		for ref, hostPath := range files {
			rewritten[ref] = rewritePath(targetDir, abs(sandboxPath), hostPath)
		}
		inputDescriptors[name] = map[string]any{"files": rewritten}
	}

	stageBinHost, err := resolveStageBinary(r.LibDirs, st.InfoName)
	if err != nil {
		return berrors.WrapWithStage(err, berrors.ErrNotFound, "stagerunner.runStage", p.Name, st.InfoName)
	}
	stageBinSandbox := filepath.Join(sandboxBinRel, st.InfoName)
	binds = append(binds, buildroot.Bind{Host: stageBinHost, Sandbox: stageBinSandbox, ReadOnly: true})

	runnerBinHost, err := resolveRunnerBinary(r.LibDirs, p.RunnerName)
	if err != nil {
		return berrors.WrapWithStage(err, berrors.ErrNotFound, "stagerunner.runStage", p.Name, st.InfoName)
	}
	runnerName := p.RunnerName
	if runnerName == "" {
		runnerName = DefaultRunner
	}
	runnerBinSandbox := filepath.Join(sandboxRunnerRel, runnerName)
	binds = append(binds, buildroot.Bind{Host: runnerBinHost, Sandbox: runnerBinSandbox, ReadOnly: true})

	argsJSON, err := buildArgsFile(p.Name, st, inputDescriptors, deviceDescriptors, mountDescriptors)
	if err != nil {
		return berrors.WrapWithStage(err, berrors.ErrInternal, "stagerunner.runStage", p.Name, st.InfoName)
	}
	argsHostPath := filepath.Join(scratch, "arguments.json")
	if err := os.WriteFile(argsHostPath, argsJSON, 0o644); err != nil {
		return berrors.WrapWithStage(err, berrors.ErrResource, "stagerunner.runStage", p.Name, st.InfoName)
	}
	binds = append(binds, buildroot.Bind{Host: argsHostPath, Sandbox: sandboxArgsRel, ReadOnly: true})

	var env []string
	if st.SourceEpoch != nil {
		env = append(env, fmt.Sprintf("SOURCE_DATE_EPOCH=%d", *st.SourceEpoch))
	} else if p.SourceEpoch != nil {
		env = append(env, fmt.Sprintf("SOURCE_DATE_EPOCH=%d", *p.SourceEpoch))
	}

	cfg := &buildroot.Config{
		RootfsPath:     buildTree,
		LibDirs:        r.LibDirs,
		Binds:          binds,
		ServiceSockets: sockets,
		Env:            env,
		Argv:           []string{abs(runnerBinSandbox), abs(stageBinSandbox), abs(sandboxArgsRel)},
	}

	res, err := r.Sandbox.Run(ctx, cfg)
	if err != nil {
		return berrors.WrapWithStage(err, berrors.ErrStageFailed, "stagerunner.runStage", p.Name, st.InfoName)
	}
	if res.ExitCode != 0 {
		logger.Error("stage failed", "exit_code", res.ExitCode, "stderr", strings.TrimSpace(string(res.Stderr)))
		return berrors.WrapWithDetail(fmt.Errorf("exit code %d", res.ExitCode), berrors.ErrStageFailed, "stagerunner.runStage", strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// sortedKeys is a small helper used by callers constructing deterministic
// socket listings for logging/debugging.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
