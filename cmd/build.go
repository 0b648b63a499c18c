package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"osbuild-go/buildroot"
	"osbuild-go/manifest"
	"osbuild-go/scheduler"
	"osbuild-go/stagerunner"
	"osbuild-go/store"
)

var (
	buildCheckpoints []string
	buildLibDirs     []string
)

var buildCmd = &cobra.Command{
	Use:   "build <manifest.json> <pipeline>...",
	Short: "Build one or more target pipelines from a manifest",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runBuild,
}

func init() {
	buildCmd.Flags().StringArrayVar(&buildCheckpoints, "checkpoint", nil, "mark a pipeline name or stage id as a checkpoint (repeatable)")
	buildCmd.Flags().StringArrayVar(&buildLibDirs, "libdir", nil, "directory containing stages/ and runners/ binaries (repeatable)")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	m, err := manifest.Load(data)
	if err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}

	if unmatched := scheduler.MarkCheckpoints(m, buildCheckpoints); len(unmatched) > 0 {
		return fmt.Errorf("checkpoint pattern(s) matched nothing: %v", unmatched)
	}

	s, err := store.Open(GetStorePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Cleanup()

	order, err := scheduler.Depsolve(m, s, args[1:])
	if err != nil {
		return fmt.Errorf("depsolve: %w", err)
	}
	if len(order) == 0 {
		fmt.Println("nothing to build: every target is already cached")
		return nil
	}

	sb, err := buildroot.NewSandbox()
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}

	runner := &stagerunner.Runner{
		Store:   s,
		Sandbox: sb,
		LibDirs: buildLibDirs,
	}

	ctx := GetContext()
	for _, name := range order {
		result, err := runner.RunPipeline(ctx, m, name)
		if err != nil {
			return fmt.Errorf("pipeline %s: %w", name, err)
		}
		if result.Cached {
			printProgress(fmt.Sprintf("%s\tcached", name))
			continue
		}
		printProgress(fmt.Sprintf("%s\t%s\t%d stage(s) run", name, result.ID, len(result.StagesRun)))
	}
	return nil
}
