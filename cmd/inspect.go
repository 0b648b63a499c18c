package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"osbuild-go/manifest"
	"osbuild-go/scheduler"
	"osbuild-go/store"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <manifest.json> <pipeline>...",
	Short: "Show the build order and cache status for a set of target pipelines",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	m, err := manifest.Load(data)
	if err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
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
	for _, name := range order {
		p := m.Pipelines[name]
		fmt.Printf("%s\t%s\n", p.ID(), name)
	}
	return nil
}
