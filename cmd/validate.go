package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"osbuild-go/manifest"
)

var validateCmd = &cobra.Command{
	Use:   "validate <manifest.json>",
	Short: "Parse and validate a manifest without building it",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	m, err := manifest.Load(data)
	if err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}

	for _, name := range m.Order {
		p := m.Pipelines[name]
		fmt.Printf("%s\t%s\n", p.ID(), name)
	}
	return nil
}
