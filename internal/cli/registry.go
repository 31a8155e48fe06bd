package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// RegistrySummary describes a registry that passed validation.
type RegistrySummary struct {
	Version string `json:"version"`
	Fields  int    `json:"fields"`
	Aliases int    `json:"aliases"`
}

// NewRegistryCommand creates the registry command group.
func NewRegistryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the schema registry",
	}
	cmd.AddCommand(newRegistryCheckCommand(rootOpts))
	return cmd
}

func newRegistryCheckCommand(rootOpts *RootOptions) *cobra.Command {
	var registryPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load a registry and report ambiguities",
		Long: `Load a registry and run every load-time check: unknown keys,
invalid descriptors, duplicate paths without fanout, and external ids that
could resolve to more than one field.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			reg, err := loadRegistry(registryPath)
			if err != nil {
				return f.Fail(ExitFailure, "registry_invalid", err.Error())
			}
			summary := RegistrySummary{Version: reg.Version(), Fields: reg.Len()}
			for _, d := range reg.Descriptors() {
				summary.Aliases += len(d.Aliases())
			}
			return f.Success(summary, func(w io.Writer) {
				fmt.Fprintf(w, "✓ registry %s: %d fields, %d aliases\n", summary.Version, summary.Fields, summary.Aliases)
			})
		},
	}
	cmd.Flags().StringVarP(&registryPath, "registry", "r", "", "registry YAML (default: embedded registry)")
	return cmd
}
