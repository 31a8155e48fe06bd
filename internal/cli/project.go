package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/okian/intake/internal/domain/intake"
	"github.com/okian/intake/internal/domain/projection"
	"github.com/okian/intake/internal/domain/schema"
)

// ProjectResult is the offline projection of one document.
type ProjectResult struct {
	RegistryVersion string                    `json:"registryVersion"`
	Fields          []projection.PendingField `json:"fields"`
	Issues          []projection.IssueReport  `json:"issues,omitempty"`
}

// NewProjectCommand creates the project command.
func NewProjectCommand(rootOpts *RootOptions) *cobra.Command {
	var registryPath string

	cmd := &cobra.Command{
		Use:   "project FILE",
		Short: "Flatten a document offline and print the fields it would write",
		Long: `Decode and validate an intake document, then flatten it against the
schema registry exactly as the projection worker would. Nothing is written
anywhere. Output is JSON regardless of --format.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProject(cmd, rootOpts, registryPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&registryPath, "registry", "r", "", "registry YAML (default: embedded registry)")
	return cmd
}

func runProject(cmd *cobra.Command, opts *RootOptions, registryPath, file string) error {
	f := newFormatter(opts, cmd)
	reg, err := loadRegistry(registryPath)
	if err != nil {
		return f.Fail(ExitCommandError, "registry_invalid", err.Error())
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return f.Fail(ExitCommandError, "read_failed", err.Error())
	}
	doc, err := intake.Decode(raw)
	if err == nil {
		err = doc.Validate()
	}
	if err != nil {
		return f.Fail(ExitFailure, "invalid_document", err.Error())
	}

	fields, issues := projection.ProjectWithIssues(doc, reg)
	f.VerboseLog("projected %d fields with %d issues (registry %s)", len(fields), len(issues), reg.Version())
	result := ProjectResult{RegistryVersion: reg.Version(), Fields: fields, Issues: issues}
	return f.Success(result, func(w io.Writer) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	})
}

func loadRegistry(path string) (*schema.Registry, error) {
	if path == "" {
		return schema.Default()
	}
	reg, err := schema.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}
