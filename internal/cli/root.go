// Package cli implements the intakectl operator commands.
package cli

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultServer  = "http://localhost:9080"
	defaultTimeout = 30 * time.Second
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	Timeout time.Duration
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the intakectl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "intakectl",
		Short: "Operate the partner intake service",
		Long: `Submit intake documents, inspect projection status and work the
review queue of an intake server. The project and registry commands run
offline against a schema registry.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Server, "server", "s", defaultServer, "intake server base URL")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", defaultTimeout, "HTTP request timeout")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewReviewCommand(opts))
	cmd.AddCommand(NewProjectCommand(opts))
	cmd.AddCommand(NewRegistryCommand(opts))

	return cmd
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
