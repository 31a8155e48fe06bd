package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const defaultSubmitWorkers = 4

// SubmitResult is the outcome for one file.
type SubmitResult struct {
	File  string `json:"file"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "submit FILE...",
		Short: "Submit intake documents",
		Long: `Submit one or more JSON intake documents. Files are posted
concurrently; a failure on one file does not stop the others.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, rootOpts, workers, args)
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", defaultSubmitWorkers, "concurrent submissions")
	return cmd
}

func runSubmit(cmd *cobra.Command, opts *RootOptions, workers int, files []string) error {
	f := newFormatter(opts, cmd)
	if workers < 1 {
		return f.Fail(ExitCommandError, "bad_flag", "--workers must be positive")
	}
	client := NewClient(opts.Server, opts.Timeout)

	results := make([]SubmitResult, len(files))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(workers)
	for i, file := range files {
		g.Go(func() error {
			results[i] = SubmitResult{File: file}
			raw, err := os.ReadFile(file)
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			ack, err := client.Submit(ctx, raw)
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			results[i].ID = ack.ID
			f.VerboseLog("submitted %s as %s", file, ack.ID)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	err := f.Success(results, func(w io.Writer) {
		for _, r := range results {
			if r.Error != "" {
				fmt.Fprintf(w, "✗ %s: %s\n", r.File, r.Error)
				continue
			}
			fmt.Fprintf(w, "✓ %s -> %s\n", r.File, r.ID)
		}
	})
	if err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d submissions failed", failed, len(files)))
	}
	return nil
}
