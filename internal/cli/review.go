package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewReviewCommand creates the review command.
func NewReviewCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		limit int
		clear string
		note  string
	)

	cmd := &cobra.Command{
		Use:   "review",
		Short: "List submissions awaiting manual review",
		Long: `List submissions whose projection finished with fields the
external store did not accept. With --clear ID the submission is marked as
reconciled instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if clear != "" {
				return runClearReview(cmd, rootOpts, clear, note)
			}
			return runReview(cmd, rootOpts, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum submissions to list")
	cmd.Flags().StringVar(&clear, "clear", "", "clear the submission with this id")
	cmd.Flags().StringVar(&note, "note", "", "note recorded with --clear")
	return cmd
}

func runReview(cmd *cobra.Command, opts *RootOptions, limit int) error {
	f := newFormatter(opts, cmd)
	items, err := NewClient(opts.Server, opts.Timeout).NeedsReview(cmd.Context(), limit)
	if err != nil {
		return f.Fail(ExitCommandError, "request_failed", err.Error())
	}
	return f.Success(items, func(w io.Writer) {
		if len(items) == 0 {
			fmt.Fprintln(w, "Nothing to review")
			return
		}
		for _, item := range items {
			printSubmission(w, item.Submission)
			for _, rec := range item.Failed {
				printRecord(w, rec)
			}
		}
	})
}

func runClearReview(cmd *cobra.Command, opts *RootOptions, id, note string) error {
	f := newFormatter(opts, cmd)
	if err := NewClient(opts.Server, opts.Timeout).ClearReview(cmd.Context(), id, note); err != nil {
		return f.Fail(ExitFailure, "clear_failed", err.Error())
	}
	return f.Success(map[string]string{"id": id, "status": "cleared"}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ cleared %s\n", id)
	})
}
