package cli

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/okian/intake/internal/domain/model"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show a submission's projection status and field outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts, args[0])
		},
	}
}

func runStatus(cmd *cobra.Command, opts *RootOptions, id string) error {
	f := newFormatter(opts, cmd)
	detail, err := NewClient(opts.Server, opts.Timeout).Get(cmd.Context(), id)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return f.Fail(ExitFailure, "not_found", "no submission "+id)
		}
		return f.Fail(ExitCommandError, "request_failed", err.Error())
	}
	return f.Success(detail, func(w io.Writer) {
		printSubmission(w, detail.Submission)
		for _, rec := range detail.Fields {
			printRecord(w, rec)
		}
	})
}

func printSubmission(w io.Writer, sub model.Submission) {
	fmt.Fprintf(w, "%s  %s  attempts=%d  received=%s\n",
		sub.ID, sub.ProjectionStatus, sub.Attempts, sub.ReceivedAt.Format("2006-01-02T15:04:05Z07:00"))
	if sub.ReviewClearedAt != nil {
		fmt.Fprintf(w, "  cleared %s: %s\n", sub.ReviewClearedAt.Format("2006-01-02T15:04:05Z07:00"), sub.ReviewNote)
	}
}

func printRecord(w io.Writer, rec model.ProjectionRecord) {
	alias := ""
	if rec.AliasUsed {
		alias = " (alias)"
	}
	fmt.Fprintf(w, "  %-40s %-24s %s%s", rec.LogicalPath, rec.Status, rec.ExternalFieldID, alias)
	if rec.LastError != "" {
		fmt.Fprintf(w, "  %s", rec.LastError)
	}
	fmt.Fprintln(w)
}
