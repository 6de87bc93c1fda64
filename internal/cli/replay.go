package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/outbox"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
}

// ReplayResult is the command output: the pass counters plus the items the
// pass gave up on.
type ReplayResult struct {
	outbox.Report
	RejectedItems []ReplayRejection `json:"rejected_items"`
	DroppedItems  []ReplayDrop      `json:"dropped_items"`
}

// ReplayRejection describes an item the remote refused.
type ReplayRejection struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
}

// ReplayDrop describes an item discarded after exhausting its retries.
type ReplayDrop struct {
	ID       string `json:"id"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// WriteText renders the result for terminals.
func (r ReplayResult) WriteText(w io.Writer) error {
	if r.Skipped {
		_, err := fmt.Fprintln(w, "replay already in progress")
		return err
	}
	fmt.Fprintf(w, "attempted %d, succeeded %d, retried %d, rejected %d, dropped %d, remaining %d\n",
		r.Attempted, r.Succeeded, r.Retried, r.Rejected, r.Dropped, r.Remaining)
	for _, rj := range r.RejectedItems {
		fmt.Fprintf(w, "  rejected %s: HTTP %d\n", rj.ID, rj.Status)
	}
	for _, d := range r.DroppedItems {
		fmt.Fprintf(w, "  dropped %s after %d attempts: %s\n", d.ID, d.Attempts, d.Error)
	}
	return nil
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay queued writes once",
		Long: `Send every queued write to the remote API in enqueue order.

The pass stops at the first transport failure so later writes never
overtake earlier ones. Non-2xx answers are terminal and drop the item.

Exit codes:
  0 - Every attempted item was delivered (or the queue was empty)
  1 - Items were rejected, dropped, or remain queued
  2 - Command error (bad config, unreadable data dir)

Examples:
  offsync replay
  offsync replay --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}
	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := opts.formatter(cmd)

	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	report, err := a.Outbox.ReplayAll(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}

	result := ReplayResult{
		Report:   report,
		RejectedItems: []ReplayRejection{},
		DroppedItems:  []ReplayDrop{},
	}
	for _, rj := range report.Rejections {
		result.RejectedItems = append(result.RejectedItems, ReplayRejection{ID: rj.ItemID, Status: rj.StatusCode})
	}
	for _, f := range report.Failures {
		result.DroppedItems = append(result.DroppedItems, ReplayDrop{ID: f.Item.ID, Attempts: f.Item.Retries, Error: f.Err.Error()})
	}

	if err := formatter.Success(result); err != nil {
		return err
	}
	if report.Rejected > 0 || report.Dropped > 0 || report.Remaining > 0 {
		return NewExitError(ExitFailure, "replay incomplete")
	}
	return nil
}
