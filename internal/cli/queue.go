package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/app"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/outbox"
)

// QueueListing is the output of queue list.
type QueueListing struct {
	Items []model.QueueItem `json:"items"`
}

// WriteText renders the queue as a table.
func (l QueueListing) WriteText(w io.Writer) error {
	if len(l.Items) == 0 {
		_, err := fmt.Fprintln(w, "queue is empty")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tMETHOD\tURL\tRETRIES\tQUEUED\tLAST ERROR")
	for _, it := range l.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			it.ID, it.Method, it.URL, it.Retries, it.Timestamp.UTC().Format(time.RFC3339), it.LastError)
	}
	return tw.Flush()
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and edit the pending mutation queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueEnqueueCommand(rootOpts))
	cmd.AddCommand(newQueueDropCommand(rootOpts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List queued writes in replay order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(cmd, app.WithInitialOnline(false))
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			items, err := a.Outbox.Items(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read queue", err)
			}
			return opts.formatter(cmd).Success(QueueListing{Items: items})
		},
	}
}

// QueueEnqueueOptions holds flags for queue enqueue.
type QueueEnqueueOptions struct {
	*RootOptions
	Method        string
	Data          string
	CorrelationID string
}

func newQueueEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueEnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <url>",
		Short: "Queue a write for the next replay",
		Long: `Queue a write without touching the network.

The item is replayed by the next "offsync replay" or by a running
"offsync serve" once it is online.

Examples:
  offsync queue enqueue /api/grains --method POST --data '{"name":"Wheat"}'
  offsync queue enqueue /api/grains/42 --method DELETE`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueEnqueue(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Method, "method", "X", http.MethodPost, "HTTP method")
	cmd.Flags().StringVarP(&opts.Data, "data", "d", "", "JSON request body")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation", "", "correlation id tying the write to a local record")

	return cmd
}

func runQueueEnqueue(opts *QueueEnqueueOptions, cmd *cobra.Command, url string) error {
	ctx := cmd.Context()

	var data json.RawMessage
	if opts.Data != "" {
		if !json.Valid([]byte(opts.Data)) {
			return NewExitError(ExitCommandError, "--data must be valid JSON")
		}
		data = json.RawMessage(opts.Data)
	}

	// Offline so the fallback trigger never replays from a one-shot command.
	a, err := opts.openApp(cmd, app.WithInitialOnline(false))
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	item, err := a.Outbox.Enqueue(ctx, outbox.Request{
		URL:           url,
		Method:        strings.ToUpper(opts.Method),
		Data:          data,
		CorrelationID: opts.CorrelationID,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to enqueue", err)
	}
	return opts.formatter(cmd).Success(QueueListing{Items: []model.QueueItem{item}})
}

func newQueueDropCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "drop <id>",
		Short:         "Remove a queued write without sending it",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(cmd, app.WithInitialOnline(false))
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			formatter := opts.formatter(cmd)
			items, err := a.Outbox.Items(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read queue", err)
			}
			if !slices.ContainsFunc(items, func(it model.QueueItem) bool { return it.ID == args[0] }) {
				_ = formatter.Error(CodeNotFound, "queue item not found", map[string]string{"id": args[0]})
				return NewExitError(ExitCommandError, "queue item not found")
			}
			if err := a.Outbox.Drop(ctx, args[0]); err != nil {
				return WrapExitError(ExitCommandError, "failed to drop item", err)
			}
			return formatter.Success(fmt.Sprintf("dropped %s", args[0]))
		},
	}
}
