package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const probeTimeout = 5 * time.Second

// StatusResult is the output of the status command.
type StatusResult struct {
	App           string           `json:"app"`
	Connectivity  string           `json:"connectivity"` // online | offline | unknown
	Pending       int              `json:"pending"`
	SchemaVersion int              `json:"schema_version"`
	Collections   []string         `json:"collections"`
	Partitions    []CachePartition `json:"partitions"`
}

// WriteText renders the status summary.
func (s StatusResult) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "app:            %s\n", s.App)
	fmt.Fprintf(w, "connectivity:   %s\n", s.Connectivity)
	fmt.Fprintf(w, "pending writes: %d\n", s.Pending)
	fmt.Fprintf(w, "schema version: %d\n", s.SchemaVersion)
	fmt.Fprintf(w, "collections:    %s\n", strings.Join(s.Collections, ", "))
	if len(s.Partitions) == 0 {
		_, err := fmt.Fprintln(w, "cache:          empty")
		return err
	}
	fmt.Fprintln(w, "cache:")
	for _, p := range s.Partitions {
		marker := ""
		if p.Current {
			marker = " (current)"
		}
		fmt.Fprintf(w, "  %s: %d entries%s\n", p.Name, p.Entries, marker)
	}
	return nil
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth, connectivity and cache state",
		Long: `Summarise the local data directory: pending writes, registered
collections and cache partitions. With --probe (the default) the remote
health endpoint is checked once.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd, probe)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", true, "check the remote health endpoint")
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command, probe bool) error {
	ctx := cmd.Context()
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	result := StatusResult{App: a.Config.App, Connectivity: "unknown"}
	if probe && a.Prober != nil {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		result.Connectivity = "offline"
		if a.Prober.Probe(pctx) {
			result.Connectivity = "online"
		}
		cancel()
	}

	if result.Pending, err = a.Outbox.Pending(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to read queue", err)
	}
	if result.SchemaVersion, err = a.Store.SchemaVersion(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to read schema version", err)
	}
	if result.Collections, err = a.Store.Collections(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to list collections", err)
	}
	listing, err := cachePartitions(cmd, a)
	if err != nil {
		return err
	}
	result.Partitions = listing.Partitions

	return opts.formatter(cmd).Success(result)
}

