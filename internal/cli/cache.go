package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/app"
)

// CachePartition summarises one cache partition.
type CachePartition struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"` // Used by the running transport
}

// CacheListing is the output of cache partitions.
type CacheListing struct {
	Partitions []CachePartition `json:"partitions"`
}

// WriteText renders the partitions as a table.
func (l CacheListing) WriteText(w io.Writer) error {
	if len(l.Partitions) == 0 {
		_, err := fmt.Fprintln(w, "no cache partitions")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "PARTITION\tENTRIES\tCURRENT")
	for _, p := range l.Partitions {
		fmt.Fprintf(tw, "%s\t%d\t%t\n", p.Name, p.Entries, p.Current)
	}
	return tw.Flush()
}

// CacheChange reports what a mutating cache command did.
type CacheChange struct {
	Action     string   `json:"action"`
	Partitions []string `json:"partitions"`
}

func (c CacheChange) String() string {
	if len(c.Partitions) == 0 {
		return c.Action + ": nothing to do"
	}
	return c.Action + ": " + strings.Join(c.Partitions, ", ")
}

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}
	cmd.AddCommand(newCacheInstallCommand(rootOpts))
	cmd.AddCommand(newCacheActivateCommand(rootOpts))
	cmd.AddCommand(newCachePurgeCommand(rootOpts))
	cmd.AddCommand(newCachePartitionsCommand(rootOpts))
	return cmd
}

func newCacheInstallCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Precache the static asset manifest",
		Long: `Fetch every asset in the manifest and store them in the static
partition. Installation is all-or-nothing: one failed asset leaves the
partition untouched.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(cmd, app.WithoutProbing())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			formatter := opts.formatter(cmd)
			if err := a.Install(ctx); err != nil {
				_ = formatter.Error(CodeNetwork, "static precache failed", err.Error())
				return WrapExitError(ExitFailure, "static precache failed", err)
			}
			static, _ := a.Transport.Partitions()
			return formatter.Success(CacheChange{Action: "installed", Partitions: []string{static}})
		},
	}
}

func newCacheActivateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "activate",
		Short:         "Delete cache partitions left by older versions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(cmd, app.WithoutProbing())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			removed, err := a.Transport.Activate(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "cache activation failed", err)
			}
			return opts.formatter(cmd).Success(CacheChange{Action: "removed", Partitions: removed})
		},
	}
}

func newCachePurgeCommand(opts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "purge [partition...]",
		Short: "Delete cache partitions",
		Long: `Delete the named cache partitions, or every partition with --all.

Examples:
  offsync cache purge api-cache-v1
  offsync cache purge --all`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return NewExitError(ExitCommandError, "name partitions or pass --all, not both")
			}
			ctx := cmd.Context()
			a, err := opts.openApp(cmd, app.WithoutProbing())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			names := args
			if all {
				if names, err = a.Cache.Partitions(ctx); err != nil {
					return WrapExitError(ExitCommandError, "failed to list partitions", err)
				}
			}
			for _, name := range names {
				if err := a.Cache.DeletePartition(ctx, name); err != nil {
					return WrapExitError(ExitCommandError, "failed to purge "+name, err)
				}
			}
			return opts.formatter(cmd).Success(CacheChange{Action: "purged", Partitions: names})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "purge every partition")
	return cmd
}

func newCachePartitionsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "partitions",
		Short:         "List cache partitions and their sizes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(cmd, app.WithoutProbing())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			listing, err := cachePartitions(cmd, a)
			if err != nil {
				return err
			}
			return opts.formatter(cmd).Success(listing)
		},
	}
}

func cachePartitions(cmd *cobra.Command, a *app.App) (CacheListing, error) {
	ctx := cmd.Context()
	names, err := a.Cache.Partitions(ctx)
	if err != nil {
		return CacheListing{}, WrapExitError(ExitCommandError, "failed to list partitions", err)
	}
	static, api := a.Transport.Partitions()

	listing := CacheListing{Partitions: []CachePartition{}}
	for _, name := range names {
		keys, err := a.Cache.Keys(ctx, name)
		if err != nil {
			return CacheListing{}, WrapExitError(ExitCommandError, "failed to read partition", err)
		}
		listing.Partitions = append(listing.Partitions, CachePartition{
			Name:    name,
			Entries: len(keys),
			Current: name == static || name == api,
		})
	}
	return listing, nil
}
