package cli

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen  string
	Install bool

	// ready, when set, receives the bound address once the listener is up.
	ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the offline-first gateway",
		Long: `Run the local gateway in front of the remote API.

The gateway proxies /api/* through the caching transport, queues writes
that cannot reach the network, replays the queue when connectivity
returns, and exposes status, queue and event endpoints under /_offsync/.

Examples:
  offsync serve
  offsync serve --listen 127.0.0.1:9000 --install
  offsync serve --config offsync.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Listen, "listen", "l", "", "listen address (defaults to listen_addr from config)")
	cmd.Flags().BoolVar(&opts.Install, "install", false, "precache static assets and activate before serving")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			formatter.VerboseLog("close: %v", cerr)
		}
	}()

	if opts.Install {
		if err := a.Install(ctx); err != nil {
			return WrapExitError(ExitFailure, "static precache failed", err)
		}
		removed, err := a.Transport.Activate(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "cache activation failed", err)
		}
		formatter.VerboseLog("installed static assets, removed %d stale partitions", len(removed))
	}

	addr := opts.Listen
	if addr == "" {
		addr = a.Config.ListenAddr
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	if err := a.Start(ctx); err != nil {
		ln.Close()
		return WrapExitError(ExitFailure, "failed to start", err)
	}
	formatter.VerboseLog("gateway listening on %s", ln.Addr())
	if opts.ready != nil {
		opts.ready(ln.Addr().String())
	}

	if err := a.Serve(ctx, ln); err != nil {
		return WrapExitError(ExitFailure, "gateway stopped", err)
	}
	return nil
}
