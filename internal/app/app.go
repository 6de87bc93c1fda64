// Package app is the composition root: it builds every component once from
// a Config and owns their lifecycles.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/gateway"
	"github.com/roach88/offsync/internal/intercept"
	"github.com/roach88/offsync/internal/metrics"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/notify"
	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/readmodel"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/telemetry"
	"github.com/roach88/offsync/internal/trigger"
)

// requestTimeout bounds every outbound call made by the core.
const requestTimeout = 30 * time.Second

// App holds the wired components.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Store     *store.Store
	Cache     *cache.Store
	Hub       *notify.Hub
	Monitor   *connectivity.Monitor
	Prober    *connectivity.Prober
	Outbox    *outbox.Manager
	Trigger   *trigger.Trigger
	Deferred  *trigger.Deferred // Nil when the deferred scheduler is disabled
	Transport *intercept.Transport
	ReadModel *readmodel.Updater
	Events    *telemetry.Events
	Samples   *telemetry.Samples
	Sessions  *telemetry.Sessions
	Gateway   *gateway.Handler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []func()
}

// Option configures New.
type Option func(*buildOptions)

type buildOptions struct {
	base    http.RoundTripper
	now     func() time.Time
	online  bool
	probing bool
}

// WithBaseTransport replaces the network transport under every client.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *buildOptions) { o.base = rt }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *buildOptions) { o.now = now }
}

// WithInitialOnline sets the connectivity state before the first probe.
func WithInitialOnline(online bool) Option {
	return func(o *buildOptions) { o.online = online }
}

// WithoutProbing disables the reachability prober; connectivity then only
// changes through Monitor.SetOnline.
func WithoutProbing() Option {
	return func(o *buildOptions) { o.probing = false }
}

// New opens the stores and wires every component. It starts nothing.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	bo := buildOptions{base: http.DefaultTransport, now: time.Now, online: true, probing: true}
	for _, opt := range opts {
		opt(&bo)
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.StorePath(), store.WithNow(bo.now))
	if err != nil {
		return nil, err
	}
	c, err := cache.Open(cfg.CachePath(), cache.WithNow(bo.now))
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Store:    st,
		Cache:    c,
		Hub:      notify.NewHub(logger),
		Monitor:  connectivity.NewMonitor(bo.online, logger),
	}
	a.Metrics = metrics.New(a.Registry)
	a.Metrics.SetOnline(bo.online)

	netClient := &http.Client{Transport: bo.base, Timeout: requestTimeout}
	tokens := cfg.TokenSource()
	base := strings.TrimRight(cfg.APIBaseURL, "/")

	if bo.probing {
		a.Prober = connectivity.NewProber(a.Monitor, netClient, base+cfg.Connectivity.ProbePath, cfg.Connectivity.ProbeInterval.Std(), logger)
	}

	a.Outbox, err = outbox.New(st, cfg.APIBaseURL,
		outbox.WithHTTPClient(netClient),
		outbox.WithTokenSource(tokens),
		outbox.WithPublisher(a.Hub),
		outbox.WithClock(bo.now),
		outbox.WithMaxRetries(cfg.Sync.MaxRetries),
		outbox.WithSyncTag(cfg.SyncTag()),
		outbox.WithMetrics(a.Metrics),
		outbox.WithLogger(logger),
	)
	if err != nil {
		a.closeStores()
		return nil, err
	}

	triggerOpts := []trigger.Option{trigger.WithMonitor(a.Monitor), trigger.WithLogger(logger)}
	if cfg.Sync.Deferred {
		a.Deferred = trigger.NewDeferred(a.Monitor,
			trigger.WithRetryDelay(cfg.Sync.RetryDelay.Std()),
			trigger.WithDeferredLogger(logger),
		)
		triggerOpts = append(triggerOpts, trigger.WithDeferred(a.Deferred))
	}
	a.Trigger = trigger.New(a.Outbox, triggerOpts...)
	a.Outbox.SetRegistrar(a.Trigger)

	a.Transport = intercept.New(intercept.Config{
		Base:            bo.base,
		Cache:           c,
		Monitor:         a.Monitor,
		Origin:          cfg.APIBaseURL,
		Manifest:        cfg.Cache.Manifest,
		StaticPartition: intercept.StaticPartition(cfg.App),
		APIPartition:    intercept.DefaultAPIPartition,
		APIPrefix:       cfg.Cache.APIPrefix,
		APIMaxAge:       cfg.Cache.APIMaxAge.Std(),
		StaticMaxAge:    cfg.Cache.StaticMaxAge.Std(),
		Metrics:         a.Metrics,
		Logger:          logger,
	})

	a.ReadModel = readmodel.New(st, a.Outbox, readmodel.WithLogger(logger))

	if cfg.Telemetry.Enabled {
		a.Events = telemetry.NewEvents(
			&telemetry.HTTPSender[model.TelemetryEvent]{Client: netClient, URL: base + cfg.Telemetry.EventsPath, Tokens: tokens},
			telemetry.Options{
				Interval: cfg.Telemetry.EventsInterval.Std(),
				Mirror:   st,
				Monitor:  a.Monitor,
				Metrics:  a.Metrics,
				Logger:   logger,
			},
			bo.now,
		)
		a.Samples = telemetry.NewSamples(
			&telemetry.HTTPSender[model.MetricSample]{Client: netClient, URL: base + cfg.Telemetry.SamplesPath, Tokens: tokens},
			telemetry.Options{
				Interval: cfg.Telemetry.SamplesInterval.Std(),
				Mirror:   st,
				Monitor:  a.Monitor,
				Metrics:  a.Metrics,
				Logger:   logger,
			},
		)
		a.Sessions = telemetry.NewSessions(a.Events, bo.now)
	}

	gwOpts := gateway.Options{
		Upstream:  cfg.APIBaseURL,
		Client:    &http.Client{Transport: a.Transport, Timeout: requestTimeout},
		Queue:     a.Outbox,
		Replayer:  a.Trigger,
		ReadModel: a.ReadModel,
		Monitor:   a.Monitor,
		Hub:       a.Hub,
		Gatherer:  a.Registry,
		Logger:    logger,
	}
	if a.Sessions != nil {
		gwOpts.Offline = a.Sessions
	}
	a.Gateway = gateway.New(gwOpts)

	return a, nil
}

// Start launches the background work: connectivity probing, the deferred
// scheduler, telemetry flushing and the initial replay pass.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("app already started")
	}
	a.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.unsubs = append(a.unsubs, a.Monitor.Subscribe(a.onConnectivity))
	a.unsubs = append(a.unsubs, a.Hub.Subscribe(a.onSyncMessage))

	if a.Events != nil {
		if err := a.Events.Start(ctx); err != nil {
			return err
		}
		if err := a.Samples.Start(ctx); err != nil {
			return err
		}
		a.unsubs = append(a.unsubs, a.Sessions.Watch(a.Monitor))
	}

	if a.Deferred != nil {
		a.goRun(func() error { return a.Deferred.Run(runCtx) })
	}
	if a.Prober != nil {
		a.goRun(func() error { return a.Prober.Run(runCtx) })
	}
	if err := a.Trigger.Start(ctx); err != nil {
		return err
	}

	a.Logger.Info("offsync started",
		"app", a.Config.App,
		"api", a.Config.APIBaseURL,
		"data_dir", a.Config.DataDir,
		"online", a.Monitor.Online(),
	)
	return nil
}

// Install precaches the static manifest and records the installation and
// how long it took.
func (a *App) Install(ctx context.Context) error {
	start := time.Now()
	if err := a.Transport.Install(ctx); err != nil {
		return err
	}
	if a.Events != nil {
		a.Events.TrackInstallation()
		a.Events.TrackPerformance("static_install_ms", float64(time.Since(start).Milliseconds()))
	}
	return nil
}

func (a *App) goRun(run func() error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := run(); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("background task stopped", "error", err)
		}
	}()
}

func (a *App) onConnectivity(online bool) {
	a.Metrics.SetOnline(online)
	msg := model.MessageOffline
	if online {
		msg = model.MessageOnline
	}
	a.Hub.Publish(model.SyncMessage{Type: msg, Payload: model.SyncPayload{Success: online}})
	if !online && a.Events != nil {
		a.Events.TrackOfflineUsage()
	}
}

// onSyncMessage turns replay outcomes into metric samples.
func (a *App) onSyncMessage(msg model.SyncMessage) {
	if a.Samples == nil || msg.Type != model.MessageSyncCompleted {
		return
	}
	v := 0.0
	if msg.Payload.Success {
		v = 1
	}
	a.Samples.Record("sync_success", v)
}

// Close stops background work, flushes telemetry and closes the stores.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	cancel := a.cancel
	a.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	var errs []error
	errs = append(errs, a.Trigger.Close())
	if a.Events != nil {
		if err := a.Events.Close(ctx); err != nil {
			a.Logger.Warn("final event flush failed", "error", err)
		}
		if err := a.Samples.Close(ctx); err != nil {
			a.Logger.Warn("final sample flush failed", "error", err)
		}
	}
	errs = append(errs, a.closeStores())
	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	return errors.Join(a.Cache.Close(), a.Store.Close())
}
