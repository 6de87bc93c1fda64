package connectivity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultProbeInterval is used when the prober is given no interval.
const DefaultProbeInterval = 15 * time.Second

// Prober periodically requests a health URL and feeds the result into a
// Monitor. Any HTTP response counts as online; only transport failures mark
// the remote offline.
type Prober struct {
	monitor  *Monitor
	client   *http.Client
	url      string
	interval time.Duration
	logger   *slog.Logger
}

// NewProber creates a prober. client defaults to a 5s-timeout client.
func NewProber(monitor *Monitor, client *http.Client, url string, interval time.Duration, logger *slog.Logger) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		monitor:  monitor,
		client:   client,
		url:      url,
		interval: interval,
		logger:   logger,
	}
}

// Probe performs one check, updates the monitor and returns the result.
func (p *Prober) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Error("build probe request", "url", p.url, "error", err)
		return p.monitor.Online()
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Debug("probe failed", "url", p.url, "error", err)
			p.monitor.SetOnline(false)
		}
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	p.monitor.SetOnline(true)
	return true
}

// Run probes immediately and then every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
