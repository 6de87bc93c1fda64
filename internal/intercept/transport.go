// Package intercept sits between the application and the network as an
// http.RoundTripper.
//
// GET requests under the API prefix are network-first: a 2xx response is
// stored in the api partition, and a transport failure falls back to the
// stored copy. Every other GET is cache-first against the static partition,
// which Install fills from the asset manifest. Non-GET requests pass through.
package intercept

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/metrics"
	"github.com/roach88/offsync/internal/model"
)

const (
	// DefaultAPIPartition holds network-first API responses.
	DefaultAPIPartition = "api-cache-v1"
	// DefaultAPIPrefix selects the network-first strategy.
	DefaultAPIPrefix = "/api/"
	// DefaultAPIMaxAge is the freshness window of cached API responses.
	DefaultAPIMaxAge = 5 * time.Minute
	// DefaultStaticMaxAge is the freshness window of installed assets.
	DefaultStaticMaxAge = 24 * time.Hour

	// CacheHeader is set on responses served from the cache.
	CacheHeader = "X-Offsync-Cache"

	strategyNetworkFirst = "network-first"
	strategyCacheFirst   = "cache-first"
)

// DefaultManifest is the asset list installed into the static partition.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
}

// StaticPartition returns the static partition name for app.
func StaticPartition(app string) string {
	return app + "-v1"
}

// Config configures a Transport.
type Config struct {
	Base            http.RoundTripper // Real transport; http.DefaultTransport when nil
	Cache           *cache.Store
	Monitor         *connectivity.Monitor // Nil means always online
	Origin          string                // Base URL the manifest paths are fetched from
	Manifest        []string
	StaticPartition string
	APIPartition    string
	APIPrefix       string
	APIMaxAge       time.Duration
	StaticMaxAge    time.Duration
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// Transport is the interception layer.
//
// Thread-safety: safe for concurrent use.
type Transport struct {
	cfg Config
}

// New creates a Transport, filling zero config fields with defaults.
func New(cfg Config) *Transport {
	if cfg.Base == nil {
		cfg.Base = http.DefaultTransport
	}
	if cfg.Manifest == nil {
		cfg.Manifest = DefaultManifest
	}
	if cfg.StaticPartition == "" {
		cfg.StaticPartition = StaticPartition("offsync")
	}
	if cfg.APIPartition == "" {
		cfg.APIPartition = DefaultAPIPartition
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = DefaultAPIPrefix
	}
	if cfg.APIMaxAge == 0 {
		cfg.APIMaxAge = DefaultAPIMaxAge
	}
	if cfg.StaticMaxAge == 0 {
		cfg.StaticMaxAge = DefaultStaticMaxAge
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{cfg: cfg}
}

// Client returns an http.Client that routes through the transport.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// Partitions returns the static and api partition names in use.
func (t *Transport) Partitions() (static, api string) {
	return t.cfg.StaticPartition, t.cfg.APIPartition
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.cfg.Base.RoundTrip(req)
	}
	if strings.HasPrefix(req.URL.Path, t.cfg.APIPrefix) {
		return t.networkFirst(req)
	}
	return t.cacheFirst(req)
}

func (t *Transport) networkFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := Key(req.Method, req.URL)

	var netErr error
	if t.cfg.Monitor != nil && !t.cfg.Monitor.Online() {
		netErr = ErrOffline
	} else {
		resp, err := t.cfg.Base.RoundTrip(req)
		if err == nil {
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				t.cfg.Metrics.CacheRequest(strategyNetworkFirst, "network")
				return resp, nil
			}
			return t.storeAndReturn(ctx, req, key, resp)
		}
		netErr = err
	}

	entry, ok, err := t.cfg.Cache.Match(ctx, t.cfg.APIPartition, key)
	if err != nil {
		t.cfg.Logger.Warn("cache lookup failed", "key", key, "error", err)
	}
	if ok {
		t.cfg.Metrics.CacheRequest(strategyNetworkFirst, "hit")
		t.cfg.Logger.Debug("served from cache", "key", key, "cause", netErr)
		return responseFromEntry(req, entry), nil
	}
	t.cfg.Metrics.CacheRequest(strategyNetworkFirst, "miss")
	return nil, &NetworkError{URL: req.URL.String(), Err: netErr}
}

// storeAndReturn buffers a successful response, caches it and hands the
// caller an identical copy.
func (t *Transport) storeAndReturn(ctx context.Context, req *http.Request, key string, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", req.URL, err)
	}

	entry := model.CacheEntry{
		Key:    key,
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
		MaxAge: t.cfg.APIMaxAge,
	}
	if err := t.cfg.Cache.Put(ctx, t.cfg.APIPartition, entry); err != nil {
		t.cfg.Logger.Warn("cache store failed", "key", key, "error", err)
	}
	t.cfg.Metrics.CacheRequest(strategyNetworkFirst, "network")

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, nil
}

func (t *Transport) cacheFirst(req *http.Request) (*http.Response, error) {
	key := Key(req.Method, req.URL)
	entry, ok, err := t.cfg.Cache.Match(req.Context(), t.cfg.StaticPartition, key)
	if err != nil {
		t.cfg.Logger.Warn("cache lookup failed", "key", key, "error", err)
	}
	if ok {
		t.cfg.Metrics.CacheRequest(strategyCacheFirst, "hit")
		return responseFromEntry(req, entry), nil
	}
	t.cfg.Metrics.CacheRequest(strategyCacheFirst, "miss")
	return t.cfg.Base.RoundTrip(req)
}

// Key builds the cache key for a request: the method plus the URL with an
// NFC-normalised path, sorted query and no fragment.
func Key(method string, u *url.URL) string {
	c := *u
	c.Path = norm.NFC.String(c.Path)
	c.RawPath = ""
	c.Fragment = ""
	c.RawFragment = ""
	if c.RawQuery != "" {
		c.RawQuery = c.Query().Encode()
	}
	return method + " " + c.String()
}

func responseFromEntry(req *http.Request, entry model.CacheEntry) *http.Response {
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(CacheHeader, "hit")
	header.Set("Content-Length", strconv.Itoa(len(entry.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.Status, http.StatusText(entry.Status)),
		StatusCode:    entry.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}
