package intercept

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/offsync/internal/model"
)

// installConcurrency bounds parallel manifest fetches.
const installConcurrency = 4

// Install fetches every manifest asset from the origin and stores them in
// the static partition in a single transaction. If any asset fails nothing
// is stored.
func (t *Transport) Install(ctx context.Context) error {
	origin, err := url.Parse(t.cfg.Origin)
	if err != nil {
		return fmt.Errorf("parse origin %q: %w", t.cfg.Origin, err)
	}
	client := &http.Client{Transport: t.cfg.Base}

	entries := make([]model.CacheEntry, len(t.cfg.Manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for i, path := range t.cfg.Manifest {
		i, path := i, path
		g.Go(func() error {
			entry, err := t.fetchAsset(gctx, client, origin, path)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.cfg.Logger.Error("install failed", "partition", t.cfg.StaticPartition, "error", err)
		return err
	}

	if err := t.cfg.Cache.PutAll(ctx, t.cfg.StaticPartition, entries); err != nil {
		return err
	}
	t.cfg.Logger.Info("static assets installed", "partition", t.cfg.StaticPartition, "assets", len(entries))
	return nil
}

func (t *Transport) fetchAsset(ctx context.Context, client *http.Client, origin *url.URL, path string) (model.CacheEntry, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return model.CacheEntry{}, &InstallError{Path: path, Err: err}
	}
	target := origin.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return model.CacheEntry{}, &InstallError{Path: path, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return model.CacheEntry{}, &InstallError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.CacheEntry{}, &InstallError{Path: path, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.CacheEntry{}, &InstallError{Path: path, Err: err}
	}
	return model.CacheEntry{
		Key:    Key(http.MethodGet, target),
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
		MaxAge: t.cfg.StaticMaxAge,
	}, nil
}

// Activate deletes every cache partition other than the current static and
// api partitions and returns the names it removed.
func (t *Transport) Activate(ctx context.Context) ([]string, error) {
	parts, err := t.cfg.Cache.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	keep := []string{t.cfg.StaticPartition, t.cfg.APIPartition}

	removed := []string{}
	for _, p := range parts {
		if slices.Contains(keep, p) {
			continue
		}
		if err := t.cfg.Cache.DeletePartition(ctx, p); err != nil {
			return removed, err
		}
		t.cfg.Logger.Info("stale cache partition removed", "partition", p)
		removed = append(removed, p)
	}
	return removed, nil
}
