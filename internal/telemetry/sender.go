package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/roach88/offsync/internal/auth"
)

// Sender delivers one batch.
type Sender[T any] interface {
	Send(ctx context.Context, batch []T) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc[T any] func(ctx context.Context, batch []T) error

// Send implements Sender.
func (f SenderFunc[T]) Send(ctx context.Context, batch []T) error {
	return f(ctx, batch)
}

// StatusError is a non-2xx answer from the collector.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("post %s: http status %d", e.URL, e.StatusCode)
}

// HTTPSender POSTs a batch as a JSON array.
type HTTPSender[T any] struct {
	Client *http.Client // http.DefaultClient when nil
	URL    string
	Tokens auth.TokenSource
}

// Send implements Sender.
func (s *HTTPSender[T]) Send(ctx context.Context, batch []T) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := auth.Apply(ctx, s.Tokens, req); err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: s.URL, StatusCode: resp.StatusCode}
	}
	return nil
}
