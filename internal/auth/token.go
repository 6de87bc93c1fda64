// Package auth resolves the bearer credential attached to outbound requests.
//
// Tokens are always resolved at call time: a mutation queued under one login
// is replayed with whatever token is current when replay runs.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// TokenSource returns the current bearer token. An empty token means the
// request is sent without an Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// FileToken reads the token from a file on every call, so a login that
// rewrites the file is picked up by the next request. A missing file yields
// an empty token.
type FileToken struct {
	Path string
}

// Token implements TokenSource.
func (f FileToken) Token(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// EnvToken reads the token from an environment variable on every call.
type EnvToken string

// Token implements TokenSource.
func (e EnvToken) Token(context.Context) (string, error) {
	return os.Getenv(string(e)), nil
}

// Apply sets the Authorization header from src. A nil source is a no-op.
func Apply(ctx context.Context, src TokenSource, req *http.Request) error {
	if src == nil {
		return nil
	}
	token, err := src.Token(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}
