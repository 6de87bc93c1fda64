package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

const shutdownTimeout = 10 * time.Second

// NewServer builds the HTTP server for the gateway.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Serve runs the gateway on ln until ctx ends, then shuts it down
// gracefully.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := NewServer(ln.Addr().String(), a.Gateway.Router())

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("gateway listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.Logger.Info("gateway stopped")
	return nil
}
