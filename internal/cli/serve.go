package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aretw0/stepgraph/internal/presentation/tui"
	httpadapter "github.com/aretw0/stepgraph/pkg/adapters/http"
	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds the graceful stop of the HTTP server and of
// in-flight runs.
const ShutdownTimeout = 10 * time.Second

// NewHandler builds the HTTP API of app.
func NewHandler(app *App) http.Handler {
	opts := []httpadapter.Option{
		httpadapter.WithLogger(app.Logger),
		httpadapter.WithMaxBodyBytes(app.Config.Server.MaxBodyBytes),
	}
	if app.Metrics != nil {
		opts = append(opts, httpadapter.WithMetrics(app.Metrics))
	}
	return httpadapter.NewHandler(app.Service, opts...)
}

// Serve runs the HTTP API until ctx is done, then drains requests and
// waits for in-flight runs. The banner goes to out when it is not nil.
func Serve(ctx context.Context, app *App, out io.Writer) error {
	srv := &http.Server{
		Addr:              app.Config.Server.Addr,
		Handler:           NewHandler(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if out != nil {
			tui.PrintBanner(out)
		}
		app.Logger.Info("HTTP server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		app.Logger.Info("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("graceful shutdown did not complete: %w", err))
		}
		if err := app.Service.Wait(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("in-flight runs did not finish: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
