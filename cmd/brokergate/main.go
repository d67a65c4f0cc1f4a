// Command brokergate runs the brokerage MCP gateway. It speaks MCP over
// stdio by default, or over streamable HTTP with -sse.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/brokergate/brokergate/adapter"
	"github.com/brokergate/brokergate/config"
	"github.com/brokergate/brokergate/gateway"
	"github.com/brokergate/brokergate/hub"
	"github.com/brokergate/brokergate/internal/logctx"
	"github.com/brokergate/brokergate/longport"
	"github.com/brokergate/brokergate/mcp"
	"github.com/brokergate/brokergate/stdio"
	"github.com/brokergate/brokergate/streaminghttp"
	"github.com/brokergate/brokergate/subs"
	"github.com/brokergate/brokergate/toolset"
	"github.com/brokergate/brokergate/watchlist"
)

var version = "dev"

const instructions = "Brokerage gateway. Quote and portfolio tools are safe to call freely; " +
	"place_order, replace_order and cancel_order mutate real accounts and are never retried, " +
	"so a timeout does not mean the order was rejected. Use list_orders to confirm."

func main() {
	var (
		sse     = flag.Bool("sse", false, "serve streamable HTTP instead of stdio")
		bind    = flag.String("bind", "127.0.0.1:8000", "listen address for -sse")
		logDir  = flag.String("log-dir", "", "write logs to a file in this directory instead of stderr")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if err := run(*sse, *bind, *logDir, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "brokergate: %v\n", err)
		os.Exit(1)
	}
}

func run(sse bool, bind, logDir string, verbose bool) error {
	log, closeLog, err := newLogger(logDir, verbose)
	if err != nil {
		return err
	}
	defer closeLog()

	// Configuration is validated before any socket is bound or any backend
	// connection attempted.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := longport.New(cfg.Credentials, cfg.Settings, longport.WithLogger(log))
	events := hub.New(cfg.Settings.SessionQueueSize, log)
	ad := adapter.New(client, events,
		adapter.WithLogger(log),
		adapter.WithBackoff(cfg.Settings.ReconnectMinDelay, cfg.Settings.ReconnectMaxDelay),
		adapter.WithMaxAttempts(cfg.Settings.ReconnectMaxAttempts),
	)
	defer ad.Close()
	registry := subs.New(ctx, ad, log)
	ad.BindRegistry(registry)

	opts := []gateway.Option{
		gateway.WithLogger(log),
		gateway.WithInstructions(instructions),
	}
	if cfg.Settings.WatchlistPath != "" {
		w, err := watchlist.New(cfg.Settings.WatchlistPath, log)
		if err != nil {
			return err
		}
		go func() {
			if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("watchlist.watch.stop", slog.String("err", err.Error()))
			}
		}()
		opts = append(opts, gateway.WithWatchlist(w))
	}

	srv := gateway.New(
		mcp.ImplementationInfo{Name: "brokergate", Version: version},
		toolset.Catalog(ad),
		registry, events, opts...,
	)

	// An authentication failure from the backend is unrecoverable; shut the
	// process down rather than serve a gateway that can no longer trade.
	errs := make(chan error, 1)
	go func() {
		select {
		case err := <-ad.Fatal():
			errs <- fmt.Errorf("backend: %w", err)
		case <-ctx.Done():
		}
	}()

	log.Info("gateway.start", slog.String("version", version), slog.Bool("sse", sse))

	if sse {
		go func() { errs <- serveHTTP(ctx, srv, bind, &cfg.Settings, log) }()
	} else {
		go func() { errs <- serveStdio(ctx, srv, log) }()
	}

	select {
	case err := <-errs:
		stop()
		return err
	case <-ctx.Done():
		return nil
	}
}

func serveStdio(ctx context.Context, srv *gateway.Server, log *slog.Logger) error {
	h := stdio.NewHandler(srv, stdio.WithLogger(log))
	err := h.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveHTTP(ctx context.Context, srv *gateway.Server, bind string, settings *config.Settings, log *slog.Logger) error {
	h := streaminghttp.New(srv,
		streaminghttp.WithLogger(log),
		streaminghttp.WithBearerToken(settings.AuthToken),
		streaminghttp.WithSessionIdleTimeout(settings.SessionIdleTimeout),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", h)

	hs := &http.Server{Addr: bind, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
		_ = h.Shutdown(shutdownCtx)
	}()

	log.Info("http.listen", slog.String("addr", bind))
	if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newLogger builds the process logger. Stdio transport frames go to stdout,
// so logs always go to stderr or a file.
func newLogger(logDir string, verbose bool) (*slog.Logger, func(), error) {
	var w io.Writer = os.Stderr
	closeLog := func() {}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(logDir, "brokergate.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeLog = func() { f.Close() }
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := logctx.Handler{Handler: slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})}
	return slog.New(handler), closeLog, nil
}
