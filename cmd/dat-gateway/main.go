// Command dat-gateway serves content-addressed archives over HTTP and
// WebSocket, resolving DNS, hex, and base32 addresses on the way in.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/dat-gateway/server"
)

// CLI holds the flags for the dat-gateway command. Defaults are chosen so
// an unconfigured run behaves sensibly for local testing; the Address and
// Dir defaults match server.New's own fallbacks.
type CLI struct {
	Address     string        `help:"Address to listen on." default:":8080"`
	Dir         string        `help:"Storage directory for archive metadata and blocks." default:"./data"`
	Max         int           `help:"Maximum number of concurrently resident archives." default:"64"`
	TTL         time.Duration `help:"How long an idle archive may stay resident before eviction. Zero disables TTL eviction." default:"30m"`
	Period      time.Duration `help:"How often the TTL sweeper runs." default:"1m"`
	Redirect    bool          `help:"Redirect canonical addresses to base32-subdomain form."`
	LogLevel    string        `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat   string        `help:"Log format (text, json)." default:"text" enum:"text,json"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("dat-gateway"),
		kong.Description("A gateway serving dat/hyperdrive archives over HTTP and WebSocket."),
	)

	logger := newLogger(cli.LogLevel, cli.LogFormat)

	if err := run(cli, logger); err != nil {
		logger.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

// newLogger builds the root logger. A non-empty DEBUG or LOG environment
// variable selects debug level, taking precedence over --log-level so
// operators can bump verbosity without redeploying with a new flag.
func newLogger(level, format string) *slog.Logger {
	if os.Getenv("DEBUG") != "" || os.Getenv("LOG") != "" {
		level = "debug"
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slogLevel,
			TimeFormat: time.Kitchen,
		})
	}

	return slog.New(handler)
}

func run(cli CLI, logger *slog.Logger) error {
	srv, err := server.New(server.Config{
		Address:     cli.Address,
		StorageDir:  cli.Dir,
		Max:         cli.Max,
		TTL:         cli.TTL,
		SweepPeriod: cli.Period,
		Redirect:    cli.Redirect,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("gateway started",
		"address", srv.Address(),
		"storage_dir", cli.Dir,
		"max_resident", cli.Max,
		"ttl", cli.TTL,
		"redirect", cli.Redirect,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
