/*
main.go - Application entry point

PURPOSE:
  Starts the points engine: HTTP API, websocket stream and the background
  queue scheduler. Handles configuration, dependency wiring and graceful
  shutdown.

COMMANDS:
  serve (default)  Run the HTTP server and the queue scheduler
  drain            Drain every queued sync operation once and exit

FLAGS:
  --config   Config file (default: configs/config.$APP_ENV.yaml, env "dev")
  --port     Override server.port

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the queue scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close backends

EXAMPLES:
  # Run with the dev config
  ./server serve

  # Run production config on another port
  APP_ENV=prod ./server serve --port 3000

  # Flush queued operations after an outage
  ./server drain --config ./configs/config.prod.yaml

SEE ALSO:
  - cmd/server/app.go: Dependency wiring
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/solanaverse/points-engine/config"
	"github.com/solanaverse/points-engine/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configFlag := &cli.StringFlag{
		Name:  "config",
		Usage: "config file path",
		Value: config.Path(".", ""),
	}
	portFlag := &cli.IntFlag{
		Name:  "port",
		Usage: "override server.port",
	}

	cliApp := &cli.App{
		Name:   "points-engine",
		Usage:  "points ledger, cache and remote sync service",
		Flags:  []cli.Flag{configFlag, portFlag},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP server and queue scheduler",
				Flags:  []cli.Flag{configFlag, portFlag},
				Action: serve,
			},
			{
				Name:   "drain",
				Usage:  "drain every queued sync operation once",
				Flags:  []cli.Flag{configFlag},
				Action: drain,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads config, builds the logger and wires the app.
func bootstrap(c *cli.Context) (*app, error) {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if port := c.Int("port"); port != 0 {
		conf.Server.Port = port
		if err := conf.Validate(); err != nil {
			return nil, err
		}
	}

	logger, err := logging.New(conf.Log)
	if err != nil {
		return nil, err
	}

	a, err := newApp(c.Context, conf, logger)
	if err != nil {
		logger.Error("failed to initialize", zap.Error(err))
		return nil, err
	}
	return a, nil
}

func serve(c *cli.Context) error {
	a, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	eg, groupCtx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", a.conf.Server.Port),
		Handler:     a.router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: websocket streams are long-lived
		IdleTimeout: 60 * time.Second,
	}

	eg.Go(func() error {
		a.logger.Info("server starting", zap.Int("port", a.conf.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	a.scheduler.Start()
	a.logger.Info("queue scheduler started",
		zap.Duration("interval", a.scheduler.Interval),
		zap.Time("next_run", a.scheduler.GetNextRunTime()),
	)

	eg.Go(func() error {
		<-groupCtx.Done()
		a.logger.Info("shutting down")
		a.scheduler.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server forced to shutdown", zap.Error(err))
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		return err
	}
	a.logger.Info("server stopped")
	return nil
}

func drain(c *cli.Context) error {
	a, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.logger.Sync()

	var processed, failed, remaining int
	for _, r := range a.scheduler.RunNow(c.Context) {
		processed += r.Processed
		failed += r.Failed
		remaining += r.Remaining
	}
	a.logger.Info("drain finished",
		zap.Int("processed", processed),
		zap.Int("failed", failed),
		zap.Int("remaining", remaining),
	)
	if remaining > 0 {
		return fmt.Errorf("%d operations still queued", remaining)
	}
	return nil
}
