// Command tracking-milter is a milter that adds Matomo (Piwik) campaign tracking to HTML newsletters.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/d--j/go-milter"
	"github.com/d--j/tracking-milter/internal/config"
	"github.com/d--j/tracking-milter/internal/metrics"
	"github.com/d--j/tracking-milter/trackfilter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "tracking-milter:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "tracking-milter",
		Usage: "add Matomo campaign tracking to the links of HTML e-mails",
		Description: `tracking-milter appends pk_campaign/pk_kwd fragments to every link of the first
HTML part of a message and adds a tracking pixel to it.

Settings are read from the YAML file given with --config, then from TRACKING_MILTER_*
environment variables and finally from the command line flags.

Use the check command to send a test message to a running instance.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration `FILE`"},
			&cli.StringFlag{Name: "socket", Usage: "listen on `SOCKET` (inet:PORT@HOST, inet6:PORT@HOST, unix:/path or HOST:PORT)"},
			&cli.StringFlag{Name: "tracking-url", Usage: "absolute `URL` of the Matomo tracking endpoint"},
			&cli.StringSliceFlag{Name: "recipient", Usage: "tracked recipient `ADDRESS` (can be repeated)"},
			&cli.StringFlag{Name: "campaign", Usage: "campaign name prefix"},
			&cli.StringFlag{Name: "scratch-dir", Usage: "directory for temporary message files"},
			&cli.DurationFlag{Name: "timeout", Usage: "read and write timeout of milter connections"},
			&cli.BoolFlag{Name: "recipient-gate", Usage: "only add tracking when a tracked recipient is present"},
			&cli.StringFlag{Name: "log-level", Usage: "one of debug, info, warn, error"},
			&cli.BoolFlag{Name: "log-json", Usage: "log in JSON format"},
			&cli.StringFlag{Name: "metrics", Usage: "serve Prometheus metrics on `ADDRESS`"},
		},
		Action:   run,
		Commands: []*cli.Command{newCheckCommand()},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := c.String("config"); path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if c.IsSet("socket") {
		cfg.Socket = c.String("socket")
	}
	if c.IsSet("tracking-url") {
		cfg.TrackingURL = c.String("tracking-url")
	}
	if c.IsSet("recipient") {
		cfg.TrackedRecipients = c.StringSlice("recipient")
	}
	if c.IsSet("campaign") {
		cfg.Campaign = c.String("campaign")
	}
	if c.IsSet("scratch-dir") {
		cfg.ScratchDir = c.String("scratch-dir")
	}
	if c.IsSet("timeout") {
		cfg.Timeout = c.Duration("timeout")
	}
	if c.IsSet("recipient-gate") {
		cfg.RecipientGate = c.Bool("recipient-gate")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-json") {
		cfg.Log.JSON = c.Bool("log-json")
	}
	if c.IsSet("metrics") {
		cfg.Metrics = c.String("metrics")
	}
	return cfg, cfg.Validate()
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	milter.LogWarning = func(format string, v ...interface{}) {
		logger.Sugar().Warnf("milter: "+format, v...)
	}

	m := metrics.New()
	if cfg.Metrics != "" {
		registry := prometheus.NewRegistry()
		if err := m.Register(registry); err != nil {
			return err
		}
		srv := serveMetrics(cfg.Metrics, registry, logger)
		defer func() { _ = srv.Close() }()
	}

	socket, cleanup, err := listen(cfg.Socket)
	if err != nil {
		return err
	}
	defer cleanup()

	filter, err := trackfilter.NewWithListener(socket,
		trackfilter.WithTrackingURL(cfg.TrackingURL),
		trackfilter.WithTrackedRecipients(cfg.TrackedRecipients...),
		trackfilter.WithCampaign(cfg.Campaign),
		trackfilter.WithScratchDir(cfg.ScratchDir),
		trackfilter.WithTimeout(cfg.Timeout),
		trackfilter.WithRecipientGate(cfg.RecipientGate),
		trackfilter.WithLogger(logger),
		trackfilter.WithMetrics(m),
	)
	if err != nil {
		_ = socket.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		// let running transactions finish within one milter timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		if err := filter.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
			filter.Close()
		}
	}()

	// quit when milter quits
	filter.Wait()
	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("serving metrics", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

