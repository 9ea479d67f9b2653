// Command bigbrotr runs one pipeline service cycle loop per
// invocation: seeder, finder, validator, monitor, or synchronizer,
// selected as a subcommand, each configured from its own YAML file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/bigbrotr/bigbrotr/internal/finder"
	"github.com/bigbrotr/bigbrotr/internal/monitor"
	"github.com/bigbrotr/bigbrotr/internal/seeder"
	"github.com/bigbrotr/bigbrotr/internal/service"
	"github.com/bigbrotr/bigbrotr/internal/store"
	"github.com/bigbrotr/bigbrotr/internal/synchronizer"
	"github.com/bigbrotr/bigbrotr/internal/validator"
)

var version = "dev"

// minCycleInterval is the configured-interval floor enforced against
// every continuous service's config: low enough to permit
// tight test/staging loops, high enough to catch a typo'd zero.
const minCycleInterval = time.Second

var onceFlag = &cli.BoolFlag{Name: "once", Usage: "run a single cycle and exit, instead of looping forever"}
var configFlag = &cli.StringFlag{Name: "config", Usage: "path to the service's YAML config file", Required: true}
var logLevelFlag = &cli.StringFlag{Name: "log-level", Usage: "override the configured log level (debug, info, warn, error)"}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:    "bigbrotr",
		Version: version,
		Usage:   "Nostr relay ecosystem archiver and monitor",
		Commands: []*cli.Command{
			{
				Name:   "seeder",
				Usage:  "load a seed file of relay URLs as Validator candidates, once",
				Flags:  []cli.Flag{configFlag, logLevelFlag},
				Action: runSeeder,
			},
			{
				Name:   "finder",
				Usage:  "discover new relay candidates from APIs and archived events",
				Flags:  []cli.Flag{configFlag, onceFlag, logLevelFlag},
				Action: runFinder,
			},
			{
				Name:   "validator",
				Usage:  "probe candidates and promote the live ones to relays",
				Flags:  []cli.Flag{configFlag, onceFlag, logLevelFlag},
				Action: runValidator,
			},
			{
				Name:   "monitor",
				Usage:  "run NIP-11/NIP-66 health checks against known relays",
				Flags:  []cli.Flag{configFlag, onceFlag, logLevelFlag},
				Action: runMonitor,
			},
			{
				Name:   "synchronizer",
				Usage:  "archive events from relays flagged readable by Monitor",
				Flags:  []cli.Flag{configFlag, onceFlag, logLevelFlag},
				Action: runSynchronizer,
			},
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serveMetrics starts the Prometheus scrape endpoint in the background
// when cfg.Enabled, returning a shutdown func the caller should defer.
func serveMetrics(cfg service.MetricsConfig) func() {
	if !cfg.Enabled {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	srv := &http.Server{Addr: cfg.Addr(), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "metrics server failed: %v\n", err)
		}
	}()
	return func() { srv.Close() }
}

func runSeeder(c *cli.Context) error {
	var cfg seeder.Config
	if err := service.LoadStrict(c.String("config"), &cfg); err != nil {
		return err
	}
	cfg.Base.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, log, stopMetrics, err := bootstrap(c, cfg.Base, "seeder")
	if err != nil {
		return err
	}
	defer st.Close()
	defer stopMetrics()

	s := seeder.New(cfg, st, log)
	return service.NewRunner("seeder", s, cfg.Base, log, service.NewMetrics("seeder")).RunOnce(c.Context)
}

func runFinder(c *cli.Context) error {
	var cfg finder.Config
	if err := service.LoadStrict(c.String("config"), &cfg); err != nil {
		return err
	}
	cfg.Base.ApplyDefaults()
	if err := cfg.Base.Validate(minCycleInterval); err != nil {
		return err
	}

	st, log, stopMetrics, err := bootstrap(c, cfg.Base, "finder")
	if err != nil {
		return err
	}
	defer st.Close()
	defer stopMetrics()

	f := finder.New(cfg, st, log)
	runner := service.NewRunner("finder", f, cfg.Base, log, service.NewMetrics("finder"))
	return runCycleOrForever(c, runner)
}

func runValidator(c *cli.Context) error {
	var cfg validator.Config
	if err := service.LoadStrict(c.String("config"), &cfg); err != nil {
		return err
	}
	cfg.Base.ApplyDefaults()
	if err := cfg.Base.Validate(minCycleInterval); err != nil {
		return err
	}

	st, log, stopMetrics, err := bootstrap(c, cfg.Base, "validator")
	if err != nil {
		return err
	}
	defer st.Close()
	defer stopMetrics()

	v := validator.New(cfg, st, log)
	runner := service.NewRunner("validator", v, cfg.Base, log, service.NewMetrics("validator"))
	return runCycleOrForever(c, runner)
}

func runMonitor(c *cli.Context) error {
	var cfg monitor.Config
	if err := service.LoadStrict(c.String("config"), &cfg); err != nil {
		return err
	}
	cfg.Base.ApplyDefaults()
	if err := cfg.Base.Validate(minCycleInterval); err != nil {
		return err
	}

	st, log, stopMetrics, err := bootstrap(c, cfg.Base, "monitor")
	if err != nil {
		return err
	}
	defer st.Close()
	defer stopMetrics()

	m, err := monitor.New(cfg, st, log)
	if err != nil {
		return fmt.Errorf("construct monitor: %w", err)
	}
	runner := service.NewRunner("monitor", m, cfg.Base, log, service.NewMetrics("monitor"))
	return runCycleOrForever(c, runner)
}

func runSynchronizer(c *cli.Context) error {
	var cfg synchronizer.Config
	if err := service.LoadStrict(c.String("config"), &cfg); err != nil {
		return err
	}
	cfg.Base.ApplyDefaults()
	if err := cfg.Base.Validate(minCycleInterval); err != nil {
		return err
	}

	st, log, stopMetrics, err := bootstrap(c, cfg.Base, "synchronizer")
	if err != nil {
		return err
	}
	defer st.Close()
	defer stopMetrics()

	sync := synchronizer.New(cfg, st, log)
	runner := service.NewRunner("synchronizer", sync, cfg.Base, log, service.NewMetrics("synchronizer"))
	return runCycleOrForever(c, runner)
}

// bootstrap wires the ambient stack every subcommand shares: a
// component-scoped logger (the --log-level flag, when set, wins over
// the config file), the service's own Store pool, and (if configured)
// the metrics HTTP endpoint.
func bootstrap(c *cli.Context, base service.Base, component string) (*store.PostgresStore, *slog.Logger, func(), error) {
	if lvl := c.String("log-level"); lvl != "" {
		base.Logging.Level = lvl
	}
	log := service.NewLogger(base.Logging, component, os.Stdout)
	st, err := store.NewPostgresStore(c.Context, base.Pool)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to store: %w", err)
	}
	stopMetrics := serveMetrics(base.Metrics)
	return st, log, stopMetrics, nil
}

// runCycleOrForever runs exactly one cycle when --once is set,
// otherwise loops forever until cancellation or the circuit breaker
// trips.
func runCycleOrForever(c *cli.Context, runner *service.Runner) error {
	if c.Bool("once") {
		return runner.RunOnce(c.Context)
	}
	return runner.RunForever(c.Context)
}
