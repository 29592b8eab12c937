package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/psa-spm/internal/domain/registry"
	"github.com/GriffinCanCode/psa-spm/internal/domain/spm"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/config"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/logging"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/server"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/psa-spm/internal/providers"
)

//go:embed manifest.yaml
var defaultManifest []byte

// Partition ids of the default manifest with a role in the demo
const (
	counterPartition int32 = 2
	appPartition     int32 = 3
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	manifest    string
	adminHost   string
	adminPort   string
	noAdmin     bool
	logLevel    string
	dev         bool
	workloadRPS float64
	noRecovery  bool
}

func parseFlags(cfg *config.Config, args []string) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("spm", pflag.ContinueOnError)
	flagSet.StringVar(&opts.manifest, "manifest", cfg.SPM.Manifest, "partition manifest (.yaml, .toml or .json); built-in demo manifest when empty")
	flagSet.StringVar(&opts.adminHost, "admin-host", cfg.Admin.Host, "admin API listen host")
	flagSet.StringVar(&opts.adminPort, "admin-port", cfg.Admin.Port, "admin API listen port")
	flagSet.BoolVar(&opts.noAdmin, "no-admin", !cfg.Admin.Enabled, "do not start the admin API")
	flagSet.StringVar(&opts.logLevel, "log-level", cfg.Logging.Level, "debug, info, warn or error")
	flagSet.BoolVar(&opts.dev, "dev", cfg.Logging.Development, "console logging")
	flagSet.Float64Var(&opts.workloadRPS, "workload-rps", 2, "rounds per second of the demo client workload; 0 disables it")
	flagSet.BoolVar(&opts.noRecovery, "no-recovery", !cfg.Recovery.Enabled, "stay halted after a fault instead of rebooting")

	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}

	cfg.SPM.Manifest = opts.manifest
	cfg.Admin.Host = opts.adminHost
	cfg.Admin.Port = opts.adminPort
	cfg.Admin.Enabled = !opts.noAdmin
	cfg.Logging.Level = opts.logLevel
	cfg.Logging.Development = opts.dev
	cfg.Recovery.Enabled = !opts.noRecovery
	return opts, nil
}

func loadRegistry(path string) (*registry.Registry, error) {
	if path != "" {
		return registry.LoadFile(path)
	}
	m, err := registry.ParseManifest(defaultManifest, registry.FormatYAML)
	if err != nil {
		return nil, err
	}
	return registry.New(m)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	opts, err := parseFlags(cfg, os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	reg, err := loadRegistry(cfg.SPM.Manifest)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("spm", logger.Logger)
	defer tracer.Close()

	spmOpts := []spm.Option{
		spm.WithLogger(logger),
		spm.WithMetrics(metrics),
		spm.WithTracer(tracer),
	}

	var supervisor *resilience.Supervisor
	if cfg.Recovery.Enabled {
		breaker := resilience.New("spm", resilience.Settings{
			MaxFaults: cfg.Recovery.MaxFaults,
			Window:    cfg.Recovery.Window,
			Cooldown:  cfg.Recovery.Cooldown,
			OnStateChange: func(name string, from, to resilience.State) {
				logger.Warn("reboot breaker changed state",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
		supervisor = resilience.NewSupervisor(breaker, cfg.Recovery.Delay, logger)
		spmOpts = append(spmOpts, spm.WithFaultHandler(supervisor.OnFault))
	}

	mgr, err := spm.New(reg, cfg.SPM, spmOpts...)
	if err != nil {
		return err
	}
	if err := bindProviders(mgr, reg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	logger.Info("psa-spm running",
		zap.Int("partitions", len(reg.Partitions())),
		zap.Int("services", len(reg.Services())),
		zap.Bool("admin", cfg.Admin.Enabled),
		zap.Bool("recovery", supervisor != nil),
		zap.Float64("workload_rps", opts.workloadRPS),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if supervisor != nil {
		g.Go(func() error { return supervisor.Run(gctx, mgr) })
	}

	if cfg.Admin.Enabled {
		deps := server.Deps{SPM: mgr, Metrics: metrics, Tracer: tracer, Logger: logger}
		if supervisor != nil {
			deps.Breaker = supervisor.Breaker()
		}
		admin, err := server.NewServer(cfg, deps)
		if err != nil {
			return err
		}
		g.Go(func() error { return admin.Run(gctx) })
	}

	if opts.workloadRPS > 0 {
		w := newWorkload(mgr, reg, opts.workloadRPS, logger)
		g.Go(func() error { return w.run(gctx) })
	}

	err = g.Wait()
	logger.Info("shutting down")
	if serr := mgr.Shutdown(); serr != nil {
		logger.Warn("last boot ended with an error", zap.Error(serr))
	}
	return err
}

// bindProviders attaches the demo providers to the partitions that expose
// services. Partitions from a custom manifest get the echo provider.
func bindProviders(mgr *spm.SPM, reg *registry.Registry) error {
	for _, p := range reg.Partitions() {
		if len(p.Services) == 0 {
			continue
		}
		var svc providers.Service = providers.NewEcho()
		if p.ID == counterPartition {
			svc = providers.NewCounter()
		}
		if err := mgr.Bind(p.ID, providers.Entry(svc)); err != nil {
			return err
		}
	}
	return nil
}
