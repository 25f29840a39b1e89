package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/3FT-io/scorer/pkg/api"
	"github.com/3FT-io/scorer/pkg/config"
	"github.com/3FT-io/scorer/pkg/core"
	"github.com/3FT-io/scorer/pkg/engine/hclmodel"
	"github.com/3FT-io/scorer/pkg/metrics"
	"github.com/3FT-io/scorer/pkg/tracing"
)

var (
	version = "dev"
	cfgFile string
	port    int
)

var rootCmd = &cobra.Command{
	Use:          "scorer",
	Short:        "Deploy models and serve predictions over HTTP",
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "API port (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.APIPort = port
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	service := core.NewModelService(
		hclmodel.New(),
		core.NewRegistry(logger.Named("registry")),
		core.WithLogger(logger.Named("service")),
		core.WithMetrics(m),
		core.WithTracer(tracer.Tracer()),
		core.WithSummaryCache(core.NewSummaryCache(cfg.SummaryCacheTTL, core.DefaultCleanupInterval)),
	)

	server, err := api.NewAPI(service, cfg, logger.Named("api"), reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		logger.Info("Shutting down")
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("Error shutting down API server", zap.Error(err))
		}
		return tracer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
