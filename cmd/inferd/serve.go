package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/backend"
	"inferd/internal/capacity"
	"inferd/internal/config"
	"inferd/internal/engine"
	"inferd/internal/httpapi"
	"inferd/internal/registry"
)

func newServeCmd() *cobra.Command {
	var (
		configPath  string
		flags       config.Config
		corsEnabled bool
		corsOrigins []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the inference HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := flags
			if configPath != "" {
				fileCfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				mergeFlags(cmd, &fileCfg, &flags)
				cfg = fileCfg
			}
			cfg.Normalize()

			level, err := zerolog.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("parse log level: %w", err)
			}
			log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

			var prober capacity.Prober
			if cfg.DeviceBudgetMB > 0 {
				prober = capacity.StaticProber{
					Name:  "configured",
					Total: uint64(cfg.DeviceBudgetMB) << 20,
				}
			}

			e, err := engine.New(engine.Config{
				Backend:             backend.NewLlama(runtime.NumCPU()),
				Prober:              prober,
				DefaultModel:        cfg.DefaultModel,
				MaxConcurrentModels: cfg.MaxConcurrentModels,
				MaxBatchSize:        cfg.MaxBatchSize,
				MaxQueueSize:        cfg.MaxQueueSize,
				CacheEnabled:        *cfg.CacheEnabled,
				CacheCapacity:       cfg.CacheCapacity,
				SafetyMarginBytes:   uint64(cfg.SafetyMarginMB) << 20,
				Workers:             cfg.Workers,
				Logger:              log,
			})
			if err != nil {
				return fmt.Errorf("build engine: %w", err)
			}

			if cfg.ModelsDir != "" {
				models, err := registry.ScanDir(cfg.ModelsDir)
				if err != nil {
					return fmt.Errorf("scan models: %w", err)
				}
				for _, m := range models {
					if err := e.RegisterModel(m); err != nil {
						return fmt.Errorf("register %s: %w", m.ID, err)
					}
				}
				log.Info().Int("count", len(models)).Str("dir", cfg.ModelsDir).Msg("models registered")
			}

			if err := e.Initialize(); err != nil {
				return fmt.Errorf("initialize engine: %w", err)
			}
			defer e.Shutdown()

			httpapi.SetLogger(log)
			if corsEnabled {
				httpapi.SetCORSOptions(true, corsOrigins,
					[]string{"GET", "POST", "OPTIONS"},
					[]string{"Accept", "Content-Type", "X-Log-Level"})
			}

			srv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           httpapi.NewMux(e),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Addr).Msg("inferd listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("graceful shutdown error")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (yaml/json/toml)")
	cmd.Flags().StringVar(&flags.Addr, "addr", "", "HTTP listen address, e.g. :8090")
	cmd.Flags().StringVar(&flags.ModelsDir, "models-dir", "", "directory to scan for *.gguf model files")
	cmd.Flags().StringVar(&flags.DefaultModel, "default-model", "", "default model id when request omits model")
	cmd.Flags().IntVar(&flags.MaxConcurrentModels, "max-concurrent-models", 0, "maximum simultaneously loaded models")
	cmd.Flags().IntVar(&flags.MaxBatchSize, "max-batch-size", 0, "maximum requests per scheduling batch")
	cmd.Flags().IntVar(&flags.MaxQueueSize, "max-queue-size", 0, "maximum queued requests before rejection")
	cmd.Flags().IntVar(&flags.CacheCapacity, "cache-capacity", 0, "response cache capacity (entries)")
	cmd.Flags().IntVar(&flags.SafetyMarginMB, "safety-margin-mb", 0, "device memory kept free when loading models")
	cmd.Flags().IntVar(&flags.Workers, "workers", 0, "dispatch worker pool size")
	cmd.Flags().IntVar(&flags.DeviceBudgetMB, "device-budget-mb", 0, "accelerator memory budget in MB (0=host only)")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	cmd.Flags().BoolVar(&corsEnabled, "cors-enabled", false, "enable CORS middleware")
	cmd.Flags().StringSliceVar(&corsOrigins, "cors-origins", []string{"*"}, "allowed CORS origins")

	return cmd
}

// mergeFlags overlays explicitly-set command line flags onto a file config.
func mergeFlags(cmd *cobra.Command, dst, flags *config.Config) {
	if cmd.Flags().Changed("addr") {
		dst.Addr = flags.Addr
	}
	if cmd.Flags().Changed("models-dir") {
		dst.ModelsDir = flags.ModelsDir
	}
	if cmd.Flags().Changed("default-model") {
		dst.DefaultModel = flags.DefaultModel
	}
	if cmd.Flags().Changed("max-concurrent-models") {
		dst.MaxConcurrentModels = flags.MaxConcurrentModels
	}
	if cmd.Flags().Changed("max-batch-size") {
		dst.MaxBatchSize = flags.MaxBatchSize
	}
	if cmd.Flags().Changed("max-queue-size") {
		dst.MaxQueueSize = flags.MaxQueueSize
	}
	if cmd.Flags().Changed("cache-capacity") {
		dst.CacheCapacity = flags.CacheCapacity
	}
	if cmd.Flags().Changed("safety-margin-mb") {
		dst.SafetyMarginMB = flags.SafetyMarginMB
	}
	if cmd.Flags().Changed("workers") {
		dst.Workers = flags.Workers
	}
	if cmd.Flags().Changed("device-budget-mb") {
		dst.DeviceBudgetMB = flags.DeviceBudgetMB
	}
	if cmd.Flags().Changed("log-level") {
		dst.LogLevel = flags.LogLevel
	}
}
