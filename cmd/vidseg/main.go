package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/heimdex/vidseg/internal/api"
	"github.com/heimdex/vidseg/internal/config"
	"github.com/heimdex/vidseg/internal/db"
	"github.com/heimdex/vidseg/internal/library"
	"github.com/heimdex/vidseg/internal/logging"
	"github.com/heimdex/vidseg/internal/playback"
	"github.com/heimdex/vidseg/internal/predictor"
	"github.com/heimdex/vidseg/internal/segment"
	"github.com/heimdex/vidseg/internal/session"
	"github.com/heimdex/vidseg/internal/video"
)

// modelPredictor is what the server needs from a predictor implementation.
type modelPredictor interface {
	predictor.Predictor
	predictor.DoctorRunner
}

func versionString() string {
	return fmt.Sprintf("vidseg %s (commit: %s, built: %s)", config.Version, config.GitCommit, config.BuildTime)
}

func main() {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:          "vidseg",
		Short:        "Interactive video segmentation backend",
		Version:      versionString(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	flags := rootCmd.PersistentFlags()
	flags.Int("port", config.DefaultPort, "HTTP port (env: VIDSEG_PORT)")
	flags.String("data-dir", "", "data directory (env: VIDSEG_DATA_DIR)")
	flags.String("log-level", config.DefaultLogLevel, "debug|info|warn|error (env: VIDSEG_LOG_LEVEL)")
	flags.String("predictor", config.DefaultPredictor, "subprocess|stub (env: VIDSEG_PREDICTOR)")
	bindFlag(v, config.KeyPort, flags.Lookup("port"))
	bindFlag(v, config.KeyDataDir, flags.Lookup("data-dir"))
	bindFlag(v, config.KeyLogLevel, flags.Lookup("log-level"))
	bindFlag(v, config.KeyPredictor, flags.Lookup("predictor"))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	})
	rootCmd.AddCommand(newDoctorCmd(v))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runServe(ctx context.Context, v *viper.Viper) error {
	startTime := time.Now()

	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	for _, dir := range []string{cfg.DataDir(), cfg.UploadsDir(), cfg.FramesDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting vidseg",
		"version", config.Version,
		"data_dir", cfg.DataDir(),
		"config_file", cfg.ConfigFile(),
		"predictor", cfg.Predictor(),
	)

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	librarySvc := library.NewService(library.NewRepository(database.Conn()), cfg.UploadsDir(), logger)

	pred, closePredictor, err := newPredictor(cfg, logger)
	if err != nil {
		return err
	}
	defer closePredictor()

	if sp, ok := pred.(*predictor.SubprocessPredictor); ok && cfg.LoadModelOnStartup() {
		go func() {
			if err := sp.Preload(ctx); err != nil {
				logger.Warn("model preload failed; it will load on first use", "error", err)
			} else {
				logger.Info("model loaded")
			}
		}()
	}

	dir, err := predictor.ParseDirection(cfg.DefaultDirection(), predictor.DirectionBoth)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", config.KeyDefaultDirection, err)
	}

	segmentSvc := segment.NewService(segment.Config{
		Store:            session.NewStore(),
		Predictor:        pred,
		Extractor:        video.NewFFmpeg(cfg.FFmpegPath(), cfg.FFprobePath(), logger),
		History:          librarySvc,
		Logger:           logger,
		FramesDir:        cfg.FramesDir(),
		ExportsDir:       cfg.ExportsDir(),
		MaxDurationSec:   cfg.MaxDurationSec(),
		MaxFrames:        cfg.MaxFrames(),
		DefaultDirection: dir,
	})

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port(),
		Segment:        segmentSvc,
		Library:        librarySvc,
		Playback:       playback.NewServer(logger),
		Doctor:         predictor.NewDoctor(pred, logger),
		AllowedOrigins: cfg.AllowedOrigins(),
		StorageRoot:    cfg.DataDir(),
		Logger:         logger,
		StartTime:      startTime,
		Version:        config.Version,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	segmentSvc.CloseActive(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}

// newPredictor builds the configured predictor and a func releasing it.
func newPredictor(cfg config.Config, logger *slog.Logger) (modelPredictor, func(), error) {
	switch cfg.Predictor() {
	case "stub":
		logger.Warn("using stub predictor; masks are placeholders")
		return predictor.NewStubPredictor(logger), func() {}, nil
	case "subprocess":
		pcfg := predictor.DefaultConfig(cfg.DataDir(), logger)
		pcfg.PythonPath = cfg.PredictorPython()
		pcfg.ModuleName = cfg.PredictorModule()
		pcfg.DoctorTimeout = cfg.DoctorTimeout()
		p, err := predictor.NewSubprocessPredictor(pcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize predictor: %w", err)
		}
		return p, func() {
			if err := p.Close(); err != nil {
				logger.Warn("failed to stop predictor worker", "error", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown predictor %q", cfg.Predictor())
}

func bindFlag(v *viper.Viper, key string, f *pflag.Flag) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}
