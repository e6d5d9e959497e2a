package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/heimdex/vidseg/internal/config"
	"github.com/heimdex/vidseg/internal/logging"
	"github.com/heimdex/vidseg/internal/predictor"
)

var errNotReady = errors.New("environment is not ready")

func newDoctorCmd(v *viper.Viper) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check ffmpeg and the model worker environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), v, cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw report as JSON")
	return cmd
}

func runDoctor(ctx context.Context, v *viper.Viper, out io.Writer, asJSON bool) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.NewLoggerTo(io.Discard, cfg.LogLevel())

	pred, closePredictor, err := newPredictor(cfg, logger)
	if err != nil {
		return err
	}
	defer closePredictor()

	h := predictor.NewDoctor(pred, logger).Refresh(ctx)

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(h); err != nil {
			return err
		}
	} else {
		printHealth(out, cfg, h)
	}
	if !h.Ready() {
		return errNotReady
	}
	return nil
}

func printHealth(out io.Writer, cfg config.Config, h predictor.Health) {
	fmt.Fprintf(out, "\nvidseg doctor (%s)\n", config.Version)
	fmt.Fprintln(out, "==================")
	fmt.Fprintf(out, "data dir:  %s\n", cfg.DataDir())
	fmt.Fprintf(out, "predictor: %s\n\n", cfg.Predictor())

	for _, name := range slices.Sorted(maps.Keys(h.Executables)) {
		printDep(out, name, h.Executables[name])
	}

	if h.Worker == nil {
		fmt.Fprintf(out, "  FAIL  worker: %s\n", h.WorkerError)
		return
	}
	w := h.Worker
	fmt.Fprintf(out, "  ok    worker %s (python %s)\n", w.PackageVersion, w.Python.Version)
	for _, name := range slices.Sorted(maps.Keys(w.Dependencies)) {
		printDep(out, name, w.Dependencies[name])
	}
	if w.GPU.CUDAAvailable {
		fmt.Fprintf(out, "  ok    cuda (%d devices)\n", w.GPU.DeviceCount)
	} else {
		fmt.Fprintln(out, "  --    cuda unavailable, running on cpu")
	}
	if !w.HasModel {
		fmt.Fprintln(out, "\nmodel dependencies are missing; prompts and propagation will fail")
	}
}

func printDep(out io.Writer, name string, d predictor.DepInfo) {
	if d.Available {
		fmt.Fprintf(out, "  ok    %s %s\n", name, d.Version)
		return
	}
	fmt.Fprintf(out, "  FAIL  %s: %s\n", name, d.Error)
}
