package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"viessmann-go-home/internal/controller"
	"viessmann-go-home/internal/datapoint"
	"viessmann-go-home/internal/optolink"
)

var (
	verbose   bool
	timeout   time.Duration
	modelsDir string
)

var rootCmd = &cobra.Command{
	Use:   "viessprobe <serial-port>",
	Short: "Detect a Viessmann control unit on an optolink port",
	Long: `viessprobe reads the device identification of a Viessmann heating
controller. It tries the P300 protocol first and falls back to KW.

Example:
  viessprobe /dev/ttyUSB0 -v`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runProbe,
}

func init() {
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log every frame exchanged")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 15*time.Second, "Time allowed per protocol")
	rootCmd.Flags().StringVar(&modelsDir, "models", "", "Directory overriding the embedded model files")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// linkOpener opens the line for one protocol; replaced in tests.
var linkOpener = func(port string, dialect optolink.Dialect, logger *slog.Logger) controller.Link {
	return optolink.NewSession(optolink.Config{Port: port, Dialect: dialect, Logger: logger})
}

func runProbe(cmd *cobra.Command, args []string) error {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	model, err := datapoint.Common(modelsDir)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: load device table: %v\n", err)
		return err
	}

	res, err := probe(cmd.Context(), args[0], model, timeout, logger)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "No device found on %s: %v\n", args[0], err)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Device ID is %s, device type is %s using protocol %s\n", res.id, res.name, res.dialect)
	return nil
}

type probeResult struct {
	id      string
	name    string
	dialect optolink.Dialect
}

// probe tries each protocol in turn and returns the first identification
// that succeeds.
func probe(ctx context.Context, port string, model *datapoint.Model, perDialect time.Duration, logger *slog.Logger) (probeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	for _, dialect := range []optolink.Dialect{optolink.P300, optolink.KW} {
		logger.Info("probing", "port", port, "protocol", dialect)
		id, name, err := identify(ctx, port, dialect, model, perDialect, logger)
		if err == nil {
			return probeResult{id: id, name: name, dialect: dialect}, nil
		}
		logger.Info("protocol failed", "protocol", dialect, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", dialect, err))
	}
	return probeResult{}, errors.Join(errs...)
}

func identify(ctx context.Context, port string, dialect optolink.Dialect, model *datapoint.Model, d time.Duration, logger *slog.Logger) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	ctrl := controller.New(linkOpener(port, dialect, logger), model, logger)
	defer ctrl.Close()
	return ctrl.DeviceType(ctx)
}
