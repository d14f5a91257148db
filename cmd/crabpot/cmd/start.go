package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crabpot/crabpot/internal/adapter/outbound/dockerrt"
	"github.com/crabpot/crabpot/internal/config"
	"github.com/crabpot/crabpot/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sandbox and its security perimeter",
	Long: `Start the sandbox container, the egress proxy, the security monitor,
and the dashboard API, then run in the foreground until interrupted.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, _ []string) error {
	paths, err := config.ResolvePaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirs(); err != nil {
		return err
	}
	if err := config.WriteDefault(paths.ConfigFile); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	logger.Info("loaded config", "file", paths.ConfigFile, "preset", cfg.Preset)

	rt, err := dockerrt.New(config.ContainerName, logger)
	if err != nil {
		return err
	}

	sup, err := service.New(cfg, paths, rt, logger)
	if err != nil {
		return err
	}

	// stop() restores default signal handling so a second Ctrl+C is a hard
	// kill.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		return err
	}

	pidPath := pidFilePath(paths)
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	if err := sup.Stop(cmd.Context()); err != nil {
		return err
	}
	logger.Info("crabpot stopped")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func pidFilePath(paths config.Paths) string {
	return filepath.Join(paths.Home, "crabpot.pid")
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("malformed PID file %s: %w", path, err)
	}
	return pid, nil
}
