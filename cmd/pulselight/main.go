package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kmckinnon/pulselight/internal/ble"
	"github.com/kmckinnon/pulselight/internal/config"
	"github.com/kmckinnon/pulselight/internal/ui"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "pulselight",
		Short:        "Connect to a BLE heart-rate sensor and control its LED",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runUI(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "",
		"path to config file (default: ~/.config/pulselight/config.yaml)")

	root.AddCommand(newScanCommand(&configPath))
	root.AddCommand(newMonitorCommand(&configPath))
	return root
}

func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("config validation: %w", err)
	}
	return cfg, path, nil
}

func slogLevel(s string) slog.Level {
	switch s {
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

func runUI(configPath string) error {
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// The TUI owns the terminal, so logs go to a file next to the config.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	logPath := filepath.Join(filepath.Dir(path), "pulselight.log")
	if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
		defer f.Close()
		logger = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{
			Level: slogLevel(cfg.LogLevel),
		}))
	}

	stack := ble.NewTinygoStack()
	if err := stack.Enable(); err != nil {
		return err
	}

	manager := ble.NewManager(stack, ble.Options{Logger: logger})
	defer manager.Stop()

	return ui.New(stack, manager, cfg, path, logger).Run()
}
