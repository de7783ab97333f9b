package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kmckinnon/pulselight/internal/ble"
	"github.com/kmckinnon/pulselight/internal/ble/gatt"
)

func newMonitorCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor [device-id]",
		Short: "Connect to a device and log heart-rate measurements",
		Long: "Connects to the given device (or the last connected one) and logs\n" +
			"heart-rate notifications until interrupted.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slogLevel(cfg.LogLevel),
			}))

			id := cfg.LastDeviceID
			if len(args) == 1 {
				id = args[0]
				cfg.LastDeviceID = id
				if err := cfg.Save(path); err != nil {
					logger.Warn("failed to persist device selection", "error", err)
				}
			}
			if id == "" {
				return errors.New("no device identifier; pass one or run scan first")
			}

			stack := ble.NewTinygoStack()
			if err := stack.Enable(); err != nil {
				return err
			}

			// The stack only resolves devices it has seen in a scan.
			logger.Info("scanning for device", "device", id)
			scanCtx, cancel := context.WithTimeout(context.Background(),
				time.Duration(cfg.ScanSeconds)*time.Second)
			if _, err := stack.Scan(scanCtx, ble.HeartRateServiceUUID); err != nil {
				cancel()
				return err
			}
			cancel()

			manager := ble.NewManager(stack, ble.Options{Logger: logger})
			defer manager.Stop()

			var mu sync.Mutex
			var subscribed ble.Characteristic
			manager.OnChange(func() {
				caps := manager.Capabilities()
				if caps.Err != nil {
					logger.Error("discovery failed", "error", caps.Err)
					return
				}
				if !caps.Ready() {
					return
				}

				mu.Lock()
				if subscribed == caps.HeartRateMeasurement {
					mu.Unlock()
					return
				}
				subscribed = caps.HeartRateMeasurement
				mu.Unlock()

				err := caps.HeartRateMeasurement.Subscribe(func(buf []byte) {
					m, ok := gatt.ParseHeartRate(buf)
					if !ok {
						return
					}
					logger.Info("heart rate", "bpm", m.BPM, "contact", m.Contact.String())
				})
				if err != nil {
					logger.Error("subscribe failed", "error", err)
				}
			})

			manager.ManageConnection(id)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			fmt.Fprintln(os.Stderr, "shutting down")
			return nil
		},
	}
}
