package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/kmckinnon/pulselight/internal/ble"
)

func newScanCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List advertising heart-rate devices",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			stack := ble.NewTinygoStack()
			if err := stack.Enable(); err != nil {
				return err
			}

			fmt.Printf("Scanning for %ds...\n", cfg.ScanSeconds)
			ctx, cancel := context.WithTimeout(context.Background(),
				time.Duration(cfg.ScanSeconds)*time.Second)
			defer cancel()

			advs, err := stack.Scan(ctx, ble.HeartRateServiceUUID)
			if err != nil {
				return err
			}

			sort.SliceStable(advs, func(i, j int) bool { return advs[i].RSSI > advs[j].RSSI })
			for _, adv := range advs {
				name := adv.Name
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Printf("%s  %4d dBm  %s\n", adv.ID, adv.RSSI, name)
			}
			if len(advs) == 0 {
				fmt.Println("No heart-rate devices found.")
			}
			return nil
		},
	}
}
