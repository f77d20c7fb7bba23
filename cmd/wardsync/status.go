// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wardsync/go-wardsync/wardsqlite"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show device identity and pending-change counts",
	Run: func(cmd *cobra.Command, args []string) {
		logger := newLogger()
		dataDir := viper.GetString("client.data_dir")

		queue, err := wardsqlite.OpenQueue(filepath.Join(dataDir, "queue.db"), logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening queue: %v\n", err)
			os.Exit(1)
		}
		defer queue.Close()

		ctx := context.Background()
		deviceID := wardsqlite.EnsureDeviceID(dataDir, logger)
		baseURL := viper.GetString("client.base_url")
		if baseURL == "" {
			baseURL = "(local-only)"
		}

		fmt.Printf("Device ID:       %s\n", deviceID)
		fmt.Printf("Backend:         %s\n", baseURL)
		fmt.Printf("Pending changes: %d\n", queue.Count(ctx))
		if ms := queue.LastSyncAt(ctx); ms > 0 {
			fmt.Printf("Last sync:       %s\n", time.UnixMilli(ms).Format(time.RFC3339))
		} else {
			fmt.Printf("Last sync:       never\n")
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
