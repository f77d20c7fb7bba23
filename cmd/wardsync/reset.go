// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wardsync/go-wardsync/wardsqlite"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every queued change, synced or not",
	Long: `Drop every entry in the local sync queue. Changes that were never
pushed to a backend are lost for good; this is an administrative reset,
not part of the normal sync flow.`,
	Run: func(cmd *cobra.Command, args []string) {
		if !resetYes {
			fmt.Fprintln(os.Stderr, "Refusing to clear the queue without --yes")
			os.Exit(1)
		}

		logger := newLogger()
		dataDir := viper.GetString("client.data_dir")

		queue, err := wardsqlite.OpenQueue(filepath.Join(dataDir, "queue.db"), logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening queue: %v\n", err)
			os.Exit(1)
		}
		defer queue.Close()

		if err := queue.Clear(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing queue: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Sync queue cleared")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "confirm the reset")
	rootCmd.AddCommand(resetCmd)
}
