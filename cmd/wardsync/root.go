// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "wardsync",
	Short: "Offline-first record synchronization for clinical deployments",
	Long: `wardsync keeps a device's local record mutations in a durable queue and
reconciles them with a shared backend: pending changes are pushed in
batches, the backend's change feed is pulled and applied locally, and the
device keeps working normally while offline.

Subcommands cover both sides: 'serve' runs the reference backend, while
'sync', 'status' and 'reset' operate on a local data directory.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default wardsync.yaml in . or $HOME/.config/wardsync)")
	rootCmd.PersistentFlags().String("data-dir", "", "client data directory")
	rootCmd.PersistentFlags().String("server-url", "", "sync backend base URL (empty selects local-only mode)")
	_ = viper.BindPFlag("client.data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("client.base_url", rootCmd.PersistentFlags().Lookup("server-url"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("wardsync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "wardsync"))
		}
	}

	viper.SetEnvPrefix("WARDSYNC")
	viper.AutomaticEnv()

	viper.SetDefault("client.data_dir", "wardsync-data")
	viper.SetDefault("client.base_url", "")
	viper.SetDefault("client.tables", []string{"patients", "admissions", "prescriptions"})
	viper.SetDefault("server.listen", ":8787")
	viper.SetDefault("server.db", "wardsync-server.db")
	viper.SetDefault("server.jwt_secret", "")
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

// newLogger builds the process logger: text slog to stderr, or to a
// size-rotated file when log.file is configured.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch viper.GetString("log.level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var w io.Writer = os.Stderr
	if file := viper.GetString("log.file"); file != "" {
		w = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
