// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wardsync/go-wardsync/wardsync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference sync backend",
	Long: `Run the reference sync backend: a SQLite-backed change log behind
POST /sync/push and GET /sync/pull, with a WebSocket nudge channel at
/sync/ws that tells connected devices when peers push changes.

When server.jwt_secret is configured, every sync request must carry a
valid bearer token.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := newLogger()

		db, err := sql.Open("sqlite3", viper.GetString("server.db"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening server database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		hub := wardsync.NewHub(logger)
		defer hub.Close()

		service, err := wardsync.NewService(db, &wardsync.ServiceConfig{Logger: logger, Hub: hub})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing sync service: %v\n", err)
			os.Exit(1)
		}

		var auth *wardsync.JWTAuth
		if secret := viper.GetString("server.jwt_secret"); secret != "" {
			auth = wardsync.NewJWTAuth(secret)
		}

		handlers := wardsync.NewHTTPSyncHandlers(service, auth, logger)
		server := &http.Server{
			Addr:              viper.GetString("server.listen"),
			Handler:           handlers.Mux(hub),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()

		logger.Info("sync backend listening", "addr", server.Addr, "auth", auth != nil)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "Error running server: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	serveCmd.Flags().String("listen", ":8787", "listen address")
	serveCmd.Flags().String("db", "wardsync-server.db", "server database path")
	_ = viper.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("server.db", serveCmd.Flags().Lookup("db"))
	rootCmd.AddCommand(serveCmd)
}
