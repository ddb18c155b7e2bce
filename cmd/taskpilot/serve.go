//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskpilot-ai/taskpilot/log"
	"github.com/taskpilot-ai/taskpilot/server"
	"github.com/taskpilot-ai/taskpilot/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long:  `Starts the task runner behind a JSON and SSE API over HTTP.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}

		if cfg.Telemetry.Enabled {
			clean, err := telemetry.Start(context.Background(),
				telemetry.WithEndpoint(cfg.Telemetry.Endpoint))
			if err != nil {
				log.Warnf("trace export disabled: %v", err)
			} else {
				defer func() { _ = clean() }()
			}
		}

		rn, envs, err := buildRunner(cfg)
		if err != nil {
			fmt.Printf("Error initializing taskpilot: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			_ = rn.Close()
			_ = envs.Close()
		}()

		srv := &http.Server{
			Addr:    cfg.Server.Addr,
			Handler: server.New(rn).Handler(),
		}

		serverErrors := make(chan error, 1)
		go func() {
			log.Infof("taskpilot listening on %s", srv.Addr)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			fmt.Printf("Server error: %v\n", err)
			os.Exit(1)

		case sig := <-shutdown:
			log.Infof("shutting down, signal: %v", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Warnf("graceful shutdown did not complete: %v", err)
				if err := srv.Close(); err != nil {
					log.Errorf("force close: %v", err)
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
