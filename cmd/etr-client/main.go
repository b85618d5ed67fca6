// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/etrelay/etr/internal/client"
	"github.com/etrelay/etr/internal/config"
	"github.com/etrelay/etr/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/etr/client.yaml", "path to client config file")
	logFile := flag.String("log-file", "", "optional path to also write logs to")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, *logFile)
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := client.Run(ctx, cfg, logger); err != nil {
		logger.Error("client error", "error", err)
		os.Exit(1)
	}
}
