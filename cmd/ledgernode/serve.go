// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLedger/pkg/extensions"
	"github.com/AleutianAI/AleutianLedger/pkg/logging"
	"github.com/AleutianAI/AleutianLedger/services/ledger/api"
	"github.com/AleutianAI/AleutianLedger/services/ledger/config"
	"github.com/AleutianAI/AleutianLedger/services/ledger/consensus"
	"github.com/AleutianAI/AleutianLedger/services/ledger/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledger/node"
	ledgerbadger "github.com/AleutianAI/AleutianLedger/services/ledger/storage/badger"
	"github.com/AleutianAI/AleutianLedger/services/ledger/telemetry"
)

// runServe starts one node and blocks until SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logs := logging.New(cfg.Logging)
	defer logs.Close()
	logger := logs.ForNode(cfg.NodeID).Slog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	store, err := openLedger(cfg, logs.Component("ledger"))
	if err != nil {
		return err
	}
	defer store.Close()

	key, err := cfg.LoadNodeKey(logger)
	if err != nil {
		return err
	}
	logger.Info("node key loaded", slog.String("fingerprint", key.PublicKey().Fingerprint()))

	network := consensus.NewLocalNetwork(consensus.WithNetworkLogger(logs.Component("consensus")))
	defer network.Close()

	ncfg, err := node.ConfigFrom(cfg, key)
	if err != nil {
		return err
	}
	n, err := node.New(ncfg, store, network, node.WithLogger(logger))
	if err != nil {
		return err
	}
	defer n.Close()
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	server, err := api.NewServer(n, network, cfg,
		api.WithLogger(logger),
		api.WithAuditLogger(extensions.NewSlogAuditLogger(logs.Component("audit"))),
	)
	if err != nil {
		return err
	}
	err = server.Run(ctx)
	logger.Info("node stopped")
	return err
}

// openLedger opens the durable ledger, or an in-memory one when configured.
func openLedger(cfg config.NodeConfig, logger *slog.Logger) (*ledger.BadgerLedger, error) {
	storeCfg := ledgerbadger.InMemoryConfig()
	if !cfg.InMemory {
		storeCfg = ledgerbadger.DefaultConfig(cfg.DataDir)
	}
	store, err := ledger.OpenBadgerLedger(storeCfg, ledger.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return store, nil
}
