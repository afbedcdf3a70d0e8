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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLedger/services/ledger/config"
	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
)

// --- Global Command Variables ---
var (
	configPath string
	keyBits    int
	keyOut     string
	dataDir    string

	rootCmd = &cobra.Command{
		Use:   "ledgernode",
		Short: "Run and maintain a distributed contract ledger node",
		Long: `ledgernode serves the client API of one ledger node and
provides tools to generate keys, decode packed items and inspect
a node's ledger after a crash.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the node and its client API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA private key in PEM form",
		Args:  cobra.NoArgs,
		RunE:  runKeygen,
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect [file]",
		Short: "Decode a packed transaction or parcel",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}

	unfinishedCmd = &cobra.Command{
		Use:   "unfinished",
		Short: "List records that need sanitation",
		Args:  cobra.NoArgs,
		RunE:  runUnfinished,
	}
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "ledger.yaml", "Path to the node configuration file")

	keygenCmd.Flags().IntVar(&keyBits, "bits", config.DefaultNodeKeyBits, "Key size: 2048 or 4096")
	keygenCmd.Flags().StringVarP(&keyOut, "out", "o", "", "Write the PEM key to this file instead of stdout")

	unfinishedCmd.Flags().StringVar(&dataDir, "data-dir", "", "Ledger data directory")
	_ = unfinishedCmd.MarkFlagRequired("data-dir")

	rootCmd.AddCommand(serveCmd, keygenCmd, inspectCmd, unfinishedCmd)
}

// validKeyBits reports whether bits is a supported key size.
func validKeyBits(bits int) bool {
	return bits == contract.KeyBits2048 || bits == contract.KeyBits4096
}
