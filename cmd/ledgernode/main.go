// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command ledgernode runs a ledger node and its maintenance tools.
//
// # Usage
//
//	# Generate a node or client key
//	ledgernode keygen --out node.pem
//
//	# Serve the client API
//	ledgernode serve --config ledger.yaml
//
//	# Decode a packed contract or parcel
//	ledgernode inspect item.unicon
//
//	# List records left unfinished by a crash
//	ledgernode unfinished --data-dir /var/lib/ledger
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
