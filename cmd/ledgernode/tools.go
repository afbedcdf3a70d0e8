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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
	"github.com/AleutianAI/AleutianLedger/services/ledger/ledger"
	ledgerbadger "github.com/AleutianAI/AleutianLedger/services/ledger/storage/badger"
)

// =============================================================================
// keygen
// =============================================================================

func runKeygen(cmd *cobra.Command, _ []string) error {
	if !validKeyBits(keyBits) {
		return fmt.Errorf("unsupported key size %d", keyBits)
	}
	key, err := contract.GeneratePrivateKey(keyBits)
	if err != nil {
		return err
	}
	pemBytes, err := key.MarshalPEM()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if keyOut == "" {
		if _, err := out.Write(pemBytes); err != nil {
			return err
		}
	} else if err := os.WriteFile(keyOut, pemBytes, 0600); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "public key: %s\n", key.PublicKey().String())
	return nil
}

// =============================================================================
// inspect
// =============================================================================

// itemSummary is the printable view of one contract.
type itemSummary struct {
	ID        contract.HashId   `json:"id"`
	Parent    contract.HashId   `json:"parent,omitempty"`
	Origin    contract.HashId   `json:"origin"`
	Revision  int               `json:"revision"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
	State     map[string]string `json:"state,omitempty"`
	Signers   []string          `json:"signers"`
	NewItems  []contract.HashId `json:"newItems,omitempty"`
	Revoking  []contract.HashId `json:"revoking,omitempty"`
}

type parcelSummary struct {
	ID      contract.HashId `json:"id"`
	Payload itemSummary     `json:"payload"`
	Payment itemSummary     `json:"payment"`
}

func summarize(c *contract.Contract) itemSummary {
	s := itemSummary{
		ID:        c.ID(),
		Parent:    c.Parent(),
		Origin:    c.Origin(),
		Revision:  c.Revision(),
		CreatedAt: c.CreatedAt(),
		ExpiresAt: c.ExpiresAt(),
		State:     c.StateData(),
		Signers:   []string{},
		NewItems:  c.NewItemIDs(),
		Revoking:  c.RevokingIDs(),
	}
	for _, k := range c.SignerKeys().Slice() {
		s.Signers = append(s.Signers, k.Fingerprint())
	}
	return s
}

func runInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	return inspect(cmd.OutOrStdout(), data)
}

// inspect prints a packed parcel, or failing that a packed transaction.
func inspect(w io.Writer, data []byte) error {
	var view any
	if parcel, err := contract.DecodeParcel(data); err == nil {
		view = parcelSummary{
			ID:      parcel.ID(),
			Payload: summarize(parcel.Payload().Contract()),
			Payment: summarize(parcel.Payment().Contract()),
		}
	} else if tp, terr := contract.DecodeTransactionPack(data); terr == nil {
		view = summarize(tp.Contract())
	} else {
		return fmt.Errorf("not a packed transaction or parcel: %w", terr)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

// =============================================================================
// unfinished
// =============================================================================

func runUnfinished(cmd *cobra.Command, _ []string) error {
	store, err := ledger.OpenBadgerLedger(ledgerbadger.DefaultConfig(dataDir))
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer store.Close()
	return listUnfinished(cmd, store)
}

func listUnfinished(cmd *cobra.Command, l ledger.Ledger) error {
	recs, err := l.FindUnfinished(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintln(out, "no unfinished records")
		return nil
	}
	fmt.Fprintf(out, "%-8s %-20s %-12s %s\n", "RECORD", "STATE", "LOCKED_BY", "ID")
	for _, r := range recs {
		fmt.Fprintf(out, "%-8d %-20s %-12d %s\n", r.RecordID, r.State, r.LockedByRecordID, r.ID)
	}
	return nil
}
