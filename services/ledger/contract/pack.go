// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contract

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers.
const (
	envelopeBody      protowire.Number = 1
	envelopeSignature protowire.Number = 2

	signatureKey   protowire.Number = 1
	signatureValue protowire.Number = 2

	packMain       protowire.Number = 1
	packSubItem    protowire.Number = 2
	packReferenced protowire.Number = 3

	parcelPayload protowire.Number = 1
	parcelPayment protowire.Number = 2
)

// =============================================================================
// Envelope
// =============================================================================

func encodeEnvelope(body []byte, sigs []Signature) []byte {
	var out []byte
	out = protowire.AppendTag(out, envelopeBody, protowire.BytesType)
	out = protowire.AppendBytes(out, body)
	for _, s := range sigs {
		var msg []byte
		msg = protowire.AppendTag(msg, signatureKey, protowire.BytesType)
		msg = protowire.AppendBytes(msg, s.Key.packed)
		msg = protowire.AppendTag(msg, signatureValue, protowire.BytesType)
		msg = protowire.AppendBytes(msg, s.Value)
		out = protowire.AppendTag(out, envelopeSignature, protowire.BytesType)
		out = protowire.AppendBytes(out, msg)
	}
	return out
}

func decodeEnvelope(data []byte) ([]byte, []Signature, error) {
	var body []byte
	var sigs []Signature
	err := walkBytesFields(data, func(num protowire.Number, v []byte) error {
		switch num {
		case envelopeBody:
			body = v
		case envelopeSignature:
			s, err := decodeSignature(v)
			if err != nil {
				return err
			}
			sigs = append(sigs, s)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if body == nil {
		return nil, nil, fmt.Errorf("%w: envelope without body", ErrBadPack)
	}
	return body, sigs, nil
}

func decodeSignature(data []byte) (Signature, error) {
	var s Signature
	var keyBytes []byte
	err := walkBytesFields(data, func(num protowire.Number, v []byte) error {
		switch num {
		case signatureKey:
			keyBytes = v
		case signatureValue:
			s.Value = v
		}
		return nil
	})
	if err != nil {
		return s, err
	}
	if keyBytes == nil || s.Value == nil {
		return s, fmt.Errorf("%w: incomplete signature", ErrBadPack)
	}
	k, err := ParsePublicKey(keyBytes)
	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrBadPack, err)
	}
	s.Key = k
	return s, nil
}

// walkBytesFields visits every length-delimited field and skips the rest.
func walkBytesFields(data []byte, visit func(protowire.Number, []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadPack, protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrBadPack, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadPack, protowire.ParseError(n))
		}
		data = data[n:]
		if err := visit(num, v); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TransactionPack
// =============================================================================

// TransactionPack is the unit of submission: a root contract plus every
// new item it creates (recursively) and every item those contracts revoke.
//
// The pack is an arena: items are addressed by HashId, never by pointer
// across the wire.
type TransactionPack struct {
	contract   *Contract
	subItems   []*Contract
	referenced []*Contract
	byID       map[HashId]*Contract
}

// NewTransactionPack collects the graph reachable from a sealed contract.
func NewTransactionPack(c *Contract) *TransactionPack {
	tp := &TransactionPack{contract: c, byID: map[HashId]*Contract{c.ID(): c}}
	tp.collect(c)
	return tp
}

func (tp *TransactionPack) collect(c *Contract) {
	for _, n := range c.newItems {
		tp.collect(n)
		if _, ok := tp.byID[n.ID()]; !ok {
			tp.byID[n.ID()] = n
			tp.subItems = append(tp.subItems, n)
		}
	}
	for _, r := range c.revokingItems {
		if _, ok := tp.byID[r.ID()]; !ok {
			tp.byID[r.ID()] = r
			tp.referenced = append(tp.referenced, r)
		}
	}
}

// Contract returns the root contract.
func (tp *TransactionPack) Contract() *Contract { return tp.contract }

// SubItems returns the new items carried by the pack.
func (tp *TransactionPack) SubItems() []*Contract { return tp.subItems }

// ReferencedItems returns the revoked items carried by the pack.
func (tp *TransactionPack) ReferencedItems() []*Contract { return tp.referenced }

// Get looks up any item of the pack by id.
func (tp *TransactionPack) Get(id HashId) (*Contract, bool) {
	c, ok := tp.byID[id]
	return c, ok
}

// Items returns every item of the pack, root first.
func (tp *TransactionPack) Items() []*Contract {
	out := make([]*Contract, 0, 1+len(tp.subItems)+len(tp.referenced))
	out = append(out, tp.contract)
	out = append(out, tp.subItems...)
	return append(out, tp.referenced...)
}

// FindTransactional returns the pack items whose transactional id matches.
func (tp *TransactionPack) FindTransactional(transactionalID string) []*Contract {
	var out []*Contract
	for _, c := range tp.Items() {
		if c.transactional != nil && c.transactional.ID == transactionalID {
			out = append(out, c)
		}
	}
	return out
}

// Pack encodes the pack.
func (tp *TransactionPack) Pack() []byte {
	var out []byte
	out = protowire.AppendTag(out, packMain, protowire.BytesType)
	out = protowire.AppendBytes(out, tp.contract.sealed)
	for _, c := range tp.subItems {
		out = protowire.AppendTag(out, packSubItem, protowire.BytesType)
		out = protowire.AppendBytes(out, c.sealed)
	}
	for _, c := range tp.referenced {
		out = protowire.AppendTag(out, packReferenced, protowire.BytesType)
		out = protowire.AppendBytes(out, c.sealed)
	}
	return out
}

// DecodeTransactionPack decodes a pack and links its graph.
//
// A new item missing from the pack is an error. A missing revoked item is
// left unlinked for validation to report.
func DecodeTransactionPack(data []byte) (*TransactionPack, error) {
	tp := &TransactionPack{byID: map[HashId]*Contract{}}
	err := walkBytesFields(data, func(num protowire.Number, v []byte) error {
		switch num {
		case packMain, packSubItem, packReferenced:
		default:
			return nil
		}
		c, err := FromSealed(v)
		if err != nil {
			return err
		}
		if existing, ok := tp.byID[c.ID()]; ok {
			c = existing
		} else {
			tp.byID[c.ID()] = c
		}
		switch num {
		case packMain:
			tp.contract = c
		case packSubItem:
			tp.subItems = append(tp.subItems, c)
		case packReferenced:
			tp.referenced = append(tp.referenced, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if tp.contract == nil {
		return nil, fmt.Errorf("%w: pack without main contract", ErrBadPack)
	}
	for _, c := range tp.byID {
		c.newItems = nil
		for _, id := range c.newItemIDs {
			n, ok := tp.byID[id]
			if !ok {
				return nil, fmt.Errorf("%w: new item %s", ErrMissingItem, id.Short())
			}
			c.newItems = append(c.newItems, n)
		}
		c.revokingItems = nil
		for _, id := range c.revokingIDs {
			if r, ok := tp.byID[id]; ok {
				c.revokingItems = append(c.revokingItems, r)
			}
		}
	}
	return tp, nil
}

// PackTransaction encodes the sealed contract with its graph.
func (c *Contract) PackTransaction() ([]byte, error) {
	if !c.IsSealed() {
		return nil, ErrNotSealed
	}
	return NewTransactionPack(c).Pack(), nil
}

// FromPackedTransaction decodes a pack and returns its root contract.
func FromPackedTransaction(data []byte) (*Contract, error) {
	tp, err := DecodeTransactionPack(data)
	if err != nil {
		return nil, err
	}
	return tp.Contract(), nil
}

// =============================================================================
// Parcel
// =============================================================================

// Parcel couples a payload transaction with the payment that funds it.
type Parcel struct {
	payload *TransactionPack
	payment *TransactionPack
	id      HashId
}

// NewParcel builds a parcel from two sealed contracts.
func NewParcel(payload, payment *Contract) (*Parcel, error) {
	if !payload.IsSealed() || !payment.IsSealed() {
		return nil, ErrNotSealed
	}
	return NewParcelFromPacks(NewTransactionPack(payload), NewTransactionPack(payment)), nil
}

// NewParcelFromPacks builds a parcel from prepared packs.
func NewParcelFromPacks(payload, payment *TransactionPack) *Parcel {
	return &Parcel{
		payload: payload,
		payment: payment,
		id:      parcelID(payload.Contract().ID(), payment.Contract().ID()),
	}
}

func parcelID(payload, payment HashId) HashId {
	buf := make([]byte, 0, 2*HashIdSize)
	buf = append(buf, payload[:]...)
	buf = append(buf, payment[:]...)
	return HashOf(buf)
}

// ID returns the parcel id derived from payload and payment ids.
func (p *Parcel) ID() HashId { return p.id }

// Payload returns the payload pack.
func (p *Parcel) Payload() *TransactionPack { return p.payload }

// Payment returns the payment pack.
func (p *Parcel) Payment() *TransactionPack { return p.payment }

// Pack encodes the parcel.
func (p *Parcel) Pack() []byte {
	var out []byte
	out = protowire.AppendTag(out, parcelPayload, protowire.BytesType)
	out = protowire.AppendBytes(out, p.payload.Pack())
	out = protowire.AppendTag(out, parcelPayment, protowire.BytesType)
	out = protowire.AppendBytes(out, p.payment.Pack())
	return out
}

// DecodeParcel decodes a packed parcel.
func DecodeParcel(data []byte) (*Parcel, error) {
	p := &Parcel{}
	err := walkBytesFields(data, func(num protowire.Number, v []byte) error {
		var err error
		switch num {
		case parcelPayload:
			p.payload, err = DecodeTransactionPack(v)
		case parcelPayment:
			p.payment, err = DecodeTransactionPack(v)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if p.payload == nil || p.payment == nil {
		return nil, fmt.Errorf("%w: parcel needs payload and payment", ErrBadPack)
	}
	p.id = parcelID(p.payload.Contract().ID(), p.payment.Contract().ID())
	return p, nil
}
