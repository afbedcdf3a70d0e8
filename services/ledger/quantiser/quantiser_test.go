// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quantiser

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessCost(t *testing.T) {
	tests := []struct {
		process Process
		cost    int
		name    string
	}{
		{PriceCheck2048Sig, 1, "PRICE_CHECK_2048_SIG"},
		{PriceCheck4096Sig, 8, "PRICE_CHECK_4096_SIG"},
		{PriceApplicablePerm, 1, "PRICE_APPLICABLE_PERM"},
		{PriceSplitJoinPerm, 2, "PRICE_SPLITJOIN_PERM"},
		{PriceRevokeVersion, 20, "PRICE_REVOKE_VERSION"},
		{PriceRegisterVersion, 20, "PRICE_REGISTER_VERSION"},
		{PriceCheckReferencedVersion, 1, "PRICE_CHECK_REFERENCED_VERSION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.cost, tt.process.Cost())
			assert.Equal(t, tt.name, tt.process.String())
		})
	}
}

func TestSignatureProcess(t *testing.T) {
	assert.Equal(t, PriceCheck2048Sig, SignatureProcess(1024))
	assert.Equal(t, PriceCheck2048Sig, SignatureProcess(2048))
	assert.Equal(t, PriceCheck4096Sig, SignatureProcess(4096))
}

func TestQuantiser_SumWithinLimit(t *testing.T) {
	q := NewWithLimit(30)
	steps := []Process{
		PriceCheck2048Sig,
		PriceApplicablePerm,
		PriceSplitJoinPerm,
		PriceRegisterVersion,
		PriceCheckReferencedVersion,
	}
	expected := 0
	for _, p := range steps {
		require.NoError(t, q.AddWorkCost(p))
		expected += p.Cost()
		assert.Equal(t, expected, q.QuantaSum())
	}
	assert.Equal(t, 25, q.QuantaSum())
	assert.Equal(t, 5, q.Remaining())
}

func TestQuantiser_ExactLimitIsAllowed(t *testing.T) {
	q := NewWithLimit(20)
	require.NoError(t, q.AddWorkCost(PriceRegisterVersion))
	assert.Equal(t, 20, q.QuantaSum())
	assert.Equal(t, 0, q.Remaining())
}

func TestQuantiser_OverflowIsNotRolledBack(t *testing.T) {
	q := NewWithLimit(21)
	require.NoError(t, q.AddWorkCost(PriceRegisterVersion))

	err := q.AddWorkCost(PriceCheck4096Sig)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCostLimit))

	var limitErr *CostLimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, 28, limitErr.Sum)
	assert.Equal(t, 21, limitErr.Limit)
	assert.Equal(t, 28, q.QuantaSum(), "sum reflects work already spent")

	// every further addition keeps failing
	assert.ErrorIs(t, q.AddWorkCost(PriceCheck2048Sig), ErrCostLimit)
}

func TestQuantiser_NoLimit(t *testing.T) {
	q := New()
	for i := 0; i < 1000; i++ {
		require.NoError(t, q.AddWorkCost(PriceRevokeVersion))
	}
	assert.Equal(t, 20000, q.QuantaSum())
	assert.Equal(t, NoLimit, q.QuantaLimit())
	assert.Equal(t, NoLimit, q.Remaining())
}

func TestQuantiser_Reset(t *testing.T) {
	q := NewWithLimit(5)
	require.NoError(t, q.AddWorkCost(PriceCheck2048Sig))
	q.FinishCalculation()

	q.Reset(-7)
	assert.Equal(t, 0, q.QuantaSum())
	assert.Equal(t, NoLimit, q.QuantaLimit())
	assert.False(t, q.IsCalculationFinished())

	q.Reset(3)
	assert.Equal(t, 3, q.QuantaLimit())
	q.ResetNoLimit()
	assert.Equal(t, NoLimit, q.QuantaLimit())
}

func TestQuantiser_AddWorkCostFrom(t *testing.T) {
	t.Run("merges sub-session sum", func(t *testing.T) {
		parent := NewWithLimit(100)
		require.NoError(t, parent.AddWorkCost(PriceCheck2048Sig))

		child := New()
		require.NoError(t, child.AddWorkCost(PriceRegisterVersion))
		require.NoError(t, child.AddWorkCost(PriceApplicablePerm))

		require.NoError(t, parent.AddWorkCostFrom(child))
		assert.Equal(t, 22, parent.QuantaSum())
	})

	t.Run("re-checks parent limit", func(t *testing.T) {
		parent := NewWithLimit(10)
		child := New()
		require.NoError(t, child.AddWorkCost(PriceRegisterVersion))

		err := parent.AddWorkCostFrom(child)
		assert.ErrorIs(t, err, ErrCostLimit)
		assert.Equal(t, 20, parent.QuantaSum())
	})

	t.Run("nil sub-session is ignored", func(t *testing.T) {
		parent := New()
		assert.NoError(t, parent.AddWorkCostFrom(nil))
		assert.Equal(t, 0, parent.QuantaSum())
	})
}

func TestQuantiser_FinishedSessionRejectsCost(t *testing.T) {
	q := New()
	require.NoError(t, q.AddWorkCost(PriceCheck2048Sig))
	q.FinishCalculation()

	assert.True(t, q.IsCalculationFinished())
	assert.ErrorIs(t, q.AddWorkCost(PriceCheck2048Sig), ErrCalculationFinished)
	assert.Equal(t, 1, q.QuantaSum())
}

func TestLimitForUnits(t *testing.T) {
	assert.Equal(t, 2000, LimitForUnits(10, 200))
	assert.Equal(t, 10*DefaultQuantaPerUTN, LimitForUnits(10, 0))
	assert.Equal(t, 0, LimitForUnits(0, 200))
	assert.Equal(t, 0, LimitForUnits(-3, 200))

	t.Run("saturates instead of wrapping", func(t *testing.T) {
		limit := LimitForUnits(math.MaxInt/200+1, 200)
		assert.Equal(t, math.MaxInt, limit)
		q := NewWithLimit(limit)
		assert.Equal(t, math.MaxInt, q.QuantaLimit(), "a huge payment must not become unlimited")
	})
}
