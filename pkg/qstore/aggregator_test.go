package qstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBatchAggregatorAppendThenEnd(t *testing.T) {
	a := NewBatchAggregator(1024, AssertWrongOrder, nil)

	ok := a.Append(1, 0, [][]byte{[]byte("tx_a")})
	require.True(t, ok)
	require.True(t, a.Active())

	ok = a.Append(1, 1, [][]byte{[]byte("tx_b")})
	require.True(t, ok)

	n, payload, ok := a.End(1, 2, [][]byte{[]byte("tx_c")})
	require.True(t, ok)
	require.Equal(t, len("tx_atx_btx_c"), n)
	require.Equal(t, [][]byte{[]byte("tx_a"), []byte("tx_b"), []byte("tx_c")}, payload)
	require.False(t, a.Active())
}

func TestBatchAggregatorAssertWrongOrderPanics(t *testing.T) {
	a := NewBatchAggregator(1024, AssertWrongOrder, nil)
	a.Append(1, 0, [][]byte{[]byte("tx_a")})

	require.Panics(t, func() {
		a.Append(1, 2, [][]byte{[]byte("tx_c")}) // skips fragment_id 1
	})
}

func TestBatchAggregatorIgnoreWrongOrderResetsSilently(t *testing.T) {
	a := NewBatchAggregator(1024, IgnoreWrongOrder, nil)
	a.Append(1, 0, [][]byte{[]byte("tx_a")})
	require.True(t, a.Active())

	require.NotPanics(t, func() {
		ok := a.Append(1, 2, [][]byte{[]byte("tx_c")})
		require.False(t, ok)
	})
	// aggregator reset, ready to start a fresh batch at fragment_id 0
	require.False(t, a.Active())
	ok := a.Append(2, 0, [][]byte{[]byte("tx_d")})
	require.True(t, ok)
}

func TestBatchAggregatorOversizeFirstFragmentRejected(t *testing.T) {
	a := NewBatchAggregator(4, IgnoreWrongOrder, nil)
	ok := a.Append(1, 0, [][]byte{[]byte("toolong")})
	require.False(t, ok)
	require.False(t, a.Active())
}

func TestBatchAggregatorOversizeContinuationRejected(t *testing.T) {
	a := NewBatchAggregator(6, IgnoreWrongOrder, nil)
	ok := a.Append(1, 0, [][]byte{[]byte("abc")})
	require.True(t, ok)

	ok = a.Append(1, 1, [][]byte{[]byte("defgh")})
	require.False(t, ok)
	require.False(t, a.Active())
}

func TestBatchAggregatorWrongBatchIDOnContinuationIsViolation(t *testing.T) {
	a := NewBatchAggregator(1024, IgnoreWrongOrder, nil)
	a.Append(1, 0, [][]byte{[]byte("tx_a")})

	ok := a.Append(2, 1, [][]byte{[]byte("tx_b")})
	require.False(t, ok)
	require.False(t, a.Active())
}
