// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMulRatFloor(t *testing.T) {
	require.Equal(t, uint64(198), mulRatFloor(100, big.NewRat(2, 1).Mul(big.NewRat(2, 1), big.NewRat(99, 100))))
	require.Equal(t, uint64(1), mulRatFloor(3, big.NewRat(1, 2)))
	require.Equal(t, uint64(0), mulRatFloor(0, big.NewRat(5, 1)))
	// Saturates instead of overflowing.
	require.Equal(t, uint64(unlimited), mulRatFloor(unlimited, big.NewRat(3, 1)))
}

func TestDivRatCeil(t *testing.T) {
	require.Equal(t, uint64(50), divRatCeil(100, big.NewRat(2, 1)))
	require.Equal(t, uint64(34), divRatCeil(100, big.NewRat(3, 1)))
	require.Equal(t, uint64(200), divRatCeil(100, big.NewRat(1, 2)))
	require.Equal(t, uint64(unlimited), divRatCeil(100, new(big.Rat)))
}

func TestMulDivFloor(t *testing.T) {
	require.Equal(t, uint64(666666666), mulDivFloor(1_000_000_000, 1000, 1500))
	require.Equal(t, uint64(0), mulDivFloor(5, 1, 0))
	// Intermediate product exceeds 64 bits.
	require.Equal(t, uint64(unlimited-1), mulDivFloor(unlimited-1, unlimited, unlimited))
}

func TestSignificantDigits(t *testing.T) {
	require.Equal(t, 0, significantDigits(0))
	require.Equal(t, 1, significantDigits(2))
	require.Equal(t, 4, significantDigits(2000))
	require.Equal(t, 7, significantDigits(2_000_000))
}

func TestFitsReceiveWindow(t *testing.T) {
	// Exact fit and the 1% rounding tolerance.
	require.True(t, fitsReceiveWindow(100, 100))
	require.True(t, fitsReceiveWindow(100, 101))
	require.False(t, fitsReceiveWindow(100, 102))
	require.False(t, fitsReceiveWindow(100, 150))
	require.True(t, fitsReceiveWindow(0, 0))
	require.False(t, fitsReceiveWindow(0, 1))
}
