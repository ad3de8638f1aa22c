// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package ilp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrepareRoundTrip(t *testing.T) {
	p := &Prepare{
		Amount:             1_000_000,
		ExecutionCondition: [32]byte{1, 2, 3},
		ExpiresAt:          time.UnixMilli(1700000000000).UTC(),
		Destination:        "test.bob.abc123",
		Data:               []byte("ciphertext goes here"),
	}
	decoded, err := Decode(p.Encode())
	require.NoError(t, err)
	require.Equal(t, p, decoded)
}

func TestFulfillRoundTrip(t *testing.T) {
	f := &Fulfill{Fulfillment: [32]byte{9, 8, 7}, Data: []byte{0xde, 0xad}}
	decoded, err := Decode(f.Encode())
	require.NoError(t, err)
	require.Equal(t, f, decoded)
}

func TestRejectRoundTrip(t *testing.T) {
	r := &Reject{
		Code:        CodeAmountTooLarge,
		TriggeredBy: "test.connector",
		Message:     "packet too big",
		Data:        (&AmountTooLargeData{ReceivedAmount: 1500, MaximumAmount: 1000}).Encode(),
	}
	decoded, err := Decode(r.Encode())
	require.NoError(t, err)
	require.Equal(t, r, decoded)

	detail, err := DecodeAmountTooLargeData(decoded.(*Reject).Data)
	require.NoError(t, err)
	require.Equal(t, uint64(1500), detail.ReceivedAmount)
	require.Equal(t, uint64(1000), detail.MaximumAmount)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, input := range [][]byte{nil, {0x00}, {byte(TypeFulfill), 1, 2}} {
		_, err := Decode(input)
		require.Error(t, err)
	}
}

func TestCodeClasses(t *testing.T) {
	require.True(t, IsTemporary("T00"))
	require.True(t, IsTemporary("T04"))
	require.True(t, IsTemporary("R00"))
	require.False(t, IsTemporary("F08"))
	require.False(t, IsTemporary(""))

	require.True(t, IsFinal("F08"))
	require.True(t, IsFinal("F99"))
	require.False(t, IsFinal("T00"))
}
