// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/interledger/stream-go/core/frames"
)

var testSecret = bytes.Repeat([]byte{0x5a}, 32)

func TestSealOpenRoundTrip(t *testing.T) {
	e, err := New(testSecret)
	require.NoError(t, err)

	plaintext := []byte("a small inner packet")
	ciphertext, err := e.Seal(plaintext, false)
	require.NoError(t, err)
	require.NotContains(t, string(ciphertext), string(plaintext))

	got, err := e.Open(ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestSealPadsToMaxDataSize(t *testing.T) {
	e, err := New(testSecret)
	require.NoError(t, err)

	ciphertext, err := e.Seal([]byte("short"), true)
	require.NoError(t, err)
	got, err := e.Open(ciphertext)
	require.NoError(t, err)
	require.Len(t, got, frames.MaxDataSize)
	require.Equal(t, []byte("short"), got[:5])
}

func TestOpenRejectsTampering(t *testing.T) {
	e, err := New(testSecret)
	require.NoError(t, err)
	ciphertext, err := e.Seal([]byte("payload"), false)
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0x01
	_, err = e.Open(ciphertext)
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = e.Open(nil)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenRejectsWrongSecret(t *testing.T) {
	e1, err := New(testSecret)
	require.NoError(t, err)
	e2, err := New(bytes.Repeat([]byte{0xa5}, 32))
	require.NoError(t, err)

	ciphertext, err := e1.Seal([]byte("payload"), false)
	require.NoError(t, err)
	_, err = e2.Open(ciphertext)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestFulfillmentIsDeterministicAndKeyed(t *testing.T) {
	e1, err := New(testSecret)
	require.NoError(t, err)
	e2, err := New(testSecret)
	require.NoError(t, err)

	ciphertext := []byte("the exact transport payload")
	f1 := e1.Fulfillment(ciphertext)
	f2 := e2.Fulfillment(ciphertext)
	require.Equal(t, f1, f2)
	require.Equal(t, Condition(f1), Condition(f2))

	other, err := New(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)
	require.NotEqual(t, f1, other.Fulfillment(ciphertext))
}

func TestShortSecretRefused(t *testing.T) {
	_, err := New([]byte("too short"))
	require.ErrorIs(t, err, ErrShortSecret)
}

func TestRandomConditionsDiffer(t *testing.T) {
	require.NotEqual(t, RandomCondition(), RandomCondition())
}
