// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIncomingBufferInOrder(t *testing.T) {
	var b incomingBuffer
	b.push([]byte("hello "), 0)
	b.push([]byte("world"), 6)

	out := make([]byte, 64)
	n := b.read(out)
	require.Equal(t, "hello world", string(out[:n]))
	require.Equal(t, uint64(11), b.readOffset)
	require.Zero(t, b.buffered)
}

func TestIncomingBufferHoldsGaps(t *testing.T) {
	var b incomingBuffer
	b.push([]byte("world"), 6)
	require.False(t, b.readable())

	out := make([]byte, 64)
	require.Zero(t, b.read(out))

	b.push([]byte("hello "), 0)
	require.True(t, b.readable())
	n := b.read(out)
	require.Equal(t, "hello world", string(out[:n]))
}

func TestIncomingBufferDropsDuplicates(t *testing.T) {
	var b incomingBuffer
	b.push([]byte("abcd"), 0)
	b.push([]byte("abcd"), 0) // exact duplicate
	b.push([]byte("cdef"), 2) // overlaps the tail

	out := make([]byte, 64)
	n := b.read(out)
	require.Equal(t, "abcdef", string(out[:n]))

	// Data below the read cursor is gone for good.
	b.push([]byte("abcdef"), 0)
	require.False(t, b.readable())
	require.Zero(t, b.buffered)
}

func TestIncomingBufferShortReads(t *testing.T) {
	var b incomingBuffer
	b.push([]byte("0123456789"), 0)
	out := make([]byte, 4)
	require.Equal(t, 4, b.read(out))
	require.Equal(t, "0123", string(out))
	require.Equal(t, 4, b.read(out))
	require.Equal(t, "4567", string(out))
	require.Equal(t, 2, b.read(out))
	require.Equal(t, "89", string(out[:2]))
}

func TestOutgoingBufferPopRespectsLimits(t *testing.T) {
	var b outgoingBuffer
	b.write([]byte("0123456789"))
	require.Equal(t, uint64(10), b.buffered)

	data, off, more, blocked := b.pop(4, unlimited)
	require.Equal(t, "0123", string(data))
	require.Zero(t, off)
	require.True(t, more)
	require.False(t, blocked)

	// Offset cap truncates.
	data, off, _, blocked = b.pop(64, 7)
	require.Equal(t, "456", string(data))
	require.Equal(t, uint64(4), off)
	require.True(t, blocked)

	// Fully window blocked now.
	data, _, more, blocked = b.pop(64, 7)
	require.Nil(t, data)
	require.False(t, more)
	require.True(t, blocked)
}

func TestOutgoingBufferReinsertKeepsOrder(t *testing.T) {
	var b outgoingBuffer
	b.write([]byte("aaaa"))
	first, off, _, _ := b.pop(4, unlimited)
	require.Equal(t, uint64(0), off)
	b.write([]byte("bbbb"))

	// The rejected chunk goes out again before fresh data.
	b.reinsert(first, 0)
	data, off, _, _ := b.pop(8, unlimited)
	require.Equal(t, "aaaa", string(data))
	require.Zero(t, off)
	data, off, _, _ = b.pop(8, unlimited)
	require.Equal(t, "bbbb", string(data))
	require.Equal(t, uint64(4), off)
}
