// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package frames

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func samplePacket() *Packet {
	return &Packet{
		Sequence:      7,
		ILPType:       ILPPrepare,
		PrepareAmount: 123456789,
		Frames: []Frame{
			&ConnectionClose{ErrorCode: ErrNoError, Message: ""},
			&ConnectionNewAddress{SourceAccount: "test.alice"},
			&ConnectionMaxData{MaxOffset: 65534},
			&ConnectionDataBlocked{MaxOffset: 65534},
			&ConnectionMaxStreamID{MaxStreamID: 20},
			&ConnectionStreamIDBlocked{MaxStreamID: 20},
			&ConnectionAssetDetails{SourceAssetCode: "XRP", SourceAssetScale: 9},
			&StreamClose{StreamID: 1, ErrorCode: ErrApplicationError, Message: "gone"},
			&StreamMoney{StreamID: 1, Shares: 42},
			&StreamMaxMoney{StreamID: 1, ReceiveMax: 1000, TotalReceived: 1},
			&StreamMoneyBlocked{StreamID: 3, SendMax: 500, TotalSent: 499},
			&StreamData{StreamID: 1, Offset: 9000, Data: []byte("hello world")},
			&StreamMaxData{StreamID: 1, MaxOffset: 70000},
			&StreamDataBlocked{StreamID: 3, MaxOffset: 70000},
		},
	}
}

func TestPacketRoundTrip(t *testing.T) {
	p := samplePacket()
	encoded := p.Encode()
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, p, decoded)

	// Serialization is symmetric: re-encoding yields identical bytes.
	require.True(t, bytes.Equal(encoded, decoded.Encode()))
}

func TestDecodeIgnoresTrailingPadding(t *testing.T) {
	p := &Packet{Sequence: 1, ILPType: ILPFulfill, PrepareAmount: 10}
	padded := append(p.Encode(), make([]byte, 1000)...)
	decoded, err := Decode(padded)
	require.NoError(t, err)
	require.Equal(t, p, decoded)
}

func TestDecodeSkipsUnknownFrameTypes(t *testing.T) {
	var w bytes.Buffer
	writeVarUint(&w, 3)          // sequence
	w.WriteByte(byte(ILPPrepare))
	writeVarUint(&w, 0)          // prepare amount
	writeVarUint(&w, 2)          // frame count
	w.WriteByte(0x7f)            // unknown frame type
	writeVarBytes(&w, []byte{1, 2, 3, 4})
	w.WriteByte(byte(TypeStreamMoney))
	var body bytes.Buffer
	writeVarUint(&body, 1)
	writeVarUint(&body, 5)
	writeVarBytes(&w, body.Bytes())

	decoded, err := Decode(w.Bytes())
	require.NoError(t, err)
	require.Len(t, decoded.Frames, 1)
	require.Equal(t, &StreamMoney{StreamID: 1, Shares: 5}, decoded.Frames[0])
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, input := range [][]byte{
		nil,
		{0x01},
		{0x01, 0x01, 0xff, 0x01, 0x00, 0x01, 0x00}, // bad ilp type
		{0x09, 0x01},                               // var-uint length out of range
	} {
		_, err := Decode(input)
		require.Error(t, err, "input %x", input)
	}
}

func TestVarUintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 255, 256, 65535, 1 << 32, 1<<64 - 1} {
		var w bytes.Buffer
		writeVarUint(&w, v)
		got, err := readVarUint(bytes.NewReader(w.Bytes()))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestLengthDeterminantForms(t *testing.T) {
	short := make([]byte, 127)
	long := make([]byte, 130)
	for _, b := range [][]byte{short, long, nil} {
		var w bytes.Buffer
		writeVarBytes(&w, b)
		got, err := readVarBytes(bytes.NewReader(w.Bytes()))
		require.NoError(t, err)
		require.Equal(t, len(b), len(got))
	}
	// Short form uses one length octet.
	var w bytes.Buffer
	writeVarBytes(&w, short)
	require.Equal(t, 1+127, w.Len())
}
