// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package frames

import (
	"bytes"
	"errors"
	"io"
)

// ILPType mirrors the conditional-transfer packet type the inner
// packet was carried in (or is a response to).
type ILPType uint8

const (
	ILPPrepare ILPType = 12
	ILPFulfill ILPType = 13
	ILPReject  ILPType = 14
)

// MaxDataSize is the maximum inner-packet plaintext size. Plaintexts
// are zero padded up to it when padding is enabled; decode ignores
// trailing bytes past the frame count.
const MaxDataSize = 32767

// ErrBadPacket is returned for a structurally invalid inner packet.
var ErrBadPacket = errors.New("frames: malformed packet")

// Packet is the decrypted payload of one conditional-transfer packet.
type Packet struct {
	Sequence      uint64
	ILPType       ILPType
	PrepareAmount uint64
	Frames        []Frame
}

// Encode serializes the packet. The layout is
// sequence, ilp-type, prepare-amount, frame count, then each frame as
// a type octet followed by a length-prefixed body.
func (p *Packet) Encode() []byte {
	var w bytes.Buffer
	writeVarUint(&w, p.Sequence)
	w.WriteByte(byte(p.ILPType))
	writeVarUint(&w, p.PrepareAmount)
	writeVarUint(&w, uint64(len(p.Frames)))
	for _, f := range p.Frames {
		w.WriteByte(byte(f.Type()))
		var body bytes.Buffer
		f.writeBody(&body)
		writeVarBytes(&w, body.Bytes())
	}
	return w.Bytes()
}

// Len returns the current encoded length of the packet.
func (p *Packet) Len() int {
	return len(p.Encode())
}

// Decode parses an inner packet. Frames of unknown type are skipped
// over using their length prefix so that newer peers can add frame
// types without breaking older ones.
func Decode(data []byte) (*Packet, error) {
	r := bytes.NewReader(data)
	p := new(Packet)
	var err error
	if p.Sequence, err = readVarUint(r); err != nil {
		return nil, ErrBadPacket
	}
	t, err := r.ReadByte()
	if err != nil {
		return nil, ErrBadPacket
	}
	p.ILPType = ILPType(t)
	switch p.ILPType {
	case ILPPrepare, ILPFulfill, ILPReject:
	default:
		return nil, ErrBadPacket
	}
	if p.PrepareAmount, err = readVarUint(r); err != nil {
		return nil, ErrBadPacket
	}
	count, err := readVarUint(r)
	if err != nil {
		return nil, ErrBadPacket
	}
	if count > MaxDataSize {
		return nil, ErrBadPacket
	}
	for i := uint64(0); i < count; i++ {
		ft, err := r.ReadByte()
		if err != nil {
			return nil, ErrBadPacket
		}
		body, err := readVarBytes(r)
		if err != nil {
			return nil, ErrBadPacket
		}
		f := newFrame(Type(ft))
		if f == nil {
			// Forward compatibility: skip unknown frame types.
			continue
		}
		br := bytes.NewReader(body)
		if err := f.readBody(br); err != nil {
			return nil, ErrBadPacket
		}
		p.Frames = append(p.Frames, f)
	}
	// Trailing bytes are padding; ignore them.
	_, _ = io.Copy(io.Discard, r)
	return p, nil
}
