// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ilp carries the hop-by-hop conditional-transfer packet types
// the connection core exchanges with its transport plugin, their
// binary codec, and the reject code taxonomy.
package ilp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"
)

// Packet type octets.
const (
	TypePrepare uint8 = 12
	TypeFulfill uint8 = 13
	TypeReject  uint8 = 14
)

var (
	// ErrBadPacket is returned for a structurally invalid packet.
	ErrBadPacket = errors.New("ilp: malformed packet")
)

// Plugin is the transport boundary: it serializes and delivers one
// Prepare and returns the serialized Fulfill or Reject that came back.
// It must be safe to call from the connection owner.
type Plugin interface {
	SendData(ctx context.Context, data []byte) ([]byte, error)
}

// Prepare is a conditional transfer offered to the peer.
type Prepare struct {
	Amount             uint64
	ExecutionCondition [32]byte
	ExpiresAt          time.Time
	Destination        string
	Data               []byte
}

// Fulfill executes a Prepare by presenting the condition preimage.
type Fulfill struct {
	Fulfillment [32]byte
	Data        []byte
}

// Reject declines a Prepare.
type Reject struct {
	Code        string
	TriggeredBy string
	Message     string
	Data        []byte
}

func writeVarUint(w *bytes.Buffer, v uint64) {
	n := 1
	for x := v; x > 0xff; x >>= 8 {
		n++
	}
	w.WriteByte(byte(n))
	for i := n - 1; i >= 0; i-- {
		w.WriteByte(byte(v >> (8 * uint(i))))
	}
}

func readVarUint(r *bytes.Reader) (uint64, error) {
	n, err := r.ReadByte()
	if err != nil || n == 0 || n > 8 {
		return 0, ErrBadPacket
	}
	var v uint64
	for i := byte(0); i < n; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, ErrBadPacket
		}
		v = v<<8 | uint64(b)
	}
	return v, nil
}

func writeVarBytes(w *bytes.Buffer, b []byte) {
	l := len(b)
	if l < 0x80 {
		w.WriteByte(byte(l))
	} else {
		n := 1
		for x := l; x > 0xff; x >>= 8 {
			n++
		}
		w.WriteByte(0x80 | byte(n))
		for i := n - 1; i >= 0; i-- {
			w.WriteByte(byte(l >> (8 * uint(i))))
		}
	}
	w.Write(b)
}

func readVarBytes(r *bytes.Reader) ([]byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, ErrBadPacket
	}
	l := int(b)
	if b >= 0x80 {
		n := b & 0x7f
		if n == 0 || n > 4 {
			return nil, ErrBadPacket
		}
		l = 0
		for i := byte(0); i < n; i++ {
			b, err := r.ReadByte()
			if err != nil {
				return nil, ErrBadPacket
			}
			l = l<<8 | int(b)
		}
	}
	if l < 0 || l > r.Len() {
		return nil, ErrBadPacket
	}
	out := make([]byte, l)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, ErrBadPacket
	}
	return out, nil
}

// Encode serializes a Prepare.
func (p *Prepare) Encode() []byte {
	var w bytes.Buffer
	w.WriteByte(TypePrepare)
	writeVarUint(&w, p.Amount)
	w.Write(p.ExecutionCondition[:])
	writeVarUint(&w, uint64(p.ExpiresAt.UnixMilli()))
	writeVarBytes(&w, []byte(p.Destination))
	writeVarBytes(&w, p.Data)
	return w.Bytes()
}

// Encode serializes a Fulfill.
func (f *Fulfill) Encode() []byte {
	var w bytes.Buffer
	w.WriteByte(TypeFulfill)
	w.Write(f.Fulfillment[:])
	writeVarBytes(&w, f.Data)
	return w.Bytes()
}

// Encode serializes a Reject.
func (r *Reject) Encode() []byte {
	var w bytes.Buffer
	w.WriteByte(TypeReject)
	writeVarBytes(&w, []byte(r.Code))
	writeVarBytes(&w, []byte(r.TriggeredBy))
	writeVarBytes(&w, []byte(r.Message))
	writeVarBytes(&w, r.Data)
	return w.Bytes()
}

// Decode parses a serialized packet into a *Prepare, *Fulfill or
// *Reject.
func Decode(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, ErrBadPacket
	}
	r := bytes.NewReader(data[1:])
	switch data[0] {
	case TypePrepare:
		p := new(Prepare)
		amount, err := readVarUint(r)
		if err != nil {
			return nil, err
		}
		p.Amount = amount
		if _, err := io.ReadFull(r, p.ExecutionCondition[:]); err != nil {
			return nil, ErrBadPacket
		}
		ms, err := readVarUint(r)
		if err != nil {
			return nil, err
		}
		p.ExpiresAt = time.UnixMilli(int64(ms)).UTC()
		dst, err := readVarBytes(r)
		if err != nil {
			return nil, err
		}
		p.Destination = string(dst)
		if p.Data, err = readVarBytes(r); err != nil {
			return nil, err
		}
		return p, nil
	case TypeFulfill:
		f := new(Fulfill)
		if _, err := io.ReadFull(r, f.Fulfillment[:]); err != nil {
			return nil, ErrBadPacket
		}
		var err error
		if f.Data, err = readVarBytes(r); err != nil {
			return nil, err
		}
		return f, nil
	case TypeReject:
		rej := new(Reject)
		code, err := readVarBytes(r)
		if err != nil {
			return nil, err
		}
		rej.Code = string(code)
		tb, err := readVarBytes(r)
		if err != nil {
			return nil, err
		}
		rej.TriggeredBy = string(tb)
		msg, err := readVarBytes(r)
		if err != nil {
			return nil, err
		}
		rej.Message = string(msg)
		if rej.Data, err = readVarBytes(r); err != nil {
			return nil, err
		}
		return rej, nil
	default:
		return nil, ErrBadPacket
	}
}
