// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"math/big"

	"github.com/interledger/stream-go/core/frames"
)

// Exact rational arithmetic for money. Amounts are uint64 at the wire;
// rate math goes through big.Int with explicit rounding: floor for
// minimum destination amounts, ceiling for maximum source caps.

// mulRatFloor computes floor(v * r), saturating at the uint64 ceiling.
func mulRatFloor(v uint64, r *big.Rat) uint64 {
	n := new(big.Int).Mul(new(big.Int).SetUint64(v), r.Num())
	n.Quo(n, r.Denom())
	return clampUint64(n)
}

// divRatCeil computes ceil(v / r), saturating at the uint64 ceiling.
func divRatCeil(v uint64, r *big.Rat) uint64 {
	if r.Sign() == 0 {
		return unlimited
	}
	n := new(big.Int).Mul(new(big.Int).SetUint64(v), r.Denom())
	q, rem := new(big.Int).QuoRem(n, r.Num(), new(big.Int))
	if rem.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return clampUint64(q)
}

// mulDivFloor computes floor(a * b / d) without overflow.
func mulDivFloor(a, b, d uint64) uint64 {
	if d == 0 {
		return 0
	}
	n := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	n.Quo(n, new(big.Int).SetUint64(d))
	return clampUint64(n)
}

func bigFromUint(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

func clampUint64(n *big.Int) uint64 {
	if !n.IsUint64() {
		return unlimited
	}
	return n.Uint64()
}

// significantDigits counts the decimal digits of v; zero has none.
func significantDigits(v uint64) int {
	d := 0
	for v > 0 {
		d++
		v /= 10
	}
	return d
}

// moneyCap is the most the stream may send in one packet, in source
// units: its own remaining allowance further capped by the remote
// receive window converted at the exchange rate, rounded up.
func (c *Connection) moneyCap(s *Stream, remaining uint64) uint64 {
	amount := s.availableToSend()
	if amount > remaining {
		amount = remaining
	}
	if amount == 0 {
		return 0
	}
	window := s.remoteMoneyWindow()
	if window == 0 {
		return 0
	}
	if lim := divRatCeil(window, c.exchangeRate); amount > lim {
		amount = lim
	}
	return amount
}

// receiveTolerance is the multiplier applied to a stream's receive
// window on the incoming side to absorb connector rounding.
var receiveToleranceNum, receiveToleranceDen = big.NewInt(101), big.NewInt(100)

// fitsReceiveWindow checks amount against canReceive with the 1%
// tolerance: canReceive * 1.01 >= amount.
func fitsReceiveWindow(canReceive, amount uint64) bool {
	lhs := new(big.Int).Mul(new(big.Int).SetUint64(canReceive), receiveToleranceNum)
	rhs := new(big.Int).Mul(new(big.Int).SetUint64(amount), receiveToleranceDen)
	return lhs.Cmp(rhs) >= 0
}

// connMaxDataOffset is the connection-wide incoming byte ceiling to
// advertise: the bytes read so far on the connection plus the buffer
// size, less the bytes still held unread by open streams. The
// per-stream ceilings are not summed into it.
func (c *Connection) connMaxDataOffset() uint64 {
	var sum uint64
	for _, s := range c.streams {
		sum += s.incoming.buffered
	}
	return c.totalDataRead + c.cfg.ConnectionBufferSize - sum
}

// checkIncomingOffsets verifies the proposed per-stream and
// connection-level offsets against what we advertised.
func (c *Connection) checkIncomingOffsets(pkt *frames.Packet) error {
	connLimit := c.connMaxDataOffset()
	var proposedNew uint64
	for _, f := range pkt.Frames {
		df, ok := f.(*frames.StreamData)
		if !ok {
			continue
		}
		end := df.Offset + uint64(len(df.Data))
		s := c.streams[df.StreamID]
		if s == nil {
			continue
		}
		if end > s.maxAcceptableOffset() {
			return newConnectionError(frames.ErrFlowControlError,
				"stream %d offset %d exceeds limit %d", df.StreamID, end, s.maxAcceptableOffset())
		}
		if end > s.incoming.maxOffset {
			proposedNew += end - s.incoming.maxOffset
		}
	}
	var highTotal uint64
	for _, s := range c.streams {
		highTotal += s.incoming.maxOffset
	}
	if highTotal+proposedNew > connLimit {
		return newConnectionError(frames.ErrFlowControlError,
			"connection data limit %d exceeded", connLimit)
	}
	return nil
}

// updateRemoteConnMaxOffset applies a ConnectionMaxData frame. Values
// well above two maximum packets raise the ceiling; smaller values
// override it outright on the assumption the remote's buffer shrank.
func (c *Connection) updateRemoteConnMaxOffset(v uint64) {
	if v > 2*maxPacketDataSize {
		if v > c.remoteConnMaxOffset {
			c.remoteConnMaxOffset = v
		}
	} else {
		c.remoteConnMaxOffset = v
	}
}
