// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"errors"
	"math/big"

	"github.com/interledger/stream-go/core/crypto/envelope"
	"github.com/interledger/stream-go/core/frames"
	"github.com/interledger/stream-go/ilp"
)

// Path probing: volleys of unfulfillable test packets discover the
// maximum packet amount and measure the exchange rate to the required
// precision before any real value moves.

const maxProbeAttempts = 20

var initialProbeVolley = []uint64{1, 1_000, 1_000_000, 1_000_000_000, 1_000_000_000_000}

type probeOutcome struct {
	source    uint64
	delivered uint64
	hasRate   bool
	f08Max    uint64
	hasF08    bool
	temporary bool
}

// probePath runs volleys until the measured rate has the required
// number of significant digits. On success c.exchangeRate is set.
func (c *Connection) probePath() error {
	volley := append([]uint64(nil), initialProbeVolley...)
	for attempt := 0; attempt < maxProbeAttempts; attempt++ {
		outcomes, err := c.sendProbeVolley(volley)
		if err != nil {
			return err
		}

		c.mu.Lock()
		sawTemporary := false
		smallest := volley[0]
		for _, v := range volley {
			if v < smallest {
				smallest = v
			}
		}
		var next []uint64
		seen := make(map[uint64]struct{})
		for _, o := range outcomes {
			if o.temporary {
				sawTemporary = true
			}
			if o.hasF08 {
				if o.f08Max < c.maxPacketAmount {
					c.maxPacketAmount = o.f08Max
				}
				if _, dup := seen[o.f08Max]; !dup && o.f08Max > 0 && o.f08Max != unlimited {
					seen[o.f08Max] = struct{}{}
					next = append(next, o.f08Max)
				}
			}
		}
		if c.maxPacketAmount != unlimited {
			c.testMaxPacketAmount = c.maxPacketAmount
		}
		if c.maxPacketAmount == 0 {
			c.mu.Unlock()
			return &PathError{Code: ilp.CodeAmountTooLarge,
				Err: errors.New("path cannot carry any packet amount")}
		}

		var best *probeOutcome
		for i := range outcomes {
			o := &outcomes[i]
			if !o.hasRate {
				continue
			}
			if best == nil || significantDigits(o.delivered) > significantDigits(best.delivered) {
				best = o
			}
		}
		if best != nil && significantDigits(best.delivered) >= c.cfg.MinExchangeRatePrecision {
			c.exchangeRate = new(big.Rat).SetFrac(
				new(big.Int).SetUint64(best.delivered),
				new(big.Int).SetUint64(best.source))
			c.lastPacketRate = new(big.Rat).Set(c.exchangeRate)
			c.log.Debug("exchange rate discovered",
				"rate", c.exchangeRate.FloatString(6),
				"maxPacketAmount", c.maxPacketAmount)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		if sawTemporary {
			next = append(next, smallest-smallest/3)
			if !c.backoffSleep() {
				return ErrClosed
			}
		}
		if len(next) == 0 {
			return errors.New("stream: unable to measure exchange rate with required precision")
		}
		volley = next
	}
	return errors.New("stream: exchange rate discovery gave up after too many volleys")
}

// sendProbeVolley sends one unfulfillable test packet per amount and
// collects the evidence each response yields. Only path-fatal
// conditions are returned as errors.
func (c *Connection) sendProbeVolley(volley []uint64) ([]probeOutcome, error) {
	outcomes := make([]probeOutcome, 0, len(volley))
	for _, source := range volley {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if c.destination == "" {
			c.mu.Unlock()
			return nil, errors.New("stream: no destination address to probe")
		}
		seq := c.nextSequence
		c.nextSequence++
		pkt := &frames.Packet{
			Sequence: seq,
			ILPType:  frames.ILPPrepare,
			Frames:   c.handshakeFrames(),
		}
		ciphertext, err := c.env.Seal(pkt.Encode(), c.cfg.EnablePadding)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		prepare := &ilp.Prepare{
			Amount:             source,
			ExecutionCondition: envelope.RandomCondition(),
			ExpiresAt:          c.clock().Add(packetExpiry),
			Destination:        c.destination,
			Data:               ciphertext,
		}
		c.mu.Unlock()

		c.log.Debug("probing path", "seq", seq, "amount", source)
		resp, err := c.sendOverPlugin(prepare)
		o := probeOutcome{source: source}
		if err != nil {
			o.temporary = true
			outcomes = append(outcomes, o)
			continue
		}
		c.markActive()
		switch r := resp.(type) {
		case *ilp.Fulfill:
			// A test packet has no known fulfillment; nothing to learn.
		case *ilp.Reject:
			switch {
			case r.Code == ilp.CodeApplicationError:
				if inner := c.decodeResponsePacket(r.Data, seq); inner != nil {
					o.delivered = inner.PrepareAmount
					o.hasRate = true
					c.processResponseFrames(inner)
				}
			case r.Code == ilp.CodeAmountTooLarge:
				if detail, err := ilp.DecodeAmountTooLargeData(r.Data); err == nil && detail.ReceivedAmount > 0 {
					m := new(big.Int).Mul(
						new(big.Int).SetUint64(source),
						new(big.Int).SetUint64(detail.MaximumAmount))
					m.Quo(m, new(big.Int).SetUint64(detail.ReceivedAmount))
					o.f08Max = clampUint64(m)
					o.hasF08 = true
				}
			case ilp.IsTemporary(r.Code):
				o.temporary = true
			default:
				return nil, &PathError{Code: r.Code,
					Err: errors.New(r.Message)}
			}
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

// handshakeFrames are prepended while the remote may not yet know who
// we are or what we are denominated in. Caller holds the mutex.
func (c *Connection) handshakeFrames() []frames.Frame {
	var fs []frames.Frame
	if !c.remoteKnowsOurAddress && c.cfg.SourceAccount != "" {
		fs = append(fs, &frames.ConnectionNewAddress{SourceAccount: c.cfg.SourceAccount})
	}
	if !c.sentAssetDetails && c.cfg.AssetCode != "" {
		fs = append(fs, &frames.ConnectionAssetDetails{
			SourceAssetCode:  c.cfg.AssetCode,
			SourceAssetScale: c.cfg.AssetScale,
		})
	}
	return fs
}
