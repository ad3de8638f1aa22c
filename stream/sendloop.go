// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"context"
	"errors"
	"math/big"
	"runtime"
	"time"

	"github.com/interledger/stream-go/core/crypto/envelope"
	"github.com/interledger/stream-go/core/frames"
	"github.com/interledger/stream-go/ilp"
)

const (
	maxPacketDataSize = frames.MaxDataSize

	// streamDataOverhead is the room reserved per StreamData frame for
	// its type octet, length prefix, stream id and offset.
	streamDataOverhead = 20
)

// sendWorker parks until woken, then drives the send loop to
// completion. The wake channel is buffered and sends to it are
// non-blocking, so any number of notifications coalesce into one run.
func (c *Connection) sendWorker() {
	for {
		select {
		case <-c.HaltCh():
			return
		case <-c.wakeCh:
		}
		c.runSendLoop()
	}
}

// wake nudges the send loop. Idempotent and non-blocking.
func (c *Connection) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// runSendLoop is single flight: a second entry returns immediately.
func (c *Connection) runSendLoop() {
	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		return
	}
	c.sending = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()
		c.signalState()
		c.flushEvents()
	}()

	for {
		select {
		case <-c.HaltCh():
			return
		default:
		}
		// Yield once so bursts of stream notifications coalesce into
		// one packet.
		runtime.Gosched()

		c.mu.Lock()
		if c.closed && c.sentConnClose {
			c.mu.Unlock()
			return
		}
		rateKnown := c.exchangeRate != nil
		closed := c.closed
		c.mu.Unlock()

		if !rateKnown && !closed {
			c.mu.Lock()
			hasDestination := c.destination != ""
			c.mu.Unlock()
			if !hasDestination {
				// Nothing to probe yet; wait for the peer to announce
				// itself.
				return
			}
			if err := c.probePath(); err != nil {
				if err != ErrClosed {
					c.destroy(err, frames.ErrInternalError)
				}
				return
			}
			c.markConnected()
			continue
		}
		if !c.sendOnePacket() {
			return
		}
		c.signalState()
		c.flushEvents()
	}
}

// sendOnePacket builds, dispatches and settles one outbound packet.
// It returns false when the loop should go idle.
func (c *Connection) sendOnePacket() bool {
	c.mu.Lock()
	if c.remoteClosed && !c.closed {
		c.mu.Unlock()
		return false
	}

	c.retireDrainedStreams()

	seq := c.nextSequence
	queued := len(c.queuedFrames)
	fs := c.queuedFrames
	c.queuedFrames = nil

	closing := c.closed && !c.sentConnClose
	open := c.sortedStreams()

	advertsStale := false
	connMaxData := c.connMaxDataOffset()
	if !closing {
		for _, s := range open {
			if s.advertsStale() {
				advertsStale = true
			}
			fs = append(fs,
				&frames.StreamMaxMoney{StreamID: s.id, ReceiveMax: s.receiveMax, TotalReceived: s.totalReceived},
				&frames.StreamMaxData{StreamID: s.id, MaxOffset: s.maxAcceptableOffset()})
		}
		if len(open) > 0 {
			if connMaxData != c.sentConnMaxData {
				advertsStale = true
			}
			fs = append(fs, &frames.ConnectionMaxData{MaxOffset: connMaxData})
		}
	}
	if closing {
		fs = append(fs, &frames.ConnectionClose{ErrorCode: c.closeCode, Message: c.closeMessage})
		c.sentConnClose = true
		// Provisionally treat the peer as gone so nothing further is
		// scheduled behind the close.
		c.remoteClosed = true
	}

	// Allocate money across streams in id order.
	var amountToSend uint64
	remaining := c.testMaxPacketAmount
	moneyFrames := 0
	if !closing {
		for _, s := range open {
			amt := c.moneyCap(s, remaining)
			if amt > 0 {
				fs = append(fs, &frames.StreamMoney{StreamID: s.id, Shares: amt})
				s.holdOutgoing(seq, amt)
				amountToSend += amt
				remaining -= amt
				moneyFrames++
			}
			if s.availableToSend() > 0 && s.remoteMoneyWindow() == 0 {
				fs = append(fs, &frames.StreamMoneyBlocked{
					StreamID: s.id, SendMax: s.sendMax, TotalSent: s.totalSent})
			}
		}
	}

	// Pack data frames into what is left of the packet, bounded by the
	// connection-level outgoing window.
	dataFrames := 0
	if !closing {
		probe := &frames.Packet{Sequence: seq, ILPType: frames.ILPPrepare, Frames: fs}
		budget := maxPacketDataSize - probe.Len()
		var connWindow uint64
		if c.remoteConnMaxOffset > c.totalDataSent {
			connWindow = c.remoteConnMaxOffset - c.totalDataSent
		}
		for _, s := range open {
			if budget <= streamDataOverhead {
				break
			}
			allow := budget - streamDataOverhead
			if uint64(allow) > connWindow {
				allow = int(connWindow)
			}
			if allow <= 0 {
				break
			}
			data, off, _, blocked := s.outgoing.pop(allow, s.remoteMaxOffset)
			if len(data) > 0 {
				fs = append(fs, &frames.StreamData{StreamID: s.id, Offset: off, Data: data})
				s.holdData(seq, data, off)
				c.totalDataSent += uint64(len(data))
				connWindow -= uint64(len(data))
				budget -= len(data) + streamDataOverhead
				dataFrames++
				s.signalWrite()
			}
			if blocked {
				fs = append(fs, &frames.StreamDataBlocked{StreamID: s.id, MaxOffset: s.remoteMaxOffset})
			}
		}
		if connWindow == 0 {
			for _, s := range open {
				if s.outgoing.buffered > 0 {
					fs = append(fs, &frames.ConnectionDataBlocked{MaxOffset: c.remoteConnMaxOffset})
					break
				}
			}
		}
	}

	// A packet with no value and nothing the peer must see is not
	// worth sending; the loop goes idle instead. Stale window
	// advertisements count as something the peer must see, otherwise a
	// blocked sender on the far side would never resume.
	if amountToSend == 0 && moneyFrames == 0 && dataFrames == 0 && queued == 0 &&
		!advertsStale && !closing {
		c.mu.Unlock()
		return false
	}

	for _, s := range open {
		s.noteAdvertised()
	}
	if !closing && len(open) > 0 {
		c.sentConnMaxData = connMaxData
	}
	c.nextSequence++
	var minDestination uint64
	if amountToSend > 0 {
		effective := new(big.Rat).Mul(c.exchangeRate,
			new(big.Rat).Sub(big.NewRat(1, 1), c.cfg.Slippage))
		minDestination = mulRatFloor(amountToSend, effective)
	}
	pkt := &frames.Packet{
		Sequence:      seq,
		ILPType:       frames.ILPPrepare,
		PrepareAmount: minDestination,
		Frames:        fs,
	}
	ciphertext, err := c.env.Seal(pkt.Encode(), c.cfg.EnablePadding)
	if err != nil {
		c.mu.Unlock()
		c.destroy(err, frames.ErrInternalError)
		return false
	}
	prepare := &ilp.Prepare{
		Amount:             amountToSend,
		ExecutionCondition: envelope.Condition(c.env.Fulfillment(ciphertext)),
		ExpiresAt:          c.clock().Add(packetExpiry),
		Destination:        c.destination,
		Data:               ciphertext,
	}
	c.mu.Unlock()

	c.log.Debug("sending packet", "seq", seq, "amount", amountToSend,
		"frames", len(fs), "minDestination", minDestination)
	resp, err := c.sendOverPlugin(prepare)
	if err != nil {
		// Transport failure: roll everything back and retry later.
		c.rollbackPacket(seq)
		if !c.backoffSleep() {
			return false
		}
		return true
	}
	c.markActive()
	return c.settlePacket(seq, amountToSend, resp)
}

// settlePacket applies the response for sequence seq.
func (c *Connection) settlePacket(seq, amountToSend uint64, resp interface{}) bool {
	switch r := resp.(type) {
	case *ilp.Fulfill:
		c.mu.Lock()
		c.retryDelay = initialRetryDelay
		inner := c.decodeResponsePacketLocked(r.Data, seq)
		delivered := uint64(0)
		if inner != nil {
			delivered = inner.PrepareAmount
		}
		for _, s := range c.streams {
			s.executeHold(seq)
			s.executeData(seq)
		}
		c.totalSent.Add(c.totalSent, new(big.Int).SetUint64(amountToSend))
		c.totalDelivered.Add(c.totalDelivered, new(big.Int).SetUint64(delivered))
		if amountToSend > 0 && delivered > 0 {
			c.lastPacketRate = new(big.Rat).SetFrac(
				new(big.Int).SetUint64(delivered),
				new(big.Int).SetUint64(amountToSend))
		}
		if amountToSend > 0 && amountToSend == c.testMaxPacketAmount {
			c.growTestMaxPacketAmount()
		}
		c.mu.Unlock()
		if inner != nil {
			c.processResponseFrames(inner)
		}
		return true

	case *ilp.Reject:
		c.rollbackPacket(seq)
		switch {
		case r.Code == ilp.CodeAmountTooLarge:
			detail, err := ilp.DecodeAmountTooLargeData(r.Data)
			c.mu.Lock()
			if err == nil && detail.ReceivedAmount > 0 {
				m := new(big.Int).Mul(
					new(big.Int).SetUint64(amountToSend),
					new(big.Int).SetUint64(detail.MaximumAmount))
				m.Quo(m, new(big.Int).SetUint64(detail.ReceivedAmount))
				if v := clampUint64(m); v < c.maxPacketAmount {
					c.maxPacketAmount = v
				}
			} else if c.testMaxPacketAmount > 1 {
				// No usable detail; halve the ceiling and rediscover.
				c.maxPacketAmount = c.testMaxPacketAmount / 2
			}
			if c.testMaxPacketAmount > c.maxPacketAmount {
				c.testMaxPacketAmount = c.maxPacketAmount
			}
			dead := c.maxPacketAmount == 0
			c.mu.Unlock()
			if dead {
				c.destroy(&PathError{Code: r.Code,
					Err: errors.New("path cannot carry any packet amount")},
					frames.ErrInternalError)
				return false
			}
			return true

		case r.Code == ilp.CodeApplicationError:
			c.mu.Lock()
			inner := c.decodeResponsePacketLocked(r.Data, seq)
			c.mu.Unlock()
			if inner != nil {
				c.processResponseFrames(inner)
			}
			// The response frames usually shrink a window and the next
			// iteration sends less; the pause keeps a stubborn peer
			// from spinning us.
			return c.backoffSleep()

		case ilp.IsTemporary(r.Code):
			if r.Code == ilp.CodeInsufficientLiquidity {
				c.mu.Lock()
				shrunk := c.testMaxPacketAmount - c.testMaxPacketAmount/3
				if shrunk < 2 {
					shrunk = 2
				}
				c.testMaxPacketAmount = shrunk
				c.mu.Unlock()
			}
			return c.backoffSleep()

		default:
			c.destroy(&PathError{Code: r.Code, Err: errors.New(r.Message)},
				frames.ErrInternalError)
			return false
		}

	default:
		// An undecodable response counts as a temporary path fault.
		c.rollbackPacket(seq)
		return c.backoffSleep()
	}
}

// rollbackPacket returns all holds and in-flight data of one packet.
func (c *Connection) rollbackPacket(seq uint64) {
	c.mu.Lock()
	for _, s := range c.streams {
		s.cancelHold(seq)
		if n := s.cancelData(seq); n > 0 {
			if c.totalDataSent >= n {
				c.totalDataSent -= n
			} else {
				c.totalDataSent = 0
			}
		}
	}
	c.mu.Unlock()
}

// growTestMaxPacketAmount raises the probe ceiling after a fulfillment
// at exactly the ceiling. Caller holds the mutex.
func (c *Connection) growTestMaxPacketAmount() {
	if c.maxPacketAmount != unlimited {
		grown := c.testMaxPacketAmount + c.maxPacketAmount/10
		if grown > c.maxPacketAmount || grown < c.testMaxPacketAmount {
			grown = c.maxPacketAmount
		}
		c.testMaxPacketAmount = grown
		return
	}
	if c.testMaxPacketAmount > unlimited/2 {
		c.testMaxPacketAmount = unlimited
		return
	}
	c.testMaxPacketAmount *= 2
}

// retireDrainedStreams closes out streams whose local end is pending
// and whose queues are empty. Caller holds the mutex.
func (c *Connection) retireDrainedStreams() {
	for _, s := range c.sortedStreams() {
		if s.remoteSentEnd && !s.endPending {
			s.endPending = true
			if s.sendMax > s.totalSent+s.holdTotal {
				s.sendMax = s.totalSent + s.holdTotal
			}
		}
		if s.endPending && s.drained() && !s.incoming.readable() {
			c.removeStream(s)
		}
	}
}

// sendOverPlugin serializes and dispatches one Prepare and decodes the
// response. The worker halt channel aborts the wait.
func (c *Connection) sendOverPlugin(prepare *ilp.Prepare) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), packetExpiry)
	defer cancel()
	go func() {
		select {
		case <-c.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()
	raw, err := c.cfg.Plugin.SendData(ctx, prepare.Encode())
	if err != nil {
		return nil, err
	}
	return ilp.Decode(raw)
}

// decodeResponsePacketLocked opens and validates an inner response.
// Responses correlate by sequence; anything else is discarded. Caller
// holds the mutex.
func (c *Connection) decodeResponsePacketLocked(data []byte, seq uint64) *frames.Packet {
	if len(data) == 0 {
		return nil
	}
	plaintext, err := c.env.Open(data)
	if err != nil {
		c.log.Debug("undecodable response payload", "seq", seq)
		return nil
	}
	pkt, err := frames.Decode(plaintext)
	if err != nil {
		return nil
	}
	if pkt.Sequence != seq {
		c.log.Warn("response sequence mismatch", "want", seq, "got", pkt.Sequence)
		return nil
	}
	if pkt.ILPType == frames.ILPPrepare {
		return nil
	}
	// The peer demonstrably processed our handshake frames.
	c.remoteKnowsOurAddress = true
	c.sentAssetDetails = true
	return pkt
}

// decodeResponsePacket is the unlocked variant used by the prober.
func (c *Connection) decodeResponsePacket(data []byte, seq uint64) *frames.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decodeResponsePacketLocked(data, seq)
}

// backoffSleep waits out the current retry delay, growing it for next
// time. It returns false when the connection halts mid-sleep.
func (c *Connection) backoffSleep() bool {
	c.mu.Lock()
	d := c.retryDelay
	grown := time.Duration(float64(c.retryDelay) * retryDelayFactor)
	if grown > maxRetryDelay {
		grown = maxRetryDelay
	}
	c.retryDelay = grown
	c.mu.Unlock()
	select {
	case <-time.After(d):
		return true
	case <-c.HaltCh():
		return false
	}
}
