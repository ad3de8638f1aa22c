// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"github.com/interledger/stream-go/core/crypto/envelope"
	"github.com/interledger/stream-go/core/frames"
	"github.com/interledger/stream-go/ilp"
)

// HandleData is the entry point the transport driver calls with each
// serialized inbound Prepare. It always returns a serialized Fulfill
// or Reject and never panics into the driver.
func (c *Connection) HandleData(raw []byte) []byte {
	decoded, err := ilp.Decode(raw)
	if err != nil {
		return c.rejectBare(ilp.CodeBadRequest, "could not parse packet")
	}
	prepare, ok := decoded.(*ilp.Prepare)
	if !ok {
		return c.rejectBare(ilp.CodeBadRequest, "expected a prepare")
	}
	resp := c.handlePrepare(prepare)
	c.flushEvents()
	return resp
}

func (c *Connection) handlePrepare(prepare *ilp.Prepare) []byte {
	plaintext, err := c.env.Open(prepare.Data)
	if err != nil {
		// Not for us, or tampered with; say nothing about our state.
		return c.rejectBare(ilp.CodeUnexpectedPayment, "could not decrypt data")
	}
	pkt, err := frames.Decode(plaintext)
	if err != nil {
		return c.rejectBare(ilp.CodeUnexpectedPayment, "could not decode packet")
	}
	c.markActive()
	if pkt.ILPType != frames.ILPPrepare {
		return c.rejectBare(ilp.CodeBadRequest, "unexpected inner packet type")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.rejectWithPacketLocked(prepare, pkt.Sequence, nil)
	}

	// First pass: lifecycle and window frames, stream creation, and
	// collection of the value/data carrying frames.
	var (
		moneys         []pendingMoney
		datas          []pendingData
		sawRemoteClose bool
	)
	for _, f := range pkt.Frames {
		switch f := f.(type) {
		case *frames.ConnectionNewAddress:
			c.destination = f.SourceAccount
			c.markConnectedLocked()
		case *frames.ConnectionAssetDetails:
			c.remoteAssetCode = f.SourceAssetCode
			c.remoteAssetScale = f.SourceAssetScale
		case *frames.ConnectionClose:
			c.remoteClosed = true
			sawRemoteClose = true
			if f.ErrorCode != frames.ErrNoError {
				c.closeErr = &RemoteCloseError{Code: f.ErrorCode, Message: f.Message}
			}
		case *frames.ConnectionMaxData:
			c.updateRemoteConnMaxOffset(f.MaxOffset)
			c.wake()
		case *frames.ConnectionDataBlocked:
			c.log.Debug("peer is data blocked", "maxOffset", f.MaxOffset)
		case *frames.ConnectionMaxStreamID:
			if f.MaxStreamID > c.remoteMaxStreamID {
				c.remoteMaxStreamID = f.MaxStreamID
			}
		case *frames.ConnectionStreamIDBlocked:
			c.log.Debug("peer is out of stream ids", "maxStreamID", f.MaxStreamID)
		case *frames.StreamMoney:
			s, resp := c.streamFor(f.StreamID, true, prepare, pkt)
			if resp != nil {
				return resp
			}
			if s != nil {
				moneys = append(moneys, pendingMoney{s: s, shares: f.Shares})
			}
		case *frames.StreamData:
			s, resp := c.streamFor(f.StreamID, true, prepare, pkt)
			if resp != nil {
				return resp
			}
			if s != nil {
				datas = append(datas, pendingData{s: s, f: f})
			}
		case *frames.StreamClose:
			s, resp := c.streamFor(f.StreamID, false, prepare, pkt)
			if resp != nil {
				return resp
			}
			if s != nil {
				s.remoteSentEnd = true
				if f.ErrorCode != frames.ErrNoError && f.ErrorCode != 0 {
					s.errCode = f.ErrorCode
					s.errMsg = f.Message
				}
				s.signalRead()
				c.wake()
			}
		case *frames.StreamMaxMoney:
			s, resp := c.streamFor(f.StreamID, false, prepare, pkt)
			if resp != nil {
				return resp
			}
			if s != nil {
				// The peer is authoritative about its own window.
				s.remoteReceiveMax = f.ReceiveMax
				if f.TotalReceived > s.remoteReceived {
					s.remoteReceived = f.TotalReceived
				}
				c.wake()
			}
		case *frames.StreamMoneyBlocked:
			c.log.Debug("peer money blocked", "stream", f.StreamID,
				"sendMax", f.SendMax, "totalSent", f.TotalSent)
		case *frames.StreamMaxData:
			s, resp := c.streamFor(f.StreamID, false, prepare, pkt)
			if resp != nil {
				return resp
			}
			if s != nil {
				s.remoteMaxOffset = f.MaxOffset
				c.wake()
			}
		case *frames.StreamDataBlocked:
			c.log.Debug("peer data blocked", "stream", f.StreamID, "maxOffset", f.MaxOffset)
		}
	}

	// Flow control caps are hard; a peer pushing past what we
	// advertised is not salvageable.
	if err := c.checkIncomingOffsets(pkt); err != nil {
		return c.destroyInHandlerLocked(err, frames.ErrFlowControlError, prepare, pkt)
	}

	// The sender demands at least its stated minimum.
	if pkt.PrepareAmount > prepare.Amount {
		c.log.Debug("packet arrived below the sender's minimum",
			"seq", pkt.Sequence, "amount", prepare.Amount, "min", pkt.PrepareAmount)
		return c.rejectWithPacketLocked(prepare, pkt.Sequence, nil)
	}

	// Decide fulfillability before mutating value state.
	fulfillment := c.env.Fulfillment(prepare.Data)
	fulfillable := envelope.Condition(fulfillment) == prepare.ExecutionCondition

	if !fulfillable {
		// Test packets land here: the response still reports how much
		// arrived so the sender can measure the path.
		c.applyData(datas)
		resp := c.rejectWithPacketLocked(prepare, pkt.Sequence, nil)
		if sawRemoteClose {
			c.scheduleRemoteCloseLocked()
		}
		return resp
	}

	// Allocate the packet's value across the money frames in
	// proportion to their shares, refusing the whole packet if any
	// target cannot take its part.
	var totalShares uint64
	for _, m := range moneys {
		totalShares += m.shares
	}
	type credit struct {
		s      *Stream
		amount uint64
	}
	var credits []credit
	if prepare.Amount > 0 && totalShares > 0 {
		for _, m := range moneys {
			amount := mulDivFloor(prepare.Amount, m.shares, totalShares)
			if !m.s.open || m.s.endPending {
				c.queueFrame(&frames.StreamClose{StreamID: m.s.id,
					ErrorCode: frames.ErrStreamStateError, Message: "stream is closed"})
				return c.rejectWithPacketLocked(prepare, pkt.Sequence, nil)
			}
			if !fitsReceiveWindow(m.s.canReceive(), amount) {
				c.log.Debug("stream receive window exceeded",
					"stream", m.s.id, "amount", amount, "canReceive", m.s.canReceive())
				return c.rejectWithPacketLocked(prepare, pkt.Sequence, []frames.Frame{
					&frames.StreamMaxMoney{StreamID: m.s.id,
						ReceiveMax: m.s.receiveMax, TotalReceived: m.s.totalReceived},
				})
			}
			credits = append(credits, credit{s: m.s, amount: amount})
		}
	}

	// Point of no return: crediting and the fulfill decision are one
	// atomic step.
	for _, cr := range credits {
		cr.s.totalReceived += cr.amount
		cr.s.signalRead()
	}
	c.applyData(datas)
	c.totalReceived.Add(c.totalReceived, bigFromUint(prepare.Amount))
	c.wake()

	respFrames := c.responseFramesLocked()
	inner := &frames.Packet{
		Sequence:      pkt.Sequence,
		ILPType:       frames.ILPFulfill,
		PrepareAmount: prepare.Amount,
		Frames:        respFrames,
	}
	sealed, err := c.env.Seal(inner.Encode(), c.cfg.EnablePadding)
	if err != nil {
		return c.rejectBare(ilp.CodeBadRequest, "internal error")
	}
	if sawRemoteClose {
		c.scheduleRemoteCloseLocked()
	}
	f := &ilp.Fulfill{Fulfillment: fulfillment, Data: sealed}
	return f.Encode()
}

type pendingData struct {
	s *Stream
	f *frames.StreamData
}

type pendingMoney struct {
	s      *Stream
	shares uint64
}

// streamFor resolves a stream-bearing frame's target, creating the
// stream when the id is new. The second return, when non-nil, is a
// complete serialized response that must be returned immediately.
// carriesValue marks frames that move value or data, which closed
// stream ids must refuse loudly.
func (c *Connection) streamFor(id uint64, carriesValue bool, prepare *ilp.Prepare, pkt *frames.Packet) (*Stream, []byte) {
	if _, closed := c.closedStreams[id]; closed {
		if !carriesValue {
			return nil, nil
		}
		c.queueFrame(&frames.StreamClose{StreamID: id,
			ErrorCode: frames.ErrStreamStateError, Message: "stream is closed"})
		return nil, c.rejectWithPacketLocked(prepare, pkt.Sequence, nil)
	}
	s, err := c.acceptRemote(id)
	if err != nil {
		var cerr *ConnectionError
		code := frames.ErrProtocolViolation
		if e, ok := err.(*ConnectionError); ok {
			cerr = e
			code = cerr.Code
		}
		return nil, c.destroyInHandlerLocked(err, code, prepare, pkt)
	}
	return s, nil
}

func (c *Connection) applyData(datas []pendingData) {
	for _, d := range datas {
		d.s.incoming.push(d.f.Data, d.f.Offset)
		d.s.signalRead()
	}
}

// responseFramesLocked builds the advertisement set that rides on
// every response: queued control frames first, then the connection and
// per-stream ceilings.
func (c *Connection) responseFramesLocked() []frames.Frame {
	c.retireDrainedStreams()
	fs := c.queuedFrames
	c.queuedFrames = nil
	c.sentConnMaxData = c.connMaxDataOffset()
	fs = append(fs, &frames.ConnectionMaxData{MaxOffset: c.sentConnMaxData})
	for _, s := range c.sortedStreams() {
		fs = append(fs,
			&frames.StreamMaxMoney{StreamID: s.id, ReceiveMax: s.receiveMax, TotalReceived: s.totalReceived},
			&frames.StreamMaxData{StreamID: s.id, MaxOffset: s.maxAcceptableOffset()})
		s.noteAdvertised()
	}
	return fs
}

// rejectWithPacketLocked rejects while still telling the peer, inside
// an encrypted inner packet, how much arrived and everything we had
// queued for it. Caller holds the mutex.
func (c *Connection) rejectWithPacketLocked(prepare *ilp.Prepare, seq uint64, extra []frames.Frame) []byte {
	fs := append(extra, c.responseFramesLocked()...)
	inner := &frames.Packet{
		Sequence:      seq,
		ILPType:       frames.ILPReject,
		PrepareAmount: prepare.Amount,
		Frames:        fs,
	}
	var data []byte
	if sealed, err := c.env.Seal(inner.Encode(), c.cfg.EnablePadding); err == nil {
		data = sealed
	}
	r := &ilp.Reject{
		Code:        ilp.CodeApplicationError,
		TriggeredBy: c.cfg.SourceAccount,
		Data:        data,
	}
	return r.Encode()
}

func (c *Connection) rejectBare(code, msg string) []byte {
	r := &ilp.Reject{Code: code, TriggeredBy: c.cfg.SourceAccount, Message: msg}
	return r.Encode()
}

// destroyInHandlerLocked terminates the connection from inside the
// inbound handler. The close rides inside this response instead of a
// separate packet.
func (c *Connection) destroyInHandlerLocked(err error, code frames.ErrorCode, prepare *ilp.Prepare, pkt *frames.Packet) []byte {
	c.log.Error("destroying connection", "err", err)
	resp := c.rejectWithPacketLocked(prepare, pkt.Sequence, []frames.Frame{
		&frames.ConnectionClose{ErrorCode: code, Message: err.Error()},
	})
	c.closed = true
	c.sentConnClose = true
	c.closeErr = err
	c.teardownStreamsLocked()
	c.pendingEvents = append(c.pendingEvents, ErrorEvent{Err: err}, CloseEvent{})
	c.shutdownAsync()
	return resp
}

// scheduleRemoteCloseLocked finishes a remote-initiated close after
// the current response is built.
func (c *Connection) scheduleRemoteCloseLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.sentConnClose = true
	c.teardownStreamsLocked()
	if c.closeErr != nil {
		c.pendingEvents = append(c.pendingEvents, ErrorEvent{Err: c.closeErr})
	} else {
		c.pendingEvents = append(c.pendingEvents, EndEvent{})
	}
	c.pendingEvents = append(c.pendingEvents, CloseEvent{})
	c.shutdownAsync()
}

// processResponseFrames applies the frames of an inner response
// packet. Responses never create streams; frames for unknown ids are
// dropped.
func (c *Connection) processResponseFrames(pkt *frames.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range pkt.Frames {
		switch f := f.(type) {
		case *frames.ConnectionAssetDetails:
			c.remoteAssetCode = f.SourceAssetCode
			c.remoteAssetScale = f.SourceAssetScale
		case *frames.ConnectionClose:
			c.remoteClosed = true
			if f.ErrorCode != frames.ErrNoError {
				c.closeErr = &RemoteCloseError{Code: f.ErrorCode, Message: f.Message}
			}
			c.scheduleRemoteCloseLocked()
		case *frames.ConnectionMaxData:
			c.updateRemoteConnMaxOffset(f.MaxOffset)
		case *frames.ConnectionMaxStreamID:
			if f.MaxStreamID > c.remoteMaxStreamID {
				c.remoteMaxStreamID = f.MaxStreamID
			}
		case *frames.StreamClose:
			if s := c.streams[f.StreamID]; s != nil {
				s.remoteSentEnd = true
				if f.ErrorCode != frames.ErrNoError && f.ErrorCode != 0 {
					s.errCode = f.ErrorCode
					s.errMsg = f.Message
				}
				s.signalRead()
			}
		case *frames.StreamMaxMoney:
			if s := c.streams[f.StreamID]; s != nil {
				s.remoteReceiveMax = f.ReceiveMax
				if f.TotalReceived > s.remoteReceived {
					s.remoteReceived = f.TotalReceived
				}
				c.wake()
			}
		case *frames.StreamMaxData:
			if s := c.streams[f.StreamID]; s != nil {
				s.remoteMaxOffset = f.MaxOffset
				c.wake()
			}
		}
	}
}
