// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"io"
	"math"

	"github.com/interledger/stream-go/core/frames"
)

// Stream is one bidirectional logical channel carrying both value and
// bytes, multiplexed over the connection. All state is guarded by the
// owning connection's mutex; the signal channels wake callers blocked
// in Read, Write and End.
type Stream struct {
	conn *Connection
	id   uint64

	open          bool
	endPending    bool
	sentEnd       bool
	remoteSentEnd bool
	errCode       frames.ErrorCode
	errMsg        string

	// value plane
	sendMax          uint64
	totalSent        uint64
	holds            map[uint64]uint64
	holdTotal        uint64
	receiveMax       uint64
	totalReceived    uint64
	remoteReceiveMax uint64
	remoteReceived   uint64

	// data plane
	outgoing        outgoingBuffer
	inflight        map[uint64][]*dataChunk
	remoteMaxOffset uint64
	incoming        incomingBuffer

	// last advertised ceilings, to detect when the peer needs a fresh
	// window update
	sentReceiveMax    uint64
	sentTotalReceived uint64
	sentMaxOffset     uint64

	onRead   chan struct{}
	onWrite  chan struct{}
	closedCh chan struct{}
}

func newStream(c *Connection, id uint64) *Stream {
	return &Stream{
		conn:     c,
		id:       id,
		open:     true,
		holds:    make(map[uint64]uint64),
		inflight: make(map[uint64][]*dataChunk),
		// Value and data are sent optimistically; the peer's
		// advertisements narrow these once known.
		remoteReceiveMax: unlimited,
		remoteMaxOffset:  c.cfg.ConnectionBufferSize,
		onRead:           make(chan struct{}, 1),
		onWrite:          make(chan struct{}, 1),
		closedCh:         make(chan struct{}),
	}
}

// ID returns the stream id.
func (s *Stream) ID() uint64 { return s.id }

// IsOpen reports whether the stream is still usable.
func (s *Stream) IsOpen() bool {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.open && !s.endPending
}

// SetSendMax raises the total amount the stream is allowed to send.
// A value at or below the current ceiling is ignored.
func (s *Stream) SetSendMax(v uint64) {
	s.conn.mu.Lock()
	if v > s.sendMax {
		s.sendMax = v
	}
	s.conn.mu.Unlock()
	s.conn.wake()
}

// SetReceiveMax raises the total amount the stream is willing to
// receive; the new ceiling is advertised with the next packet.
func (s *Stream) SetReceiveMax(v uint64) {
	s.conn.mu.Lock()
	if v > s.receiveMax {
		s.receiveMax = v
	}
	s.conn.mu.Unlock()
	s.conn.wake()
}

// SendMax returns the current send ceiling.
func (s *Stream) SendMax() uint64 {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.sendMax
}

// ReceiveMax returns the current receive ceiling.
func (s *Stream) ReceiveMax() uint64 {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.receiveMax
}

// TotalSent returns the value sent and fulfilled so far.
func (s *Stream) TotalSent() uint64 {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.totalSent
}

// TotalReceived returns the value received so far.
func (s *Stream) TotalReceived() uint64 {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.totalReceived
}

// Write queues bytes for transmission. It blocks while the outgoing
// buffer is at the connection's per-direction window.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		s.conn.mu.Lock()
		if !s.open || s.endPending || s.conn.closed {
			s.conn.mu.Unlock()
			return written, ErrClosed
		}
		if s.outgoing.buffered >= s.conn.cfg.ConnectionBufferSize {
			s.conn.mu.Unlock()
			select {
			case <-s.onWrite:
			case <-s.closedCh:
				return written, ErrClosed
			case <-s.conn.HaltCh():
				return written, ErrClosed
			}
			continue
		}
		room := s.conn.cfg.ConnectionBufferSize - s.outgoing.buffered
		chunk := p[written:]
		if uint64(len(chunk)) > room {
			chunk = chunk[:room]
		}
		s.outgoing.write(chunk)
		written += len(chunk)
		s.conn.mu.Unlock()
		s.conn.wake()
	}
	return written, nil
}

// Read delivers received bytes in offset order. It blocks until data
// is available and returns io.EOF once the remote has ended the
// stream and the buffer is drained.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		s.conn.mu.Lock()
		if s.incoming.readable() {
			n := s.incoming.read(p)
			s.conn.totalDataRead += uint64(n)
			s.conn.mu.Unlock()
			// The read freed window; let the peer know.
			s.conn.wake()
			return n, nil
		}
		if s.remoteSentEnd || !s.open {
			s.conn.mu.Unlock()
			return 0, io.EOF
		}
		if s.conn.closed {
			s.conn.mu.Unlock()
			return 0, ErrClosed
		}
		s.conn.mu.Unlock()
		select {
		case <-s.onRead:
		case <-s.closedCh:
		case <-s.conn.HaltCh():
			return 0, ErrClosed
		}
	}
}

// End closes the stream gracefully: queued data and value drain first,
// then a StreamClose(NoError) goes out. End blocks until the stream is
// fully closed.
func (s *Stream) End() error {
	s.conn.mu.Lock()
	if !s.open {
		s.conn.mu.Unlock()
		return nil
	}
	s.endPending = true
	// Cap the send ceiling at what is already committed so the drain
	// terminates.
	if s.sendMax > s.totalSent+s.holdTotal {
		s.sendMax = s.totalSent + s.holdTotal
	}
	s.conn.mu.Unlock()
	s.conn.wake()
	select {
	case <-s.closedCh:
		return nil
	case <-s.conn.HaltCh():
		return ErrClosed
	}
}

// CloseWithError ends the stream immediately with ApplicationError and
// the given message. Buffered outgoing data is discarded.
func (s *Stream) CloseWithError(msg string) {
	s.conn.mu.Lock()
	if !s.open {
		s.conn.mu.Unlock()
		return
	}
	s.errCode = frames.ErrApplicationError
	s.errMsg = msg
	s.endPending = true
	s.sendMax = s.totalSent + s.holdTotal
	s.outgoing.pending = nil
	s.outgoing.buffered = 0
	s.conn.mu.Unlock()
	s.conn.wake()
}

// Everything below runs under the connection mutex.

func (s *Stream) availableToSend() uint64 {
	used := s.totalSent + s.holdTotal
	if s.sendMax <= used {
		return 0
	}
	return s.sendMax - used
}

// canReceive is how much more value the stream accepts.
func (s *Stream) canReceive() uint64 {
	if s.receiveMax <= s.totalReceived {
		return 0
	}
	return s.receiveMax - s.totalReceived
}

func (s *Stream) holdOutgoing(seq, amount uint64) {
	if amount == 0 {
		return
	}
	s.holds[seq] = amount
	s.holdTotal += amount
}

func (s *Stream) executeHold(seq uint64) uint64 {
	amount, ok := s.holds[seq]
	if !ok {
		return 0
	}
	delete(s.holds, seq)
	s.holdTotal -= amount
	s.totalSent += amount
	return amount
}

func (s *Stream) cancelHold(seq uint64) uint64 {
	amount, ok := s.holds[seq]
	if !ok {
		return 0
	}
	delete(s.holds, seq)
	s.holdTotal -= amount
	return amount
}

func (s *Stream) holdData(seq uint64, data []byte, offset uint64) {
	s.inflight[seq] = append(s.inflight[seq], &dataChunk{offset: offset, data: data})
}

func (s *Stream) executeData(seq uint64) {
	delete(s.inflight, seq)
}

// cancelData requeues in-flight chunks of a rejected packet and
// returns how many bytes went back to the queue.
func (s *Stream) cancelData(seq uint64) uint64 {
	var n uint64
	for _, c := range s.inflight[seq] {
		s.outgoing.reinsert(c.data, c.offset)
		n += uint64(len(c.data))
	}
	delete(s.inflight, seq)
	return n
}

// maxAcceptableOffset is the incoming byte ceiling advertised for this
// stream.
func (s *Stream) maxAcceptableOffset() uint64 {
	return s.incoming.readOffset - s.incoming.buffered + s.conn.cfg.ConnectionBufferSize
}

// advertsStale reports whether the peer's view of our ceilings is out
// of date.
func (s *Stream) advertsStale() bool {
	return s.receiveMax != s.sentReceiveMax ||
		s.totalReceived != s.sentTotalReceived ||
		s.maxAcceptableOffset() != s.sentMaxOffset
}

// noteAdvertised records what the peer was just told.
func (s *Stream) noteAdvertised() {
	s.sentReceiveMax = s.receiveMax
	s.sentTotalReceived = s.totalReceived
	s.sentMaxOffset = s.maxAcceptableOffset()
}

// wantsToSend reports whether the stream has value or data queued, or
// a pending close to deliver.
func (s *Stream) wantsToSend() bool {
	if s.availableToSend() > 0 && s.remoteMoneyWindow() > 0 {
		return true
	}
	if s.outgoing.buffered > 0 {
		return true
	}
	return s.endPending && !s.sentEnd
}

// remoteMoneyWindow is how much more the remote says this stream may
// receive, in destination units.
func (s *Stream) remoteMoneyWindow() uint64 {
	if s.remoteReceiveMax <= s.remoteReceived {
		return 0
	}
	return s.remoteReceiveMax - s.remoteReceived
}

// drained reports whether nothing remains queued or in flight.
func (s *Stream) drained() bool {
	return s.holdTotal == 0 && s.outgoing.buffered == 0 && len(s.inflight) == 0 &&
		s.availableToSend() == 0
}

func (s *Stream) signalRead() {
	select {
	case s.onRead <- struct{}{}:
	default:
	}
}

func (s *Stream) signalWrite() {
	select {
	case s.onWrite <- struct{}{}:
	default:
	}
}

const unlimited = math.MaxUint64
