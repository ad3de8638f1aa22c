// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"sort"

	"github.com/interledger/stream-go/core/frames"
)

// Stream id bookkeeping. The responder originates even ids, the
// initiator odd ones; ids increment by two per side and are never
// reused. All methods run under the connection mutex.

// OpenStream creates a locally originated stream. It fails with
// ErrStreamIDBlocked once the remote's stream id ceiling is reached,
// queuing a ConnectionStreamIdBlocked frame for the peer.
func (c *Connection) OpenStream() (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.nextStreamID > c.remoteMaxStreamID {
		c.queueFrame(&frames.ConnectionStreamIDBlocked{MaxStreamID: c.remoteMaxStreamID})
		return nil, ErrStreamIDBlocked
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	s := newStream(c, id)
	c.streams[id] = s
	c.log.Debug("opened local stream", "id", id)
	c.wake()
	return s, nil
}

// acceptRemote returns the stream for a remotely originated id,
// creating it on first sight. A parity mismatch or an id above our
// ceiling is a connection-fatal protocol error.
func (c *Connection) acceptRemote(id uint64) (*Stream, error) {
	if s, ok := c.streams[id]; ok {
		return s, nil
	}
	if _, closed := c.closedStreams[id]; closed {
		return nil, nil
	}
	// Our parity belongs to us; remote-originated ids have the other.
	if id%2 == c.nextStreamID%2 {
		return nil, newConnectionError(frames.ErrProtocolViolation,
			"peer opened stream %d with our id parity", id)
	}
	if id > c.maxStreamID {
		return nil, newConnectionError(frames.ErrStreamIDError,
			"peer opened stream %d above limit %d", id, c.maxStreamID)
	}
	s := newStream(c, id)
	c.streams[id] = s
	if id >= c.maxStreamID-c.maxStreamID/4 {
		c.queueFrame(&frames.ConnectionMaxStreamID{MaxStreamID: c.maxStreamID})
	}
	c.log.Debug("accepted remote stream", "id", id)
	c.pendingEvents = append(c.pendingEvents, StreamEvent{Stream: s})
	return s, nil
}

// removeStream retires a fully closed stream. If we never told the
// remote, a StreamClose goes out with the next packet.
func (c *Connection) removeStream(s *Stream) {
	if _, ok := c.streams[s.id]; !ok {
		return
	}
	if !s.sentEnd {
		code := frames.ErrNoError
		msg := ""
		if s.errCode != 0 {
			code = s.errCode
			msg = s.errMsg
		}
		c.queueFrame(&frames.StreamClose{StreamID: s.id, ErrorCode: code, Message: msg})
		s.sentEnd = true
	}
	delete(c.streams, s.id)
	c.closedStreams[s.id] = struct{}{}
	s.open = false
	// A retired remote-originated slot frees headroom for another.
	if s.id%2 != c.nextStreamID%2 {
		c.maxStreamID += 2
		c.queueFrame(&frames.ConnectionMaxStreamID{MaxStreamID: c.maxStreamID})
	}
	close(s.closedCh)
	c.log.Debug("removed stream", "id", s.id)
}

// sortedStreams returns the open streams in id order.
func (c *Connection) sortedStreams() []*Stream {
	out := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (c *Connection) queueFrame(f frames.Frame) {
	c.queuedFrames = append(c.queuedFrames, f)
}
