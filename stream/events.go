// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	channels "gopkg.in/eapache/channels.v1"
)

// Event is a connection lifecycle notification. Events are delivered
// in order on an unbounded queue so that emitting never blocks the
// connection owner.
type Event interface {
	isEvent()
}

// ConnectEvent fires once, after the first successful path probe (or,
// on the responder, after the peer's address is learned).
type ConnectEvent struct{}

// StreamEvent announces a stream opened by the peer.
type StreamEvent struct {
	Stream *Stream
}

// EndEvent fires when a graceful end completes, before CloseEvent.
type EndEvent struct{}

// CloseEvent is the final event on any connection.
type CloseEvent struct{}

// ErrorEvent reports the fatal error a connection was destroyed with.
// It is emitted at most once, before CloseEvent.
type ErrorEvent struct {
	Err error
}

func (ConnectEvent) isEvent() {}
func (StreamEvent) isEvent()  {}
func (EndEvent) isEvent()     {}
func (CloseEvent) isEvent()   {}
func (ErrorEvent) isEvent()   {}

type eventQueue struct {
	ch  *channels.InfiniteChannel
	out chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		ch:  channels.NewInfiniteChannel(),
		out: make(chan Event),
	}
	go q.pump()
	return q
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for v := range q.ch.Out() {
		q.out <- v.(Event)
	}
}

func (q *eventQueue) emit(e Event) {
	defer func() {
		// The queue may already be shut; a late emission after close is
		// harmless.
		_ = recover()
	}()
	q.ch.In() <- e
}

func (q *eventQueue) shutdown() {
	q.ch.Close()
}
