// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package stream implements the connection core of the STREAM
// payment/data protocol: many logical bidirectional streams, each
// carrying value and bytes, multiplexed over one shared secret and a
// hop-by-hop conditional-transfer transport.
package stream

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/interledger/stream-go/core/crypto/envelope"
	"github.com/interledger/stream-go/core/frames"
	"github.com/interledger/stream-go/core/worker"
	"github.com/interledger/stream-go/ilp"
)

// Connection multiplexes streams over one shared secret. All internal
// state is owned by one mutex, held for each inbound handling and for
// each send loop step between transport calls (it is released while a
// packet is in flight); the send loop and the inbound handler never
// mutate concurrently.
type Connection struct {
	worker.Worker

	mu  sync.Mutex
	cfg Config
	log *log.Logger
	env *envelope.Envelope

	destination           string
	remoteKnowsOurAddress bool
	sentAssetDetails      bool
	remoteAssetCode       string
	remoteAssetScale      uint8

	nextSequence      uint64
	nextStreamID      uint64
	maxStreamID       uint64
	remoteMaxStreamID uint64

	exchangeRate        *big.Rat
	lastPacketRate      *big.Rat
	maxPacketAmount     uint64
	testMaxPacketAmount uint64

	totalSent      *big.Int
	totalDelivered *big.Int
	totalReceived  *big.Int

	queuedFrames []frames.Frame

	connected     bool
	closed        bool
	remoteClosed  bool
	sentConnClose bool
	sending       bool
	closeCode     frames.ErrorCode
	closeMessage  string
	closeErr      error

	streams       map[uint64]*Stream
	closedStreams map[uint64]struct{}

	totalDataSent       uint64
	totalDataRead       uint64
	remoteConnMaxOffset uint64
	sentConnMaxData     uint64

	retryDelay time.Duration
	lastActive time.Time
	clock      func() time.Time

	wakeCh      chan struct{}
	stateCh     chan struct{}
	connectedCh chan struct{}
	connectOnce sync.Once
	shutOnce    sync.Once

	events        *eventQueue
	pendingEvents []Event
}

// NewConnection sets up a connection and starts its workers. The
// initiator should follow up with Connect; the responder simply
// handles inbound packets.
func NewConnection(cfg Config) (*Connection, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	env, err := envelope.New(cfg.SharedSecret)
	if err != nil {
		return nil, err
	}
	role := "client"
	first := uint64(1)
	if cfg.IsServer {
		role = "server"
		first = 2
	}
	c := &Connection{
		cfg:                 cfg,
		log:                 cfg.Logger.WithPrefix(role),
		env:                 env,
		destination:         cfg.DestinationAccount,
		nextSequence:        1,
		nextStreamID:        first,
		maxStreamID:         2 * cfg.MaxRemoteStreams,
		remoteMaxStreamID:   2 * cfg.MaxRemoteStreams,
		maxPacketAmount:     unlimited,
		testMaxPacketAmount: unlimited,
		totalSent:           new(big.Int),
		totalDelivered:      new(big.Int),
		totalReceived:       new(big.Int),
		streams:             make(map[uint64]*Stream),
		closedStreams:       make(map[uint64]struct{}),
		remoteConnMaxOffset: cfg.ConnectionBufferSize,
		retryDelay:          initialRetryDelay,
		clock:               time.Now,
		wakeCh:              make(chan struct{}, 1),
		stateCh:             make(chan struct{}, 1),
		connectedCh:         make(chan struct{}),
		events:              newEventQueue(),
	}
	c.lastActive = c.clock()
	c.Go(c.sendWorker)
	c.Go(c.idleWorker)
	return c, nil
}

// Events returns the connection's lifecycle event channel. It is
// closed after CloseEvent.
func (c *Connection) Events() <-chan Event {
	return c.events.out
}

// Connect drives the connection until the path is measured and usable
// (or, on the responder, until the peer announces itself).
func (c *Connection) Connect(ctx context.Context) error {
	c.wake()
	select {
	case <-c.connectedCh:
		return nil
	case <-c.HaltCh():
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End closes the connection gracefully: every stream drains its
// queued value and data, then a ConnectionClose(NoError) goes out.
func (c *Connection) End(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	for _, s := range c.streams {
		if !s.endPending {
			s.endPending = true
			if s.sendMax > s.totalSent+s.holdTotal {
				s.sendMax = s.totalSent + s.holdTotal
			}
		}
	}
	c.mu.Unlock()
	c.wake()

	if err := c.waitState(ctx, func() bool {
		return len(c.streams) == 0 && !c.sending
	}); err != nil {
		return err
	}

	c.mu.Lock()
	alreadyClosed := c.closed
	if !alreadyClosed {
		c.closed = true
		c.closeCode = frames.ErrNoError
	}
	c.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	c.wake()
	if err := c.waitState(ctx, func() bool {
		return c.sentConnClose && !c.sending
	}); err != nil {
		return err
	}
	c.emit(EndEvent{}, CloseEvent{})
	c.shutdownAsync()
	return nil
}

// Destroy tears the connection down immediately. At most one
// ConnectionClose goes out; Destroy never fails.
func (c *Connection) Destroy(err error) {
	code := frames.ErrNoError
	if err != nil {
		code = frames.ErrInternalError
	}
	c.destroy(err, code)
}

func (c *Connection) destroy(err error, code frames.ErrorCode) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	var closePacket []byte
	var condition [32]byte
	if !c.remoteClosed && !c.sentConnClose {
		c.sentConnClose = true
		seq := c.nextSequence
		c.nextSequence++
		pkt := &frames.Packet{
			Sequence: seq,
			ILPType:  frames.ILPPrepare,
			Frames: []frames.Frame{
				&frames.ConnectionClose{ErrorCode: code, Message: msg},
			},
		}
		if sealed, serr := c.env.Seal(pkt.Encode(), c.cfg.EnablePadding); serr == nil {
			condition = envelope.Condition(c.env.Fulfillment(sealed))
			prepare := &ilp.Prepare{
				ExecutionCondition: condition,
				ExpiresAt:          c.clock().Add(packetExpiry),
				Destination:        c.destination,
				Data:               sealed,
			}
			if c.destination != "" {
				closePacket = prepare.Encode()
			}
		}
	}
	c.teardownStreamsLocked()
	if err != nil {
		c.pendingEvents = append(c.pendingEvents, ErrorEvent{Err: err})
	}
	c.pendingEvents = append(c.pendingEvents, CloseEvent{})
	c.mu.Unlock()

	if closePacket != nil {
		ctx, cancel := context.WithTimeout(context.Background(), packetExpiry)
		if _, serr := c.cfg.Plugin.SendData(ctx, closePacket); serr != nil {
			c.log.Debug("close packet was not delivered", "err", serr)
		}
		cancel()
	}
	if err != nil {
		c.log.Error("connection destroyed", "err", err)
	}
	c.flushEvents()
	c.shutdownAsync()
}

// teardownStreamsLocked force-closes every stream. Caller holds the
// mutex.
func (c *Connection) teardownStreamsLocked() {
	for _, s := range c.sortedStreams() {
		for seq := range s.holds {
			s.cancelHold(seq)
		}
		s.sentEnd = true
		c.removeStream(s)
	}
	c.signalState()
}

// idleWorker destroys the connection once nothing has moved for the
// configured idle timeout.
func (c *Connection) idleWorker() {
	if c.cfg.IdleTimeout == 0 {
		return
	}
	timer := time.NewTimer(c.cfg.IdleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-c.HaltCh():
			return
		case <-timer.C:
		}
		c.mu.Lock()
		idle := c.clock().Sub(c.lastActive)
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if idle >= c.cfg.IdleTimeout {
			c.destroy(ErrIdleTimeout, frames.ErrNoError)
			return
		}
		timer.Reset(c.cfg.IdleTimeout - idle)
	}
}

// markActive pushes the idle deadline out.
func (c *Connection) markActive() {
	c.mu.Lock()
	c.lastActive = c.clock()
	c.mu.Unlock()
}

func (c *Connection) markConnectedLocked() {
	if !c.connected {
		c.connected = true
		c.pendingEvents = append(c.pendingEvents, ConnectEvent{})
	}
	c.connectOnce.Do(func() { close(c.connectedCh) })
}

func (c *Connection) markConnected() {
	c.mu.Lock()
	c.markConnectedLocked()
	c.mu.Unlock()
	c.flushEvents()
}

// signalState pokes anyone in waitState. Idempotent, non-blocking.
func (c *Connection) signalState() {
	select {
	case c.stateCh <- struct{}{}:
	default:
	}
}

// waitState blocks until cond holds. The send loop is re-prodded each
// round so progress does not depend on an outstanding wake.
func (c *Connection) waitState(ctx context.Context, cond func() bool) error {
	for {
		c.mu.Lock()
		ok := cond()
		c.mu.Unlock()
		if ok {
			return nil
		}
		c.wake()
		select {
		case <-c.stateCh:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.HaltCh():
			return ErrClosed
		}
	}
}

func (c *Connection) emit(evs ...Event) {
	for _, e := range evs {
		c.events.emit(e)
	}
}

// flushEvents delivers events queued under the mutex.
func (c *Connection) flushEvents() {
	c.mu.Lock()
	pending := c.pendingEvents
	c.pendingEvents = nil
	c.mu.Unlock()
	for _, e := range pending {
		c.events.emit(e)
	}
}

// shutdownAsync halts the workers and closes the event queue without
// blocking the caller (which may itself be a worker).
func (c *Connection) shutdownAsync() {
	c.shutOnce.Do(func() {
		go func() {
			c.Halt()
			c.flushEvents()
			c.events.shutdown()
		}()
	})
}

// Accessors.

// TotalSent is the source amount sent and fulfilled on this
// connection.
func (c *Connection) TotalSent() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.totalSent)
}

// TotalDelivered is the destination amount the remote reported
// receiving.
func (c *Connection) TotalDelivered() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.totalDelivered)
}

// TotalReceived is the amount credited to local streams.
func (c *Connection) TotalReceived() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.totalReceived)
}

// ExchangeRate returns the measured path rate, or nil before the
// first successful probe.
func (c *Connection) ExchangeRate() *big.Rat {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exchangeRate == nil {
		return nil
	}
	return new(big.Rat).Set(c.exchangeRate)
}

// LastPacketExchangeRate is the delivered/sent ratio of the most
// recent fulfilled packet that carried value; until such a packet, it
// is the rate the path probe measured.
func (c *Connection) LastPacketExchangeRate() *big.Rat {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastPacketRate == nil {
		return nil
	}
	return new(big.Rat).Set(c.lastPacketRate)
}

// MaxPacketAmount is the discovered path packet ceiling.
func (c *Connection) MaxPacketAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxPacketAmount
}

// RemoteAssetDetails returns the peer's asset code and scale, if it
// announced them.
func (c *Connection) RemoteAssetDetails() (string, uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAssetCode, c.remoteAssetScale, c.remoteAssetCode != ""
}

// DestinationAccount returns the remote address currently in use.
func (c *Connection) DestinationAccount() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destination
}

// ConnectionTag returns the opaque tag the server assigned, if any.
func (c *Connection) ConnectionTag() string {
	return c.cfg.ConnectionTag
}
