// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/interledger/stream-go/ilp"
)

// testNet emulates the relay path between two endpoints: it applies a
// fixed exchange rate to every packet amount and enforces an optional
// maximum delivered amount with F08 rejects.
type testNet struct {
	rateNum      uint64
	rateDen      uint64
	maxDelivered uint64
}

type testPlugin struct {
	net   *testNet
	peer  *Connection
	sends int64
}

func (p *testPlugin) SendData(ctx context.Context, data []byte) ([]byte, error) {
	atomic.AddInt64(&p.sends, 1)
	decoded, err := ilp.Decode(data)
	if err != nil {
		return nil, err
	}
	prepare := decoded.(*ilp.Prepare)
	delivered := mulDivFloor(prepare.Amount, p.net.rateNum, p.net.rateDen)
	if p.net.maxDelivered > 0 && delivered > p.net.maxDelivered {
		rej := &ilp.Reject{
			Code: ilp.CodeAmountTooLarge,
			Data: (&ilp.AmountTooLargeData{
				ReceivedAmount: delivered,
				MaximumAmount:  p.net.maxDelivered,
			}).Encode(),
		}
		return rej.Encode(), nil
	}
	prepare.Amount = delivered
	return p.peer.HandleData(prepare.Encode()), nil
}

func (p *testPlugin) sendCount() int64 {
	return atomic.LoadInt64(&p.sends)
}

func newTestPair(t *testing.T, net *testNet) (client, server *Connection, clientPlugin, serverPlugin *testPlugin) {
	t.Helper()
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	clientPlugin = &testPlugin{net: net}
	serverPlugin = &testPlugin{net: net}

	server, err = NewConnection(Config{
		Plugin:        serverPlugin,
		SharedSecret:  secret,
		IsServer:      true,
		SourceAccount: "test.server",
		AssetCode:     "XRP",
		AssetScale:    9,
		IdleTimeout:   -1,
	})
	require.NoError(t, err)
	client, err = NewConnection(Config{
		Plugin:             clientPlugin,
		SharedSecret:       secret,
		SourceAccount:      "test.client",
		DestinationAccount: "test.server",
		AssetCode:          "USD",
		AssetScale:         6,
		IdleTimeout:        -1,
	})
	require.NoError(t, err)
	clientPlugin.peer = server
	serverPlugin.peer = client

	t.Cleanup(func() {
		client.Destroy(nil)
		server.Destroy(nil)
	})
	return client, server, clientPlugin, serverPlugin
}

// acceptMoney drains server events, granting every incoming stream the
// given receive ceiling, and delivers each such stream on the returned
// channel.
func acceptMoney(t *testing.T, server *Connection, receiveMax uint64) <-chan *Stream {
	t.Helper()
	ch := make(chan *Stream, 16)
	go func() {
		for ev := range server.Events() {
			if se, ok := ev.(StreamEvent); ok {
				se.Stream.SetReceiveMax(receiveMax)
				ch <- se.Stream
			}
		}
	}()
	return ch
}

func connectCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectMeasuresExchangeRate(t *testing.T) {
	client, _, _, _ := newTestPair(t, &testNet{rateNum: 2, rateDen: 1})

	require.NoError(t, client.Connect(connectCtx(t)))
	require.NotNil(t, client.ExchangeRate())
	require.Zero(t, client.ExchangeRate().Cmp(big.NewRat(2, 1)))

	ev := <-client.Events()
	require.IsType(t, ConnectEvent{}, ev)
}

func TestProbeDiscoversMaxPacketAmount(t *testing.T) {
	client, _, _, _ := newTestPair(t, &testNet{rateNum: 3, rateDen: 2, maxDelivered: 1000})

	require.NoError(t, client.Connect(connectCtx(t)))
	// 1000 delivered ceiling at a 3/2 rate caps the source amount at
	// 1000*2/3 of any tried amount; the largest surviving amount the
	// prober derives is 666.
	require.Equal(t, uint64(666), client.MaxPacketAmount())
	require.NotNil(t, client.ExchangeRate())
}

func TestMoneyRoundTrip(t *testing.T) {
	client, server, _, _ := newTestPair(t, &testNet{rateNum: 1, rateDen: 1})
	streams := acceptMoney(t, server, 1_000_000)

	require.NoError(t, client.Connect(connectCtx(t)))
	s, err := client.OpenStream()
	require.NoError(t, err)
	s.SetSendMax(100_000)

	require.Eventually(t, func() bool {
		return s.TotalSent() == 100_000
	}, 10*time.Second, 10*time.Millisecond)

	remote := <-streams
	require.Eventually(t, func() bool {
		return remote.TotalReceived() == 100_000
	}, 10*time.Second, 10*time.Millisecond)

	require.Zero(t, client.TotalSent().Cmp(big.NewInt(100_000)))
	require.Zero(t, client.TotalDelivered().Cmp(big.NewInt(100_000)))
	require.Zero(t, server.TotalReceived().Cmp(big.NewInt(100_000)))
}

func TestReceiveWindowRefused(t *testing.T) {
	client, server, _, _ := newTestPair(t, &testNet{rateNum: 1, rateDen: 1})
	streams := acceptMoney(t, server, 100)

	require.NoError(t, client.Connect(connectCtx(t)))
	s, err := client.OpenStream()
	require.NoError(t, err)
	s.SetSendMax(150)

	require.Eventually(t, func() bool {
		return s.TotalSent() == 100
	}, 10*time.Second, 10*time.Millisecond)
	remote := <-streams
	require.Eventually(t, func() bool {
		return remote.TotalReceived() == 100
	}, 10*time.Second, 10*time.Millisecond)

	// The remaining 50 stays blocked behind the receive ceiling; the
	// stream never exceeds receive max.
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, uint64(100), s.TotalSent())
	require.Equal(t, uint64(100), remote.TotalReceived())
}

func TestDataRoundTrip(t *testing.T) {
	client, server, _, _ := newTestPair(t, &testNet{rateNum: 1, rateDen: 1})
	streams := acceptMoney(t, server, 0)

	require.NoError(t, client.Connect(connectCtx(t)))
	s, err := client.OpenStream()
	require.NoError(t, err)

	payload := make([]byte, 100_000)
	_, err = rand.Read(payload)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, werr := s.Write(payload)
		require.NoError(t, werr)
		require.Equal(t, len(payload), n)
		require.NoError(t, s.End())
	}()

	remote := <-streams
	got, err := io.ReadAll(remote)
	require.NoError(t, err)
	wg.Wait()
	require.True(t, bytes.Equal(payload, got))
}

func TestGracefulClose(t *testing.T) {
	client, server, _, _ := newTestPair(t, &testNet{rateNum: 1, rateDen: 1})
	streams := acceptMoney(t, server, 1_000)

	require.NoError(t, client.Connect(connectCtx(t)))
	s, err := client.OpenStream()
	require.NoError(t, err)
	s.SetSendMax(1_000)

	require.Eventually(t, func() bool {
		return s.TotalSent() == 1_000
	}, 10*time.Second, 10*time.Millisecond)
	<-streams

	require.NoError(t, client.End(connectCtx(t)))

	// The connection emits end then close and the event channel ends.
	var got []Event
	for ev := range client.Events() {
		got = append(got, ev)
	}
	require.NotEmpty(t, got)
	require.IsType(t, CloseEvent{}, got[len(got)-1])
	require.IsType(t, EndEvent{}, got[len(got)-2])

	// The server saw the close too.
	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return server.closed
	}, 10*time.Second, 10*time.Millisecond)
}

func TestIdleTimeoutDestroys(t *testing.T) {
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	serverPlugin := &testPlugin{net: &testNet{rateNum: 1, rateDen: 1}}
	server, err := NewConnection(Config{
		Plugin:        serverPlugin,
		SharedSecret:  secret,
		IsServer:      true,
		SourceAccount: "test.server",
		IdleTimeout:   -1,
	})
	require.NoError(t, err)
	defer server.Destroy(nil)

	clientPlugin := &testPlugin{net: &testNet{rateNum: 1, rateDen: 1}, peer: server}
	serverPlugin.peer = nil
	client, err := NewConnection(Config{
		Plugin:             clientPlugin,
		SharedSecret:       secret,
		SourceAccount:      "test.client",
		DestinationAccount: "test.server",
		IdleTimeout:        150 * time.Millisecond,
	})
	require.NoError(t, err)

	var errorEvents, closeEvents int
	var lastErr error
	for ev := range client.Events() {
		switch ev := ev.(type) {
		case ErrorEvent:
			errorEvents++
			lastErr = ev.Err
		case CloseEvent:
			closeEvents++
		}
	}
	require.Equal(t, 1, errorEvents)
	require.Equal(t, 1, closeEvents)
	require.ErrorIs(t, lastErr, ErrIdleTimeout)
	require.Equal(t, "Connection timed out due to inactivity", lastErr.Error())
}

func TestOpenStreamRespectsRemoteLimit(t *testing.T) {
	client, _, _, _ := newTestPair(t, &testNet{rateNum: 1, rateDen: 1})

	// Default remote ceiling is 2*10; local ids are odd starting at 1,
	// so ids 1..19 fit and the 11th attempt is refused.
	for i := 0; i < 10; i++ {
		_, err := client.OpenStream()
		require.NoError(t, err)
	}
	_, err := client.OpenStream()
	require.ErrorIs(t, err, ErrStreamIDBlocked)
}

func TestDestroySendsAtMostOneClose(t *testing.T) {
	client, server, clientPlugin, _ := newTestPair(t, &testNet{rateNum: 1, rateDen: 1})
	_ = server

	require.NoError(t, client.Connect(connectCtx(t)))
	before := clientPlugin.sendCount()
	client.Destroy(nil)

	require.Eventually(t, func() bool {
		return clientPlugin.sendCount() == before+1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, before+1, clientPlugin.sendCount())

	// Destroy after destroy is a no-op.
	client.Destroy(nil)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, before+1, clientPlugin.sendCount())
}

func TestTicketRoundTrip(t *testing.T) {
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	tk := &Ticket{Destination: "test.server.abc", Secret: secret, ConnectionTag: "order-17"}
	blob, err := tk.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalTicket(blob)
	require.NoError(t, err)
	require.Equal(t, tk, got)

	_, err = UnmarshalTicket([]byte{0x01, 0x02})
	require.Error(t, err)
}
