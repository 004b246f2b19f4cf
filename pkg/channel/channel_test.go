package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/omerta-mesh/core/pkg/identity"
)

// loopbackSender wires two Multiplexers directly together for tests,
// standing in for the real transport's path-selection logic.
type loopbackSender struct {
	mu   sync.Mutex
	peer map[identity.PeerID]*Multiplexer
}

func newLoopback() *loopbackSender {
	return &loopbackSender{peer: make(map[identity.PeerID]*Multiplexer)}
}

func (l *loopbackSender) register(m *Multiplexer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peer[m.PeerID()] = m
}

func (l *loopbackSender) SendChannelData(ctx context.Context, peer identity.PeerID, channelName string, data []byte) error {
	l.mu.Lock()
	target, ok := l.peer[peer]
	// Tests register at most two multiplexers, so the sender is the
	// registered peer that is not the target.
	var from identity.PeerID
	for id := range l.peer {
		if id != peer {
			from = id
		}
	}
	l.mu.Unlock()
	if !ok {
		return ErrPeerUnreachable
	}
	target.Dispatch(from, channelName, data)
	return nil
}

func TestMultiplexerDispatch(t *testing.T) {
	lo := newLoopback()
	a := New("a", lo)
	b := New("b", lo)
	lo.register(a)
	lo.register(b)

	received := make(chan []byte, 1)
	b.OnChannel("app/echo", func(from identity.PeerID, channelName string, data []byte) {
		received <- data
	})

	if err := a.SendOnChannel(context.Background(), "b", "app/echo", []byte("hello")); err != nil {
		t.Fatalf("SendOnChannel: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Fatalf("received %q, want hello", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestSendOnChannelRejectsReservedName(t *testing.T) {
	lo := newLoopback()
	a := New("a", lo)
	if err := a.SendOnChannel(context.Background(), "b", "mesh-ping", []byte("x")); !errors.Is(err, ErrChannelNameReserved) {
		t.Fatalf("err = %v, want ErrChannelNameReserved", err)
	}
}

func TestOnChannelUnsubscribe(t *testing.T) {
	lo := newLoopback()
	a := New("a", lo)
	b := New("b", lo)
	lo.register(a)
	lo.register(b)

	calls := 0
	unsub := b.OnChannel("app/echo", func(identity.PeerID, string, []byte) { calls++ })
	unsub()

	_ = a.SendOnChannel(context.Background(), "b", "app/echo", []byte("x"))
	time.Sleep(10 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 after unsubscribe", calls)
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	lo := newLoopback()
	a := New("a", lo)
	b := New("b", lo)
	lo.register(a)
	lo.register(b)

	NewResponder(b, "app/rpc", func(from identity.PeerID, body []byte) ([]byte, error) {
		return append([]byte("echo:"), body...), nil
	})

	client := NewRequestClient(a, "app/rpc")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := client.Request(ctx, "b", []byte("hi"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp) != "echo:hi" {
		t.Fatalf("resp = %q, want echo:hi", resp)
	}
}

func TestRequestFailsWhenUnreachable(t *testing.T) {
	lo := newLoopback()
	a := New("a", lo)
	lo.register(a)

	client := NewRequestClient(a, "app/rpc")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := client.Request(ctx, "nowhere", []byte("hi")); err == nil {
		t.Fatalf("expected error sending to unreachable peer")
	}
}
