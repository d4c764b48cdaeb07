package socket

import (
	"context"
	"testing"
	"time"

	"tcpbridge/pkg/bridge"
	"tcpbridge/pkg/bridge/bridgetest"
	"tcpbridge/pkg/clock"
)

const testTimeout = 5 * time.Second

// requireReceive waits for a value on ch or fails the test.
func requireReceive[T any](t *testing.T, ch <-chan T, msg string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting: %s", msg)
		var zero T
		return zero
	}
}

// requireNothing fails if ch yields a value within a short window.
func requireNothing[T any](t *testing.T, ch <-chan T, msg string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %v: %s", v, msg)
	case <-time.After(30 * time.Millisecond):
	}
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

type fixture struct {
	transport *bridgetest.Transport
	clock     *clock.FakeClock
	net       *Network
}

func newFixture() *fixture {
	tr := bridgetest.New()
	fake := clock.Fake(time.Unix(0, 0))
	return &fixture{
		transport: tr,
		clock:     fake,
		net:       NewNetwork(tr, Options{Clock: fake, HighWaterMark: 64}),
	}
}

// connected returns a socket that the transport has confirmed.
func (f *fixture) connected(t *testing.T) *Socket {
	t.Helper()
	s := f.net.NewSocket()
	up := make(chan struct{}, 1)
	s.OnConnect(func() { up <- struct{}{} })
	if err := s.Connect(ConnectOptions{Host: "127.0.0.1", Port: 80}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.transport.Emit(bridge.ConnectEvent{ID: s.ID(), Address: bridge.Address{IP: "127.0.0.1", Family: bridge.FamilyIPv4, Port: 80}})
	requireReceive(t, up, "connect notification")
	return s
}

func closeRecorder(s *Socket) <-chan bool {
	ch := make(chan bool, 4)
	s.OnClose(func(hadError bool) { ch <- hadError })
	return ch
}
