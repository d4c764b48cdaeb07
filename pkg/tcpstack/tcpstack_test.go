package tcpstack

import (
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tcpbridge/pkg/bridge"
)

const waitFor = 5 * time.Second

type collector struct {
	events chan bridge.Event
}

func newStack(t *testing.T, cfg Config) (*TCPStack, *collector) {
	t.Helper()
	c := &collector{events: make(chan bridge.Event, 1024)}
	stack := New(cfg)
	stack.Subscribe(func(ev bridge.Event) { c.events <- ev })
	t.Cleanup(func() { stack.Close() })
	return stack, c
}

func (c *collector) next(t *testing.T) bridge.Event {
	t.Helper()
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// nextFor skips events for other ids.
func (c *collector) nextFor(t *testing.T, id bridge.ID) bridge.Event {
	t.Helper()
	for {
		ev := c.next(t)
		if ev.SocketID() == id {
			return ev
		}
	}
}

func (c *collector) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-c.events:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(d):
	}
}

// readData accumulates data events for id until n bytes arrived.
func (c *collector) readData(t *testing.T, id bridge.ID, n int) []byte {
	t.Helper()
	var out []byte
	for len(out) < n {
		ev := c.nextFor(t, id)
		data, ok := ev.(bridge.DataEvent)
		require.True(t, ok, "expected data, got %#v", ev)
		b, err := bridge.DecodePayload(data.Data)
		require.NoError(t, err)
		out = append(out, b...)
	}
	return out
}

func echoServer(t *testing.T) (port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestConnectWriteEndAgainstEchoServer(t *testing.T) {
	stack, events := newStack(t, Config{})
	port := echoServer(t)

	stack.Connect(1, "127.0.0.1", port, bridge.ConnectOptions{})
	// queued while dialing
	w := stack.Write(1, bridge.EncodePayload([]byte("hello")))

	ev := events.nextFor(t, 1)
	connect, ok := ev.(bridge.ConnectEvent)
	require.True(t, ok, "got %#v", ev)
	assert.Equal(t, port, connect.Address.Port)
	assert.Equal(t, bridge.FamilyIPv4, connect.Address.Family)

	select {
	case <-w.Done():
		require.NoError(t, w.Err())
	case <-time.After(waitFor):
		t.Fatal("write not completed")
	}
	assert.Equal(t, "hello", string(events.readData(t, 1, 5)))

	stack.End(1)
	ev = events.nextFor(t, 1)
	assert.Equal(t, bridge.CloseEvent{ID: 1, HadError: false}, ev)

	conns, _ := stack.Stats()
	assert.Equal(t, 0, conns)
}

func TestConnectRefusedReportsErrorThenClose(t *testing.T) {
	stack, events := newStack(t, Config{})
	stack.Connect(3, "127.0.0.1", freePort(t), bridge.ConnectOptions{})

	ev := events.nextFor(t, 3)
	_, isErr := ev.(bridge.ErrorEvent)
	require.True(t, isErr, "got %#v", ev)
	assert.Equal(t, bridge.CloseEvent{ID: 3, HadError: true}, events.nextFor(t, 3))
}

func TestListenAcceptsWithDisjointIDs(t *testing.T) {
	stack, events := newStack(t, Config{AcceptedIDBase: 5000})
	stack.Listen(7, "127.0.0.1", 0, bridge.ListenOptions{})

	ev := events.nextFor(t, 7)
	listening, ok := ev.(bridge.ListeningEvent)
	require.True(t, ok, "got %#v", ev)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(listening.Address.Port))

	var clients []net.Conn
	for i := 0; i < 2; i++ {
		c, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		clients = append(clients, c)
		defer c.Close()

		ev := events.nextFor(t, 7)
		conn, ok := ev.(bridge.ConnectionEvent)
		require.True(t, ok, "got %#v", ev)
		assert.Equal(t, bridge.ID(5000+i), conn.Info.ID)
		assert.Equal(t, c.LocalAddr().(*net.TCPAddr).Port, conn.Info.Address.Port)
	}

	_, err := clients[1].Write([]byte("from second"))
	require.NoError(t, err)
	assert.Equal(t, "from second", string(events.readData(t, 5001, 11)))

	// a write from the native side reaches the client
	w := stack.Write(5000, bridge.EncodePayload([]byte("hi")))
	buf := make([]byte, 2)
	_, err = io.ReadFull(clients[0], buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
	<-w.Done()
	assert.NoError(t, w.Err())

	clients[0].Close()
	assert.Equal(t, bridge.CloseEvent{ID: 5000}, events.nextFor(t, 5000))

	stack.End(7)
	assert.Equal(t, bridge.CloseEvent{ID: 7}, events.nextFor(t, 7))
	_, listeners := stack.Stats()
	assert.Equal(t, 0, listeners)
}

func TestReceiveIsChunked(t *testing.T) {
	stack, events := newStack(t, Config{ReceiveBufferSize: 1024})
	stack.Listen(1, "127.0.0.1", 0, bridge.ListenOptions{})
	listening := events.nextFor(t, 1).(bridge.ListeningEvent)

	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(listening.Address.Port)))
	require.NoError(t, err)
	defer c.Close()
	conn := events.nextFor(t, 1).(bridge.ConnectionEvent)

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err = c.Write(payload)
	require.NoError(t, err)

	var got []byte
	for len(got) < len(payload) {
		ev := events.nextFor(t, conn.Info.ID).(bridge.DataEvent)
		b, err := bridge.DecodePayload(ev.Data)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(b), 1024)
		got = append(got, b...)
	}
	assert.Equal(t, payload, got)
}

func TestListenFailureDoesNotClose(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	stack, events := newStack(t, Config{})
	stack.Listen(2, "127.0.0.1", port, bridge.ListenOptions{})
	ev := events.nextFor(t, 2)
	_, isErr := ev.(bridge.ErrorEvent)
	require.True(t, isErr, "got %#v", ev)
	events.none(t, 50*time.Millisecond)
}

func TestUnknownIDs(t *testing.T) {
	stack, events := newStack(t, Config{})

	w := stack.Write(42, bridge.EncodePayload([]byte("x")))
	<-w.Done()
	assert.ErrorIs(t, w.Err(), ErrUnknownSocket)

	bad := stack.Write(42, "%%%")
	<-bad.Done()
	assert.Error(t, bad.Err())

	stack.End(42)
	ev := events.nextFor(t, 42)
	assert.Equal(t, bridge.ErrorEvent{ID: 42, Error: ErrUnknownSocket.Error()}, ev)

	stack.Destroy(42)
	stack.SetOptions(42, bridge.SocketOptions{})
	events.none(t, 30*time.Millisecond)
}

func TestDestroyEmitsSingleClose(t *testing.T) {
	stack, events := newStack(t, Config{})
	port := echoServer(t)
	stack.Connect(1, "127.0.0.1", port, bridge.ConnectOptions{})
	require.IsType(t, bridge.ConnectEvent{}, events.nextFor(t, 1))

	stack.SetOptions(1, bridge.SocketOptions{NoDelay: boolPtr(true), KeepAlive: boolPtr(true), KeepAlivePeriod: time.Minute})
	stack.Destroy(1)
	stack.Destroy(1)
	assert.Equal(t, bridge.CloseEvent{ID: 1}, events.nextFor(t, 1))
	events.none(t, 50*time.Millisecond)

	w := stack.Write(1, bridge.EncodePayload([]byte("late")))
	<-w.Done()
	assert.ErrorIs(t, w.Err(), ErrUnknownSocket)
}

func TestFailHoldsEmittersUntilClose(t *testing.T) {
	stack, events := newStack(t, Config{})
	port := echoServer(t)
	stack.Connect(1, "127.0.0.1", port, bridge.ConnectOptions{})
	require.IsType(t, bridge.ConnectEvent{}, events.nextFor(t, 1))
	socket, _ := stack.lookup(1)
	require.NotNil(t, socket)

	// stands in for the receiving thread racing the failed write
	sawOpen := make(chan bool, 1)
	stack.Subscribe(func(ev bridge.Event) {
		if _, ok := ev.(bridge.ErrorEvent); ok {
			go func() {
				socket.emitLock.Lock()
				sawOpen <- !socket.closed
				socket.emitLock.Unlock()
			}()
		}
		events.events <- ev
	})

	stack.fail(socket, errors.New("write: broken pipe"))
	assert.Equal(t, bridge.ErrorEvent{ID: 1, Error: "write: broken pipe"}, events.nextFor(t, 1))
	assert.Equal(t, bridge.CloseEvent{ID: 1, HadError: true}, events.nextFor(t, 1))
	select {
	case open := <-sawOpen:
		assert.False(t, open, "data could be emitted between error and close")
	case <-time.After(waitFor):
		t.Fatal("emitter never got the lock")
	}
	events.none(t, 50*time.Millisecond)
}

func TestDestroyWhileDialing(t *testing.T) {
	stack, events := newStack(t, Config{DialTimeout: 2 * time.Second})
	// TEST-NET-1: the dial either hangs or fails fast, depending on the host
	stack.Connect(9, "192.0.2.1", 80, bridge.ConnectOptions{})
	w := stack.Write(9, bridge.EncodePayload([]byte("queued")))
	stack.Destroy(9)

	for {
		ev := events.nextFor(t, 9)
		if _, ok := ev.(bridge.CloseEvent); ok {
			break
		}
		require.IsType(t, bridge.ErrorEvent{}, ev)
	}
	<-w.Done()
	err := w.Err()
	assert.True(t, errors.Is(err, ErrClosed) || errors.Is(err, ErrUnknownSocket), "got %v", err)
	events.none(t, 50*time.Millisecond)
}

func TestConcurrentWritesKeepOrder(t *testing.T) {
	stack, events := newStack(t, Config{})
	port := echoServer(t)
	stack.Connect(1, "127.0.0.1", port, bridge.ConnectOptions{})
	require.IsType(t, bridge.ConnectEvent{}, events.nextFor(t, 1))

	var want []byte
	var completions []*bridge.Completion
	for i := 0; i < 50; i++ {
		chunk := []byte(strconv.Itoa(i) + ",")
		want = append(want, chunk...)
		completions = append(completions, stack.Write(1, bridge.EncodePayload(chunk)))
	}
	var wg sync.WaitGroup
	for _, c := range completions {
		wg.Add(1)
		go func(c *bridge.Completion) {
			defer wg.Done()
			<-c.Done()
			assert.NoError(t, c.Err())
		}(c)
	}
	wg.Wait()
	assert.Equal(t, string(want), string(events.readData(t, 1, len(want))))
}

func TestCommandsAfterCloseFail(t *testing.T) {
	stack, events := newStack(t, Config{})
	require.NoError(t, stack.Close())

	stack.Connect(1, "127.0.0.1", 1, bridge.ConnectOptions{})
	ev := events.nextFor(t, 1)
	assert.Equal(t, bridge.ErrorEvent{ID: 1, Error: ErrStackClosed.Error()}, ev)

	stack.Listen(2, "127.0.0.1", 0, bridge.ListenOptions{})
	ev = events.nextFor(t, 2)
	assert.Equal(t, bridge.ErrorEvent{ID: 2, Error: ErrStackClosed.Error()}, ev)
}

func TestNextBackoff(t *testing.T) {
	d := nextBackoff(0)
	assert.GreaterOrEqual(t, d, acceptBackoffMin)
	assert.LessOrEqual(t, d, acceptBackoffMin*3/2)

	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	assert.GreaterOrEqual(t, d, acceptBackoffMax)
	assert.LessOrEqual(t, d, acceptBackoffMax*3/2)
}

func boolPtr(b bool) *bool { return &b }
