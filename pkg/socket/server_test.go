package socket

import (
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tcpbridge/pkg/bridge"
)

func listeningServer(t *testing.T, f *fixture, onConnection func(*Socket)) *Server {
	t.Helper()
	srv := f.net.NewServer(onConnection)
	bound := make(chan bridge.Address, 1)
	srv.OnListening(func(a bridge.Address) { bound <- a })
	require.NoError(t, srv.Listen(ListenOptions{Host: "127.0.0.1", Port: 8080}))

	addr := bridge.Address{IP: "127.0.0.1", Family: bridge.FamilyIPv4, Port: 8080}
	f.transport.Emit(bridge.ListeningEvent{ID: srv.ID(), Address: addr})
	assert.Equal(t, addr, requireReceive(t, bound, "listening"))
	return srv
}

func TestServerListenOnce(t *testing.T) {
	f := newFixture()
	srv := listeningServer(t, f, nil)
	assert.True(t, srv.Listening())
	assert.Equal(t, 8080, srv.Address().Port)

	err := srv.Listen(ListenOptions{Port: 8081})
	assert.ErrorIs(t, err, ErrAlreadyListening)

	cmds := f.transport.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "listen", cmds[0].Op)
	assert.Equal(t, "127.0.0.1", cmds[0].Host)
	assert.Equal(t, 8080, cmds[0].Port)

	var verr *ValidationError
	assert.True(t, errors.As(f.net.NewServer(nil).Listen(ListenOptions{Port: -1}), &verr))
}

func TestServerCountsConnections(t *testing.T) {
	f := newFixture()
	accepted := make(chan *Socket, 4)
	srv := listeningServer(t, f, func(s *Socket) { accepted <- s })

	base := bridge.DefaultAcceptedIDBase
	for i := 0; i < 2; i++ {
		id := base + bridge.ID(i)
		f.transport.Emit(bridge.ConnectionEvent{ID: srv.ID(), Info: bridge.ConnectionInfo{
			ID:      id,
			Address: bridge.Address{IP: "127.0.0.1", Family: bridge.FamilyIPv4, Port: 50000 + i},
		}})
		// data right behind the connection event must not be lost
		f.transport.Emit(bridge.DataEvent{ID: id, Data: bridge.EncodePayload([]byte{byte('a' + i)})})
	}

	first := requireReceive(t, accepted, "first connection")
	second := requireReceive(t, accepted, "second connection")
	assert.Equal(t, 2, srv.Connections())
	assert.Equal(t, CONNECTED, first.GetState())
	assert.Equal(t, base, first.ID())
	assert.Equal(t, 50001, second.RemoteAddress().Port)

	buf := make([]byte, 1)
	_, err := io.ReadFull(second, buf)
	require.NoError(t, err)
	assert.Equal(t, "b", string(buf))

	closes := closeRecorder(first)
	f.transport.Emit(bridge.CloseEvent{ID: first.ID()})
	requireReceive(t, closes, "accepted close")
	assert.Eventually(t, func() bool { return srv.Connections() == 1 }, testTimeout, time.Millisecond)
}

func TestServerMaxConnections(t *testing.T) {
	f := newFixture()
	accepted := make(chan *Socket, 4)
	srv := listeningServer(t, f, func(s *Socket) { accepted <- s })
	srv.MaxConnections = 1

	for i := 0; i < 2; i++ {
		f.transport.Emit(bridge.ConnectionEvent{ID: srv.ID(), Info: bridge.ConnectionInfo{ID: bridge.DefaultAcceptedIDBase + bridge.ID(i)}})
	}
	requireReceive(t, accepted, "first connection")
	requireNothing(t, accepted, "connection over the limit")
	assert.Equal(t, 1, srv.Connections())

	assert.Eventually(t, func() bool {
		ops := f.transport.Ops()
		return ops[len(ops)-1] == "destroy"
	}, testTimeout, time.Millisecond)
	last := f.transport.Commands()[len(f.transport.Commands())-1]
	assert.Equal(t, bridge.DefaultAcceptedIDBase+1, last.ID)
}

func TestServerCloseNotifiesOnce(t *testing.T) {
	f := newFixture()
	srv := listeningServer(t, f, nil)
	closed := make(chan struct{}, 2)
	srv.OnClose(func() { closed <- struct{}{} })
	id := srv.ID()

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	f.transport.Emit(bridge.CloseEvent{ID: id})
	requireReceive(t, closed, "server close")
	requireNothing(t, closed, "second server close")
	assert.False(t, srv.Listening())
	require.NoError(t, srv.Close())

	assert.Equal(t, []string{"listen", "end"}, f.transport.Ops())

	// a closed server may listen again
	require.NoError(t, srv.Listen(ListenOptions{Port: 9000}))
	assert.NotEqual(t, id, srv.ID())
}

func TestServerCloseBeforeListening(t *testing.T) {
	f := newFixture()
	srv := f.net.NewServer(nil)
	closed := make(chan struct{}, 2)
	srv.OnClose(func() { closed <- struct{}{} })
	require.NoError(t, srv.Listen(ListenOptions{Port: 8080}))
	id := srv.ID()

	require.NoError(t, srv.Close())
	f.transport.Emit(bridge.CloseEvent{ID: id})
	requireReceive(t, closed, "close before bind")
	requireNothing(t, closed, "second close")
	assert.False(t, srv.Listening())
	assert.Equal(t, []string{"listen", "end"}, f.transport.Ops())
}

func TestServerListenFailure(t *testing.T) {
	f := newFixture()
	srv := f.net.NewServer(nil)
	errs := make(chan error, 1)
	closed := make(chan struct{}, 1)
	srv.OnError(func(err error) { errs <- err })
	srv.OnClose(func() { closed <- struct{}{} })
	require.NoError(t, srv.Listen(ListenOptions{Port: 80}))

	f.transport.Emit(bridge.ErrorEvent{ID: srv.ID(), Error: "address already in use"})
	err := requireReceive(t, errs, "listen error")
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "address already in use", terr.Message)

	assert.Eventually(t, func() bool { return srv.ID() == 0 }, testTimeout, time.Millisecond)
	requireNothing(t, closed, "close after failed listen")
	assert.False(t, srv.Listening())
	require.NoError(t, srv.Listen(ListenOptions{Port: 81}))
}

func TestDuplicateAcceptedIDIsRejected(t *testing.T) {
	f := newFixture()
	accepted := make(chan *Socket, 2)
	srv := listeningServer(t, f, func(s *Socket) { accepted <- s })

	// collide with a host-initiated socket
	s := f.net.NewSocket()
	require.NoError(t, s.Connect(ConnectOptions{Port: 80}))
	f.transport.Emit(bridge.ConnectionEvent{ID: srv.ID(), Info: bridge.ConnectionInfo{ID: s.ID()}})

	requireNothing(t, accepted, "duplicate accepted")
	ops := f.transport.Ops()
	assert.Equal(t, "destroy", ops[len(ops)-1])
	found, ok := f.net.Socket(s.ID())
	require.True(t, ok)
	assert.Same(t, s, found)
}
