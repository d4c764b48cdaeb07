package bridge

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionCompletesOnce(t *testing.T) {
	c := NewCompletion()
	assert.NoError(t, c.Err())

	first := errors.New("first")
	assert.True(t, c.Complete(first))
	assert.False(t, c.Complete(errors.New("second")))
	assert.False(t, c.Complete(nil))

	<-c.Done()
	assert.Equal(t, first, c.Err())
	assert.Equal(t, first, c.Wait(context.Background()))
}

func TestCompletionWaitHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := NewCompletion().Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, Completed(nil).Wait(context.Background()))
}

func TestPayloadRoundTrip(t *testing.T) {
	raw := []byte{0, 1, 2, 0xff, 'h', 'i'}
	enc := EncodePayload(raw)
	dec, err := DecodePayload(enc)
	require.NoError(t, err)
	assert.Equal(t, raw, dec)

	_, err = DecodePayload("not base64!")
	assert.Error(t, err)
}

func TestAddressOf(t *testing.T) {
	tests := []struct {
		name string
		ap   netip.AddrPort
		want Address
	}{
		{"v4", netip.MustParseAddrPort("127.0.0.1:80"), Address{IP: "127.0.0.1", Family: FamilyIPv4, Port: 80}},
		{"v6", netip.MustParseAddrPort("[::1]:443"), Address{IP: "::1", Family: FamilyIPv6, Port: 443}},
		{"mapped", netip.MustParseAddrPort("[::ffff:10.0.0.1]:22"), Address{IP: "10.0.0.1", Family: FamilyIPv4, Port: 22}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AddressOf(tt.ap)
			assert.Equal(t, tt.want, got)
			back, ok := got.AddrPort()
			require.True(t, ok)
			assert.Equal(t, tt.ap.Port(), back.Port())
		})
	}

	assert.Equal(t, Address{}, AddressFromNet(&net.UnixAddr{Name: "x"}))
	assert.Equal(t, "-", Address{}.String())
	assert.Equal(t, "[::1]:443", Address{IP: "::1", Family: FamilyIPv6, Port: 443}.String())
}

func TestEventVariants(t *testing.T) {
	events := []Event{
		ConnectEvent{ID: 1},
		ConnectionEvent{ID: 2},
		DataEvent{ID: 3},
		CloseEvent{ID: 4},
		ErrorEvent{ID: 5},
		ListeningEvent{ID: 6},
	}
	kinds := []Kind{KindConnect, KindConnection, KindData, KindClose, KindError, KindListening}
	for i, ev := range events {
		assert.Equal(t, ID(i+1), ev.SocketID())
		assert.Equal(t, kinds[i], ev.Kind())
	}
	assert.Equal(t, "data", KindData.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}
