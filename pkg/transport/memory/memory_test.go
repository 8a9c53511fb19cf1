package memory

import (
	"context"
	"testing"
	"time"

	"github.com/raskyld/m2mi/pkg/transport"
	"github.com/stretchr/testify/require"
)

var (
	prefixA = []byte("M2MI\x00\x00\x00\x01")
	prefixB = []byte("M2MI\x00\x00\x00\x02")
)

func frame(prefix []byte, body string) []byte {
	return append(append([]byte(nil), prefix...), body...)
}

func TestHubFilters(t *testing.T) {
	hub := NewHub()
	alice := hub.Endpoint(8)
	bob := hub.Endpoint(8)
	defer alice.Close()
	defer bob.Close()

	require.NoError(t, alice.RegisterFilter(prefixA))
	require.NoError(t, bob.RegisterFilter(prefixB))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, alice.Send(ctx, frame(prefixB, "to bob")))
	require.NoError(t, bob.Send(ctx, frame(prefixA, "to alice")))

	got, err := bob.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, frame(prefixB, "to bob"), got)

	got, err = alice.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, frame(prefixA, "to alice"), got)

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = alice.Receive(short)
	require.ErrorIs(t, err, context.DeadlineExceeded, "alice must not get bob's frame")
}

func TestHubLoopback(t *testing.T) {
	hub := NewHub()
	ep := hub.Endpoint(8)
	defer ep.Close()
	require.NoError(t, ep.RegisterFilter(prefixA))

	ctx := context.Background()
	require.NoError(t, ep.Send(ctx, frame(prefixA, "self")))
	got, err := ep.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, frame(prefixA, "self"), got)
}

func TestHubDropsWhenFull(t *testing.T) {
	hub := NewHub()
	ep := hub.Endpoint(1)
	defer ep.Close()
	require.NoError(t, ep.RegisterFilter(prefixA))

	ctx := context.Background()
	require.NoError(t, ep.Send(ctx, frame(prefixA, "1")))
	require.NoError(t, ep.Send(ctx, frame(prefixA, "2")))
	require.EqualValues(t, 1, ep.Dropped())
}

func TestEndpointClose(t *testing.T) {
	hub := NewHub()
	ep := hub.Endpoint(1)
	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())

	_, err := ep.Receive(context.Background())
	require.ErrorIs(t, err, transport.ErrClosed)
	require.ErrorIs(t, ep.Send(context.Background(), frame(prefixA, "x")), transport.ErrClosed)
}
