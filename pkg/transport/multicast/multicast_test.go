package multicast

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/m2mi/pkg/transport"
	"github.com/stretchr/testify/require"
)

func TestInvalidGroup(t *testing.T) {
	_, err := New(Config{Group: "10.0.0.1:5678"})
	require.ErrorIs(t, err, ErrInvalidGroup)

	_, err = New(Config{Group: "not an address"})
	require.ErrorIs(t, err, ErrInvalidGroup)
}

// newTestTransport skips when the sandbox has no multicast route.
func newTestTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()
	cfg.MetricSink = &metrics.BlackholeSink{}
	tr, err := New(cfg)
	if err != nil {
		t.Skipf("multicast is not available here: %s", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestFrameTooLarge(t *testing.T) {
	tr := newTestTransport(t, Config{Group: "239.255.0.1:5679", MaxDatagramSize: 16})
	err := tr.Send(context.Background(), make([]byte, 17))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestLoopback(t *testing.T) {
	tr := newTestTransport(t, Config{Group: "239.255.0.1:5680"})
	prefix := []byte("M2MI\xca\xfe\xba\xbe")
	require.NoError(t, tr.RegisterFilter(prefix))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Not registered, must be filtered out.
	if err := tr.Send(ctx, []byte("M2MI\x00\x00\x00\x00ignored")); err != nil {
		t.Skipf("multicast send is not possible here: %s", err)
	}
	frame := append(append([]byte(nil), prefix...), "hello"...)
	require.NoError(t, tr.Send(ctx, frame))

	got, err := tr.Receive(ctx)
	if err == context.DeadlineExceeded {
		t.Skip("multicast loopback is not routed here")
	}
	require.NoError(t, err)
	require.Equal(t, frame, got)
}

func TestClose(t *testing.T) {
	tr := newTestTransport(t, Config{Group: "239.255.0.1:5681"})
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	_, err := tr.Receive(context.Background())
	require.ErrorIs(t, err, transport.ErrClosed)
	require.ErrorIs(t, tr.Send(context.Background(), []byte("M2MI\x00\x00\x00\x00")), transport.ErrClosed)
}
