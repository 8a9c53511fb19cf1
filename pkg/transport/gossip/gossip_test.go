package gossip

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

var (
	testPrefix  = []byte("M2MI\x12\x34\x56\x78")
	otherPrefix = []byte("M2MI\x00\x00\x00\x00")
	// only node1 accepts loopPrefix, so node2 keeps nothing from loopback.
	loopPrefix = []byte("M2MI\xab\xcd\xef\x01")
)

func newTestCluster(t *testing.T, basePort int, quic []*QUICConfig) []*Transport {
	t.Helper()
	n := 2
	nodes := make([]*Transport, 0, n)
	for i := 0; i < n; i++ {
		cfg := Config{
			NodeName:     fmt.Sprintf("node%d", i+1),
			BindAddr:     "127.0.0.1",
			BindPort:     basePort + i,
			Profile:      ProfileLocal,
			LeaveTimeout: time.Second,
			MetricSink:   &metrics.BlackholeSink{},
			LogHandler:   testLogHandler(fmt.Sprintf("node%d", i+1)),
		}
		if quic != nil {
			cfg.QUIC = quic[i]
		}
		if i > 0 {
			cfg.Neighbours = []string{fmt.Sprintf("127.0.0.1:%d", basePort)}
		}
		tr, err := New(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { tr.Close() })
		nodes = append(nodes, tr)
	}

	require.Eventually(t, func() bool {
		for _, node := range nodes {
			if len(node.Members()) != n {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond)
	return nodes
}

func exchangeFrames(t *testing.T, nodes []*Transport) {
	require.NoError(t, nodes[1].RegisterFilter(testPrefix))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	filtered := append(append([]byte(nil), otherPrefix...), "nobody"...)
	frame := append(append([]byte(nil), testPrefix...), "hello"...)
	require.NoError(t, nodes[0].Send(ctx, filtered))
	require.NoError(t, nodes[0].Send(ctx, frame))

	got, err := nodes[1].Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, frame, got)

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = nodes[0].Receive(short)
	require.ErrorIs(t, err, context.DeadlineExceeded, "node1 registered no filter")
}

func TestGossipTransport(t *testing.T) {
	nodes := newTestCluster(t, 17946, nil)
	exchangeFrames(t, nodes)

	t.Run("loopback", func(t *testing.T) {
		require.NoError(t, nodes[0].RegisterFilter(loopPrefix))
		defer nodes[0].DeregisterFilter(loopPrefix)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		frame := append(append([]byte(nil), loopPrefix...), "self"...)
		require.NoError(t, nodes[0].Send(ctx, frame))
		got, err := nodes[0].Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, frame, got)

		short, cancelShort := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancelShort()
		_, err = nodes[1].Receive(short)
		require.ErrorIs(t, err, context.DeadlineExceeded, "node2 did not register loopPrefix")
	})

	t.Run("large frames use streams", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		frame := append(append([]byte(nil), testPrefix...), make([]byte, 8192)...)
		require.NoError(t, nodes[0].Send(ctx, frame))
		got, err := nodes[1].Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, frame, got)
	})
}

func TestGossipOverQUIC(t *testing.T) {
	tcs := mtlsConfigs(t, "node1", "node2")
	quic := []*QUICConfig{
		{TLSConfig: tcs[0], LingerTimeout: 100 * time.Millisecond},
		{TLSConfig: tcs[1], LingerTimeout: 100 * time.Millisecond},
	}
	nodes := newTestCluster(t, 17956, quic)
	exchangeFrames(t, nodes)
}

func TestGossipConfig(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = New(Config{NodeName: "n", Profile: "moon"})
	require.ErrorIs(t, err, ErrInvalidCfg)
}
