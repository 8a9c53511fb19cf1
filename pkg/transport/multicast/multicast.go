// Package multicast is the M2MI transport over IPv4 UDP multicast: every
// frame is one datagram sent to a multicast group every layer has joined.
package multicast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/m2mi/pkg/transport"
	"golang.org/x/net/ipv4"
)

const (
	DefaultGroup = "239.255.0.1:5678"
	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507
)

var (
	ErrFrameTooLarge = errors.New("multicast: frame exceeds the maximum datagram size")
	ErrInvalidGroup  = errors.New("multicast: not an IPv4 multicast group")
)

var (
	MetricDatagramInBytes  = []string{"m2mi", "multicast", "datagram", "in", "bytes"}
	MetricDatagramOutBytes = []string{"m2mi", "multicast", "datagram", "out", "bytes"}
	MetricDatagramFiltered = []string{"m2mi", "multicast", "datagram", "filtered", "count"}
	MetricDatagramError    = []string{"m2mi", "multicast", "datagram", "error", "count"}
)

// Config of a multicast `Transport`.
type Config struct {
	// Group is the multicast group and port, `DefaultGroup` when empty.
	Group string

	// Interface to join the group on, the system default when nil.
	Interface *net.Interface

	// TTL of outgoing datagrams. 1 keeps them on the local network.
	TTL int

	// DisableLoopback stops this host from receiving its own datagrams.
	// Leave it false when several layers of the same host must talk.
	DisableLoopback bool

	// MaxDatagramSize caps the frame size, `MaxDatagramSize` when zero.
	MaxDatagramSize int

	// QueueSize is how many filtered frames may wait for `Receive`.
	QueueSize int

	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
	LogHandler   slog.Handler
}

type Transport struct {
	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink

	group   *net.UDPAddr
	conn    net.PacketConn
	pc      *ipv4.PacketConn
	filters transport.FilterSet
	frameCh chan []byte

	sendLk  sync.Mutex
	closed  atomic.Bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New joins the multicast group and starts reading datagrams.
func New(cfg Config) (t *Transport, err error) {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.TTL == 0 {
		cfg.TTL = 1
	}
	if cfg.MaxDatagramSize <= 0 || cfg.MaxDatagramSize > MaxDatagramSize {
		cfg.MaxDatagramSize = MaxDatagramSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGroup, err)
	}
	if group.IP.To4() == nil || !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidGroup, group.IP)
	}

	t = &Transport{
		cfg:     cfg,
		group:   group,
		frameCh: make(chan []byte, cfg.QueueSize),
		closeCh: make(chan struct{}),
	}
	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}
	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", group.Port))
	if err != nil {
		return nil, fmt.Errorf("multicast: listen on port %d: %w", group.Port, err)
	}
	t.conn = conn
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	t.pc = ipv4.NewPacketConn(conn)
	if err := t.pc.JoinGroup(cfg.Interface, &net.UDPAddr{IP: group.IP}); err != nil {
		return nil, fmt.Errorf("multicast: join %s: %w", group.IP, err)
	}
	if cfg.Interface != nil {
		if err := t.pc.SetMulticastInterface(cfg.Interface); err != nil {
			return nil, fmt.Errorf("multicast: set interface %s: %w", cfg.Interface.Name, err)
		}
	}
	if err := t.pc.SetMulticastTTL(cfg.TTL); err != nil {
		return nil, fmt.Errorf("multicast: set ttl: %w", err)
	}
	if err := t.pc.SetMulticastLoopback(!cfg.DisableLoopback); err != nil {
		return nil, fmt.Errorf("multicast: set loopback: %w", err)
	}

	t.wg.Add(1)
	go t.readLoop()

	t.logger.Info(
		"joined multicast group",
		"group", group.String(),
		"ttl", cfg.TTL,
		"loopback", !cfg.DisableLoopback,
	)
	return t, nil
}

func (t *Transport) RegisterFilter(prefix []byte) error {
	return t.filters.Add(prefix)
}

func (t *Transport) DeregisterFilter(prefix []byte) error {
	return t.filters.Remove(prefix)
}

func (t *Transport) Send(ctx context.Context, frame []byte) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if len(frame) > t.cfg.MaxDatagramSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(frame), t.cfg.MaxDatagramSize)
	}

	t.sendLk.Lock()
	defer t.sendLk.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := t.pc.SetWriteDeadline(deadline); err != nil {
		return err
	}
	n, err := t.pc.WriteTo(frame, nil, t.group)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricDatagramError,
			1,
			t.labels(metrics.Label{Name: "error", Value: "write"}),
		)
		return err
	}
	t.msink.IncrCounterWithLabels(MetricDatagramOutBytes, float32(n), t.cfg.MetricLabels)
	return nil
}

func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.frameCh:
		return frame, nil
	case <-t.closeCh:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		n, _, src, err := t.pc.ReadFrom(buf)
		if err != nil {
			if t.closed.Load() {
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricDatagramError,
				1,
				t.labels(metrics.Label{Name: "error", Value: "read"}),
			)
			t.logger.Warn("multicast read failed", "error", err)
			continue
		}

		t.msink.IncrCounterWithLabels(MetricDatagramInBytes, float32(n), t.cfg.MetricLabels)
		if !t.filters.Match(buf[:n]) {
			t.msink.IncrCounterWithLabels(MetricDatagramFiltered, 1, t.cfg.MetricLabels)
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case t.frameCh <- frame:
		case <-t.closeCh:
			return
		default:
			t.msink.IncrCounterWithLabels(
				MetricDatagramError,
				1,
				t.labels(metrics.Label{Name: "error", Value: "queue_full"}),
			)
			t.logger.Debug("multicast receive queue full, frame dropped", "source", src)
		}
	}
}

// LocalAddr is the address datagrams are received on.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close leaves the group and stops the read loop.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.closeCh)
	err := errors.Join(
		t.pc.LeaveGroup(t.cfg.Interface, &net.UDPAddr{IP: t.group.IP}),
		t.conn.Close(),
	)
	t.wg.Wait()
	return err
}

func (t *Transport) labels(extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(t.cfg.MetricLabels)+len(extra))
	out = append(out, t.cfg.MetricLabels...)
	return append(out, extra...)
}
