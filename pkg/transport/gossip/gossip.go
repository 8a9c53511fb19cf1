// Package gossip is an M2MI transport for networks without multicast: the
// layers form a memberlist cluster and every frame is sent to each live
// member. Gossip itself can run over QUIC with mutual TLS, see
// `NewQUICTransport`.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/m2mi/pkg/transport"
)

// Profiles of memberlist timings.
const (
	ProfileLAN   = "lan"
	ProfileWAN   = "wan"
	ProfileLocal = "local"
)

const (
	// packetOverhead is what memberlist adds to a user message.
	packetOverhead = 64
	// quicMaxPacket keeps memberlist packets within a QUIC datagram.
	quicMaxPacket = 1100
)

type Config struct {
	// NodeName must be unique in the cluster. With QUIC, it must be the
	// common name of the node certificate.
	NodeName string

	// BindAddr and BindPort are where memberlist listens.
	BindAddr string
	BindPort int

	// AdvertiseAddr and AdvertisePort are what other members dial.
	AdvertiseAddr string
	AdvertisePort int

	// Profile selects memberlist timings, `ProfileLAN` by default.
	Profile string

	// Neighbours to join on start.
	Neighbours []string

	// QUIC makes memberlist run over QUIC instead of plain UDP and TCP.
	QUIC *QUICConfig

	// QueueSize is how many filtered frames may wait for `Receive`.
	QueueSize int

	// LeaveTimeout bounds how long `Close` waits for the leave to
	// propagate.
	LeaveTimeout time.Duration

	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
	LogHandler   slog.Handler
}

type Transport struct {
	cfg    Config
	logger *slog.Logger
	meter  meter

	ml        *memberlist.Memberlist
	quic      *QUICTransport
	maxPacket int
	filters   transport.FilterSet
	frameCh   chan []byte

	lk      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

// New creates the local member and joins the configured neighbours.
func New(cfg Config) (t *Transport, err error) {
	if cfg.NodeName == "" {
		return nil, fmt.Errorf("%w: a node name is required", ErrInvalidCfg)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.LeaveTimeout == 0 {
		cfg.LeaveTimeout = 5 * time.Second
	}

	t = &Transport{
		cfg:     cfg,
		frameCh: make(chan []byte, cfg.QueueSize),
		closeCh: make(chan struct{}),
	}
	t.logger = newLogger(cfg.LogHandler)
	t.meter = newMeter(cfg.MetricSink, cfg.MetricLabels)

	var mlCfg *memberlist.Config
	switch cfg.Profile {
	case "", ProfileLAN:
		mlCfg = memberlist.DefaultLANConfig()
	case ProfileWAN:
		mlCfg = memberlist.DefaultWANConfig()
	case ProfileLocal:
		mlCfg = memberlist.DefaultLocalConfig()
	default:
		return nil, fmt.Errorf("%w: unknown profile %q", ErrInvalidCfg, cfg.Profile)
	}

	mlCfg.Name = cfg.NodeName
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	if cfg.BindPort != 0 {
		mlCfg.BindPort = cfg.BindPort
	}
	mlCfg.AdvertiseAddr = cfg.AdvertiseAddr
	mlCfg.AdvertisePort = cfg.AdvertisePort
	mlCfg.Delegate = &delegate{t: t}
	mlCfg.Events = &events{logger: t.logger, meter: t.meter}
	mlCfg.MetricLabels = armonLabels(cfg.MetricLabels)

	handler := cfg.LogHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	mlCfg.LogOutput = nil
	mlCfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)

	if cfg.QUIC != nil {
		qcfg := *cfg.QUIC
		if qcfg.BindAddr == "" {
			qcfg.BindAddr = mlCfg.BindAddr
		}
		if qcfg.BindPort == 0 {
			qcfg.BindPort = mlCfg.BindPort
		}
		if qcfg.LogHandler == nil {
			qcfg.LogHandler = cfg.LogHandler
		}
		if qcfg.MetricSink == nil {
			qcfg.MetricSink = t.meter.sink
		}
		if qcfg.MetricLabels == nil {
			qcfg.MetricLabels = cfg.MetricLabels
		}
		qt, err := NewQUICTransport(&qcfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		t.quic = qt
		mlCfg.Transport = qt
		mlCfg.UDPBufferSize = quicMaxPacket
	}

	// Frames above this size go through a reliable stream instead.
	t.maxPacket = mlCfg.UDPBufferSize - packetOverhead

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		if t.quic != nil {
			t.quic.Shutdown()
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	t.ml = ml

	if len(cfg.Neighbours) > 0 {
		if _, err := t.Join(cfg.Neighbours...); err != nil {
			ml.Shutdown()
			return nil, err
		}
	}
	return t, nil
}

// Join contacts existing members. It returns how many were reached.
func (t *Transport) Join(neighbours ...string) (int, error) {
	joined, err := t.ml.Join(neighbours)
	if err != nil {
		return joined, fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	t.logger.Info("cluster joined")
	if joined != len(neighbours) {
		t.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(neighbours),
		)
	}
	return joined, nil
}

// Members are the live members of the cluster, the local one included.
func (t *Transport) Members() []*memberlist.Node {
	return t.ml.Members()
}

func (t *Transport) LocalNode() *memberlist.Node {
	return t.ml.LocalNode()
}

func (t *Transport) RegisterFilter(prefix []byte) error {
	return t.filters.Add(prefix)
}

func (t *Transport) DeregisterFilter(prefix []byte) error {
	return t.filters.Remove(prefix)
}

// Send delivers `frame` to every live member, this one included. It only
// fails when no remote member could be reached.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.lk.Lock()
	closed := t.closed
	t.lk.Unlock()
	if closed {
		return transport.ErrClosed
	}

	// Loopback, like multicast does.
	t.deliver(append([]byte(nil), frame...))

	local := t.ml.LocalNode()
	var (
		errs    []error
		remotes int
	)
	for _, node := range t.ml.Members() {
		if node.Name == local.Name {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		remotes++

		var err error
		if len(frame) > t.maxPacket {
			err = t.ml.SendReliable(node, frame)
		} else {
			err = t.ml.SendBestEffort(node, frame)
		}
		if err != nil {
			t.meter.incr(MetricFrameOutErrorCount, LabelPeerName.M(node.Name))
			t.logger.Debug("could not send frame", LabelPeerName.L(node.Name), LabelError.L(err))
			errs = append(errs, err)
			continue
		}
		t.meter.incr(MetricFrameOutCount)
	}

	if remotes > 0 && len(errs) == remotes {
		return fmt.Errorf("%w: %w", ErrNoPeer, errors.Join(errs...))
	}
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

// deliver takes ownership of `frame`.
func (t *Transport) deliver(frame []byte) {
	t.meter.add(MetricFrameInBytes, float32(len(frame)))
	if !t.filters.Match(frame) {
		t.meter.incr(MetricFrameFilteredCount)
		return
	}
	select {
	case t.frameCh <- frame:
	case <-t.closeCh:
	default:
		t.meter.incr(MetricFrameDroppedCount)
		t.logger.Warn("receive queue full, frame dropped")
	}
}

// Close leaves the cluster and releases memberlist.
func (t *Transport) Close() error {
	t.lk.Lock()
	if t.closed {
		t.lk.Unlock()
		return nil
	}
	t.closed = true
	close(t.closeCh)
	t.lk.Unlock()

	start := time.Now()
	err := t.ml.Leave(t.cfg.LeaveTimeout)
	if err != nil {
		t.logger.Warn("could not leave the cluster gracefully", LabelError.L(err))
	}
	err = errors.Join(err, t.ml.Shutdown())
	t.logger.Info("gossip transport closed", "duration", time.Since(start))
	return err
}

// delegate receives user messages from memberlist.
type delegate struct {
	t *Transport
}

func (d *delegate) NodeMeta(limit int) []byte {
	return nil
}

// NotifyMsg must not retain `msg`, memberlist reuses it.
func (d *delegate) NotifyMsg(msg []byte) {
	d.t.deliver(append([]byte(nil), msg...))
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

func (d *delegate) LocalState(join bool) []byte {
	return nil
}

func (d *delegate) MergeRemoteState(buf []byte, join bool) {}
