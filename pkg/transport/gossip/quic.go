package gossip

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
)

const (
	defaultUDPBufferSize = 1 << 21
	defaultMaxStreams    = 1000
	// ALPN used when the TLS configuration doesn't set one.
	defaultNextProto = "m2mi-gossip"
)

// QUICConfig configures a memberlist transport running over QUIC with
// mutual TLS. Gossip packets are QUIC datagrams, gossip streams are QUIC
// streams multiplexed on one connection per peer.
type QUICConfig struct {
	// TLSConfig must enable mutual TLS between the peers.
	TLSConfig *tls.Config

	// BindAddr and BindPort are where we listen, a zero port picks any
	// free one.
	BindAddr string
	BindPort int

	// BufferSize of the requested UDP kernel buffer. Unless
	// EnforceBufferSize is set, the request is halved until the kernel
	// accepts it.
	BufferSize        int
	EnforceBufferSize bool

	// MaxStreams is how many concurrent gossip streams a peer may open.
	MaxStreams int64

	// HostnameResolver names peers from their certificates,
	// `CommonNameResolver` by default.
	HostnameResolver HostnameResolver

	// DialTimeout bounds connection establishment when memberlist sends a
	// packet to a peer we are not connected to yet.
	DialTimeout time.Duration

	// LingerTimeout is how long `Shutdown` lets streams drain before
	// closing connections.
	LingerTimeout time.Duration

	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
	LogHandler   slog.Handler
}

func (cfg QUICConfig) withDefaults() QUICConfig {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = defaultUDPBufferSize
	}
	if cfg.MaxStreams == 0 {
		cfg.MaxStreams = defaultMaxStreams
	}
	if cfg.HostnameResolver == nil {
		cfg.HostnameResolver = CommonNameResolver
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.LingerTimeout == 0 {
		cfg.LingerTimeout = time.Second
	}
	return cfg
}

// QUICTransport implements `memberlist.NodeAwareTransport`.
type QUICTransport struct {
	cfg    QUICConfig
	logger *slog.Logger
	meter  meter
	tlsCfg *tls.Config
	qCfg   *quic.Config
	peers  *peerTable

	// set once `Shutdown` starts, connection errors are expected from then.
	closing atomic.Bool

	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	udp *net.UDPConn
	tr  *quic.Transport
	ln  *quic.Listener
}

var _ memberlist.NodeAwareTransport = (*QUICTransport)(nil)

func NewQUICTransport(cfg *QUICConfig) (*QUICTransport, error) {
	if cfg == nil || cfg.TLSConfig == nil {
		return nil, ErrNoTLSConfig
	}

	c := cfg.withDefaults()
	t := &QUICTransport{
		cfg:      c,
		logger:   newLogger(c.LogHandler),
		meter:    newMeter(c.MetricSink, c.MetricLabels),
		packetCh: make(chan *memberlist.Packet),
		streamCh: make(chan net.Conn),
	}
	t.peers = newPeerTable(t.logger, t.meter)

	t.tlsCfg = c.TLSConfig.Clone()
	if len(t.tlsCfg.NextProtos) == 0 {
		t.tlsCfg.NextProtos = []string{defaultNextProto}
	}

	// Both sides must enable datagrams, we dial with the same config.
	t.qCfg = &quic.Config{
		Versions:           []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams:    true,
		MaxIncomingStreams: c.MaxStreams,
		MaxIdleTimeout:     time.Minute,
		KeepAlivePeriod:    15 * time.Second,
	}

	if err := t.listen(); err != nil {
		t.release()
		return nil, err
	}

	go t.acceptLoop()
	return t, nil
}

func (t *QUICTransport) listen() error {
	ip := net.IPv4zero
	if t.cfg.BindAddr != "" {
		ip = net.ParseIP(t.cfg.BindAddr)
		if ip == nil {
			return fmt.Errorf("%w: %s", ErrInvalidAddr, t.cfg.BindAddr)
		}
	}

	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: t.cfg.BindPort})
	if err != nil {
		return fmt.Errorf("quic: failed to allocate UDP listener: %w", err)
	}
	t.udp = udp

	if err := t.setReadBuffer(); err != nil {
		return err
	}

	t.tr = &quic.Transport{Conn: udp}
	t.ln, err = t.tr.Listen(t.tlsCfg, t.qCfg)
	if err != nil {
		return fmt.Errorf("quic: failed to allocate QUIC listener: %w", err)
	}
	return nil
}

func (t *QUICTransport) setReadBuffer() error {
	for size := t.cfg.BufferSize; size > 0; size >>= 1 {
		if err := t.udp.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return fmt.Errorf("%w: %w", ErrBufferSize, err)
			}
			continue
		}
		if size != t.cfg.BufferSize {
			t.logger.Warn("using smaller than expected UDP buffer", LabelBytes.L(size))
		}
		t.meter.gauge(MetricUDPBufferSizeBytes, float32(size))
		return nil
	}
	return ErrBufferSize
}

// LocalAddr is the UDP address the transport is bound to.
func (t *QUICTransport) LocalAddr() *net.UDPAddr {
	return t.udp.LocalAddr().(*net.UDPAddr)
}

// Peers lists the hosts we have a connection to.
func (t *QUICTransport) Peers() []Host {
	return t.peers.hosts()
}

func (t *QUICTransport) FinalAdvertiseAddr(ip string, port int) (net.IP, int, error) {
	local := t.LocalAddr()
	if port == 0 {
		port = local.Port
	}

	advertise := local.IP
	if ip != "" {
		advertise = net.ParseIP(ip)
		if advertise == nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAddr, ip)
		}
	} else if advertise.IsUnspecified() {
		return nil, 0, ErrNoAdvertiseAddr
	}

	if ip4 := advertise.To4(); ip4 != nil {
		advertise = ip4
	}
	return advertise, port, nil
}

func (t *QUICTransport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{Addr: addr})
}

func (t *QUICTransport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()

	labels := LabelsForAddr(addr)
	pc, err := t.connTo(ctx, addr)
	if err != nil {
		t.meter.incr(MetricDatagramOutError, append(labels, LabelError.M("no_conn_to_host"))...)
		return time.Time{}, err
	}

	now := time.Now()
	if err := pc.SendDatagram(b); err != nil {
		t.meter.incr(MetricDatagramOutError, append(labels, LabelError.M("send"))...)
		return now, err
	}
	t.meter.add(MetricDatagramOutBytes, float32(len(b)), labels...)
	return now, nil
}

func (t *QUICTransport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *QUICTransport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{Addr: addr}, timeout)
}

func (t *QUICTransport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	labels := LabelsForAddr(addr)
	fail := func(reason string, err error) (net.Conn, error) {
		t.meter.incr(MetricStreamEstOutError, append(labels, LabelError.M(reason))...)
		return nil, err
	}

	pc, err := t.connTo(ctx, addr)
	if err != nil {
		return fail("no_conn_to_host", err)
	}
	s, err := pc.OpenStreamSync(ctx)
	if err != nil {
		return fail("cannot_open_stream", err)
	}

	gs := newGossipStream(pc, s)
	go gs.closeOn(pc.done)
	if err := gs.writeMode(streamModeGossip); err != nil {
		gs.abort()
		return fail("cannot_send_init_frame", err)
	}

	t.meter.incr(MetricStreamEstOutCount, labels...)
	return gs, nil
}

func (t *QUICTransport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

// Shutdown lets streams drain for `LingerTimeout`, then closes every
// connection and the listener. It is idempotent.
func (t *QUICTransport) Shutdown() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}

	conns := t.peers.drain()
	for _, pc := range conns {
		pc.stopStreams()
	}
	// quic-go can't tell us when streams are drained.
	if len(conns) > 0 {
		time.Sleep(t.cfg.LingerTimeout)
	}
	for _, pc := range conns {
		codeShutdown.close(pc, "we are shutting down! bye!")
	}

	t.release()
	return nil
}

func (t *QUICTransport) release() {
	var err error
	if t.ln != nil {
		err = errors.Join(err, t.ln.Close())
	}
	if t.tr != nil {
		err = errors.Join(err, t.tr.Close())
	}
	// quic-go leaves a socket it was handed open.
	if t.udp != nil {
		err = errors.Join(err, t.udp.Close())
	}
	if err != nil {
		t.logger.Debug("error releasing QUIC sockets", LabelError.L(err))
	}
}

func (t *QUICTransport) acceptLoop() {
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			// The listener only fails once closed.
			if !t.closing.Load() {
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}
		t.adopt(conn)
	}
}

// connTo returns a live connection to `addr`, dialing one if needed.
func (t *QUICTransport) connTo(ctx context.Context, addr memberlist.Address) (*peerConn, error) {
	if pc := t.peers.lookup(addr); pc != nil {
		return pc, nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	conn, err := t.tr.Dial(ctx, udpAddr, t.tlsCfg, t.qCfg)
	if t.closing.Load() {
		if err == nil {
			codeShutdown.close(conn, "we are shutting down! bye!")
		}
		return nil, ErrShutdown
	}
	if err != nil {
		return nil, err
	}
	return t.adopt(conn)
}

// adopt names the peer of a new connection and starts serving it.
func (t *QUICTransport) adopt(conn quic.Connection) (*peerConn, error) {
	remote := conn.RemoteAddr().String()
	logger := t.logger.With(LabelPeerAddr.L(remote))

	name, err := t.cfg.HostnameResolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve hostname", LabelError.L(err))
		t.meter.incr(MetricConnErrorCount, LabelPeerAddr.M(remote), LabelError.M("name_resolution"))
		var rerr *ResolveError
		if errors.As(err, &rerr) {
			codeInternal.close(conn, "error during resolution: "+rerr.Reason)
		} else {
			codeInternal.close(conn, "unexpected error during hostname resolution")
		}
		return nil, fmt.Errorf("%w: %w", ErrHostnameResolve, err)
	}

	host, err := hostOf(name, conn.RemoteAddr())
	if err != nil {
		codeInternal.close(conn, "unexpected address")
		return nil, err
	}

	pc := newPeerConn(conn)
	for _, old := range t.peers.add(host, pc) {
		old.stopStreams()
		codeNameConflict.close(old,
			"we detected a node name conflict in the cluster! "+
				"if you haven't rescheduled a node on another machine, "+
				"one of your certificate may have leaked.",
		)
	}

	t.meter.incr(MetricConnEstCount, LabelPeerAddr.M(remote), LabelPeerName.M(string(name)))
	go t.serveDatagrams(pc)
	go t.serveStreams(pc)
	return pc, nil
}

func (t *QUICTransport) serveDatagrams(pc *peerConn) {
	ctx := pc.Context()
	from := pc.RemoteAddr()
	labels := []metrics.Label{LabelPeerAddr.M(from.String())}

	for {
		buf, err := pc.ReceiveDatagram(ctx)
		if t.closing.Load() || ctx.Err() != nil {
			return
		}
		if err != nil {
			t.meter.incr(MetricDatagramInError, append(labels, LabelError.M("unknown"))...)
			t.logger.Error("error reading QUIC datagram", LabelPeerAddr.L(from.String()), LabelError.L(err))
			continue
		}
		if len(buf) == 0 {
			t.meter.incr(MetricDatagramInError, append(labels, LabelError.M("too_small"))...)
			continue
		}

		t.meter.add(MetricDatagramInBytes, float32(len(buf)), labels...)
		select {
		case t.packetCh <- &memberlist.Packet{Buf: buf, From: from, Timestamp: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *QUICTransport) serveStreams(pc *peerConn) {
	ctx := pc.Context()
	peerAddr := pc.RemoteAddr().String()
	logger := t.logger.With(LabelPeerAddr.L(peerAddr))
	labels := []metrics.Label{LabelPeerAddr.M(peerAddr)}

	for {
		s, err := pc.AcceptStream(ctx)
		if t.closing.Load() || ctx.Err() != nil {
			logger.Debug("stopped accepting streams")
			return
		}
		if err != nil {
			logger.Warn("error accepting stream", LabelError.L(err))
			t.meter.incr(MetricStreamEstInError, append(labels, LabelError.M("unknown"))...)
			continue
		}

		gs := newGossipStream(pc, s)
		go gs.closeOn(pc.done)
		// The mode byte is read off the accept loop so a slow peer can't
		// hold other streams back.
		go t.handshake(gs, logger.With(LabelStreamID.L(s.StreamID())), labels)
	}
}

func (t *QUICTransport) handshake(gs *gossipStream, logger *slog.Logger, labels []metrics.Label) {
	mode, err := gs.readMode(t.cfg.DialTimeout)
	if err != nil {
		if t.closing.Load() {
			return
		}
		logger.Error("error waiting for stream mode", LabelError.L(err))
		t.meter.incr(MetricStreamEstInError, append(labels, LabelError.M("no_init_frame"))...)
		gs.abort()
		return
	}

	if mode != streamModeGossip {
		logger.Warn("protocol violation: unknown stream mode", "mode", mode)
		t.meter.incr(MetricStreamEstInError, append(labels, LabelError.M("protocol_violation"))...)
		gs.abort()
		return
	}

	t.meter.incr(MetricStreamEstInCount, labels...)
	select {
	case t.streamCh <- gs:
	case <-gs.Context().Done():
	}
}
