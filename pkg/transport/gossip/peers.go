package gossip

import (
	"log/slog"
	"sync"

	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
)

// peerConn is one QUIC connection to a peer. Closing `done` asks the
// streams opened on it to wind down.
type peerConn struct {
	quic.Connection
	done     chan struct{}
	stopOnce sync.Once
}

func newPeerConn(conn quic.Connection) *peerConn {
	return &peerConn{Connection: conn, done: make(chan struct{})}
}

func (pc *peerConn) alive() bool {
	return pc.Context().Err() == nil
}

func (pc *peerConn) stopStreams() {
	pc.stopOnce.Do(func() { close(pc.done) })
}

type peer struct {
	host  Host
	conns []*peerConn
}

func (p *peer) prune() {
	live := p.conns[:0]
	for _, pc := range p.conns {
		if pc.alive() {
			live = append(live, pc)
		}
	}
	clear(p.conns[len(live):])
	p.conns = live
}

// peerTable indexes connections by peer hostname, and hostnames by the
// address they were last seen at.
type peerTable struct {
	logger *slog.Logger
	meter  meter

	lk     sync.RWMutex
	byAddr map[string]Hostname
	peers  map[Hostname]*peer
}

func newPeerTable(logger *slog.Logger, m meter) *peerTable {
	return &peerTable{
		logger: logger,
		meter:  m,
		byAddr: make(map[string]Hostname),
		peers:  make(map[Hostname]*peer),
	}
}

// lookup returns a live connection to `addr`, preferring its node name
// when memberlist knows it.
func (pt *peerTable) lookup(addr memberlist.Address) *peerConn {
	pt.lk.RLock()
	defer pt.lk.RUnlock()

	name := Hostname(addr.Name)
	if name == "" {
		known, ok := pt.byAddr[addr.Addr]
		if !ok {
			return nil
		}
		name = known
	}
	p, ok := pt.peers[name]
	if !ok {
		return nil
	}
	for _, pc := range p.conns {
		if pc.alive() {
			return pc
		}
	}
	return nil
}

// add records `pc` as a connection to `host`. It returns the live
// connections it evicted because `host.Name` was already claimed from
// another address, which happens when a certificate is used twice.
func (pt *peerTable) add(host Host, pc *peerConn) (evicted []*peerConn) {
	addr := host.String()
	logger := pt.logger.With(LabelPeerName.L(string(host.Name)), LabelPeerAddr.L(addr))

	pt.lk.Lock()
	defer pt.lk.Unlock()

	var migrated []*peerConn
	prev, seen := pt.byAddr[addr]
	switch {
	case !seen:
		logger.Info("new peer discovered")
	case prev != host.Name:
		logger.Warn("a peer changed its name", "previous", prev)
		pt.meter.incr(MetricHostNameChanges, LabelPeerAddr.M(addr))
		if old, ok := pt.peers[prev]; ok {
			migrated = old.conns
			delete(pt.peers, prev)
		}
	}
	pt.byAddr[addr] = host.Name

	p, ok := pt.peers[host.Name]
	if !ok {
		p = &peer{host: host}
		pt.peers[host.Name] = p
	}
	p.prune()

	if p.host != host {
		if len(p.conns) > 0 {
			logger.Error(
				"hostname claimed from two addresses, a certificate may have leaked",
				"previous", p.host,
			)
			pt.meter.incr(MetricHostConflictsCount, LabelPeerAddr.M(addr))
			evicted = p.conns
			p.conns = nil
		} else {
			logger.Info("peer moved", "previous", p.host)
		}
		p.host = host
	}

	p.conns = append(p.conns, migrated...)
	p.conns = append(p.conns, pc)
	return evicted
}

// drain forgets every peer and returns all the connections it knew.
func (pt *peerTable) drain() []*peerConn {
	pt.lk.Lock()
	defer pt.lk.Unlock()

	var all []*peerConn
	for _, p := range pt.peers {
		all = append(all, p.conns...)
	}
	clear(pt.peers)
	clear(pt.byAddr)
	return all
}

func (pt *peerTable) hosts() []Host {
	pt.lk.RLock()
	defer pt.lk.RUnlock()

	out := make([]Host, 0, len(pt.peers))
	for _, p := range pt.peers {
		out = append(out, p.host)
	}
	return out
}
