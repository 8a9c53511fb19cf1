// Package memory is an in-process M2MI transport: every frame sent on a
// `Hub` is offered to all of its endpoints, the sender included.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/raskyld/m2mi/pkg/transport"
)

const DefaultBufferSize = 1024

// Hub connects the endpoints of one simulated network.
type Hub struct {
	lk        sync.RWMutex
	endpoints map[*Endpoint]struct{}
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[*Endpoint]struct{})}
}

// Endpoint attaches a new endpoint to the hub. Frames arriving while its
// buffer is full are dropped, like datagrams would be.
func (h *Hub) Endpoint(bufferSize int) *Endpoint {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	ep := &Endpoint{
		hub:     h,
		data:    make(chan []byte, bufferSize),
		closeCh: make(chan struct{}),
	}
	h.lk.Lock()
	h.endpoints[ep] = struct{}{}
	h.lk.Unlock()
	return ep
}

func (h *Hub) detach(ep *Endpoint) {
	h.lk.Lock()
	delete(h.endpoints, ep)
	h.lk.Unlock()
}

func (h *Hub) broadcast(frame []byte) {
	h.lk.RLock()
	defer h.lk.RUnlock()
	for ep := range h.endpoints {
		ep.deliver(frame)
	}
}

type Endpoint struct {
	hub     *Hub
	filters transport.FilterSet
	data    chan []byte
	dropped atomic.Uint64

	lk      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

func (ep *Endpoint) RegisterFilter(prefix []byte) error {
	return ep.filters.Add(prefix)
}

func (ep *Endpoint) DeregisterFilter(prefix []byte) error {
	return ep.filters.Remove(prefix)
}

func (ep *Endpoint) Send(ctx context.Context, frame []byte) error {
	ep.lk.Lock()
	closed := ep.closed
	ep.lk.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(frame) < transport.PrefixLength {
		return fmt.Errorf("memory: frame of %d bytes has no prefix", len(frame))
	}

	// Receivers own what they get.
	ep.hub.broadcast(append([]byte(nil), frame...))
	return nil
}

func (ep *Endpoint) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-ep.data:
		return frame, nil
	case <-ep.closeCh:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ep *Endpoint) deliver(frame []byte) {
	if !ep.filters.Match(frame) {
		return
	}
	select {
	case ep.data <- frame:
	case <-ep.closeCh:
	default:
		ep.dropped.Add(1)
	}
}

// Dropped is how many accepted frames were lost to a full buffer.
func (ep *Endpoint) Dropped() uint64 {
	return ep.dropped.Load()
}

func (ep *Endpoint) Close() error {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	if ep.closed {
		return nil
	}
	ep.closed = true
	ep.hub.detach(ep)
	close(ep.closeCh)
	return nil
}
