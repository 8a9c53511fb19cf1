package m2mi

import (
	"context"
)

// Transport is the datagram medium shared by the layers of a network.
//
// `Send` delivers a frame to every attached layer, possibly including the
// sender. `Receive` blocks until a frame whose prefix was registered with
// `RegisterFilter` arrives; it must return an error wrapping
// `transport.ErrClosed` once the transport is closed. Implementations live
// under `pkg/transport`.
type Transport interface {
	Filterer
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
}
