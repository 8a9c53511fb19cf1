package gossip

import (
	"errors"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg  = errors.New("gossip: invalid configuration")
	ErrJoinCluster = errors.New("gossip: could not join cluster")
	ErrNoPeer      = errors.New("gossip: no peer could be reached")

	ErrBufferSize      = errors.New("quic: could not allocate udp buffer")
	ErrHostnameResolve = errors.New("quic: could not resolve hostname from certificate")
	ErrInvalidAddr     = errors.New("quic: the address you provided is invalid")
	ErrNoAdvertiseAddr = errors.New("quic: bound to an unspecified IP, an advertise address is required")
	ErrShutdown        = errors.New("quic: shutting down")
	ErrStreamWrite     = errors.New("quic: error writing to a stream")
	ErrNoTLSConfig     = errors.New("quic: TLSConfig is required")
)

// codeProtocolViolation resets streams that do not start with a known mode.
const codeProtocolViolation quic.StreamErrorCode = 0xff

// connCode is the application error sent when we close a QUIC connection.
// The peer sees `prefix: message`.
type connCode struct {
	code   quic.ApplicationErrorCode
	prefix string
}

var (
	codeInternal     = connCode{code: 0x1, prefix: "internal"}
	codeShutdown     = connCode{code: 0x3, prefix: "shutdown"}
	codeNameConflict = connCode{code: 0x4, prefix: "name conflict"}
)

func (c connCode) close(conn quic.Connection, msg string) {
	if conn == nil {
		return
	}
	_ = conn.CloseWithError(c.code, c.prefix+": "+msg)
}
