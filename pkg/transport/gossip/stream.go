package gossip

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// streamMode is the first byte of every stream, so the accepting side
// knows what the stream is for.
type streamMode byte

const (
	streamModeUnspecified streamMode = iota
	streamModeGossip
)

// gossipStream is a QUIC stream seen as the `net.Conn` memberlist uses for
// push/pull and reliable messages.
//
// quic-go synchronises Read, Write and Close, it only forbids Close racing
// with Write, which memberlist never does.
type gossipStream struct {
	quic.Stream
	local  net.Addr
	remote net.Addr
}

func newGossipStream(pc *peerConn, s quic.Stream) *gossipStream {
	return &gossipStream{
		Stream: s,
		local:  pc.LocalAddr(),
		remote: pc.RemoteAddr(),
	}
}

func (s *gossipStream) LocalAddr() net.Addr {
	return s.local
}

func (s *gossipStream) RemoteAddr() net.Addr {
	return s.remote
}

// closeOn closes the stream when `done` is closed, unless it ended first.
func (s *gossipStream) closeOn(done <-chan struct{}) {
	select {
	case <-s.Context().Done():
	case <-done:
		s.Close()
	}
}

func (s *gossipStream) abort() {
	s.CancelRead(codeProtocolViolation)
	s.CancelWrite(codeProtocolViolation)
}

func (s *gossipStream) writeMode(mode streamMode) error {
	if _, err := s.Write([]byte{byte(mode)}); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return nil
}

func (s *gossipStream) readMode(timeout time.Duration) (streamMode, error) {
	var mode [1]byte
	s.SetReadDeadline(time.Now().Add(timeout))
	defer s.SetReadDeadline(time.Time{})
	if _, err := io.ReadFull(s, mode[:]); err != nil {
		return streamModeUnspecified, err
	}
	return streamMode(mode[0]), nil
}
