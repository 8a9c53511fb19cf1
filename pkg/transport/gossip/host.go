package gossip

import (
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"strconv"
)

// Hostname of a peer, as found in its certificate. It is compared with
// memberlist node names.
type Hostname string

// Host is where a peer was last seen.
type Host struct {
	Name Hostname
	Addr string
	Port int
}

func hostOf(name Hostname, addr net.Addr) (Host, error) {
	ip, rawPort, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Host{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return Host{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	return Host{Name: name, Addr: ip, Port: port}, nil
}

// String is the `ip:port` memberlist uses to address the host.
func (host Host) String() string {
	return net.JoinHostPort(host.Addr, strconv.Itoa(host.Port))
}

func (host Host) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", string(host.Name)),
		slog.String("addr", host.Addr),
		slog.Int("port", host.Port),
	)
}

// HostnameResolver finds the hostname of a peer from the certificates it
// presented. It runs on the connection establishment path and must not
// block.
//
// Return a `*ResolveError` to tell the peer why it was refused; any other
// error is reported to it as an internal error.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, error)

// ResolveError is a resolution failure the peer is allowed to know about.
type ResolveError struct {
	Reason string
}

func (e *ResolveError) Error() string {
	return ErrHostnameResolve.Error() + ": " + e.Reason
}

func (e *ResolveError) Unwrap() error {
	return ErrHostnameResolve
}

// CommonNameResolver is the default resolver: the hostname is the Subject
// Common Name of the leaf certificate, which must match the memberlist node
// name of the peer.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, error) {
	if len(certs) == 0 {
		return "", &ResolveError{Reason: "no client certificate was presented"}
	}
	if certs[0].Subject.CommonName == "" {
		return "", &ResolveError{Reason: "your certificate has no common name"}
	}
	return Hostname(certs[0].Subject.CommonName), nil
}
