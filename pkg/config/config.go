// Package config loads M2MI layer and transport settings from YAML.
// There are no defaults for the layer settings:
//
//	workers: 4
//	invocation_debug: 1
//	receiver_debug: 2
//	send_timeout: 2s
//	transport:
//	  kind: multicast
//	  multicast:
//	    group: 239.255.0.1:5678
//	    ttl: 1
package config

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/m2mi"
	"github.com/raskyld/m2mi/pkg/transport/gossip"
	"github.com/raskyld/m2mi/pkg/transport/memory"
	"github.com/raskyld/m2mi/pkg/transport/multicast"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Transport kinds.
const (
	KindNone      = "none"
	KindMemory    = "memory"
	KindMulticast = "multicast"
	KindGossip    = "gossip"
)

// Config of a layer. `workers`, `invocation_debug` and `receiver_debug`
// have no default and must be set.
type Config struct {
	// Workers is the size of the delivery worker pool.
	Workers *int `yaml:"workers"`

	// Networking defaults to true when a transport is configured.
	Networking *bool `yaml:"networking,omitempty"`

	InvocationDebug *int          `yaml:"invocation_debug"`
	ReceiverDebug   *int          `yaml:"receiver_debug"`
	SendTimeout     time.Duration `yaml:"send_timeout,omitempty"`

	Transport TransportConfig `yaml:"transport"`
}

type TransportConfig struct {
	// Kind is one of none, memory, multicast and gossip.
	Kind string `yaml:"kind"`

	Memory    MemoryConfig    `yaml:"memory,omitempty"`
	Multicast MulticastConfig `yaml:"multicast,omitempty"`
	Gossip    GossipConfig    `yaml:"gossip,omitempty"`
}

type MemoryConfig struct {
	BufferSize int `yaml:"buffer_size,omitempty"`
}

type MulticastConfig struct {
	Group           string `yaml:"group,omitempty"`
	Interface       string `yaml:"interface,omitempty"`
	TTL             int    `yaml:"ttl,omitempty"`
	DisableLoopback bool   `yaml:"disable_loopback,omitempty"`
	MaxDatagramSize int    `yaml:"max_datagram_size,omitempty"`
}

type GossipConfig struct {
	NodeName      string        `yaml:"node_name"`
	BindAddr      string        `yaml:"bind_addr,omitempty"`
	BindPort      int           `yaml:"bind_port,omitempty"`
	AdvertiseAddr string        `yaml:"advertise_addr,omitempty"`
	AdvertisePort int           `yaml:"advertise_port,omitempty"`
	Profile       string        `yaml:"profile,omitempty"`
	Neighbours    []string      `yaml:"neighbours,omitempty"`
	LeaveTimeout  time.Duration `yaml:"leave_timeout,omitempty"`
	QUIC          *QUICConfig   `yaml:"quic,omitempty"`
}

// QUICConfig points to the PEM files of the node mutual TLS identity.
type QUICConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration. Unknown fields are
// rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: failed to parse YAML: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := inRange("workers", c.Workers, 1, math.MaxInt); err != nil {
		return err
	}
	if err := inRange("invocation_debug", c.InvocationDebug, 0, m2mi.MaxInvocationDebugLevel); err != nil {
		return err
	}
	if err := inRange("receiver_debug", c.ReceiverDebug, 0, m2mi.MaxReceiverDebugLevel); err != nil {
		return err
	}
	if c.SendTimeout < 0 {
		return fmt.Errorf("%w: send_timeout must be positive", ErrInvalidConfig)
	}

	switch c.Transport.Kind {
	case "", KindNone, KindMemory:
	case KindMulticast:
		if c.Transport.Multicast.TTL < 0 || c.Transport.Multicast.TTL > 255 {
			return fmt.Errorf("%w: multicast ttl must be between 0 and 255", ErrInvalidConfig)
		}
	case KindGossip:
		g := c.Transport.Gossip
		if g.NodeName == "" {
			return fmt.Errorf("%w: gossip node_name is required", ErrInvalidConfig)
		}
		if g.QUIC != nil && (g.QUIC.CertFile == "" || g.QUIC.KeyFile == "" || g.QUIC.CAFile == "") {
			return fmt.Errorf("%w: gossip quic needs cert_file, key_file and ca_file", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown transport kind %q", ErrInvalidConfig, c.Transport.Kind)
	}

	if c.Networking != nil && *c.Networking && !c.hasTransport() {
		return fmt.Errorf("%w: networking needs a transport", ErrInvalidConfig)
	}
	return nil
}

func inRange(key string, v *int, low, high int) error {
	switch {
	case v == nil:
		return fmt.Errorf("%w: %s is missing", ErrInvalidConfig, key)
	case *v < low || *v > high:
		return fmt.Errorf("%w: %s is %d, not in the range %d through %d", ErrInvalidConfig, key, *v, low, high)
	}
	return nil
}

func (c *Config) hasTransport() bool {
	return c.Transport.Kind != "" && c.Transport.Kind != KindNone
}

// Env carries the process-wide collaborators the configuration can't
// describe.
type Env struct {
	// Hub is required by the memory transport.
	Hub          *memory.Hub
	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

// Transport is what `OpenTransport` returns, the caller closes it after the
// layer shutdown.
type Transport interface {
	m2mi.Transport
	io.Closer
}

// Options turns the layer settings into options for `m2mi.New`. The
// transport is not included, see `NewLayer`. The configuration must be
// valid.
func (c *Config) Options(env Env) []m2mi.Option {
	opts := []m2mi.Option{
		m2mi.WithWorkers(*c.Workers),
		m2mi.WithInvocationDebugLevel(*c.InvocationDebug),
		m2mi.WithReceiverDebugLevel(*c.ReceiverDebug),
	}
	if c.SendTimeout > 0 {
		opts = append(opts, m2mi.WithSendTimeout(c.SendTimeout))
	}
	if env.LogHandler != nil {
		opts = append(opts, m2mi.WithLog(env.LogHandler))
	}
	if env.MetricSink != nil {
		opts = append(opts, m2mi.WithMetricSink(env.MetricSink))
	}
	if env.MetricLabels != nil {
		opts = append(opts, m2mi.WithMetricLabels(env.MetricLabels))
	}
	return opts
}

// OpenTransport opens the configured transport, or returns nil when there
// is none.
func (c *Config) OpenTransport(env Env) (Transport, error) {
	switch c.Transport.Kind {
	case "", KindNone:
		return nil, nil
	case KindMemory:
		if env.Hub == nil {
			return nil, fmt.Errorf("%w: memory transport needs a hub", ErrInvalidConfig)
		}
		return env.Hub.Endpoint(c.Transport.Memory.BufferSize), nil
	case KindMulticast:
		mc := c.Transport.Multicast
		cfg := multicast.Config{
			Group:           mc.Group,
			TTL:             mc.TTL,
			DisableLoopback: mc.DisableLoopback,
			MaxDatagramSize: mc.MaxDatagramSize,
			MetricSink:      env.MetricSink,
			MetricLabels:    env.MetricLabels,
			LogHandler:      env.LogHandler,
		}
		if mc.Interface != "" {
			iface, err := net.InterfaceByName(mc.Interface)
			if err != nil {
				return nil, fmt.Errorf("%w: multicast interface: %w", ErrInvalidConfig, err)
			}
			cfg.Interface = iface
		}
		tr, err := multicast.New(cfg)
		if err != nil {
			return nil, err
		}
		return tr, nil
	case KindGossip:
		g := c.Transport.Gossip
		cfg := gossip.Config{
			NodeName:      g.NodeName,
			BindAddr:      g.BindAddr,
			BindPort:      g.BindPort,
			AdvertiseAddr: g.AdvertiseAddr,
			AdvertisePort: g.AdvertisePort,
			Profile:       g.Profile,
			Neighbours:    g.Neighbours,
			LeaveTimeout:  g.LeaveTimeout,
			MetricSink:    env.MetricSink,
			MetricLabels:  env.MetricLabels,
			LogHandler:    env.LogHandler,
		}
		if g.QUIC != nil {
			tlsCfg, err := g.QUIC.TLSConfig()
			if err != nil {
				return nil, err
			}
			cfg.QUIC = &gossip.QUICConfig{TLSConfig: tlsCfg}
		}
		tr, err := gossip.New(cfg)
		if err != nil {
			return nil, err
		}
		return tr, nil
	default:
		return nil, fmt.Errorf("%w: unknown transport kind %q", ErrInvalidConfig, c.Transport.Kind)
	}
}

// NewLayer opens the transport and builds an unstarted layer on top of it.
// `tr` is nil when no transport is configured.
func (c *Config) NewLayer(env Env, extra ...m2mi.Option) (layer *m2mi.Layer, tr Transport, err error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	tr, err = c.OpenTransport(env)
	if err != nil {
		return nil, nil, err
	}

	opts := c.Options(env)
	if tr != nil {
		opts = append(opts, m2mi.WithTransport(tr))
		if c.Networking != nil {
			opts = append(opts, m2mi.WithNetworking(*c.Networking))
		}
	}
	opts = append(opts, extra...)

	layer, err = m2mi.New(opts...)
	if err != nil {
		if tr != nil {
			tr.Close()
		}
		return nil, nil, err
	}
	return layer, tr, nil
}

// TLSConfig loads the mutual TLS configuration.
func (q *QUICConfig) TLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(q.CertFile, q.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: quic key pair: %w", ErrInvalidConfig, err)
	}
	caPEM, err := os.ReadFile(q.CAFile)
	if err != nil {
		return nil, fmt.Errorf("%w: quic ca: %w", ErrInvalidConfig, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%w: quic ca: no certificate found in %s", ErrInvalidConfig, q.CAFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
