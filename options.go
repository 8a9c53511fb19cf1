package m2mi

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	MaxInvocationDebugLevel = 2
	MaxReceiverDebugLevel   = 3
)

type config struct {
	workers         int
	networking      bool
	tr              Transport
	invocationDebug int
	receiverDebug   int
	sendTimeout     time.Duration
	logHandler      slog.Handler
	msink           metrics.MetricSink
	metricLabels    []metrics.Label
	onPostError     func(Handle, string, error)
}

func defaultConfig() config {
	return config{
		workers:     runtime.GOMAXPROCS(0),
		sendTimeout: 5 * time.Second,
	}
}

func (c *config) validate() error {
	if c.workers < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", c.workers)
	}
	if c.invocationDebug < 0 || c.invocationDebug > MaxInvocationDebugLevel {
		return fmt.Errorf("invocation debug level %d is not in the range 0 through %d", c.invocationDebug, MaxInvocationDebugLevel)
	}
	if c.receiverDebug < 0 || c.receiverDebug > MaxReceiverDebugLevel {
		return fmt.Errorf("receiver debug level %d is not in the range 0 through %d", c.receiverDebug, MaxReceiverDebugLevel)
	}
	if c.networking && c.tr == nil {
		return fmt.Errorf("networking is enabled but no transport was provided")
	}
	return nil
}

// Option to pass to `New`.
type Option func(*config) error

// WithWorkers sets how many invocations can be delivered concurrently.
func WithWorkers(n int) Option {
	return func(c *config) error {
		c.workers = n
		return nil
	}
}

// WithTransport attaches the layer to a datagram transport and enables
// networking.
func WithTransport(tr Transport) Option {
	return func(c *config) error {
		if tr == nil {
			return fmt.Errorf("nil transport")
		}
		c.tr = tr
		c.networking = true
		return nil
	}
}

// WithNetworking toggles networking. Disabling it keeps every invocation
// in-process even if a transport was provided.
func WithNetworking(enabled bool) Option {
	return func(c *config) error {
		c.networking = enabled
		return nil
	}
}

// WithInvocationDebugLevel controls what the worker pool logs:
// 0 nothing, 1 failed deliveries at error level, 2 also every delivery at
// info level.
func WithInvocationDebugLevel(level int) Option {
	return func(c *config) error {
		c.invocationDebug = level
		return nil
	}
}

// WithReceiverDebugLevel controls what the network receiver logs:
// 0 nothing, 1 dropped frames at warn level, 2 also every frame at info
// level, 3 every frame with its prefix.
func WithReceiverDebugLevel(level int) Option {
	return func(c *config) error {
		c.receiverDebug = level
		return nil
	}
}

// WithSendTimeout bounds how long an outgoing broadcast may block.
func WithSendTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		c.sendTimeout = timeout
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Layer`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Layer.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithPostErrorHandler is called when `Handle.Post` fails, since there is
// no caller to return the error to. By default, the error is logged.
func WithPostErrorHandler(fn func(h Handle, method string, err error)) Option {
	return func(c *config) error {
		c.onPostError = fn
		return nil
	}
}
