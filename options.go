package rapace

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Protocol defaults. Both sides advertise these unless overridden; the
// effective connection parameters are the field-wise minimum.
const (
	DefaultMaxPayloadSize      = 1 << 20
	DefaultInitialStreamCredit = 64 << 10
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultMaxFramesInFlight   = 1024
	DefaultWriteQueueDepth     = 64
)

type config struct {
	maxPayloadSize      uint32
	initialStreamCredit uint32
	handshakeTimeout    time.Duration
	maxFramesInFlight   int
	writeQueueDepth     int
	dispatcher          *Dispatcher
	registry            *Registry
	logHandler          slog.Handler
	metricSink          metrics.MetricSink
	metricLabels        []metrics.Label
	acceptor            bool
}

func defaultConfig() config {
	return config{
		maxPayloadSize:      DefaultMaxPayloadSize,
		initialStreamCredit: DefaultInitialStreamCredit,
		handshakeTimeout:    DefaultHandshakeTimeout,
		maxFramesInFlight:   DefaultMaxFramesInFlight,
		writeQueueDepth:     DefaultWriteQueueDepth,
	}
}

// Option to pass to Open.
type Option func(*config) error

// WithLog specifies which slog.Handler to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink chooses how to collect the metrics emitted by the session.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// session.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithMaxPayloadSize sets the largest payload this peer will advertise in
// its Hello.
func WithMaxPayloadSize(n uint32) Option {
	return func(c *config) error {
		if n == 0 {
			return ErrInvalidCfg
		}
		c.maxPayloadSize = n
		return nil
	}
}

// WithInitialStreamCredit sets the byte budget advertised for new streams.
// Zero is legal: senders park until the first Credit.
func WithInitialStreamCredit(n uint32) Option {
	return func(c *config) error {
		c.initialStreamCredit = n
		return nil
	}
}

// WithHandshakeTimeout bounds how long Open waits for the peer's Hello.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			d = DefaultHandshakeTimeout
		}
		c.handshakeTimeout = d
		return nil
	}
}

// WithMaxFramesInFlight caps concurrent inbound dispatches. Exceeding the
// cap answers ResourceExhausted; the connection stays up.
func WithMaxFramesInFlight(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return ErrInvalidCfg
		}
		c.maxFramesInFlight = n
		return nil
	}
}

// WithDispatcher installs the server-side method dispatcher.
func WithDispatcher(d *Dispatcher) Option {
	return func(c *config) error {
		c.dispatcher = d
		return nil
	}
}

// WithRegistry installs the local schema registry used to gate outbound
// calls and answer introspection.
func WithRegistry(r *Registry) Option {
	return func(c *config) error {
		c.registry = r
		return nil
	}
}

// AsAcceptor marks this side as the connection acceptor: its request_ids
// carry the high bit and its stream_ids are even.
func AsAcceptor() Option {
	return func(c *config) error {
		c.acceptor = true
		return nil
	}
}
