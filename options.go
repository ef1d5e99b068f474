package tether

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/tether/pkg/frame"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultRecycleTimeout = 500 * time.Millisecond
	DefaultDialTimeout    = 5 * time.Second
	DefaultQueueSize      = 256
	DefaultPoolSize       = 16
	DefaultAcceptBackoff  = 100 * time.Millisecond
)

// DialFunc opens the raw byte stream a Conn multiplexes over.
type DialFunc func(ctx context.Context) (net.Conn, error)

type config struct {
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label

	codec     frame.Codec
	tlsConf   *tls.Config
	authToken string
	dialer    DialFunc

	dialTimeout    time.Duration
	requestTimeout time.Duration
	recycleTimeout time.Duration
	queueSize      int

	poolSize int

	maxConns      int
	acceptBackoff time.Duration
	peerResolver  PeerResolver
	udpBufferSize int
}

func newConfig(opts []Option) (*config, error) {
	cfg := &config{
		codec:          frame.Binary,
		dialTimeout:    DefaultDialTimeout,
		requestTimeout: DefaultRequestTimeout,
		recycleTimeout: DefaultRecycleTimeout,
		queueSize:      DefaultQueueSize,
		poolSize:       DefaultPoolSize,
		acceptBackoff:  DefaultAcceptBackoff,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	return cfg, nil
}

func (cfg *config) logger() *slog.Logger {
	if cfg.logHandler == nil {
		return slog.Default()
	}
	return slog.New(cfg.logHandler)
}

func (cfg *config) sink() metrics.MetricSink {
	if cfg.metricSink == nil {
		return metrics.Default()
	}
	return cfg.metricSink
}

// Option to pass to `NewConn`, `Dial`, `NewPool` and `NewServer`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithCodec chooses how envelopes are laid out in frames.
// Both ends of a connection MUST agree on it.
func WithCodec(codec frame.Codec) Option {
	return func(c *config) error {
		if codec == nil {
			return fmt.Errorf("nil codec")
		}
		c.codec = codec
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by TCP and QUIC endpoints.
// It is mandatory for QUIC.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.tlsConf = tlsConf.Clone()
		return nil
	}
}

// WithAuthToken sets the shared secret sent in the handshake of network
// endpoints.
func WithAuthToken(token string) Option {
	return func(c *config) error {
		c.authToken = token
		return nil
	}
}

// WithDialer overrides how raw connections are opened.
func WithDialer(dial DialFunc) Option {
	return func(c *config) error {
		c.dialer = dial
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote peer to accept a connection.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = DefaultDialTimeout
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithRequestTimeout bounds how long a caller waits for a reply.
// It does not cancel the work on the server.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("negative request timeout %s", timeout)
		}
		if timeout == 0 {
			timeout = DefaultRequestTimeout
		}
		c.requestTimeout = timeout
		return nil
	}
}

// WithRecycleTimeout bounds the liveness ping performed when a pooled
// connection is checked out.
func WithRecycleTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("negative recycle timeout %s", timeout)
		}
		if timeout == 0 {
			timeout = DefaultRecycleTimeout
		}
		c.recycleTimeout = timeout
		return nil
	}
}

// WithQueueSize sets how many requests can wait for the write loop
// before `Send` blocks.
func WithQueueSize(size int) Option {
	return func(c *config) error {
		if size < 0 {
			return fmt.Errorf("negative queue size %d", size)
		}
		c.queueSize = size
		return nil
	}
}

// WithPoolSize sets the maximum number of connections a `Pool` hands out
// at once.
func WithPoolSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return fmt.Errorf("pool size must be positive, got %d", size)
		}
		c.poolSize = size
		return nil
	}
}

// WithMaxConnections caps the connections a `Server` serves concurrently.
// Zero means unlimited.
func WithMaxConnections(n int) Option {
	return func(c *config) error {
		if n < 0 {
			return fmt.Errorf("negative connection limit %d", n)
		}
		c.maxConns = n
		return nil
	}
}

// WithAcceptBackoff sets the pause after a failed accept.
func WithAcceptBackoff(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			d = DefaultAcceptBackoff
		}
		c.acceptBackoff = d
		return nil
	}
}

// WithPeerResolver chooses how a server names the peers presenting a
// certificate.
func WithPeerResolver(resolver PeerResolver) Option {
	return func(c *config) error {
		c.peerResolver = resolver
		return nil
	}
}

// WithUDPBufferSize sets the kernel buffer requested by QUIC listeners.
func WithUDPBufferSize(size int) Option {
	return func(c *config) error {
		c.udpBufferSize = size
		return nil
	}
}
