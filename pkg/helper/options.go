package helper

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 8 * time.Second
	DefaultQueueSize      = 32
	DefaultAcceptBackoff  = 100 * time.Millisecond
)

type config struct {
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label

	dialer         func(ctx context.Context) (net.Conn, error)
	sleep          func(ctx context.Context, d time.Duration) error
	initialBackoff time.Duration
	maxBackoff     time.Duration
	queueSize      int
	acceptBackoff  time.Duration
}

func newConfig(opts []Option) (*config, error) {
	cfg := &config{
		sleep:          sleepCtx,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		queueSize:      DefaultQueueSize,
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

// Option to pass to `NewClient` and `Serve`.
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

// WithDialer overrides how the client reaches the helper.
func WithDialer(dial func(ctx context.Context) (net.Conn, error)) Option {
	return func(c *config) error {
		if dial == nil {
			return fmt.Errorf("nil dialer")
		}
		c.dialer = dial
		return nil
	}
}

// WithBackoff sets the first delay between reconnection attempts and
// the cap the doubling delays never exceed.
func WithBackoff(initial, ceiling time.Duration) Option {
	return func(c *config) error {
		if initial <= 0 || ceiling < initial {
			return fmt.Errorf("invalid backoff bounds [%s, %s]", initial, ceiling)
		}
		c.initialBackoff = initial
		c.maxBackoff = ceiling
		return nil
	}
}

// WithSleep replaces how the client waits between reconnection attempts.
// It must return early with an error once ctx is done.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *config) error {
		if sleep == nil {
			return fmt.Errorf("nil sleep function")
		}
		c.sleep = sleep
		return nil
	}
}

// WithQueueSize sets how many commands may wait for the client.
func WithQueueSize(size int) Option {
	return func(c *config) error {
		if size < 0 {
			return fmt.Errorf("negative queue size %d", size)
		}
		c.queueSize = size
		return nil
	}
}

// WithAcceptBackoff sets how long `Serve` pauses after a failed accept.
func WithAcceptBackoff(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("invalid accept backoff %s", d)
		}
		c.acceptBackoff = d
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
