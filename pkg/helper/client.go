// Package helper drives the control channel of a privileged helper
// process: one JSON command per line, answered by one JSON status line,
// over a unix socket the client keeps reconnecting to.
package helper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/tether/pkg/frame"
)

var (
	ErrInvalidCfg          = errors.New("helper: invalid options")
	ErrServiceDisconnected = errors.New("helper: service disconnected")
	ErrPeerClosed          = errors.New("helper: helper closed the connection")
)

var (
	MetricHelperReconnectCount    = []string{"tether", "helper", "reconnect", "count"}
	MetricHelperDialErrorCount    = []string{"tether", "helper", "dial", "error", "count"}
	MetricHelperCommandCount      = []string{"tether", "helper", "command", "count"}
	MetricHelperCommandErrorCount = []string{"tether", "helper", "command", "error", "count"}
)

type request[C any] struct {
	ctx   context.Context
	cmd   C
	reply chan error
}

// Client sends commands to the helper, strictly one at a time.
//
// A single goroutine owns the socket. It dials lazily, waits with an
// exponential backoff between failed attempts and never gives up until
// the client is closed.
type Client[C any] struct {
	reqCh  chan request[C]
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

// NewClient starts the goroutine serving commands to the helper
// listening on socketPath.
func NewClient[C any](socketPath string, opts ...Option) (*Client[C], error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.dialer == nil {
		if socketPath == "" {
			return nil, fmt.Errorf("%w: empty socket path", ErrInvalidCfg)
		}
		cfg.dialer = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.initialBackoff
	bo.MaxInterval = cfg.maxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	a := &actor[C]{
		cfg:     cfg,
		logger:  cfg.logger().With(slog.String("helper", socketPath)),
		msink:   cfg.sink(),
		mLabels: cfg.metricLabels,
		backoff: bo,
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client[C]{
		reqCh:  make(chan request[C], cfg.queueSize),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go a.run(ctx, c.reqCh, c.done)
	return c, nil
}

// Execute sends cmd and waits for the helper's status.
//
// A failed command is reported as a `*CommandError`. Once the client is
// closed every call fails with `ErrServiceDisconnected`. Giving up
// through ctx does not recall a command already handed to the helper.
func (c *Client[C]) Execute(ctx context.Context, cmd C) error {
	req := request[C]{ctx: ctx, cmd: cmd, reply: make(chan error, 1)}

	select {
	case <-c.done:
		return ErrServiceDisconnected
	default:
	}

	select {
	case c.reqCh <- req:
	case <-c.done:
		return ErrServiceDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-c.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrServiceDisconnected
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the client and drops its connection.
func (c *Client[C]) Close() error {
	c.once.Do(c.cancel)
	<-c.done
	return nil
}

type actor[C any] struct {
	cfg     *config
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label
	backoff *backoff.ExponentialBackOff

	// conn is only replaced by the actor goroutine, lk lets Close
	// interrupt a blocking read or write.
	lk   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func (a *actor[C]) run(ctx context.Context, reqCh <-chan request[C], done chan<- struct{}) {
	defer close(done)
	defer a.disconnect()

	stop := context.AfterFunc(ctx, a.interrupt)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Debug("helper client stopped")
			return
		case req := <-reqCh:
			if err := req.ctx.Err(); err != nil {
				req.reply <- err
				continue
			}

			err := a.execute(ctx, req.cmd)
			if err != nil && ctx.Err() != nil {
				err = ErrServiceDisconnected
			}
			a.observe(err)
			req.reply <- err
		}
	}
}

// execute delivers one command. A failed write means the connection
// went away before the helper saw the command, so it is retried on a
// fresh connection. Read failures are not retried: the helper may have
// run the command already.
func (a *actor[C]) execute(ctx context.Context, cmd C) error {
	for {
		if err := a.ensureConnection(ctx); err != nil {
			return err
		}

		if err := frame.WriteLine(a.w, cmd); err != nil {
			if errors.Is(err, frame.ErrEncode) || errors.Is(err, frame.ErrTooLargeFrame) {
				return err
			}
			a.logger.Warn("failed to send command, reconnecting", slog.Any("error", err))
			a.disconnect()
			continue
		}

		var st Status
		err := frame.ReadLine(a.r, &st)
		switch {
		case err == nil:
			return st.Err()
		case errors.Is(err, io.EOF):
			a.logger.Warn("helper closed the connection before answering")
			a.disconnect()
			return ErrPeerClosed
		default:
			a.logger.Warn("failed to read status", slog.Any("error", err))
			a.disconnect()
			return fmt.Errorf("helper: reading status: %w", err)
		}
	}
}

func (a *actor[C]) ensureConnection(ctx context.Context) error {
	if a.conn != nil {
		return nil
	}

	for {
		conn, err := a.cfg.dialer(ctx)
		if err == nil {
			a.lk.Lock()
			a.conn = conn
			a.r = bufio.NewReader(conn)
			a.w = bufio.NewWriter(conn)
			a.lk.Unlock()

			a.backoff.Reset()
			a.msink.IncrCounterWithLabels(MetricHelperReconnectCount, 1.0, a.mLabels)
			a.logger.Debug("connected to helper")
			return nil
		}
		if ctx.Err() != nil {
			return ErrServiceDisconnected
		}

		delay := a.backoff.NextBackOff()
		a.msink.IncrCounterWithLabels(MetricHelperDialErrorCount, 1.0, a.mLabels)
		a.logger.Warn("could not reach helper, retrying",
			slog.Any("error", err),
			slog.Duration("delay", delay),
		)
		if err := a.cfg.sleep(ctx, delay); err != nil {
			return ErrServiceDisconnected
		}
	}
}

func (a *actor[C]) disconnect() {
	a.lk.Lock()
	defer a.lk.Unlock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.conn = nil
	a.r = nil
	a.w = nil
}

// interrupt unblocks the actor when the client is closed mid command.
func (a *actor[C]) interrupt() {
	a.lk.Lock()
	defer a.lk.Unlock()
	if a.conn != nil {
		a.conn.Close()
	}
}

func (a *actor[C]) observe(err error) {
	if err == nil {
		a.msink.IncrCounterWithLabels(MetricHelperCommandCount, 1.0, a.mLabels)
		return
	}

	kind := "io"
	var cmdErr *CommandError
	switch {
	case errors.As(err, &cmdErr):
		kind = "command"
	case errors.Is(err, ErrPeerClosed):
		kind = "peer_closed"
	case errors.Is(err, ErrServiceDisconnected):
		kind = "disconnected"
	}
	a.msink.IncrCounterWithLabels(
		MetricHelperCommandErrorCount,
		1.0,
		append(append([]metrics.Label{}, a.mLabels...), metrics.Label{Name: "error", Value: kind}),
	)
}
