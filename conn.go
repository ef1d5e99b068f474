package tether

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/tether/pkg/frame"
)

type outbound[A Action, R Reply] struct {
	req Request[A]
	w   *waiter[R]
}

// Conn multiplexes concurrent requests over a single byte stream.
//
// One goroutine owns the write half and one the read half. Callers never
// touch the stream: they enqueue a request and block on a one-shot slot
// that the read loop resolves when the response carrying the same id
// arrives, in whatever order the peer answers.
type Conn[A Action, R Reply] struct {
	id      string
	cfg     *config
	proto   Protocol[A, R]
	rwc     net.Conn
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label

	nextID  atomic.Uint64
	pending *pendingTable[R]

	writeCh chan outbound[A, R]
	closeCh chan struct{}
	loops   sync.WaitGroup

	// handle Close sync.
	err error
	lk  sync.Mutex
}

// NewConn starts multiplexing requests over rwc. No handshake is
// performed: use `Dial` for endpoints requiring authentication.
func NewConn[A Action, R Reply](rwc net.Conn, proto Protocol[A, R], opts ...Option) (*Conn[A, R], error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return newConn(rwc, proto, cfg), nil
}

// Dial opens a connection to ep and, when ep is a network endpoint,
// authenticates with the token given by `WithAuthToken` before
// returning.
func Dial[A Action, R Reply](ctx context.Context, ep Endpoint, proto Protocol[A, R], opts ...Option) (*Conn[A, R], error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if ep.RequiresAuth() && cfg.authToken == "" {
		return nil, ErrMissingCredential
	}
	return dial(ctx, ep, proto, cfg)
}

func dial[A Action, R Reply](ctx context.Context, ep Endpoint, proto Protocol[A, R], cfg *config) (*Conn[A, R], error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.dialTimeout)
	defer cancel()

	var (
		raw net.Conn
		err error
	)
	if cfg.dialer != nil {
		raw, err = cfg.dialer(dialCtx)
	} else {
		raw, err = ep.dial(dialCtx, cfg)
	}
	if err != nil {
		cfg.sink().IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			withLabels(cfg.metricLabels, LabelEndpoint.M(ep.String()), LabelError.M("dial")),
		)
		return nil, err
	}

	c := newConn(raw, proto, cfg)
	if ep.RequiresAuth() {
		if err := c.authenticate(ctx, cfg.authToken); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func newConn[A Action, R Reply](rwc net.Conn, proto Protocol[A, R], cfg *config) *Conn[A, R] {
	c := &Conn[A, R]{
		id:      uuid.NewString(),
		cfg:     cfg,
		proto:   proto,
		rwc:     rwc,
		msink:   cfg.sink(),
		pending: newPendingTable[R](),
		writeCh: make(chan outbound[A, R], cfg.queueSize),
		closeCh: make(chan struct{}),
	}

	c.mLabels = withLabels(cfg.metricLabels, LabelCodec.M(cfg.codec.Name()))
	c.logger = cfg.logger().With(
		slog.String("conn_id", c.id),
		LabelPeerAddr.L(remoteAddrString(rwc)),
	)

	c.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, c.mLabels)
	c.logger.Debug("connection established")

	c.loops.Add(2)
	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *Conn[A, R]) authenticate(ctx context.Context, token string) error {
	_, err := c.Send(ctx, c.proto.AuthAction(token))
	if err != nil {
		c.logger.Warn("authentication handshake failed", LabelError.L(err))
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	c.logger.Debug("authenticated")
	return nil
}

// Send submits action and blocks until its reply, the request timeout,
// the end of ctx or the loss of the connection.
//
// A reply carrying an application error is returned along with a
// `*ServerError`. Giving up on a request does not cancel it on the peer.
func (c *Conn[A, R]) Send(ctx context.Context, action A) (R, error) {
	var zero R

	id := PingPongID
	if !action.IsPing() {
		id = c.nextID.Add(1)
	}

	ctx, cancel := context.WithTimeoutCause(ctx, c.cfg.requestTimeout, ErrRequestTimeout)
	defer cancel()

	select {
	case <-c.closeCh:
		return zero, c.Err()
	default:
	}

	w := newWaiter[R]()
	w.sentAt = time.Now()
	out := outbound[A, R]{
		req: Request[A]{ID: id, Action: action},
		w:   w,
	}

	select {
	case c.writeCh <- out:
	case <-c.closeCh:
		return zero, c.Err()
	case <-ctx.Done():
		return zero, c.giveUp(id, w, context.Cause(ctx))
	}

	select {
	case res := <-w.ch:
		c.observe(w, res.err)
		return res.reply, res.err
	case <-ctx.Done():
		if w.fail(context.Cause(ctx)) {
			return zero, c.giveUp(id, w, context.Cause(ctx))
		}
	case <-c.closeCh:
		w.fail(c.Err())
	}

	// someone else resolved the waiter first
	res := <-w.ch
	c.observe(w, res.err)
	return res.reply, res.err
}

func (c *Conn[A, R]) giveUp(id uint64, w *waiter[R], cause error) error {
	c.pending.remove(id, w)
	c.msink.IncrCounterWithLabels(
		MetricRequestErrorCount,
		1.0,
		withLabels(c.mLabels, LabelError.M(errorKind(cause))),
	)
	return cause
}

func (c *Conn[A, R]) observe(w *waiter[R], err error) {
	if err != nil {
		c.msink.IncrCounterWithLabels(
			MetricRequestErrorCount,
			1.0,
			withLabels(c.mLabels, LabelError.M(errorKind(err))),
		)
		return
	}
	c.msink.IncrCounterWithLabels(MetricRequestCount, 1.0, c.mLabels)
	c.msink.AddSampleWithLabels(MetricRequestLatencyMs, sinceMs(w.sentAt), c.mLabels)
}

// Ping sends a liveness probe and waits for the matching pong.
func (c *Conn[A, R]) Ping(ctx context.Context) error {
	_, err := c.Send(ctx, c.proto.PingAction())
	return err
}

// Close tears the connection down. Every request still in flight fails
// with `ErrConnClosed`.
func (c *Conn[A, R]) Close() error {
	err := c.closeWith(ErrConnClosed)
	c.loops.Wait()
	return err
}

// Err returns why the connection was closed, or nil while it is open.
func (c *Conn[A, R]) Err() error {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.err
}

// Done is closed as soon as the connection stops being usable.
func (c *Conn[A, R]) Done() <-chan struct{} {
	return c.closeCh
}

func (c *Conn[A, R]) Closed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

// InFlight returns how many requests await a response.
func (c *Conn[A, R]) InFlight() int {
	return c.pending.len()
}

func (c *Conn[A, R]) RemoteAddr() net.Addr {
	return c.rwc.RemoteAddr()
}

func (c *Conn[A, R]) closeWith(cause error) error {
	c.lk.Lock()
	if c.err != nil {
		c.lk.Unlock()
		return nil
	}
	c.err = cause
	close(c.closeCh)
	c.lk.Unlock()

	c.msink.IncrCounterWithLabels(
		MetricConnClosedCount,
		1.0,
		withLabels(c.mLabels, LabelError.M(errorKind(cause))),
	)
	return c.rwc.Close()
}

func (c *Conn[A, R]) writeLoop() {
	defer c.loops.Done()
	for {
		select {
		case <-c.closeCh:
			c.drainQueue()
			return
		case out := <-c.writeCh:
			if err := c.write(out); err != nil {
				c.logger.Debug("write loop terminated", LabelError.L(err))
				c.closeWith(err)
				c.drainQueue()
				return
			}
		}
	}
}

// write sends one request. A non-nil error means the connection is
// unusable.
func (c *Conn[A, R]) write(out outbound[A, R]) error {
	id := out.req.ID
	if out.w.done() {
		return nil
	}
	if prev := c.pending.insert(id, out.w); prev != nil {
		c.logger.Warn("protocol violation: request id already in flight", LabelRequest.L(id))
		c.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			withLabels(c.mLabels, LabelError.M("duplicate_id")),
		)
		prev.fail(ErrDuplicateID)
	}
	if out.w.done() {
		// the caller gave up while the request was queued
		c.pending.remove(id, out.w)
		return nil
	}

	buf, err := c.cfg.codec.Encode(id, out.req.Action)
	if err != nil {
		c.pending.remove(id, out.w)
		out.w.fail(err)
		return nil
	}

	err = frame.Write(c.rwc, buf)
	if errors.Is(err, frame.ErrTooLargeFrame) {
		c.pending.remove(id, out.w)
		out.w.fail(err)
		return nil
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrConnClosed, err)
		c.pending.remove(id, out.w)
		out.w.fail(err)
		return err
	}

	c.msink.IncrCounterWithLabels(MetricConnOutBytes, float32(frame.HeaderSize+len(buf)), c.mLabels)
	return nil
}

func (c *Conn[A, R]) drainQueue() {
	cause := c.Err()
	for {
		select {
		case out := <-c.writeCh:
			out.w.fail(cause)
		default:
			return
		}
	}
}

func (c *Conn[A, R]) readLoop() {
	defer c.loops.Done()

	var cause error
	for {
		buf, err := frame.Read(c.rwc)
		if err != nil {
			cause = c.readError(err)
			break
		}
		c.msink.IncrCounterWithLabels(MetricConnInBytes, float32(frame.HeaderSize+len(buf)), c.mLabels)

		var reply R
		id, err := c.cfg.codec.Decode(buf, &reply)
		if err != nil {
			c.logger.Warn("protocol violation: malformed response", LabelError.L(err))
			cause = fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			break
		}

		c.dispatch(id, reply)
	}

	c.closeWith(cause)
	if n := c.pending.failAll(c.Err()); n > 0 {
		c.logger.Debug("failed in-flight requests", slog.Int("count", n), LabelError.L(c.Err()))
	}
}

func (c *Conn[A, R]) readError(err error) error {
	if c.Closed() {
		return c.Err()
	}

	switch {
	case errors.Is(err, io.EOF), errors.Is(err, frame.ErrEmptyFrame):
		c.logger.Debug("peer closed the connection")
		return ErrConnClosed
	case errors.Is(err, frame.ErrTooLargeFrame):
		c.logger.Warn("protocol violation: oversized frame", LabelError.L(err))
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	default:
		c.logger.Warn("error reading from connection", LabelError.L(err))
		return fmt.Errorf("%w: %w", ErrConnClosed, err)
	}
}

func (c *Conn[A, R]) dispatch(id uint64, reply R) {
	w := c.pending.take(id)
	if w == nil {
		attrs := []any{LabelRequest.L(id)}
		if msg, ok := reply.Err(); ok {
			attrs = append(attrs, LabelError.L(msg))
		}
		// the caller already gave up, or the peer is confused
		c.logger.Debug("dropping response without a pending request", attrs...)
		c.msink.IncrCounterWithLabels(MetricRequestUnmatchedCount, 1.0, c.mLabels)
		return
	}

	var err error
	if id == PingPongID {
		if !reply.IsPong() {
			err = ErrInvalidPong
		}
	} else if msg, ok := reply.Err(); ok {
		err = &ServerError{Msg: msg}
	}

	if !w.resolve(reply, err) {
		c.logger.Debug("response arrived after its caller gave up", LabelRequest.L(id))
	}
}

// errorKind maps an error to a low-cardinality metric label.
func errorKind(err error) string {
	var serr *ServerError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrPoolClosed):
		return "pool_closed"
	case errors.Is(err, ErrPoolTimeout):
		return "pool_timeout"
	case errors.Is(err, ErrPoolDial):
		return "dial"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrInvalidPong):
		return "invalid_pong"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.As(err, &serr):
		return "server"
	case errors.Is(err, ErrDuplicateID):
		return "duplicate_id"
	case errors.Is(err, ErrConnClosed):
		return "closed"
	default:
		return "io"
	}
}

func remoteAddrString(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
