package tether

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool hands out multiplexed connections to one endpoint.
//
// At most `WithPoolSize` connections are checked out at once, further
// checkouts block. The pool never holds more live connections than that,
// counting idle ones and the ones being dialed. Every connection taken
// from the idle set is pinged first and replaced when it does not answer
// in time.
type Pool[A Action, R Reply] struct {
	ep      Endpoint
	proto   Protocol[A, R]
	cfg     *config
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label

	sem *semaphore.Weighted

	// closing ends when the pool is closed, waking blocked checkouts.
	closing context.Context
	cancel  context.CancelFunc

	lk     sync.Mutex
	idle   []*Conn[A, R]
	live   int
	closed bool

	inUse   atomic.Int64
	created atomic.Uint64
	evicted atomic.Uint64
}

// PoolStats is a snapshot of a `Pool`.
type PoolStats struct {
	Size    int
	Live    int
	Idle    int
	InUse   int
	Created uint64
	Evicted uint64
}

func NewPool[A Action, R Reply](ep Endpoint, proto Protocol[A, R], opts ...Option) (*Pool[A, R], error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if ep.RequiresAuth() && cfg.authToken == "" {
		return nil, ErrMissingCredential
	}

	closing, cancel := context.WithCancel(context.Background())
	return &Pool[A, R]{
		closing: closing,
		cancel:  cancel,
		ep:      ep,
		proto:   proto,
		cfg:     cfg,
		logger:  cfg.logger().With(LabelEndpoint.L(ep.String())),
		msink:   cfg.sink(),
		mLabels: withLabels(cfg.metricLabels, LabelEndpoint.M(ep.String())),
		sem:     semaphore.NewWeighted(int64(cfg.poolSize)),
	}, nil
}

// Get checks a connection out, waiting for a free slot until ctx ends.
// Failures of the pool itself are reported as `*PoolError`.
func (p *Pool[A, R]) Get(ctx context.Context) (*Lease[A, R], error) {
	start := time.Now()
	if p.isClosed() {
		return nil, p.checkoutFailed(&PoolError{Op: "get", Err: ErrPoolClosed})
	}

	if err := p.acquire(ctx); err != nil {
		if p.closing.Err() != nil {
			return nil, p.checkoutFailed(&PoolError{Op: "get", Err: ErrPoolClosed})
		}
		return nil, p.checkoutFailed(&PoolError{
			Op:  "get",
			Err: fmt.Errorf("%w: %w", ErrPoolTimeout, err),
		})
	}

	conn, err := p.checkout(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, p.checkoutFailed(err)
	}

	p.inUse.Add(1)
	p.msink.IncrCounterWithLabels(MetricPoolCheckoutCount, 1.0, p.mLabels)
	p.msink.AddSampleWithLabels(MetricPoolCheckoutWaitMs, sinceMs(start), p.mLabels)
	return &Lease[A, R]{pool: p, conn: conn}, nil
}

// Send runs one request on a pooled connection. The connection is
// dropped instead of returned when the request broke it.
func (p *Pool[A, R]) Send(ctx context.Context, action A) (R, error) {
	lease, err := p.Get(ctx)
	if err != nil {
		var zero R
		return zero, err
	}

	reply, err := lease.Send(ctx, action)
	if isConnFatal(err) {
		lease.Discard()
	} else {
		lease.Release()
	}
	return reply, err
}

// WarmUp opens up to n connections concurrently and parks them idle.
// It stops short when the pool is full or every slot is taken.
func (p *Pool[A, R]) WarmUp(ctx context.Context, n int) error {
	g, gctx := errgroup.WithContext(ctx)
	for range n {
		if !p.sem.TryAcquire(1) {
			break
		}
		if !p.reserve() {
			p.sem.Release(1)
			break
		}
		g.Go(func() error {
			defer p.sem.Release(1)
			conn, err := p.create(gctx)
			if err != nil {
				return err
			}
			p.put(conn, false)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool[A, R]) Stats() PoolStats {
	p.lk.Lock()
	idle, live := len(p.idle), p.live
	p.lk.Unlock()

	return PoolStats{
		Size:    p.cfg.poolSize,
		Live:    live,
		Idle:    idle,
		InUse:   int(p.inUse.Load()),
		Created: p.created.Load(),
		Evicted: p.evicted.Load(),
	}
}

// Close drops the idle connections and fails pending checkouts with
// `ErrPoolClosed`. Leased connections are closed when they are released.
func (p *Pool[A, R]) Close() error {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.lk.Unlock()
	p.cancel()

	var errs []error
	for _, conn := range idle {
		errs = append(errs, conn.Close())
	}
	return errors.Join(errs...)
}

func (p *Pool[A, R]) checkout(ctx context.Context) (*Conn[A, R], error) {
	for {
		conn, err := p.popIdle()
		if err != nil {
			return nil, err
		}
		if conn == nil {
			break
		}

		if err := p.recycle(ctx, conn); err != nil {
			p.evict(conn, err)
			continue
		}
		return conn, nil
	}

	// the slot we hold has no idle connection left to back it
	p.lk.Lock()
	p.live++
	p.lk.Unlock()
	return p.create(ctx)
}

// acquire takes a checkout slot, giving up when ctx ends or the pool is
// closed.
func (p *Pool[A, R]) acquire(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closing, cancel)
	defer stop()
	return p.sem.Acquire(ctx, 1)
}

// reserve accounts for a connection about to be dialed, unless the pool
// is already full or closed.
func (p *Pool[A, R]) reserve() bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.closed || p.live >= p.cfg.poolSize {
		return false
	}
	p.live++
	return true
}

// forget accounts for a connection that is gone.
func (p *Pool[A, R]) forget() {
	p.lk.Lock()
	p.live--
	p.lk.Unlock()
}

func (p *Pool[A, R]) popIdle() (*Conn[A, R], error) {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.closed {
		return nil, &PoolError{Op: "get", Err: ErrPoolClosed}
	}

	n := len(p.idle)
	if n == 0 {
		return nil, nil
	}
	// most recently used first, it is the likeliest to be alive
	conn := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	p.msink.SetGaugeWithLabels(MetricPoolIdle, float32(len(p.idle)), p.mLabels)
	return conn, nil
}

// recycle checks an idle connection still answers within the recycle
// timeout.
func (p *Pool[A, R]) recycle(ctx context.Context, conn *Conn[A, R]) error {
	if conn.Closed() {
		return conn.Err()
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.recycleTimeout)
	defer cancel()
	return conn.Ping(ctx)
}

func (p *Pool[A, R]) create(ctx context.Context) (*Conn[A, R], error) {
	conn, err := dial(ctx, p.ep, p.proto, p.cfg)
	if err != nil {
		p.forget()
		p.logger.Warn("could not create connection", LabelError.L(err))
		return nil, &PoolError{Op: "create", Err: fmt.Errorf("%w: %w", ErrPoolDial, err)}
	}

	p.created.Add(1)
	p.msink.IncrCounterWithLabels(MetricPoolCreatedCount, 1.0, p.mLabels)
	return conn, nil
}

func (p *Pool[A, R]) evict(conn *Conn[A, R], cause error) {
	p.logger.Debug("evicting connection", LabelError.L(cause))
	conn.Close()
	p.forget()
	p.evicted.Add(1)
	p.msink.IncrCounterWithLabels(
		MetricPoolEvictedCount,
		1.0,
		withLabels(p.mLabels, LabelError.M(errorKind(cause))),
	)
}

// put parks conn in the idle set, or destroys it when it is broken,
// unwanted or the pool is closed.
func (p *Pool[A, R]) put(conn *Conn[A, R], discard bool) {
	p.lk.Lock()
	if p.closed || discard || conn.Closed() {
		closed := p.closed
		p.lk.Unlock()
		if closed {
			conn.Close()
			p.forget()
		} else {
			cause := conn.Err()
			if cause == nil {
				cause = ErrConnClosed
			}
			p.evict(conn, cause)
		}
		return
	}
	p.idle = append(p.idle, conn)
	p.msink.SetGaugeWithLabels(MetricPoolIdle, float32(len(p.idle)), p.mLabels)
	p.lk.Unlock()
}

func (p *Pool[A, R]) isClosed() bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.closed
}

func (p *Pool[A, R]) checkoutFailed(err error) error {
	p.msink.IncrCounterWithLabels(
		MetricPoolCheckoutErrCount,
		1.0,
		withLabels(p.mLabels, LabelError.M(errorKind(err))),
	)
	return err
}

// Lease is a connection checked out of a `Pool`. It MUST be released or
// discarded exactly once, further calls are no-ops.
type Lease[A Action, R Reply] struct {
	pool *Pool[A, R]
	conn *Conn[A, R]
	done atomic.Bool
}

func (l *Lease[A, R]) Conn() *Conn[A, R] {
	return l.conn
}

func (l *Lease[A, R]) Send(ctx context.Context, action A) (R, error) {
	if l.done.Load() {
		var zero R
		return zero, &PoolError{Op: "send", Err: ErrLeaseReleased}
	}
	return l.conn.Send(ctx, action)
}

// Release returns the connection to the pool.
func (l *Lease[A, R]) Release() {
	l.finish(false)
}

// Discard destroys the connection instead of returning it.
func (l *Lease[A, R]) Discard() {
	l.finish(true)
}

func (l *Lease[A, R]) finish(discard bool) {
	if !l.done.CompareAndSwap(false, true) {
		return
	}
	l.pool.put(l.conn, discard)
	l.pool.inUse.Add(-1)
	l.pool.sem.Release(1)
}

func isConnFatal(err error) bool {
	return errors.Is(err, ErrConnClosed) || errors.Is(err, ErrProtocolViolation)
}
