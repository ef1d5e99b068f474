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

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/tether/pkg/frame"
)

// Handler answers the actions received on one connection.
//
// state is private to the connection, it starts as the zero value of S
// and lives as long as the connection.
type Handler[A Action, R Reply, S any] interface {
	Handle(ctx context.Context, action A, state *S) R
}

type HandlerFunc[A Action, R Reply, S any] func(ctx context.Context, action A, state *S) R

func (f HandlerFunc[A, R, S]) Handle(ctx context.Context, action A, state *S) R {
	return f(ctx, action, state)
}

// Server accepts connections and serves the requests they carry.
//
// Requests of one connection are handled in order, each reply echoing
// the id of its request.
type Server[A Action, R Reply, S any] struct {
	cfg     *config
	proto   Protocol[A, R]
	handler Handler[A, R, S]
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  atomic.Int64

	lk        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
}

func NewServer[A Action, R Reply, S any](proto Protocol[A, R], handler Handler[A, R, S], opts ...Option) (*Server[A, R, S], error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrInvalidCfg)
	}

	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	s := &Server[A, R, S]{
		cfg:       cfg,
		proto:     proto,
		handler:   handler,
		logger:    cfg.logger(),
		msink:     cfg.sink(),
		mLabels:   withLabels(cfg.metricLabels, LabelCodec.M(cfg.codec.Name())),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// ListenAndServe listens on ep and serves it until ctx ends or the
// server is shut down.
func (s *Server[A, R, S]) ListenAndServe(ctx context.Context, ep Endpoint) error {
	ln, err := ep.listen(s.cfg)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends or the server is shut
// down. Failed accepts are logged and retried after a short pause.
//
// ln is closed when Serve returns.
func (s *Server[A, R, S]) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer func() {
		s.trackListener(ln, false)
		ln.Close()
	}()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	network := networkOf(ln.Addr())
	logger := s.logger.With(LabelNetwork.L(network), slog.String("addr", ln.Addr().String()))
	logger.Info("serving")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%w: %w", ErrListenerClosed, err)
			}

			logger.Warn("failed to accept connection", LabelError.L(err))
			s.msink.IncrCounterWithLabels(MetricServerAcceptErrCount, 1.0, s.mLabels)

			select {
			case <-time.After(s.cfg.acceptBackoff):
			case <-ctx.Done():
			case <-s.baseCtx.Done():
			}
			continue
		}

		active := s.active.Add(1)
		if limit := s.cfg.maxConns; limit > 0 && active > int64(limit) {
			s.active.Add(-1)
			logger.Warn("refusing connection", LabelError.L(ErrTooManyConns), LabelPeerAddr.L(remoteAddrString(conn)))
			s.msink.IncrCounterWithLabels(
				MetricServerErrorCount,
				1.0,
				withLabels(s.mLabels, LabelError.M("too_many_conns")),
			)
			conn.Close()
			continue
		}

		if !s.trackConn(conn, true) {
			s.active.Add(-1)
			conn.Close()
			return ErrServerClosed
		}
		go s.serveConn(ctx, conn, network)
	}
}

// Shutdown stops every listener, closes every connection and waits for
// their handlers to return.
func (s *Server[A, R, S]) Shutdown() error {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closed = true
	s.cancel()

	var errs []error
	for ln := range s.listeners {
		errs = append(errs, ln.Close())
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.lk.Unlock()

	s.wg.Wait()
	return errors.Join(errs...)
}

// Addr returns the address of one of the listeners being served.
func (s *Server[A, R, S]) Addr() net.Addr {
	s.lk.Lock()
	defer s.lk.Unlock()
	for ln := range s.listeners {
		return ln.Addr()
	}
	return nil
}

// ActiveConns returns how many connections are being served.
func (s *Server[A, R, S]) ActiveConns() int {
	return int(s.active.Load())
}

// serveConn owns one slot of the active connection count and one of
// the wait group, both taken by the accept loop.
func (s *Server[A, R, S]) serveConn(ctx context.Context, conn net.Conn, network Network) {
	defer s.wg.Done()
	defer func() {
		s.trackConn(conn, false)
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	s.msink.IncrCounterWithLabels(MetricServerConnCount, 1.0, s.mLabels)
	s.msink.SetGaugeWithLabels(MetricServerConnActive, float32(s.active.Load()), s.mLabels)
	defer func() {
		s.msink.SetGaugeWithLabels(MetricServerConnActive, float32(s.active.Add(-1)), s.mLabels)
	}()

	hsCtx, hsCancel := context.WithTimeout(ctx, s.cfg.dialTimeout)
	peer, err := identify(hsCtx, conn, network, s.cfg.peerResolver)
	hsCancel()
	if err != nil {
		s.logger.Warn("could not identify peer", slog.Any("peer", peer), LabelError.L(err))
		s.msink.IncrCounterWithLabels(
			MetricServerErrorCount,
			1.0,
			withLabels(s.mLabels, LabelError.M("peer_identification")),
		)
		return
	}

	logger := s.logger.With(slog.Any("peer", peer))
	logger.Debug("connection accepted")
	ctx = withPeer(ctx, peer)

	var state S
	for {
		buf, err := frame.Read(conn)
		if err != nil {
			s.logReadError(logger, err)
			return
		}

		var action A
		id, err := s.cfg.codec.Decode(buf, &action)
		if err != nil {
			logger.Warn("protocol violation: malformed request", LabelError.L(err))
			s.msink.IncrCounterWithLabels(
				MetricServerErrorCount,
				1.0,
				withLabels(s.mLabels, LabelError.M("protocol_violation")),
			)
			// best effort, the connection is dropped anyway
			_ = s.reply(conn, PingPongID, s.proto.ErrorReply(fmt.Sprintf("malformed request: %s", err)))
			return
		}

		reply := s.handler.Handle(ctx, action, &state)
		s.msink.IncrCounterWithLabels(MetricServerRequestCount, 1.0, s.mLabels)

		err = s.reply(conn, id, reply)
		if errors.Is(err, frame.ErrEncode) || errors.Is(err, frame.ErrTooLargeFrame) {
			logger.Error("dropping response that cannot be sent", LabelRequest.L(id), LabelError.L(err))
			s.msink.IncrCounterWithLabels(
				MetricServerErrorCount,
				1.0,
				withLabels(s.mLabels, LabelError.M("encode")),
			)
			continue
		}
		if err != nil {
			logger.Debug("could not write response", LabelRequest.L(id), LabelError.L(err))
			return
		}
	}
}

func (s *Server[A, R, S]) reply(conn net.Conn, id uint64, reply R) error {
	buf, err := s.cfg.codec.Encode(id, reply)
	if err != nil {
		return err
	}
	return frame.Write(conn, buf)
}

func (s *Server[A, R, S]) logReadError(logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF), s.isClosed():
		logger.Debug("connection closed")
	case errors.Is(err, frame.ErrEmptyFrame), errors.Is(err, frame.ErrTooLargeFrame):
		logger.Warn("protocol violation: invalid frame", LabelError.L(err))
		s.msink.IncrCounterWithLabels(
			MetricServerErrorCount,
			1.0,
			withLabels(s.mLabels, LabelError.M("protocol_violation")),
		)
	default:
		logger.Debug("connection lost", LabelError.L(err))
	}
}

func (s *Server[A, R, S]) isClosed() bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.closed
}

func (s *Server[A, R, S]) trackListener(ln net.Listener, add bool) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	if !add {
		delete(s.listeners, ln)
		return true
	}
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server[A, R, S]) trackConn(conn net.Conn, add bool) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	if !add {
		delete(s.conns, conn)
		return true
	}
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func networkOf(addr net.Addr) Network {
	switch addr.Network() {
	case "unix", "unixpacket":
		return NetworkUnix
	case "udp", "udp4", "udp6":
		return NetworkQUIC
	default:
		return NetworkTCP
	}
}
