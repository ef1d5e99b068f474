package tether

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

// ALPN is negotiated on QUIC endpoints when the `tls.Config` does not
// set its own protocols.
const ALPN = "tether/1"

const defaultUDPBufferSize int = 1 << 21

func quicTLS(conf *tls.Config) (*tls.Config, error) {
	if conf == nil {
		return nil, ErrNoTLSConfig
	}
	conf = conf.Clone()
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{ALPN}
	}
	return conf, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:       false,
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

// streamConn exposes one bidirectional QUIC stream as a `net.Conn`.
//
// A dialed stream owns its QUIC connection and tears it down on Close.
// An accepted one only closes itself, the client owns the connection.
type streamConn struct {
	// NB: quic-go serialises Read, Write and Close internally, the loops
	// of a `Conn` can use the stream concurrently.
	quic.Stream
	conn  quic.Connection
	owned bool
	once  sync.Once
}

var _ net.Conn = (*streamConn)(nil)

func (sc *streamConn) LocalAddr() net.Addr {
	return sc.conn.LocalAddr()
}

func (sc *streamConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

func (sc *streamConn) ConnectionState() tls.ConnectionState {
	return sc.conn.ConnectionState().TLS
}

func (sc *streamConn) Close() error {
	var err error
	sc.once.Do(func() {
		// unblock a pending Read, Close only ends our write side
		sc.Stream.CancelRead(0)
		err = sc.Stream.Close()
		if sc.owned {
			QErrNoError.Close(sc.conn, "connection closed")
		}
	})
	return err
}

func dialQUIC(ctx context.Context, addr string, cfg *config) (net.Conn, error) {
	tlsConf, err := quicTLS(cfg.tlsConf)
	if err != nil {
		return nil, err
	}

	qconn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(qconn, "could not open stream")
		return nil, err
	}

	return &streamConn{Stream: stream, conn: qconn, owned: true}, nil
}

// quicListener accepts streams from every QUIC connection made to it and
// hands them out as individual `net.Conn`.
type quicListener struct {
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label

	udpLn *net.UDPConn
	tr    *quic.Transport
	ln    *quic.Listener

	streamCh chan net.Conn
	closeCh  chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	lk    sync.Mutex
	conns map[quic.Connection]struct{}
}

var _ net.Listener = (*quicListener)(nil)

func listenQUIC(addr string, cfg *config) (ql *quicListener, err error) {
	tlsConf, err := quicTLS(cfg.tlsConf)
	if err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}

	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}

	ql = &quicListener{
		logger:   cfg.logger().With(LabelNetwork.L(NetworkQUIC)),
		msink:    cfg.sink(),
		mLabels:  withLabels(cfg.metricLabels, LabelNetwork.M(string(NetworkQUIC))),
		udpLn:    udpLn,
		streamCh: make(chan net.Conn),
		closeCh:  make(chan struct{}),
		conns:    make(map[quic.Connection]struct{}),
	}

	defer func() {
		if err != nil {
			ql.Close()
		}
	}()

	requested := cfg.udpBufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := ql.negotiateBufferSize(requested); err != nil {
		return nil, err
	}

	ql.tr = &quic.Transport{
		Conn: udpLn,
	}

	ql.ln, err = ql.tr.Listen(tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}

	ql.wg.Add(1)
	go ql.acceptConns()
	return ql, nil
}

func (ql *quicListener) Accept() (net.Conn, error) {
	select {
	case conn := <-ql.streamCh:
		return conn, nil
	case <-ql.closeCh:
		return nil, net.ErrClosed
	}
}

func (ql *quicListener) Addr() net.Addr {
	return ql.udpLn.LocalAddr()
}

func (ql *quicListener) Close() error {
	ql.once.Do(func() {
		close(ql.closeCh)

		ql.lk.Lock()
		for conn := range ql.conns {
			QErrShutdown.Close(conn, "listener closed")
		}
		ql.lk.Unlock()

		if ql.ln != nil {
			ql.ln.Close()
		}
		if ql.tr != nil {
			ql.tr.Close()
		}
		ql.udpLn.Close()
	})
	ql.wg.Wait()
	return nil
}

func (ql *quicListener) negotiateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := ql.udpLn.SetReadBuffer(size); err != nil {
			size = size >> 1
			continue
		}
		if size != requested {
			ql.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		ql.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			ql.mLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (ql *quicListener) acceptConns() {
	defer ql.wg.Done()
	for {
		conn, err := ql.ln.Accept(context.Background())
		if err != nil {
			select {
			case <-ql.closeCh:
			default:
				// NB: quic-go only fails Accept once the listener is
				// closed, there is nothing to retry.
				ql.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		ql.lk.Lock()
		ql.conns[conn] = struct{}{}
		ql.lk.Unlock()

		ql.wg.Add(1)
		go ql.handleStreams(conn)
	}
}

func (ql *quicListener) handleStreams(conn quic.Connection) {
	defer ql.wg.Done()
	defer func() {
		ql.lk.Lock()
		delete(ql.conns, conn)
		ql.lk.Unlock()
	}()

	ctx := conn.Context()
	logger := ql.logger.With(LabelPeerAddr.L(conn.RemoteAddr().String()))

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			var appErr *quic.ApplicationError
			if ctx.Err() != nil || errors.As(err, &appErr) {
				logger.Debug("quic connection closed", LabelError.L(err))
			} else {
				logger.Warn("error accepting stream", LabelError.L(err))
			}
			return
		}

		sc := &streamConn{Stream: stream, conn: conn}
		select {
		case ql.streamCh <- sc:
		case <-ql.closeCh:
			stream.CancelRead(QErrStreamRefused)
			stream.CancelWrite(QErrStreamRefused)
			return
		}
	}
}
