package tether

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/tether/pkg/frame"
	"github.com/stretchr/testify/require"
)

type testState struct {
	Session
	handled int
}

// countingEcho answers every action with its value suffixed by how many
// actions the connection has seen.
func countingEcho(calls *atomic.Int64) Handler[testAction, testReply, testState] {
	return HandlerFunc[testAction, testReply, testState](
		func(_ context.Context, action testAction, state *testState) testReply {
			calls.Add(1)
			state.handled++
			return testReply{Kind: "ok", Value: fmt.Sprintf("%s#%d", action.Value, state.handled)}
		},
	)
}

type testServer struct {
	*Server[testAction, testReply, testState]
	ep    Endpoint
	errCh chan error
}

func startServer(
	t *testing.T,
	ctx context.Context,
	ep Endpoint,
	handler Handler[testAction, testReply, testState],
	opts ...Option,
) *testServer {
	t.Helper()
	opts = append([]Option{WithLog(testLogHandler("server"))}, opts...)

	srv, err := NewServer[testAction, testReply, testState](testProtocol{}, handler, opts...)
	require.NoError(t, err)

	ln, err := Listen(ep, opts...)
	require.NoError(t, err)
	if ep.Network != NetworkUnix {
		ep.Address = ln.Addr().String()
	}

	ts := &testServer{Server: srv, ep: ep, errCh: make(chan error, 1)}
	go func() {
		ts.errCh <- srv.Serve(ctx, ln)
	}()
	return ts
}

func unixSocket(t *testing.T) Endpoint {
	return UnixEndpoint(filepath.Join(t.TempDir(), "tether.sock"))
}

func TestServerRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, codec := range []frame.Codec{frame.Binary, frame.JSON} {
		t.Run(codec.Name(), func(t *testing.T) {
			var calls atomic.Int64
			sink := metrics.NewInmemSink(time.Second, time.Minute)
			srv := startServer(t, ctx, unixSocket(t),
				NewPingHandler[testAction, testReply, testState](testProtocol{}, countingEcho(&calls)),
				WithCodec(codec),
				WithMetricSink(sink),
			)
			defer srv.Shutdown()

			first, err := Dial[testAction, testReply](ctx, srv.ep, testProtocol{}, WithCodec(codec), WithLog(testLogHandler("first")))
			require.NoError(t, err)
			defer first.Close()

			second, err := Dial[testAction, testReply](ctx, srv.ep, testProtocol{}, WithCodec(codec), WithLog(testLogHandler("second")))
			require.NoError(t, err)
			defer second.Close()

			require.NoError(t, first.Ping(ctx))

			for i := 1; i <= 3; i++ {
				reply, err := first.Send(ctx, echo("one"))
				require.NoError(t, err)
				require.Equal(t, fmt.Sprintf("one#%d", i), reply.Value)
			}

			// state is private to each connection
			reply, err := second.Send(ctx, echo("two"))
			require.NoError(t, err)
			require.Equal(t, "two#1", reply.Value)

			require.EqualValues(t, 4, calls.Load(), "pings never reach the wrapped handler")
			require.Equal(t, 2, srv.ActiveConns())
		})
	}
}

func TestServerAuth(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var calls atomic.Int64
	handler, err := NewAuthHandler[testAction, testReply, testState](
		testProtocol{}, "s3cret", countingEcho(&calls), WithLog(testLogHandler("auth")),
	)
	require.NoError(t, err)

	srv := startServer(t, ctx, TCPEndpoint("127.0.0.1:0"), handler)
	defer srv.Shutdown()

	t.Run("missing token", func(t *testing.T) {
		_, err := Dial[testAction, testReply](ctx, srv.ep, testProtocol{})
		require.ErrorIs(t, err, ErrMissingCredential)
	})

	t.Run("wrong token", func(t *testing.T) {
		_, err := Dial[testAction, testReply](ctx, srv.ep, testProtocol{}, WithAuthToken("guess"))
		require.ErrorIs(t, err, ErrHandshake)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("handshake", func(t *testing.T) {
		conn, err := Dial[testAction, testReply](ctx, srv.ep, testProtocol{}, WithAuthToken("s3cret"))
		require.NoError(t, err)
		defer conn.Close()

		reply, err := conn.Send(ctx, echo("hi"))
		require.NoError(t, err)
		require.Equal(t, "hi#1", reply.Value)
	})

	t.Run("gate", func(t *testing.T) {
		calls.Store(0)
		raw, err := net.Dial("tcp", srv.ep.Address)
		require.NoError(t, err)
		conn, err := NewConn[testAction, testReply](raw, testProtocol{}, WithLog(testLogHandler("raw")))
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.Ping(ctx), "pings are answered before authentication")

		_, err = conn.Send(ctx, echo("early"))
		require.ErrorIs(t, err, ErrUnauthorized)

		_, err = conn.Send(ctx, testProtocol{}.AuthAction("guess"))
		require.ErrorIs(t, err, ErrUnauthorized)
		_, err = conn.Send(ctx, echo("still early"))
		require.ErrorIs(t, err, ErrUnauthorized)
		require.Zero(t, calls.Load())
		require.False(t, conn.Closed(), "a refused token keeps the connection open")

		reply, err := conn.Send(ctx, testProtocol{}.AuthAction("s3cret"))
		require.NoError(t, err)
		require.Equal(t, "ok", reply.Kind)

		reply, err = conn.Send(ctx, echo("late"))
		require.NoError(t, err)
		require.Equal(t, "late#1", reply.Value)

		// a wrong token drops a previous authentication
		_, err = conn.Send(ctx, testProtocol{}.AuthAction("guess"))
		require.ErrorIs(t, err, ErrUnauthorized)
		_, err = conn.Send(ctx, echo("again"))
		require.ErrorIs(t, err, ErrUnauthorized)
		require.EqualValues(t, 1, calls.Load())
	})

	t.Run("empty secret", func(t *testing.T) {
		_, err := NewAuthHandler[testAction, testReply, testState](testProtocol{}, "", countingEcho(&calls))
		require.ErrorIs(t, err, ErrMissingCredential)
	})
}

func TestServerMalformedRequest(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var calls atomic.Int64
	srv := startServer(t, ctx, unixSocket(t), NewPingHandler[testAction, testReply, testState](testProtocol{}, countingEcho(&calls)))
	defer srv.Shutdown()

	raw, err := net.Dial("unix", srv.ep.Address)
	require.NoError(t, err)
	defer raw.Close()

	// truncated varint tag
	require.NoError(t, frame.Write(raw, []byte{0xff}))

	buf, err := frame.Read(raw)
	require.NoError(t, err)

	var reply testReply
	id, err := frame.Binary.Decode(buf, &reply)
	require.NoError(t, err)
	require.Equal(t, PingPongID, id)
	msg, ok := reply.Err()
	require.True(t, ok)
	require.Contains(t, msg, "malformed request")

	_, err = frame.Read(raw)
	require.ErrorIs(t, err, io.EOF)
	require.Zero(t, calls.Load())
}

func TestServerConnectionLimit(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var calls atomic.Int64
	srv := startServer(t, ctx, unixSocket(t),
		NewPingHandler[testAction, testReply, testState](testProtocol{}, countingEcho(&calls)),
		WithMaxConnections(1),
	)
	defer srv.Shutdown()

	first, err := Dial[testAction, testReply](ctx, srv.ep, testProtocol{})
	require.NoError(t, err)
	require.NoError(t, first.Ping(ctx))

	refused, err := Dial[testAction, testReply](ctx, srv.ep, testProtocol{})
	require.NoError(t, err)
	defer refused.Close()
	require.ErrorIs(t, refused.Ping(ctx), ErrConnClosed)
	require.Equal(t, 1, srv.ActiveConns())

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		return srv.ActiveConns() == 0
	}, 5*time.Second, 10*time.Millisecond)

	again, err := Dial[testAction, testReply](ctx, srv.ep, testProtocol{})
	require.NoError(t, err)
	defer again.Close()
	require.NoError(t, again.Ping(ctx))
}

func TestServerShutdown(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("shutdown", func(t *testing.T) {
		var calls atomic.Int64
		srv := startServer(t, context.Background(), unixSocket(t), NewPingHandler[testAction, testReply, testState](testProtocol{}, countingEcho(&calls)))

		conn, err := Dial[testAction, testReply](context.Background(), srv.ep, testProtocol{})
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.Ping(context.Background()))

		require.NoError(t, srv.Shutdown())
		require.ErrorIs(t, <-srv.errCh, ErrServerClosed)

		<-conn.Done()
		require.ErrorIs(t, conn.Err(), ErrConnClosed)

		ln, err := Listen(unixSocket(t))
		require.NoError(t, err)
		require.ErrorIs(t, srv.Serve(context.Background(), ln), ErrServerClosed)
		require.NoError(t, srv.Shutdown(), "shutdown is idempotent")
	})

	t.Run("context", func(t *testing.T) {
		var calls atomic.Int64
		ctx, cancel := context.WithCancel(context.Background())
		srv := startServer(t, ctx, unixSocket(t), NewPingHandler[testAction, testReply, testState](testProtocol{}, countingEcho(&calls)))
		defer srv.Shutdown()

		require.Eventually(t, func() bool {
			return srv.Addr() != nil
		}, 5*time.Second, 10*time.Millisecond)

		cancel()
		require.ErrorIs(t, <-srv.errCh, context.Canceled)
	})
}

func TestNewServer(t *testing.T) {
	_, err := NewServer[testAction, testReply, testState](testProtocol{}, nil)
	require.ErrorIs(t, err, ErrInvalidCfg)

	var calls atomic.Int64
	_, err = NewServer[testAction, testReply, testState](testProtocol{}, countingEcho(&calls), WithMaxConnections(-1))
	require.ErrorIs(t, err, ErrInvalidCfg)
}
