package tether

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/raskyld/tether/pkg/frame"
	"github.com/stretchr/testify/require"
)

type sendResult struct {
	reply testReply
	err   error
}

func sendAsync(ctx context.Context, conn *Conn[testAction, testReply], action testAction) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		reply, err := conn.Send(ctx, action)
		ch <- sendResult{reply, err}
	}()
	return ch
}

func TestConnCorrelation(t *testing.T) {
	defer leaktest.Check(t)()

	for _, codec := range []frame.Codec{frame.Binary, frame.JSON} {
		t.Run(codec.Name(), func(t *testing.T) {
			conn, peer := newPipeConn(t, codec)
			defer conn.Close()
			defer peer.conn.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			values := []string{"a", "b", "c"}
			results := make(map[string]<-chan sendResult)
			for _, v := range values {
				results[v] = sendAsync(ctx, conn, echo(v))
			}

			var reqs []Request[testAction]
			seen := make(map[uint64]bool)
			for range values {
				req := peer.read()
				require.NotEqual(t, PingPongID, req.ID)
				require.False(t, seen[req.ID], "ids must be unique")
				seen[req.ID] = true
				reqs = append(reqs, req)
			}
			require.Equal(t, 3, conn.InFlight())

			// answer in reverse order
			for i := len(reqs) - 1; i >= 0; i-- {
				peer.write(reqs[i].ID, testReply{Kind: "ok", Value: "re:" + reqs[i].Action.Value})
			}

			for _, v := range values {
				res := <-results[v]
				require.NoError(t, res.err)
				require.Equal(t, "re:"+v, res.reply.Value)
			}
			require.Zero(t, conn.InFlight())
		})
	}
}

func TestConnPing(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("pong", func(t *testing.T) {
		conn, peer := newPipeConn(t, frame.Binary)
		defer conn.Close()
		defer peer.conn.Close()

		done := make(chan error, 1)
		go func() { done <- conn.Ping(ctx) }()

		req := peer.read()
		require.Equal(t, PingPongID, req.ID)
		require.True(t, req.Action.IsPing())
		peer.write(req.ID, testProtocol{}.PongReply())
		require.NoError(t, <-done)
	})

	t.Run("anything but a pong", func(t *testing.T) {
		conn, peer := newPipeConn(t, frame.Binary)
		defer conn.Close()
		defer peer.conn.Close()

		done := make(chan error, 1)
		go func() { done <- conn.Ping(ctx) }()

		req := peer.read()
		peer.write(req.ID, testReply{Kind: "ok"})
		require.ErrorIs(t, <-done, ErrInvalidPong)
		require.False(t, conn.Closed())
	})

	t.Run("concurrent pings collide", func(t *testing.T) {
		conn, peer := newPipeConn(t, frame.Binary)
		defer conn.Close()
		defer peer.conn.Close()

		first := make(chan error, 1)
		go func() { first <- conn.Ping(ctx) }()
		peer.read()

		second := make(chan error, 1)
		go func() { second <- conn.Ping(ctx) }()
		peer.read()

		require.ErrorIs(t, <-first, ErrDuplicateID)
		peer.write(PingPongID, testProtocol{}.PongReply())
		require.NoError(t, <-second)
	})
}

func TestConnServerError(t *testing.T) {
	defer leaktest.Check(t)()

	conn, peer := newPipeConn(t, frame.JSON)
	defer conn.Close()
	defer peer.conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := sendAsync(ctx, conn, echo("x"))
	req := peer.read()
	peer.write(req.ID, testProtocol{}.ErrorReply("no such key"))

	out := <-res
	var serr *ServerError
	require.ErrorAs(t, out.err, &serr)
	require.Equal(t, "no such key", serr.Msg)
	require.Equal(t, "error", out.reply.Kind, "the reply is still returned")
	require.NotErrorIs(t, out.err, ErrUnauthorized)

	res = sendAsync(ctx, conn, echo("y"))
	req = peer.read()
	peer.write(req.ID, testProtocol{}.ErrorReply(UnauthorizedMessage))
	require.ErrorIs(t, (<-res).err, ErrUnauthorized)
}

func TestConnTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	conn, peer := newPipeConn(t, frame.Binary, WithRequestTimeout(50*time.Millisecond))
	defer conn.Close()
	defer peer.conn.Close()

	res := sendAsync(context.Background(), conn, echo("slow"))
	late := peer.read()

	require.ErrorIs(t, (<-res).err, ErrRequestTimeout)
	require.Zero(t, conn.InFlight(), "a timed out request leaves the pending table")

	// the late answer is dropped and the connection keeps working
	peer.write(late.ID, testReply{Kind: "ok", Value: "too late"})

	res = sendAsync(context.Background(), conn, echo("fast"))
	req := peer.read()
	require.NotEqual(t, late.ID, req.ID)
	peer.write(req.ID, testReply{Kind: "ok", Value: "fast"})

	out := <-res
	require.NoError(t, out.err)
	require.Equal(t, "fast", out.reply.Value)
}

func TestConnCallerGivesUp(t *testing.T) {
	defer leaktest.Check(t)()

	conn, peer := newPipeConn(t, frame.Binary)
	defer conn.Close()
	defer peer.conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	res := sendAsync(ctx, conn, echo("x"))
	peer.read()
	cancel()

	require.ErrorIs(t, (<-res).err, context.Canceled)
	require.Zero(t, conn.InFlight())
	require.False(t, conn.Closed())
}

func TestConnTeardown(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("peer closes with requests in flight", func(t *testing.T) {
		conn, peer := newPipeConn(t, frame.Binary)
		defer conn.Close()

		first := sendAsync(ctx, conn, echo("a"))
		second := sendAsync(ctx, conn, echo("b"))
		peer.read()
		peer.read()
		peer.conn.Close()

		require.ErrorIs(t, (<-first).err, ErrConnClosed)
		require.ErrorIs(t, (<-second).err, ErrConnClosed)

		<-conn.Done()
		require.True(t, conn.Closed())
		require.ErrorIs(t, conn.Err(), ErrConnClosed)
		require.Zero(t, conn.InFlight())

		_, err := conn.Send(ctx, echo("c"))
		require.ErrorIs(t, err, ErrConnClosed)
	})

	t.Run("local close", func(t *testing.T) {
		conn, peer := newPipeConn(t, frame.Binary)
		defer peer.conn.Close()

		res := sendAsync(ctx, conn, echo("a"))
		peer.read()

		require.NoError(t, conn.Close())
		require.ErrorIs(t, (<-res).err, ErrConnClosed)
		require.NoError(t, conn.Close(), "close is idempotent")
	})

	t.Run("zero length frame", func(t *testing.T) {
		conn, peer := newPipeConn(t, frame.Binary)
		defer conn.Close()
		defer peer.conn.Close()

		res := sendAsync(ctx, conn, echo("a"))
		peer.read()
		peer.writeRaw([]byte{0, 0, 0, 0})

		require.ErrorIs(t, (<-res).err, ErrConnClosed)
		<-conn.Done()
	})

	t.Run("oversized frame", func(t *testing.T) {
		conn, peer := newPipeConn(t, frame.Binary)
		defer conn.Close()
		defer peer.conn.Close()

		res := sendAsync(ctx, conn, echo("a"))
		peer.read()

		header := make([]byte, frame.HeaderSize)
		binary.BigEndian.PutUint32(header, frame.MaxFrameSize+1)
		peer.writeRaw(header)

		require.ErrorIs(t, (<-res).err, ErrProtocolViolation)
		<-conn.Done()
		require.ErrorIs(t, conn.Err(), ErrProtocolViolation)
	})

	t.Run("malformed response", func(t *testing.T) {
		conn, peer := newPipeConn(t, frame.JSON)
		defer conn.Close()
		defer peer.conn.Close()

		res := sendAsync(ctx, conn, echo("a"))
		peer.read()
		require.NoError(t, frame.Write(peer.conn, []byte("{not json")))

		require.ErrorIs(t, (<-res).err, ErrProtocolViolation)
	})
}

func TestConnOversizedRequest(t *testing.T) {
	defer leaktest.Check(t)()

	conn, peer := newPipeConn(t, frame.Binary)
	defer conn.Close()
	defer peer.conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	huge := make([]byte, frame.MaxFrameSize)
	for i := range huge {
		huge[i] = 'x'
	}
	_, err := conn.Send(ctx, echo(string(huge)))
	require.ErrorIs(t, err, frame.ErrTooLargeFrame)
	require.False(t, conn.Closed(), "only the offending request fails")

	res := sendAsync(ctx, conn, echo("small"))
	req := peer.read()
	peer.write(req.ID, testReply{Kind: "ok"})
	require.NoError(t, (<-res).err)
}
