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

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/tether/pkg/frame"
)

var MetricHelperServedCount = []string{"tether", "helper", "served", "count"}

// HandlerFunc runs one command on the helper side.
type HandlerFunc[C any] func(ctx context.Context, cmd C) error

// Serve answers the commands of every client connecting to ln until ctx
// ends. Each command line gets one status line back, in order.
func Serve[C any](ctx context.Context, ln net.Listener, handler HandlerFunc[C], opts ...Option) error {
	cfg, err := newConfig(opts)
	if err != nil {
		return err
	}
	logger := cfg.logger().With(slog.String("addr", ln.Addr().String()))
	msink := cfg.sink()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logger.Warn("failed to accept connection", slog.Any("error", err))
			if err := cfg.sleep(ctx, cfg.acceptBackoff); err != nil {
				return err
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, conn, handler, logger, msink, cfg.metricLabels)
		}()
	}
}

func serveConn[C any](
	ctx context.Context,
	conn net.Conn,
	handler HandlerFunc[C],
	logger *slog.Logger,
	msink metrics.MetricSink,
	mLabels []metrics.Label,
) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		var cmd C
		err := frame.ReadLine(r, &cmd)

		var status Status
		switch {
		case err == nil:
			status = Success()
			if err := handler(ctx, cmd); err != nil {
				status = Failure(err.Error())
			}
			msink.IncrCounterWithLabels(MetricHelperServedCount, 1.0, mLabels)
		case errors.Is(err, frame.ErrDecode), errors.Is(err, frame.ErrEmptyFrame):
			// lines are self-delimiting, the next one can still be served
			logger.Warn("malformed command", slog.Any("error", err))
			status = Failure(fmt.Sprintf("malformed command: %s", err))
		case errors.Is(err, io.EOF):
			return
		default:
			logger.Debug("connection lost", slog.Any("error", err))
			return
		}

		if err := frame.WriteLine(w, status); err != nil {
			logger.Debug("could not write status", slog.Any("error", err))
			return
		}
	}
}
