package tether

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

// UnauthorizedMessage is the error string a server puts in a reply
// when it refuses an action because the connection is not authenticated.
const UnauthorizedMessage = "unauthorized"

var (
	ErrInvalidCfg = errors.New("tether: invalid options")

	ErrConnClosed        = errors.New("tether: connection closed")
	ErrRequestTimeout    = errors.New("tether: request timed out")
	ErrInvalidPong       = errors.New("tether: invalid pong")
	ErrDuplicateID       = errors.New("tether: request id already in flight")
	ErrProtocolViolation = errors.New("tether: protocol violation")
	ErrUnauthorized      = errors.New("tether: unauthorized")
	ErrMissingCredential = errors.New("tether: endpoint requires an auth token")
	ErrHandshake         = errors.New("tether: authentication handshake failed")

	ErrInvalidEndpoint = errors.New("transport: invalid endpoint")
	ErrNoTLSConfig     = errors.New("transport: TlsConfig is required")
	ErrBufferSize      = errors.New("transport: could not allocate udp buffer")
	ErrPeerResolve     = errors.New("transport: could not resolve peer name from certificate")
	ErrListenerClosed  = errors.New("transport: listener closed")

	ErrPoolClosed    = errors.New("pool: closed")
	ErrPoolTimeout   = errors.New("pool: timed out waiting for a connection")
	ErrPoolDial      = errors.New("pool: could not create connection")
	ErrLeaseReleased = errors.New("pool: lease already released")

	ErrServerClosed = errors.New("server: closed")
	ErrTooManyConns = errors.New("server: too many connections")
)

var (
	QErrStreamRefused = quic.StreamErrorCode(0x3)
)

var (
	QErrNoError = QuicApplicationError{
		Code:   0x0,
		Prefix: "bye",
	}
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// ServerError is returned by a request whose reply carried an
// application error.
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("tether: server error: %s", e.Msg)
}

// Is lets callers match a refusal for lack of authentication with
// errors.Is(err, ErrUnauthorized).
func (e *ServerError) Is(target error) bool {
	return target == ErrUnauthorized && e.Msg == UnauthorizedMessage
}

// PoolError wraps every failure of the pool itself, as opposed to
// failures of the request sent on a pooled connection.
type PoolError struct {
	Op  string
	Err error
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("pool: %s: %s", e.Op, e.Err)
}

func (e *PoolError) Unwrap() error {
	return e.Err
}
