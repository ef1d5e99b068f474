package tether

import (
	"context"
	"crypto/subtle"
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

// Authenticatable is the per-connection state an auth handler drives.
type Authenticatable interface {
	Authenticated() bool
	SetAuthenticated(bool)
}

// Session is an `Authenticatable` to embed in connection states.
type Session struct {
	authenticated bool
}

func (s *Session) Authenticated() bool {
	return s.authenticated
}

func (s *Session) SetAuthenticated(v bool) {
	s.authenticated = v
}

type authHandler[A Action, R Reply, S any, PS interface {
	*S
	Authenticatable
}] struct {
	proto   Protocol[A, R]
	secret  []byte
	next    Handler[A, R, S]
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label
}

// NewAuthHandler guards next behind a shared secret.
//
// A connection starts unauthenticated. Pings are always answered and
// authentication actions always evaluated: a matching token
// authenticates the connection, a wrong one leaves it unauthenticated
// and is answered with an unauthorized error without closing it. Any
// other action reaches next only once the connection is authenticated.
func NewAuthHandler[A Action, R Reply, S any, PS interface {
	*S
	Authenticatable
}](proto Protocol[A, R], secret string, next Handler[A, R, S], opts ...Option) (Handler[A, R, S], error) {
	if secret == "" {
		return nil, ErrMissingCredential
	}

	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	return &authHandler[A, R, S, PS]{
		proto:   proto,
		secret:  []byte(secret),
		next:    next,
		logger:  cfg.logger(),
		msink:   cfg.sink(),
		mLabels: cfg.metricLabels,
	}, nil
}

func (h *authHandler[A, R, S, PS]) Handle(ctx context.Context, action A, state *S) R {
	session := PS(state)

	if action.IsPing() {
		return h.proto.PongReply()
	}

	if token, ok := action.AuthToken(); ok {
		if subtle.ConstantTimeCompare([]byte(token), h.secret) == 1 {
			session.SetAuthenticated(true)
			return h.proto.AuthReply()
		}
		session.SetAuthenticated(false)
		h.reject(ctx, "invalid token")
		return h.proto.ErrorReply(UnauthorizedMessage)
	}

	if !session.Authenticated() {
		h.reject(ctx, "action before authentication")
		return h.proto.ErrorReply(UnauthorizedMessage)
	}

	return h.next.Handle(ctx, action, state)
}

func (h *authHandler[A, R, S, PS]) reject(ctx context.Context, reason string) {
	attrs := []any{slog.String("reason", reason)}
	if peer, ok := PeerFromContext(ctx); ok {
		attrs = append(attrs, slog.Any("peer", peer))
	}
	h.logger.Warn("rejected unauthenticated request", attrs...)
	h.msink.IncrCounterWithLabels(
		MetricServerAuthFailCount,
		1.0,
		withLabels(h.mLabels, metrics.Label{Name: "reason", Value: reason}),
	)
}

type pingHandler[A Action, R Reply, S any] struct {
	proto Protocol[A, R]
	next  Handler[A, R, S]
}

// NewPingHandler answers pings and passes every other action to next.
// It suits listeners whose clients need no authentication.
func NewPingHandler[A Action, R Reply, S any](proto Protocol[A, R], next Handler[A, R, S]) Handler[A, R, S] {
	return &pingHandler[A, R, S]{proto: proto, next: next}
}

func (h *pingHandler[A, R, S]) Handle(ctx context.Context, action A, state *S) R {
	if action.IsPing() {
		return h.proto.PongReply()
	}
	return h.next.Handle(ctx, action, state)
}
