package tether

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"
)

// Peer describes the remote end of a connection accepted by a `Server`.
type Peer struct {
	// ID is unique per accepted connection.
	ID      string
	Network Network
	Addr    string

	// Name is resolved from the client certificate when the transport
	// carries one, empty otherwise.
	Name string
}

func (p Peer) LogValue() slog.Value {
	attrs := []slog.Attr{
		LabelPeerID.L(p.ID),
		LabelNetwork.L(string(p.Network)),
		LabelPeerAddr.L(p.Addr),
	}
	if p.Name != "" {
		attrs = append(attrs, LabelPeerName.L(p.Name))
	}
	return slog.GroupValue(attrs...)
}

// PeerResolver names a peer from the certificates it presented.
//
// Implementations MUST NOT be blocking, since they are invoked on the
// connection establishment critical path.
type PeerResolver func(certs []*x509.Certificate) (string, error)

// CommonNameResolver is the default resolver, it uses the x509 Subject
// Common Name of the peer certificate.
func CommonNameResolver(certs []*x509.Certificate) (string, error) {
	if len(certs) == 0 {
		return "", fmt.Errorf("%w: no client certificate", ErrPeerResolve)
	}
	return certs[0].Subject.CommonName, nil
}

type tlsConn interface {
	ConnectionState() tls.ConnectionState
}

type handshaker interface {
	HandshakeContext(ctx context.Context) error
}

// identify builds the `Peer` of an accepted connection. TLS connections
// are handshaked first so the client certificate is available.
func identify(ctx context.Context, conn net.Conn, network Network, resolver PeerResolver) (Peer, error) {
	peer := Peer{
		ID:      uuid.NewString(),
		Network: network,
		Addr:    remoteAddrString(conn),
	}

	if hs, ok := conn.(handshaker); ok {
		if err := hs.HandshakeContext(ctx); err != nil {
			return peer, err
		}
	}

	tc, ok := conn.(tlsConn)
	if !ok {
		return peer, nil
	}

	certs := tc.ConnectionState().PeerCertificates
	if len(certs) == 0 && resolver == nil {
		return peer, nil
	}
	if resolver == nil {
		resolver = CommonNameResolver
	}

	name, err := resolver(certs)
	if err != nil {
		return peer, err
	}
	peer.Name = name
	return peer, nil
}

type peerCtxKey struct{}

func withPeer(ctx context.Context, p Peer) context.Context {
	return context.WithValue(ctx, peerCtxKey{}, p)
}

// PeerFromContext returns the peer whose request is being handled.
func PeerFromContext(ctx context.Context) (Peer, bool) {
	p, ok := ctx.Value(peerCtxKey{}).(Peer)
	return p, ok
}
