package tether

import (
	"context"
	"crypto/tls"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
)

// Network is the transport under an `Endpoint`.
type Network string

const (
	NetworkUnix Network = "unix"
	NetworkTCP  Network = "tcp"
	NetworkQUIC Network = "quic"
)

// Endpoint is where a `Server` listens and where a `Conn` or a `Pool`
// connects to.
//
// Unix sockets are trusted local channels. TCP and QUIC endpoints are
// network reachable: clients MUST authenticate on them.
type Endpoint struct {
	Network Network
	Address string
}

func UnixEndpoint(path string) Endpoint {
	return Endpoint{Network: NetworkUnix, Address: path}
}

func TCPEndpoint(addr string) Endpoint {
	return Endpoint{Network: NetworkTCP, Address: addr}
}

func QUICEndpoint(addr string) Endpoint {
	return Endpoint{Network: NetworkQUIC, Address: addr}
}

// ParseEndpoint accepts `unix:///path`, `tcp://host:port`,
// `quic://host:port` and bare paths, which are taken as unix sockets.
func ParseEndpoint(raw string) (Endpoint, error) {
	if raw == "" {
		return Endpoint{}, fmt.Errorf("%w: empty address", ErrInvalidEndpoint)
	}

	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		return UnixEndpoint(raw), nil
	}

	ep := Endpoint{Network: Network(scheme), Address: rest}
	switch ep.Network {
	case NetworkUnix:
		if rest == "" {
			return Endpoint{}, fmt.Errorf("%w: missing socket path in %q", ErrInvalidEndpoint, raw)
		}
	case NetworkTCP, NetworkQUIC:
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Endpoint{}, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
		}
	default:
		return Endpoint{}, fmt.Errorf("%w: unknown scheme %q", ErrInvalidEndpoint, scheme)
	}
	return ep, nil
}

func (ep Endpoint) String() string {
	return string(ep.Network) + "://" + ep.Address
}

// RequiresAuth reports whether clients must present a token.
func (ep Endpoint) RequiresAuth() bool {
	return ep.Network != NetworkUnix
}

func (ep Endpoint) dial(ctx context.Context, cfg *config) (net.Conn, error) {
	switch ep.Network {
	case NetworkUnix:
		var d net.Dialer
		return d.DialContext(ctx, "unix", ep.Address)
	case NetworkTCP:
		if cfg.tlsConf != nil {
			d := tls.Dialer{Config: cfg.tlsConf}
			return d.DialContext(ctx, "tcp", ep.Address)
		}
		var d net.Dialer
		return d.DialContext(ctx, "tcp", ep.Address)
	case NetworkQUIC:
		return dialQUIC(ctx, ep.Address, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown network %q", ErrInvalidEndpoint, ep.Network)
	}
}

// Listen opens a listener on ep. `WithTlsConfig` enables TLS on TCP and
// is required by QUIC.
func Listen(ep Endpoint, opts ...Option) (net.Listener, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return ep.listen(cfg)
}

func (ep Endpoint) listen(cfg *config) (net.Listener, error) {
	switch ep.Network {
	case NetworkUnix:
		if err := removeStaleSocket(ep.Address); err != nil {
			return nil, err
		}
		return net.Listen("unix", ep.Address)
	case NetworkTCP:
		ln, err := net.Listen("tcp", ep.Address)
		if err != nil {
			return nil, err
		}
		if cfg.tlsConf != nil {
			return tls.NewListener(ln, cfg.tlsConf), nil
		}
		return ln, nil
	case NetworkQUIC:
		ln, err := listenQUIC(ep.Address, cfg)
		if err != nil {
			return nil, err
		}
		return ln, nil
	default:
		return nil, fmt.Errorf("%w: unknown network %q", ErrInvalidEndpoint, ep.Network)
	}
}

// removeStaleSocket deletes a socket file left behind by a previous
// process. Any other kind of file is left alone.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode().Type() != fs.ModeSocket {
		return fmt.Errorf("%w: %s exists and is not a socket", ErrInvalidEndpoint, path)
	}
	return os.Remove(path)
}
