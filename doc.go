// `tether` multiplexes concurrent request/response exchanges over a single
// byte stream, and keeps a pool of such streams warm for you.
//
// ## How it works
//
// Every message is a *frame*: a 4-byte big-endian length followed by an
// envelope carrying a request id and your payload. A `Conn` owns two
// goroutines, one writing and one reading, so callers never touch the
// stream. Each `Conn.Send` is given a fresh id and parks on a one-shot
// slot until the response with the same id shows up, in whatever order
// the server answers.
//
// The payloads are yours. You describe them with two small interfaces,
// `Action` and `Reply`, and a `Protocol` telling the transport how to
// build the few messages it needs itself: pings, the authentication
// handshake and errors.
//
// On the other side, a `Server` accepts connections on any `Endpoint` and
// hands each request to your `Handler`, along with a state private to
// the connection. Wrap it with `NewAuthHandler` when clients come from
// the network.
//
// Endpoints can be:
//
// * Unix sockets, which are considered trusted.
// * TCP, optionally wrapped in TLS.
// * QUIC, where each connection is a bidirectional stream.
//
// Then, `Pool` caps how many connections you hold to one endpoint and
// pings an idle connection before giving it back to you, so you do not
// find out it died when sending your real request.
//
// ## Design Principles
//
// ### Fail loudly, fail locally
//
// A request which cannot be encoded or is too large fails alone. A
// stream which cannot be trusted anymore (a torn frame, a response we
// cannot decode) is torn down, and every request in flight gets the
// error. Nothing is retried behind your back: the server MAY have run
// your action already.
//
// ### Observable
//
// Everything logs through `log/slog` and emits metrics through
// [`hashicorp/go-metrics`][dep-met], choose where they go with `WithLog`
// and `WithMetricSink`.
//
// ### Few dependencies
//
// * [`quic-go/quic-go`][dep-qgo], for QUIC endpoints.
// * [`fxamacker/cbor`][dep-cbo] and [`protobuf`][dep-pbf], for the binary codec.
// * [`x/sync`][dep-xsy], to bound the pool.
//
// The `helper` package is a smaller sibling: a line-oriented JSON
// channel to a local privileged process, with reconnection built in.
//
// [dep-met]: https://pkg.go.dev/github.com/hashicorp/go-metrics
// [dep-qgo]: https://pkg.go.dev/github.com/quic-go/quic-go
// [dep-cbo]: https://pkg.go.dev/github.com/fxamacker/cbor/v2
// [dep-pbf]: https://pkg.go.dev/google.golang.org/protobuf
// [dep-xsy]: https://pkg.go.dev/golang.org/x/sync
package tether
