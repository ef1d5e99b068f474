package tether

// PingPongID is the request id reserved for liveness probes. The id
// generator of a `Conn` starts at 1 and never hands it out.
const PingPongID uint64 = 0

// Action is the request payload carried by a connection.
//
// Implementations MUST be concrete, serializable types: the codec decodes
// into a zero value of the type.
type Action interface {
	// IsPing reports whether the action is a liveness probe.
	IsPing() bool

	// AuthToken returns the secret of an authentication action.
	AuthToken() (token string, ok bool)
}

// Reply is the response payload carried by a connection.
type Reply interface {
	// IsPong reports whether the reply answers a liveness probe.
	IsPong() bool

	// Err returns the application error embedded in the reply, if any.
	Err() (msg string, ok bool)
}

// Protocol builds the actions and replies the transport itself needs:
// liveness probes, the authentication handshake and the errors the
// server emits on its own.
type Protocol[A Action, R Reply] interface {
	PingAction() A
	AuthAction(token string) A

	PongReply() R
	AuthReply() R
	ErrorReply(msg string) R
}

// Request pairs an action with the id correlating it to its response.
type Request[A Action] struct {
	ID     uint64
	Action A
}

// Response pairs a reply with the id of the request it answers.
type Response[R Reply] struct {
	ID    uint64
	Reply R
}
