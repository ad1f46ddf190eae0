package session

import "strconv"

// State is the handshake/lifecycle state of a connection.
//
//	Unconnected -> AwaitingOpenConnectionReply -> AwaitingSecuredConnectionConfirmation -> Connected -> Disconnecting -> Closed
//
// Any state before Connected may end in HandshakeFailed instead.
type State uint32

const (
	Unconnected State = iota
	AwaitingOpenConnectionReply
	AwaitingSecuredConnectionConfirmation
	Connected
	Disconnecting
	Closed
	HandshakeFailed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "Unconnected"
	case AwaitingOpenConnectionReply:
		return "AwaitingOpenConnectionReply"
	case AwaitingSecuredConnectionConfirmation:
		return "AwaitingSecuredConnectionConfirmation"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case Closed:
		return "Closed"
	case HandshakeFailed:
		return "HandshakeFailed"
	}
	return "State(" + strconv.FormatUint(uint64(s), 10) + ")"
}

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == Closed || s == HandshakeFailed
}

// Role is the side of the handshake a connection plays.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}
