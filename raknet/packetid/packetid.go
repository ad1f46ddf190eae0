// Package packetid maps the first byte of every datagram and message to a packet identifier.
//
// The reserved identifiers follow the classic RakNet numbering; every other byte belongs to the application and is represented as a User identifier carrying the raw byte.
// Lookups go through a Registry value that is built once and handed to whoever needs it.
package packetid

import (
	"strconv"

	"github.com/rs/zerolog"
)

// Kind enumerates the reserved identifiers, plus KindUser for application identifiers.
type Kind uint8

const (
	KindUser Kind = iota
	KindInternalPing
	KindPing
	KindPingOpenConnections
	KindConnectedPong
	KindConnectionRequest
	KindSecuredConnectionResponse
	KindSecuredConnectionConfirmation
	KindOpenConnectionRequest
	KindOpenConnectionReply
	KindConnectionRequestAccepted
	KindConnectionAttemptFailed
	KindAlreadyConnected
	KindNewIncomingConnection
	KindNoFreeIncomingConnections
	KindDisconnectionNotification
	KindConnectionLost
	KindRsaPublicKeyMismatch
	KindConnectionBanned
	KindInvalidPassword
	KindModifiedPacket
	KindPong
	kindCount
)

// wire assigns each reserved kind its byte.
var wire = [kindCount]struct {
	b    byte
	name string
}{
	KindUser:                          {0, "User"},
	KindInternalPing:                  {0, "InternalPing"},
	KindPing:                          {1, "Ping"},
	KindPingOpenConnections:           {2, "PingOpenConnections"},
	KindConnectedPong:                 {3, "ConnectedPong"},
	KindConnectionRequest:             {4, "ConnectionRequest"},
	KindSecuredConnectionResponse:     {5, "SecuredConnectionResponse"},
	KindSecuredConnectionConfirmation: {6, "SecuredConnectionConfirmation"},
	KindOpenConnectionRequest:         {9, "OpenConnectionRequest"},
	KindOpenConnectionReply:           {10, "OpenConnectionReply"},
	KindConnectionRequestAccepted:     {14, "ConnectionRequestAccepted"},
	KindConnectionAttemptFailed:       {15, "ConnectionAttemptFailed"},
	KindAlreadyConnected:              {16, "AlreadyConnected"},
	KindNewIncomingConnection:         {17, "NewIncomingConnection"},
	KindNoFreeIncomingConnections:     {18, "NoFreeIncomingConnections"},
	KindDisconnectionNotification:     {19, "DisconnectionNotification"},
	KindConnectionLost:                {20, "ConnectionLost"},
	KindRsaPublicKeyMismatch:          {21, "RsaPublicKeyMismatch"},
	KindConnectionBanned:              {22, "ConnectionBanned"},
	KindInvalidPassword:               {23, "InvalidPassword"},
	KindModifiedPacket:                {24, "ModifiedPacket"},
	KindPong:                          {26, "Pong"},
}

func (k Kind) String() string {
	if k >= kindCount {
		return "Kind(" + strconv.FormatUint(uint64(k), 10) + ")"
	}
	return wire[k].name
}

// A PacketID is either a reserved identifier or User with the raw application byte.
// The zero value is User(0), which no Registry ever produces since byte 0 is InternalPing.
type PacketID struct {
	Kind Kind
	// User is the raw byte of a KindUser identifier; it is always 0 for reserved kinds.
	User byte
}

// Of returns the PacketID of a reserved kind.
func Of(k Kind) PacketID {
	return PacketID{Kind: k}
}

// User returns the application PacketID for byte b.
// A Registry will refuse to encode it if b is reserved.
func User(b byte) PacketID {
	return PacketID{Kind: KindUser, User: b}
}

// IsUser reports whether id belongs to the application.
func (id PacketID) IsUser() bool {
	return id.Kind == KindUser
}

func (id PacketID) String() string {
	if id.Kind == KindUser {
		return "User(" + strconv.FormatUint(uint64(id.User), 10) + ")"
	}
	return id.Kind.String()
}

// MarshalZerologObject allows ids to be logged with zerolog's Object().
func (id PacketID) MarshalZerologObject(e *zerolog.Event) {
	e.Str("kind", id.Kind.String())
	if id.Kind == KindUser {
		e.Uint8("user", id.User)
	}
}

// A Registry translates between bytes and PacketIDs.
// It is immutable after NewRegistry returns and safe for concurrent use.
type Registry struct {
	fromByte [256]Kind
	toByte   [kindCount]byte
}

// NewRegistry builds the byte <-> identifier tables.
func NewRegistry() *Registry {
	r := &Registry{}
	// every byte starts as User
	for k := KindInternalPing; k < kindCount; k++ {
		r.fromByte[wire[k].b] = k
		r.toByte[k] = wire[k].b
	}
	return r
}

// FromByte is total: every byte maps to exactly one identifier.
func (r *Registry) FromByte(b byte) PacketID {
	if k := r.fromByte[b]; k != KindUser {
		return PacketID{Kind: k}
	}
	return PacketID{Kind: KindUser, User: b}
}

// ToByte is the inverse of FromByte.
// ok is false if id is unknown or is a User identifier aliasing a reserved byte.
func (r *Registry) ToByte(id PacketID) (b byte, ok bool) {
	if id.Kind >= kindCount {
		return 0, false
	}
	if id.Kind == KindUser {
		if r.fromByte[id.User] != KindUser {
			return 0, false
		}
		return id.User, true
	}
	return r.toByte[id.Kind], true
}

// Byte is ToByte for reserved kinds, which can never fail.
func (r *Registry) Byte(k Kind) byte {
	if k == KindUser || k >= kindCount {
		panic("packetid: Byte called with " + k.String())
	}
	return r.toByte[k]
}

// IsReserved reports whether b is claimed by a reserved identifier.
func (r *Registry) IsReserved(b byte) bool {
	return r.fromByte[b] != KindUser
}
