// Package raknet is the parent package of the transport.
// It contains the values shared by every child package: wire constants, the error taxonomy, peer addresses, reliability classes and the Message type handed to applications.
// Child packages are mostly self-contained: packetid (packet identifiers), checksum (datagram integrity), protocol (wire codecs), fragment (split/reassembly), reliability (windows and ordering), secure (handshake crypto), session (connections), listener (the server socket) and client (dialing).
package raknet

import (
	"github.com/google/uuid"
)

const (
	// MaxMTUSize is the largest datagram this transport will ever put on the wire.
	// Anything bigger must be split by the fragmentation layer first.
	MaxMTUSize int = 1492
	// RecvBufferSize is the size of the buffer each socket read lands in.
	RecvBufferSize int = 2048
	// ProtocolVersion is sent in OpenConnectionRequest; listeners refuse any other version.
	ProtocolVersion byte = 6
	// ChannelCount is the number of independent ordering/sequencing channels per connection.
	ChannelCount uint8 = 32
)

// Guid uniquely identifies a peer instance for the lifetime of its process.
type Guid = uuid.UUID

// NewGuid returns a random Guid.
func NewGuid() Guid {
	return uuid.New()
}

// A Message is an application payload, already reassembled, travelling to or from a peer.
// Data must begin with a user packet identifier.
type Message struct {
	// Addr is the remote peer the message came from or is headed to.
	Addr PeerAddress
	// Data is the opaque payload.
	Data []byte
	// Reliability selects the delivery guarantees of an outbound message.
	// Ignored on inbound messages.
	Reliability Reliability
	// Channel selects the ordering channel for ordered and sequenced outbound messages.
	Channel uint8
}
