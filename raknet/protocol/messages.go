package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/packetid"
)

// CookieLen is the length of the handshake cookie.
const CookieLen = 20

// Compose prefixes body with the byte of the given reserved kind.
func Compose(reg *packetid.Registry, k packetid.Kind, body ...byte) []byte {
	return append([]byte{reg.Byte(k)}, body...)
}

func errShort(what string, want, have int) error {
	return fmt.Errorf("%w: %s body needs %dB, have %dB", raknet.ErrFrame, what, want, have)
}

//#region offline

// OpenConnectionRequest opens the handshake.
type OpenConnectionRequest struct {
	ProtocolVersion byte
}

func (m OpenConnectionRequest) Append(b []byte) []byte {
	return append(b, m.ProtocolVersion)
}

func (m *OpenConnectionRequest) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return errShort("OpenConnectionRequest", 1, len(b))
	}
	m.ProtocolVersion = b[0]
	return nil
}

// Ping is the body of Ping, PingOpenConnections and InternalPing.
type Ping struct {
	// Time is the sender's clock in milliseconds.
	Time uint64
}

func (m Ping) Append(b []byte) []byte {
	return binary.LittleEndian.AppendUint64(b, m.Time)
}

func (m *Ping) UnmarshalBinary(b []byte) error {
	if len(b) < 8 {
		return errShort("Ping", 8, len(b))
	}
	m.Time = binary.LittleEndian.Uint64(b)
	return nil
}

// Pong answers an offline Ping.
type Pong struct {
	// Echo is the Time of the Ping being answered.
	Echo           uint64
	Connections    uint32
	MaxConnections uint32
}

func (m Pong) Append(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, m.Echo)
	b = binary.LittleEndian.AppendUint32(b, m.Connections)
	return binary.LittleEndian.AppendUint32(b, m.MaxConnections)
}

func (m *Pong) UnmarshalBinary(b []byte) error {
	if len(b) < 16 {
		return errShort("Pong", 16, len(b))
	}
	m.Echo = binary.LittleEndian.Uint64(b)
	m.Connections = binary.LittleEndian.Uint32(b[8:])
	m.MaxConnections = binary.LittleEndian.Uint32(b[12:])
	return nil
}

//#endregion offline

//#region connected

// ConnectedPong answers an InternalPing.
type ConnectedPong struct {
	Echo uint64
	Time uint64
}

func (m ConnectedPong) Append(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, m.Echo)
	return binary.LittleEndian.AppendUint64(b, m.Time)
}

func (m *ConnectedPong) UnmarshalBinary(b []byte) error {
	if len(b) < 16 {
		return errShort("ConnectedPong", 16, len(b))
	}
	m.Echo = binary.LittleEndian.Uint64(b)
	m.Time = binary.LittleEndian.Uint64(b[8:])
	return nil
}

// ConnectionRequest is the client's first reliable message.
type ConnectionRequest struct {
	Password []byte
}

func (m ConnectionRequest) Append(b []byte) []byte {
	return append(b, m.Password...)
}

func (m *ConnectionRequest) UnmarshalBinary(b []byte) error {
	m.Password = append([]byte(nil), b...)
	return nil
}

// SecuredConnectionResponse carries the server's cookie and RSA public key.
type SecuredConnectionResponse struct {
	Cookie [CookieLen]byte
	// Exponent is the public exponent; only its low 32 bits travel.
	Exponent uint32
	// Modulus is the public modulus, big-endian.
	Modulus []byte
}

func (m SecuredConnectionResponse) Append(b []byte) []byte {
	b = append(b, m.Cookie[:]...)
	b = binary.LittleEndian.AppendUint32(b, m.Exponent)
	return append(b, m.Modulus...)
}

func (m *SecuredConnectionResponse) UnmarshalBinary(b []byte) error {
	if len(b) < CookieLen+4+1 {
		return errShort("SecuredConnectionResponse", CookieLen+4+1, len(b))
	}
	copy(m.Cookie[:], b)
	m.Exponent = binary.LittleEndian.Uint32(b[CookieLen:])
	m.Modulus = append([]byte(nil), b[CookieLen+4:]...)
	return nil
}

// SecuredConnectionConfirmation reflects the cookie and carries the RSA-encrypted session key.
type SecuredConnectionConfirmation struct {
	Cookie [CookieLen]byte
	Block  []byte
}

func (m SecuredConnectionConfirmation) Append(b []byte) []byte {
	b = append(b, m.Cookie[:]...)
	return append(b, m.Block...)
}

func (m *SecuredConnectionConfirmation) UnmarshalBinary(b []byte) error {
	if len(b) < CookieLen+1 {
		return errShort("SecuredConnectionConfirmation", CookieLen+1, len(b))
	}
	copy(m.Cookie[:], b)
	m.Block = append([]byte(nil), b[CookieLen:]...)
	return nil
}

// connectionRequestAcceptedLen is the fixed body length of ConnectionRequestAccepted.
const connectionRequestAcceptedLen = raknet.PeerAddressLen + 2 + raknet.PeerAddressLen + 16

// ConnectionRequestAccepted completes the handshake from the server's side.
type ConnectionRequestAccepted struct {
	// Peer is the client's address as the server sees it.
	Peer raknet.PeerAddress
	// Local is the server's own bound address.
	Local raknet.PeerAddress
	Guid  raknet.Guid
}

func (m ConnectionRequestAccepted) Append(b []byte) []byte {
	b = m.Peer.AppendBinary(b)
	b = append(b, 0, 0) // reserved
	b = m.Local.AppendBinary(b)
	return append(b, m.Guid[:]...)
}

func (m *ConnectionRequestAccepted) UnmarshalBinary(b []byte) (err error) {
	if len(b) < connectionRequestAcceptedLen {
		return errShort("ConnectionRequestAccepted", connectionRequestAcceptedLen, len(b))
	}
	if m.Peer, err = raknet.ParsePeerAddress(b); err != nil {
		return err
	}
	if m.Local, err = raknet.ParsePeerAddress(b[raknet.PeerAddressLen+2:]); err != nil {
		return err
	}
	copy(m.Guid[:], b[2*raknet.PeerAddressLen+2:])
	return nil
}

// NewIncomingConnection acknowledges ConnectionRequestAccepted.
type NewIncomingConnection struct {
	// Server is the server's address as the client dialed it.
	Server raknet.PeerAddress
	// Local is the client's own bound address.
	Local raknet.PeerAddress
}

func (m NewIncomingConnection) Append(b []byte) []byte {
	return m.Local.AppendBinary(m.Server.AppendBinary(b))
}

func (m *NewIncomingConnection) UnmarshalBinary(b []byte) (err error) {
	if len(b) < 2*raknet.PeerAddressLen {
		return errShort("NewIncomingConnection", 2*raknet.PeerAddressLen, len(b))
	}
	if m.Server, err = raknet.ParsePeerAddress(b); err != nil {
		return err
	}
	m.Local, err = raknet.ParsePeerAddress(b[raknet.PeerAddressLen:])
	return err
}

//#endregion connected
