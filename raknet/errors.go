package raknet

import (
	"errors"
	"fmt"
	"net"
)

//#region errors

var (
	ErrNilCtx = errors.New("do not pass nil contexts; use context.TODO or context.Background instead")

	// ErrBindAddress is returned when the listening socket could not be bound.
	ErrBindAddress = errors.New("failed to bind address")
	// ErrReadPacketBuffer indicates a socket read failed.
	ErrReadPacketBuffer = errors.New("failed to read packet buffer")
	// ErrFrame indicates a frame that could not be decoded or violated a framing limit.
	ErrFrame = errors.New("malformed frame")
	// ErrNotListening is returned by listener operations issued before Start or after Stop.
	ErrNotListening = errors.New("listener is not listening")
	// ErrPacketSizeExceedsMTU is returned when a physical datagram would exceed MaxMTUSize.
	ErrPacketSizeExceedsMTU = errors.New("packet size exceeds MTU")
	// ErrHandshakeFailed is the terminal error of a connection that never reached Connected.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrDecryptionFailed indicates a datagram whose checksum did not match or whose sealed payload could not be opened.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrConnectionClosed is returned by operations on a connection that has been torn down.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSocket wraps socket level write failures.
	ErrSocket = errors.New("socket error")
	// ErrInvalidAddressFormat indicates an address that cannot be represented as a PeerAddress.
	ErrInvalidAddressFormat = errors.New("invalid address format")

	// ErrDisconnected is the close cause of a connection the remote peer shut down gracefully.
	ErrDisconnected = errors.New("remote peer disconnected")
	// ErrConnectionLost is the close cause of a connection that went silent for longer than its timeout.
	ErrConnectionLost = errors.New("connection lost")
	// ErrModifiedPacket is the close cause of a connection that kept failing integrity checks.
	ErrModifiedPacket = errors.New("too many modified packets")
	// ErrInvalidPassword is returned when the listener refused the connection password.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrConnectionBanned is returned when the listener refused the connection because the address is banned.
	ErrConnectionBanned = errors.New("connection banned")
	// ErrNoFreeIncomingConnections is returned when the listener is at capacity.
	ErrNoFreeIncomingConnections = errors.New("no free incoming connections")
	// ErrAlreadyConnected is returned when the listener already holds a connection for this address.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrRSAPublicKeyMismatch is returned when the listener's key does not match the pinned key.
	ErrRSAPublicKeyMismatch = errors.New("rsa public key mismatch")
	// ErrReservedPacketID is returned when an application payload does not start with a user packet identifier.
	ErrReservedPacketID = errors.New("payload must start with a user packet id")
)

//#endregion errors

// ErrBadAddr returns an error to indicate that the given address could not be used as a PeerAddress.
func ErrBadAddr(addr net.Addr) error {
	if addr == nil {
		return fmt.Errorf("%w: nil address", ErrInvalidAddressFormat)
	}
	return fmt.Errorf("%w: %s (%s)", ErrInvalidAddressFormat, addr.String(), addr.Network())
}

// ErrSizeExceedsMTU returns an error wrapping ErrPacketSizeExceedsMTU with the offending size.
func ErrSizeExceedsMTU(size int) error {
	return fmt.Errorf("%w: %dB > %dB", ErrPacketSizeExceedsMTU, size, MaxMTUSize)
}

// ErrHandshake wraps the given cause as a handshake failure.
func ErrHandshake(cause error) error {
	if cause == nil {
		return ErrHandshakeFailed
	}
	return fmt.Errorf("%w: %w", ErrHandshakeFailed, cause)
}
