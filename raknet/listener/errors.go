package listener

import (
	"fmt"
	"net/netip"

	"github.com/AnotherlandServer/anotherland-sub012/raknet"
)

// ErrBadAddr returns an error to indicate that the given netip.AddrPort was invalid.
func ErrBadAddr(ap netip.AddrPort) error {
	return fmt.Errorf("%w: %v is not a valid ip:port", raknet.ErrInvalidAddressFormat, ap)
}

// ErrNoConnectionTo returns an error to indicate that the listener holds no connection for the given peer.
// Wraps raknet.ErrConnectionClosed, as the connection is either gone or never was.
func ErrNoConnectionTo(peer raknet.PeerAddress) error {
	return fmt.Errorf("%w: no connection to %v", raknet.ErrConnectionClosed, peer)
}
