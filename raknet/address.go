package raknet

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// PeerAddressLen is the encoded length of a PeerAddress.
const PeerAddressLen int = 6

// A PeerAddress is the IPv4 address + port pair peers are identified by, on the wire and in connection tables.
// It is comparable and intended for use as a map key.
//
// The wire form is 4 bytes of IPv4 in network order followed by the port in little-endian.
type PeerAddress struct {
	IP   [4]byte
	Port uint16
}

// PeerAddressFromAddrPort converts ap into a PeerAddress.
//
// IPv4-mapped IPv6 addresses are unmapped.
// Any other IPv6 address is coerced into its low four octets; this is lossy and only kept for compatibility with legacy peers that expect an IPv4 identity.
// Zoned addresses have no IPv4 identity and are refused.
func PeerAddressFromAddrPort(ap netip.AddrPort) (PeerAddress, error) {
	if !ap.IsValid() {
		return PeerAddress{}, fmt.Errorf("%w: %v is not a valid ip:port", ErrInvalidAddressFormat, ap)
	} else if ap.Addr().Zone() != "" {
		return PeerAddress{}, fmt.Errorf("%w: %v carries a zone", ErrInvalidAddressFormat, ap)
	}
	var (
		addr = ap.Addr().Unmap()
		pa   = PeerAddress{Port: ap.Port()}
	)
	if addr.Is4() {
		pa.IP = addr.As4()
	} else {
		b := addr.As16()
		copy(pa.IP[:], b[12:])
	}
	return pa, nil
}

// PeerAddressFromNetAddr converts a socket address into a PeerAddress.
// Only UDP and TCP addresses (or anything whose String() parses as ip:port) are accepted.
func PeerAddressFromNetAddr(addr net.Addr) (PeerAddress, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		if a == nil {
			return PeerAddress{}, ErrBadAddr(nil)
		}
		return PeerAddressFromAddrPort(a.AddrPort())
	case *net.TCPAddr:
		if a == nil {
			return PeerAddress{}, ErrBadAddr(nil)
		}
		return PeerAddressFromAddrPort(a.AddrPort())
	case nil:
		return PeerAddress{}, ErrBadAddr(nil)
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return PeerAddress{}, ErrBadAddr(addr)
	}
	return PeerAddressFromAddrPort(ap)
}

// ParsePeerAddress decodes the first PeerAddressLen bytes of b.
func ParsePeerAddress(b []byte) (PeerAddress, error) {
	if len(b) < PeerAddressLen {
		return PeerAddress{}, fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidAddressFormat, PeerAddressLen, len(b))
	}
	var pa PeerAddress
	copy(pa.IP[:], b[:4])
	pa.Port = binary.LittleEndian.Uint16(b[4:6])
	return pa, nil
}

// AppendBinary appends the wire form of pa to b.
func (pa PeerAddress) AppendBinary(b []byte) []byte {
	b = append(b, pa.IP[:]...)
	return binary.LittleEndian.AppendUint16(b, pa.Port)
}

// Bytes returns the wire form of pa.
func (pa PeerAddress) Bytes() []byte {
	return pa.AppendBinary(make([]byte, 0, PeerAddressLen))
}

// AddrPort returns pa as an IPv4 netip.AddrPort.
func (pa PeerAddress) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(pa.IP), pa.Port)
}

// UDPAddr returns pa as a *net.UDPAddr.
func (pa PeerAddress) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(pa.AddrPort())
}

// IsZero reports whether pa is the zero address.
func (pa PeerAddress) IsZero() bool {
	return pa == PeerAddress{}
}

func (pa PeerAddress) String() string {
	return netip.AddrFrom4(pa.IP).String() + ":" + strconv.FormatUint(uint64(pa.Port), 10)
}
