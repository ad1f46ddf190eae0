package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/checksum"
)

const (
	// FlagValid marks a connected datagram. Offline packet identifiers never have it set.
	FlagValid byte = 0x80
	// FlagACK marks a datagram whose body is acknowledgement receipts.
	FlagACK byte = 0x40
	// FlagNACK marks a datagram whose body is negative acknowledgement receipts.
	FlagNACK byte = 0x20

	// DatagramHeaderLen is the length of the flags byte plus the checksum.
	DatagramHeaderLen = 1 + checksum.Size
	// MaxFramePayload is the largest frame payload that still fits a single datagram.
	MaxFramePayload = raknet.MaxMTUSize - DatagramHeaderLen - MaxFrameHeaderLen
)

var ErrAckAndNack = errors.New("a datagram cannot be both ACK and NACK")

// IsConnected reports whether the datagram led by b is a connected datagram.
func IsConnected(b byte) bool {
	return b&FlagValid != 0
}

// A Datagram is a connected datagram: either a run of frames or a set of receipts.
type Datagram struct {
	Flags    byte
	Frames   []Frame
	Receipts []Range
}

// IsACK reports whether d carries acknowledgements.
func (d *Datagram) IsACK() bool { return d.Flags&FlagACK != 0 }

// IsNACK reports whether d carries negative acknowledgements.
func (d *Datagram) IsNACK() bool { return d.Flags&FlagNACK != 0 }

// MarshalBinary encodes d, computing its checksum.
func (d *Datagram) MarshalBinary() ([]byte, error) {
	if d.IsACK() && d.IsNACK() {
		return nil, ErrAckAndNack
	}
	b := make([]byte, DatagramHeaderLen, raknet.MaxMTUSize)
	b[0] = d.Flags | FlagValid
	var err error
	if d.IsACK() || d.IsNACK() {
		b = AppendReceipts(b, d.Receipts)
	} else {
		for i := range d.Frames {
			if b, err = d.Frames[i].AppendBinary(b); err != nil {
				return nil, err
			}
		}
	}
	binary.LittleEndian.PutUint32(b[1:], checksum.Compute(b[DatagramHeaderLen:]))
	return b, nil
}

// ParseDatagram verifies the checksum of b and decodes its body.
// Checksum mismatches wrap raknet.ErrDecryptionFailed; malformed bodies wrap raknet.ErrFrame.
// Frame payloads alias b.
func ParseDatagram(b []byte) (d Datagram, err error) {
	if len(b) < DatagramHeaderLen || !IsConnected(b[0]) {
		return d, fmt.Errorf("%w: not a connected datagram", raknet.ErrFrame)
	}
	d.Flags = b[0]
	if d.IsACK() && d.IsNACK() {
		return d, fmt.Errorf("%w: %w", raknet.ErrFrame, ErrAckAndNack)
	}
	body := b[DatagramHeaderLen:]
	if want, got := binary.LittleEndian.Uint32(b[1:]), checksum.Compute(body); want != got {
		return d, fmt.Errorf("%w: checksum %08x != %08x", raknet.ErrDecryptionFailed, got, want)
	}
	if d.IsACK() || d.IsNACK() {
		d.Receipts, err = ParseReceipts(body)
		return d, err
	}
	for len(body) > 0 {
		f, n, err := ParseFrame(body)
		if err != nil {
			return d, err
		}
		d.Frames = append(d.Frames, f)
		body = body[n:]
	}
	return d, nil
}
