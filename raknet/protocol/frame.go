/*
Package protocol contains the wire codecs of the transport: connected datagrams, the frames they carry, ACK/NACK receipts and the payloads of handshake and offline messages.

Multi-byte integers are little-endian unless noted otherwise.
Message codecs handle bodies only; the leading packet identifier byte is resolved through a packetid.Registry by the caller.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/rs/zerolog"
)

const (
	frameBaseLen  = 1 + 4 + 2 // flags, message number, payload length
	frameOrderLen = 1 + 4     // channel, order index
	frameSplitLen = 4 + 2 + 4 // count, compound id, index
	// MaxFrameHeaderLen is the longest a frame header can be.
	MaxFrameHeaderLen = frameBaseLen + frameOrderLen + frameSplitLen

	flagSplit byte = 0b00010000
)

// Order places a frame within an ordering channel.
type Order struct {
	Channel uint8
	Index   uint32
}

// Split identifies a frame as one fragment of a compound message.
type Split struct {
	// ID of the compound; shared by all fragments of one message.
	ID uint16
	// Count is the total number of fragments in the compound.
	Count uint32
	// Index of this fragment within the compound, [0, Count).
	Index uint32
}

// A Frame is the unit of reliability: one message or one fragment of a message.
type Frame struct {
	Reliability raknet.Reliability
	// MessageNumber is unique per physical frame and direction; retransmissions reuse it.
	MessageNumber uint32
	// Order is set iff Reliability is ordered or sequenced.
	Order *Order
	// Split is set iff the frame is a fragment.
	Split   *Split
	Payload []byte
}

//#region errors

var (
	ErrBadReliability  = errors.New("reliability class is not enumerated")
	ErrMissingOrder    = errors.New("ordered and sequenced frames must carry an order")
	ErrUnexpectedOrder = errors.New("order given on an unordered frame")
	ErrBadChannel      = fmt.Errorf("channel must be < %d", raknet.ChannelCount)
	ErrBadSplit        = errors.New("split index must be less than a non-zero split count")
	ErrEmptyPayload    = errors.New("frame payload must not be empty")
	ErrPayloadTooLarge = errors.New("frame payload must fit in 16 bits")
)

//#endregion errors

// HeaderLen returns the encoded length of f's header.
func (f *Frame) HeaderLen() int {
	n := frameBaseLen
	if f.Reliability.IsOrdered() {
		n += frameOrderLen
	}
	if f.Split != nil {
		n += frameSplitLen
	}
	return n
}

// Len returns the encoded length of f.
func (f *Frame) Len() int {
	return f.HeaderLen() + len(f.Payload)
}

// Validate tests each field in f, returning a list of issues.
func (f *Frame) Validate() (errs []error) {
	if !f.Reliability.Valid() {
		errs = append(errs, ErrBadReliability)
	}
	if f.Reliability.IsOrdered() {
		if f.Order == nil {
			errs = append(errs, ErrMissingOrder)
		} else if f.Order.Channel >= raknet.ChannelCount {
			errs = append(errs, ErrBadChannel)
		}
	} else if f.Order != nil {
		errs = append(errs, ErrUnexpectedOrder)
	}
	if f.Split != nil && (f.Split.Count == 0 || f.Split.Index >= f.Split.Count) {
		errs = append(errs, ErrBadSplit)
	}
	if len(f.Payload) == 0 {
		errs = append(errs, ErrEmptyPayload)
	} else if len(f.Payload) > 0xFFFF {
		errs = append(errs, ErrPayloadTooLarge)
	}
	return errs
}

// AppendBinary appends the encoded frame to b.
// f is validated first; an invalid frame is never encoded.
func (f *Frame) AppendBinary(b []byte) ([]byte, error) {
	if errs := f.Validate(); len(errs) > 0 {
		return b, fmt.Errorf("%w: %w", raknet.ErrFrame, errors.Join(errs...))
	}
	flags := byte(f.Reliability) << 5
	if f.Split != nil {
		flags |= flagSplit
	}
	b = append(b, flags)
	b = binary.LittleEndian.AppendUint32(b, f.MessageNumber)
	if f.Reliability.IsOrdered() {
		b = append(b, f.Order.Channel)
		b = binary.LittleEndian.AppendUint32(b, f.Order.Index)
	}
	if f.Split != nil {
		b = binary.LittleEndian.AppendUint32(b, f.Split.Count)
		b = binary.LittleEndian.AppendUint16(b, f.Split.ID)
		b = binary.LittleEndian.AppendUint32(b, f.Split.Index)
	}
	b = binary.LittleEndian.AppendUint16(b, uint16(len(f.Payload)))
	return append(b, f.Payload...), nil
}

// MarshalBinary returns the encoded frame.
func (f *Frame) MarshalBinary() ([]byte, error) {
	return f.AppendBinary(make([]byte, 0, f.Len()))
}

// ParseFrame decodes one frame from the front of b, returning it and the number of bytes consumed.
// The payload aliases b.
// Errors wrap raknet.ErrFrame.
func ParseFrame(b []byte) (f Frame, n int, err error) {
	if len(b) < frameBaseLen {
		return f, 0, fmt.Errorf("%w: short frame header (%dB)", raknet.ErrFrame, len(b))
	}
	flags := b[0]
	f.Reliability = raknet.Reliability(flags >> 5)
	if !f.Reliability.Valid() {
		return f, 0, fmt.Errorf("%w: %w", raknet.ErrFrame, ErrBadReliability)
	}
	f.MessageNumber = binary.LittleEndian.Uint32(b[1:5])
	n = 5
	if f.Reliability.IsOrdered() {
		if len(b) < n+frameOrderLen+2 {
			return f, 0, fmt.Errorf("%w: short order header", raknet.ErrFrame)
		}
		f.Order = &Order{Channel: b[n], Index: binary.LittleEndian.Uint32(b[n+1:])}
		n += frameOrderLen
	}
	if flags&flagSplit != 0 {
		if len(b) < n+frameSplitLen+2 {
			return f, 0, fmt.Errorf("%w: short split header", raknet.ErrFrame)
		}
		f.Split = &Split{
			Count: binary.LittleEndian.Uint32(b[n:]),
			ID:    binary.LittleEndian.Uint16(b[n+4:]),
			Index: binary.LittleEndian.Uint32(b[n+6:]),
		}
		n += frameSplitLen
	}
	length := int(binary.LittleEndian.Uint16(b[n:]))
	n += 2
	if len(b) < n+length {
		return f, 0, fmt.Errorf("%w: payload length %d exceeds remaining %dB", raknet.ErrFrame, length, len(b)-n)
	}
	f.Payload = b[n : n+length]
	n += length
	if errs := f.Validate(); len(errs) > 0 {
		return f, 0, fmt.Errorf("%w: %w", raknet.ErrFrame, errors.Join(errs...))
	}
	return f, n, nil
}

// Zerolog attaches f's header fields to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (f *Frame) Zerolog(ev *zerolog.Event) {
	ev.Str("reliability", f.Reliability.String()).
		Uint32("message number", f.MessageNumber).
		Int("payload (bytes)", len(f.Payload))
	if f.Order != nil {
		ev.Uint8("channel", f.Order.Channel).Uint32("order index", f.Order.Index)
	}
	if f.Split != nil {
		ev.Uint16("split id", f.Split.ID).Uint32("split index", f.Split.Index).Uint32("split count", f.Split.Count)
	}
}
