package protocol

import (
	"fmt"
	"slices"

	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"google.golang.org/protobuf/encoding/protowire"
)

// A Range is an inclusive run of message numbers [Min, Max].
type Range struct {
	Min, Max uint32
}

// Contains reports whether n falls within r.
func (r Range) Contains(n uint32) bool {
	return n >= r.Min && n <= r.Max
}

// RangesOf collapses the given message numbers into sorted, disjoint ranges.
// nums is sorted in place; duplicates are tolerated.
func RangesOf(nums []uint32) []Range {
	if len(nums) == 0 {
		return nil
	}
	slices.Sort(nums)
	out := []Range{{nums[0], nums[0]}}
	for _, n := range nums[1:] {
		last := &out[len(out)-1]
		if n <= last.Max {
			continue
		} else if n == last.Max+1 {
			last.Max = n
			continue
		}
		out = append(out, Range{n, n})
	}
	return out
}

// AppendReceipts appends each range as a pair of varints: min, then max-min.
func AppendReceipts(b []byte, rs []Range) []byte {
	for _, r := range rs {
		b = protowire.AppendVarint(b, uint64(r.Min))
		b = protowire.AppendVarint(b, uint64(r.Max-r.Min))
	}
	return b
}

// ParseReceipts decodes the ranges written by AppendReceipts.
func ParseReceipts(b []byte) ([]Range, error) {
	var out []Range
	for len(b) > 0 {
		lo, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad receipt minimum: %w", raknet.ErrFrame, protowire.ParseError(n))
		}
		b = b[n:]
		span, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad receipt span: %w", raknet.ErrFrame, protowire.ParseError(n))
		}
		b = b[n:]
		if lo > 0xFFFFFFFF || span > 0xFFFFFFFF-lo {
			return nil, fmt.Errorf("%w: receipt from %d spanning %d overflows 32 bits", raknet.ErrFrame, lo, span)
		}
		out = append(out, Range{uint32(lo), uint32(lo + span)})
	}
	return out, nil
}

// MaxReceiptsPerDatagram is the number of ranges guaranteed to fit a single datagram.
const MaxReceiptsPerDatagram = (raknet.MaxMTUSize - DatagramHeaderLen) / (2 * 5)

// ReceiptDatagrams packs ranges into as many datagrams of the given kind (FlagACK or FlagNACK) as needed.
func ReceiptDatagrams(flag byte, rs []Range) []Datagram {
	var out []Datagram
	for chunk := range slices.Chunk(rs, MaxReceiptsPerDatagram) {
		out = append(out, Datagram{Flags: flag, Receipts: chunk})
	}
	return out
}
