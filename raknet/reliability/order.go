package reliability

import (
	"errors"
	"fmt"

	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/protocol"
	"github.com/google/btree"
)

// DefaultMaxHeld caps the ordered frames an Orderer holds back across all channels.
const DefaultMaxHeld = 1024

var (
	ErrOrderHorizon = errors.New("order index is too far ahead of the channel")
	ErrHeldFull     = errors.New("too many ordered frames waiting on a gap")
)

// per-channel ordering state
type channel struct {
	nextOrdered   uint32
	held          *btree.BTreeG[protocol.Frame] // ordered frames that arrived early, keyed by order index
	nextSequenced uint32
}

// An Orderer applies the ordering and sequencing rules of each channel to deduplicated, reassembled frames.
type Orderer struct {
	channels [raknet.ChannelCount]channel
	held     int
	maxHeld  int
}

func byOrderIndex(a, b protocol.Frame) bool {
	return a.Order.Index < b.Order.Index
}

// NewOrderer returns an Orderer with every channel expecting index 0, holding back at most maxHeld early frames.
// Non-positive values select DefaultMaxHeld.
func NewOrderer(maxHeld int) *Orderer {
	if maxHeld <= 0 {
		maxHeld = DefaultMaxHeld
	}
	o := &Orderer{maxHeld: maxHeld}
	for i := range o.channels {
		o.channels[i].held = btree.NewG(2, byOrderIndex)
	}
	return o
}

// Release takes one frame and returns the frames now deliverable, in delivery order.
//
// Unordered classes pass straight through.
// Sequenced classes are delivered only if newer than anything delivered on the channel before.
// ReliableOrdered frames are delivered strictly by order index, holding back early arrivals until the gap fills.
// Early arrivals WindowSize or more indices ahead of the channel, or beyond the Orderer's capacity, are refused with an error wrapping raknet.ErrFrame.
func (o *Orderer) Release(f protocol.Frame) ([]protocol.Frame, error) {
	if !f.Reliability.IsOrdered() || f.Order == nil || f.Order.Channel >= raknet.ChannelCount {
		return []protocol.Frame{f}, nil
	}
	ch := &o.channels[f.Order.Channel]
	if f.Reliability.IsSequenced() {
		if f.Order.Index < ch.nextSequenced {
			return nil, nil
		}
		ch.nextSequenced = f.Order.Index + 1
		return []protocol.Frame{f}, nil
	}

	switch {
	case f.Order.Index < ch.nextOrdered: // already delivered
		return nil, nil
	case f.Order.Index > ch.nextOrdered:
		if err := o.Admit(f); err != nil {
			return nil, err
		}
		if ch.held.Has(f) {
			return nil, nil
		}
		ch.held.ReplaceOrInsert(f)
		o.held++
		return nil, nil
	}
	out := []protocol.Frame{f}
	ch.nextOrdered++
	for {
		next, ok := ch.held.Min()
		if !ok || next.Order.Index != ch.nextOrdered {
			break
		}
		ch.held.DeleteMin()
		o.held--
		out = append(out, next)
		ch.nextOrdered++
	}
	return out, nil
}

// Admit reports whether Release would take f without refusing it, leaving the Orderer unchanged.
func (o *Orderer) Admit(f protocol.Frame) error {
	if f.Reliability != raknet.ReliableOrdered || f.Order == nil || f.Order.Channel >= raknet.ChannelCount {
		return nil
	}
	ch := &o.channels[f.Order.Channel]
	if f.Order.Index <= ch.nextOrdered {
		return nil
	}
	if f.Order.Index-ch.nextOrdered >= WindowSize {
		return fmt.Errorf("%w: %w (index %d, channel %d expects %d)", raknet.ErrFrame, ErrOrderHorizon, f.Order.Index, f.Order.Channel, ch.nextOrdered)
	}
	if o.held >= o.maxHeld && !ch.held.Has(f) {
		return fmt.Errorf("%w: %w (%d)", raknet.ErrFrame, ErrHeldFull, o.held)
	}
	return nil
}

// Held returns the number of ordered frames waiting on a gap.
func (o *Orderer) Held() int { return o.held }
