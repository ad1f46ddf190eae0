package reliability

import (
	"fmt"

	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/protocol"
)

const (
	// WindowSize is how far past the lowest unseen message number a frame may land.
	WindowSize uint32 = 2048
	// maxNacksPerGap caps the numbers a single gap can queue for negative acknowledgement.
	maxNacksPerGap uint32 = 64
)

// A ReceiveWindow filters duplicate frames and collects the receipts owed to the sender.
type ReceiveWindow struct {
	base       uint32 // every number below base has been seen
	seen       map[uint32]struct{}
	highest    uint32
	hasHighest bool

	acks  []uint32
	nacks []uint32
}

// NewReceiveWindow returns an empty ReceiveWindow expecting message number 0 first.
func NewReceiveWindow() *ReceiveWindow {
	return &ReceiveWindow{seen: make(map[uint32]struct{})}
}

// Accept records message number n, reporting whether it is new.
// Duplicates are acknowledged again (the first receipt may have been lost) but reported as not fresh.
// Numbers beyond the window are refused with an error wrapping raknet.ErrFrame and are not acknowledged.
func (w *ReceiveWindow) Accept(n uint32) (fresh bool, err error) {
	if n < w.base {
		w.acks = append(w.acks, n)
		return false, nil
	}
	if n-w.base >= WindowSize {
		return false, fmt.Errorf("%w: message number %d is beyond the receive window [%d, %d)", raknet.ErrFrame, n, w.base, w.base+WindowSize)
	}
	w.acks = append(w.acks, n)
	if _, dup := w.seen[n]; dup {
		return false, nil
	}
	w.seen[n] = struct{}{}

	// anything skipped over is probably lost
	from := w.base
	if w.hasHighest {
		from = max(from, w.highest+1)
	}
	if n > from {
		from = max(from, n-min(n-from, maxNacksPerGap))
		for m := from; m < n; m++ {
			if _, ok := w.seen[m]; !ok {
				w.nacks = append(w.nacks, m)
			}
		}
	}
	if !w.hasHighest || n > w.highest {
		w.highest, w.hasHighest = n, true
	}

	for {
		if _, ok := w.seen[w.base]; !ok {
			break
		}
		delete(w.seen, w.base)
		w.base++
	}
	return true, nil
}

// Seen reports whether message number n has already been accepted.
func (w *ReceiveWindow) Seen(n uint32) bool {
	if n < w.base {
		return true
	}
	_, ok := w.seen[n]
	return ok
}

// TakeReceipts drains the queued acknowledgements and negative acknowledgements.
// Numbers that arrived since they were reported missing are not negatively acknowledged.
func (w *ReceiveWindow) TakeReceipts() (acks, nacks []protocol.Range) {
	var missing []uint32
	for _, n := range w.nacks {
		if n < w.base {
			continue
		}
		if _, ok := w.seen[n]; ok {
			continue
		}
		missing = append(missing, n)
	}
	acks, nacks = protocol.RangesOf(w.acks), protocol.RangesOf(missing)
	w.acks, w.nacks = w.acks[:0], w.nacks[:0]
	return acks, nacks
}

// Base returns the lowest message number not yet received.
func (w *ReceiveWindow) Base() uint32 { return w.base }
