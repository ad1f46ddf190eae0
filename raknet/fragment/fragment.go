// Package fragment splits oversized messages into frames that fit a datagram and reassembles them on the far side.
//
// A Queue (the receiving side) holds one Fragment per in-flight compound message.
// Fragments may arrive in any order and more than once; a compound is only released by Flush once every index is present.
package fragment

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/protocol"
)

const (
	// MaxSplitCount caps the fragments of a single compound.
	MaxSplitCount uint32 = 8192
	// DefaultMaxPendingCompounds caps the compounds a Queue reassembles at once.
	DefaultMaxPendingCompounds = 64
	// DefaultCompoundTTL is how long an incomplete unreliable compound waits for its missing fragments.
	DefaultCompoundTTL = 5 * time.Second
)

var (
	ErrNotSplit        = errors.New("frame is not a fragment")
	ErrEmptySplit      = errors.New("split count is zero")
	ErrSplitTooLarge   = fmt.Errorf("split count exceeds %d", MaxSplitCount)
	ErrCountMismatch   = errors.New("split count disagrees with the compound")
	ErrTooManyPending  = errors.New("too many compounds pending reassembly")
	ErrIncomplete      = errors.New("compound is missing fragments")
	ErrBadSplitPayload = errors.New("max payload must be positive")
)

// Split cuts f's payload into ceil(len/maxPayload) fragments sharing the compound id, reliability class and order of f.
// A payload that already fits is returned as is.
// Fragment payloads alias f's.
// Message numbers are left for the sender to assign.
func Split(f protocol.Frame, id uint16, maxPayload int) ([]protocol.Frame, error) {
	if maxPayload <= 0 {
		return nil, ErrBadSplitPayload
	}
	if len(f.Payload) <= maxPayload {
		return []protocol.Frame{f}, nil
	}
	count := (len(f.Payload) + maxPayload - 1) / maxPayload
	if uint32(count) > MaxSplitCount {
		return nil, fmt.Errorf("%w: %dB payload needs %d fragments", ErrSplitTooLarge, len(f.Payload), count)
	}
	out := make([]protocol.Frame, count)
	for i := range out {
		lo, hi := i*maxPayload, min((i+1)*maxPayload, len(f.Payload))
		out[i] = protocol.Frame{
			Reliability: f.Reliability,
			Split:       &protocol.Split{ID: id, Count: uint32(count), Index: uint32(i)},
			Payload:     f.Payload[lo:hi],
		}
		if f.Order != nil {
			o := *f.Order
			out[i].Order = &o
		}
	}
	return out, nil
}

// A Fragment collects the frames of one compound message.
type Fragment struct {
	count  uint32
	order  *protocol.Order
	frames map[uint32]protocol.Frame // index -> frame
}

// New returns an empty Fragment expecting count frames.
// order is the compound's order, snapshotted from its first frame.
func New(count uint32, order *protocol.Order) *Fragment {
	f := &Fragment{count: count, frames: make(map[uint32]protocol.Frame, count)}
	if order != nil {
		o := *order
		f.order = &o
	}
	return f
}

// Insert stores fr under its split index.
// It is a no-op (returning false) once the Fragment is full, for an index already held, or for an index outside [0, count).
func (f *Fragment) Insert(fr protocol.Frame) bool {
	if f.IsFull() || fr.Split == nil || fr.Split.Index >= f.count {
		return false
	}
	if _, dup := f.frames[fr.Split.Index]; dup {
		return false
	}
	f.frames[fr.Split.Index] = fr
	return true
}

// IsFull reports whether every index is present.
func (f *Fragment) IsFull() bool {
	return uint32(len(f.frames)) == f.count
}

// Merge concatenates the held payloads in index order.
// The result carries the reliability class and message number of the highest-indexed fragment, the compound's order, and no split.
func (f *Fragment) Merge() (protocol.Frame, error) {
	if !f.IsFull() {
		return protocol.Frame{}, fmt.Errorf("%w: have %d/%d", ErrIncomplete, len(f.frames), f.count)
	}
	var (
		indices = slices.Sorted(maps.Keys(f.frames))
		size    int
	)
	for _, i := range indices {
		size += len(f.frames[i].Payload)
	}
	payload := make([]byte, 0, size)
	for _, i := range indices {
		payload = append(payload, f.frames[i].Payload...)
	}
	last := f.frames[indices[len(indices)-1]]
	return protocol.Frame{
		Reliability:   last.Reliability,
		MessageNumber: last.MessageNumber,
		Order:         f.order,
		Payload:       payload,
	}, nil
}

// A Queue reassembles compounds keyed by compound id.
// It is not safe for concurrent use; it belongs to a single connection's owner.
//
// Unreliable compounds may never complete, so they expire after the Queue's ttl and are the first evicted when the Queue is full.
// Reliable compounds stay until complete: their fragments have been acknowledged and will not be sent again.
type Queue struct {
	compounds  map[uint16]*pending
	maxPending int
	ttl        time.Duration
}

type pending struct {
	frag     *Fragment
	reliable bool
	deadline time.Time
}

// NewQueue returns an empty Queue holding at most maxPending compounds at once, expiring incomplete unreliable compounds after ttl.
// Non-positive values select DefaultMaxPendingCompounds and DefaultCompoundTTL.
func NewQueue(maxPending int, ttl time.Duration) *Queue {
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingCompounds
	}
	if ttl <= 0 {
		ttl = DefaultCompoundTTL
	}
	return &Queue{compounds: make(map[uint16]*pending), maxPending: maxPending, ttl: ttl}
}

// replaceable reports whether p is a leftover that a frame of a new compound reusing its id may displace.
func (p *pending) replaceable(fr protocol.Frame, now time.Time) bool {
	if p.reliable {
		return false
	}
	return !now.Before(p.deadline) || p.frag.count != fr.Split.Count || fr.Reliability.IsReliable()
}

// Admit reports whether Insert would accept fr, without changing the Queue.
// Errors wrap raknet.ErrFrame.
func (q *Queue) Admit(fr protocol.Frame, now time.Time) error {
	if fr.Split == nil {
		return fmt.Errorf("%w: %w", raknet.ErrFrame, ErrNotSplit)
	} else if fr.Split.Count == 0 {
		return fmt.Errorf("%w: %w", raknet.ErrFrame, ErrEmptySplit)
	} else if fr.Split.Count > MaxSplitCount {
		return fmt.Errorf("%w: %w (%d)", raknet.ErrFrame, ErrSplitTooLarge, fr.Split.Count)
	}
	if p, found := q.compounds[fr.Split.ID]; found {
		if p.frag.count != fr.Split.Count && !p.replaceable(fr, now) {
			return fmt.Errorf("%w: %w (%d != %d)", raknet.ErrFrame, ErrCountMismatch, fr.Split.Count, p.frag.count)
		}
		return nil
	}
	if len(q.compounds) >= q.maxPending {
		if _, ok := q.evictable(); !ok {
			return fmt.Errorf("%w: %w (%d)", raknet.ErrFrame, ErrTooManyPending, len(q.compounds))
		}
	}
	return nil
}

// evictable returns the unreliable compound closest to expiry.
func (q *Queue) evictable() (id uint16, ok bool) {
	var oldest time.Time
	for cid, p := range q.compounds {
		if p.reliable {
			continue
		}
		if !ok || p.deadline.Before(oldest) || (p.deadline.Equal(oldest) && cid < id) {
			id, oldest, ok = cid, p.deadline, true
		}
	}
	return id, ok
}

// Insert routes fr to the Fragment of its compound, creating it on first sight.
// A full Queue makes room by evicting its oldest unreliable compound.
// Errors wrap raknet.ErrFrame; the frame is dropped and the Queue is unchanged.
func (q *Queue) Insert(fr protocol.Frame, now time.Time) error {
	if err := q.Admit(fr, now); err != nil {
		return err
	}
	p, found := q.compounds[fr.Split.ID]
	if found && p.replaceable(fr, now) {
		delete(q.compounds, fr.Split.ID)
		found = false
	}
	if !found {
		if len(q.compounds) >= q.maxPending {
			id, _ := q.evictable()
			delete(q.compounds, id)
		}
		p = &pending{
			frag:     New(fr.Split.Count, fr.Order),
			reliable: fr.Reliability.IsReliable(),
			deadline: now.Add(q.ttl),
		}
		q.compounds[fr.Split.ID] = p
	}
	p.frag.Insert(fr)
	return nil
}

// Expire drops the incomplete unreliable compounds whose ttl has passed, returning how many were dropped.
func (q *Queue) Expire(now time.Time) int {
	var n int
	for id, p := range q.compounds {
		if !p.reliable && !now.Before(p.deadline) {
			delete(q.compounds, id)
			n++
		}
	}
	return n
}

// Flush removes every complete compound and returns their merged frames, ordered by compound id.
func (q *Queue) Flush() []protocol.Frame {
	var out []protocol.Frame
	for _, id := range slices.Sorted(maps.Keys(q.compounds)) {
		frag := q.compounds[id].frag
		if !frag.IsFull() {
			continue
		}
		merged, err := frag.Merge()
		if err != nil { // unreachable; IsFull was checked
			continue
		}
		delete(q.compounds, id)
		out = append(out, merged)
	}
	return out
}

// Len returns the number of compounds awaiting fragments.
func (q *Queue) Len() int {
	return len(q.compounds)
}
