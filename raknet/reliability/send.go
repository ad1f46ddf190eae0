// Package reliability implements the per-connection delivery machinery: numbering and retransmission of outbound frames, duplicate filtering and receipts for inbound frames, and per-channel ordering/sequencing.
//
// None of the types are safe for concurrent use; each belongs to exactly one connection owner.
package reliability

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/fragment"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/protocol"
)

const (
	// DefaultRTO is the retransmission timeout used until a round trip has been measured.
	DefaultRTO = 300 * time.Millisecond
	MinRTO     = 100 * time.Millisecond
	MaxRTO     = 3 * time.Second
)

var ErrBadChannel = fmt.Errorf("channel must be < %d", raknet.ChannelCount)

// an outbound reliable frame awaiting acknowledgement
type inflight struct {
	frame    protocol.Frame
	sentAt   time.Time
	resendAt time.Time
	retries  int
}

// A SendWindow numbers outbound frames and holds reliable ones until they are acknowledged.
type SendWindow struct {
	maxPayload   int
	nextNumber   uint32
	nextCompound uint16
	ordered      [raknet.ChannelCount]uint32
	sequenced    [raknet.ChannelCount]uint32

	pending map[uint32]*inflight // message number -> frame
	srtt    time.Duration
	rto     time.Duration
	resends uint64
}

// NewSendWindow returns a SendWindow that splits payloads larger than maxPayload.
func NewSendWindow(maxPayload int) *SendWindow {
	return &SendWindow{
		maxPayload: maxPayload,
		pending:    make(map[uint32]*inflight),
		rto:        DefaultRTO,
	}
}

// Prepare turns one outbound message into the frames to transmit: it assigns the order or sequence index, splits the payload if needed, and numbers every frame.
// Reliable frames are retained for retransmission.
func (w *SendWindow) Prepare(payload []byte, rel raknet.Reliability, channel uint8, now time.Time) ([]protocol.Frame, error) {
	if !rel.Valid() {
		return nil, protocol.ErrBadReliability
	} else if channel >= raknet.ChannelCount {
		return nil, ErrBadChannel
	} else if len(payload) == 0 {
		return nil, protocol.ErrEmptyPayload
	}

	f := protocol.Frame{Reliability: rel, Payload: payload}
	if rel.IsOrdered() {
		f.Order = &protocol.Order{Channel: channel}
		if rel.IsSequenced() {
			f.Order.Index = w.sequenced[channel]
			w.sequenced[channel]++
		} else {
			f.Order.Index = w.ordered[channel]
			w.ordered[channel]++
		}
	}
	if rel == raknet.ReliableSequenced {
		w.supersede(channel, f.Order.Index)
	}

	frames, err := fragment.Split(f, w.nextCompound, w.maxPayload)
	if err != nil {
		return nil, err
	}
	if len(frames) > 1 {
		w.nextCompound++
	}
	for i := range frames {
		frames[i].MessageNumber = w.nextNumber
		w.nextNumber++
		if rel.IsReliable() {
			w.pending[frames[i].MessageNumber] = &inflight{
				frame:    frames[i],
				sentAt:   now,
				resendAt: now.Add(w.rto),
			}
		}
	}
	return frames, nil
}

// supersede drops unacknowledged ReliableSequenced frames on channel older than index; only the newest is guaranteed.
func (w *SendWindow) supersede(channel uint8, index uint32) {
	for n, inf := range w.pending {
		f := inf.frame
		if f.Reliability == raknet.ReliableSequenced && f.Order.Channel == channel && f.Order.Index < index {
			delete(w.pending, n)
		}
	}
}

// each calls fn for every pending message number within rs.
func (w *SendWindow) each(rs []protocol.Range, fn func(n uint32, inf *inflight)) {
	for _, r := range rs {
		if r.Max < r.Min {
			continue
		}
		// walk whichever side is smaller
		if uint64(r.Max-r.Min) < uint64(len(w.pending)) {
			for n := uint64(r.Min); n <= uint64(r.Max); n++ {
				if inf, found := w.pending[uint32(n)]; found {
					fn(uint32(n), inf)
				}
			}
			continue
		}
		for n, inf := range w.pending {
			if r.Contains(n) {
				fn(n, inf)
			}
		}
	}
}

// Ack releases every pending frame within rs, returning how many were released.
// Frames acknowledged on their first transmission feed the round trip estimate.
func (w *SendWindow) Ack(rs []protocol.Range, now time.Time) (released int) {
	w.each(rs, func(n uint32, inf *inflight) {
		if inf.retries == 0 {
			w.ObserveRTT(now.Sub(inf.sentAt))
		}
		delete(w.pending, n)
		released++
	})
	return released
}

// Nack returns the pending frames within rs for immediate retransmission, unchanged.
func (w *SendWindow) Nack(rs []protocol.Range, now time.Time) []protocol.Frame {
	var out []protocol.Frame
	w.each(rs, func(_ uint32, inf *inflight) {
		w.resent(inf, now)
		out = append(out, inf.frame)
	})
	slices.SortFunc(out, byNumber)
	return out
}

// Due returns every pending frame whose retransmission timer expired, in message number order.
func (w *SendWindow) Due(now time.Time) []protocol.Frame {
	var out []protocol.Frame
	for _, n := range slices.Sorted(maps.Keys(w.pending)) {
		inf := w.pending[n]
		if inf.resendAt.After(now) {
			continue
		}
		w.resent(inf, now)
		out = append(out, inf.frame)
	}
	return out
}

// resent bumps the retry count and backs the timer off.
func (w *SendWindow) resent(inf *inflight, now time.Time) {
	inf.retries++
	w.resends++
	backoff := w.rto << min(inf.retries, 5)
	inf.resendAt = now.Add(min(backoff, MaxRTO))
}

// ObserveRTT folds a round trip sample into the smoothed estimate and recomputes the timeout.
func (w *SendWindow) ObserveRTT(sample time.Duration) {
	if sample < 0 {
		return
	}
	if w.srtt == 0 {
		w.srtt = sample
	} else {
		w.srtt = (7*w.srtt + sample) / 8
	}
	w.rto = min(max(2*w.srtt+50*time.Millisecond, MinRTO), MaxRTO)
}

// RTT returns the smoothed round trip estimate; 0 until measured.
func (w *SendWindow) RTT() time.Duration { return w.srtt }

// RTO returns the current retransmission timeout.
func (w *SendWindow) RTO() time.Duration { return w.rto }

// Pending returns the number of frames awaiting acknowledgement.
func (w *SendWindow) Pending() int { return len(w.pending) }

// Resends returns the number of retransmissions so far.
func (w *SendWindow) Resends() uint64 { return w.resends }

func byNumber(a, b protocol.Frame) int {
	switch {
	case a.MessageNumber < b.MessageNumber:
		return -1
	case a.MessageNumber > b.MessageNumber:
		return 1
	}
	return 0
}

