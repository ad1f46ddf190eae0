package fragment_test

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	. "github.com/AnotherlandServer/anotherland-sub012/internal/testsupport"
	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/fragment"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/protocol"
)

func payloadOf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 31)
	}
	return b
}

// splits and numbers a message the way a sender would
func split(t *testing.T, payload []byte, rel raknet.Reliability, order *protocol.Order, maxPayload int) []protocol.Frame {
	t.Helper()
	frames, err := fragment.Split(protocol.Frame{Reliability: rel, Order: order, Payload: payload}, 7, maxPayload)
	if err != nil {
		t.Fatal(err)
	}
	for i := range frames {
		frames[i].MessageNumber = uint32(100 + i)
	}
	return frames
}

// 4000 bytes over a 1200 byte budget, delivered as 2, 0, 3, 1.
func TestQueue_OutOfOrderCompound(t *testing.T) {
	payload := payloadOf(4000)
	order := &protocol.Order{Channel: 3, Index: 11}
	frames := split(t, payload, raknet.ReliableOrdered, order, 1200)
	if len(frames) != 4 {
		t.Fatal("bad fragment count", ExpectedActual(4, len(frames)))
	}
	for i, f := range frames {
		if f.Split.Count != 4 || f.Split.Index != uint32(i) || f.Split.ID != 7 {
			t.Fatalf("bad split header on fragment %d: %+v", i, *f.Split)
		}
	}

	q := fragment.NewQueue(0, 0)
	now := time.Now()
	for _, i := range []int{2, 0, 3} {
		if err := q.Insert(frames[i], now); err != nil {
			t.Fatal(err)
		}
		if out := q.Flush(); len(out) != 0 {
			t.Fatalf("flushed %d frames before the compound was complete", len(out))
		}
	}
	if err := q.Insert(frames[1], now); err != nil {
		t.Fatal(err)
	}
	out := q.Flush()
	if len(out) != 1 {
		t.Fatal("bad flush count", ExpectedActual(1, len(out)))
	}
	merged := out[0]
	if !bytes.Equal(merged.Payload, payload) {
		t.Fatal("merged payload differs from the original")
	}
	if merged.Split != nil {
		t.Error("merged frame still carries a split")
	}
	if merged.Order == nil || *merged.Order != *order {
		t.Error("merged frame lost its order", ExpectedActual(order, merged.Order))
	}
	if merged.MessageNumber != frames[3].MessageNumber || merged.Reliability != raknet.ReliableOrdered {
		t.Error("merged frame should carry the last fragment's header", ExpectedActual(frames[3].MessageNumber, merged.MessageNumber))
	}
	if q.Len() != 0 {
		t.Error("compound not removed after flush")
	}
}

func TestQueue_AnyPermutation(t *testing.T) {
	payload := payloadOf(5*64 + 17)
	frames := split(t, payload, raknet.Reliable, nil, 64)
	for range 50 {
		q := fragment.NewQueue(0, 0)
		now := time.Now()
		var merged []protocol.Frame
		for _, i := range rand.Perm(len(frames)) {
			if err := q.Insert(frames[i], now); err != nil {
				t.Fatal(err)
			}
			merged = append(merged, q.Flush()...)
		}
		if len(merged) != 1 || !bytes.Equal(merged[0].Payload, payload) {
			t.Fatal("permuted insertion did not reassemble the payload")
		}
	}
}

func TestFragment_Idempotent(t *testing.T) {
	frames := split(t, payloadOf(300), raknet.Reliable, nil, 100)
	f := fragment.New(3, nil)
	if !f.Insert(frames[0]) {
		t.Fatal("first insert rejected")
	}
	if f.Insert(frames[0]) {
		t.Fatal("duplicate insert accepted")
	}
	if f.IsFull() {
		t.Fatal("full after a single fragment")
	}
	if _, err := f.Merge(); !errors.Is(err, fragment.ErrIncomplete) {
		t.Fatal("merge of incomplete compound", ExpectedActual(fragment.ErrIncomplete, err))
	}
	f.Insert(frames[1])
	f.Insert(frames[2])
	if !f.IsFull() {
		t.Fatal("not full after every fragment")
	}
	// inserts after full are no-ops
	extra := frames[2]
	extra.Payload = []byte("garbage")
	if f.Insert(extra) {
		t.Fatal("insert accepted after full")
	}
	m, err := f.Merge()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(m.Payload, payloadOf(300)) {
		t.Fatal("merged payload corrupted by late insert")
	}
	outOfRange := frames[0]
	outOfRange.Split = &protocol.Split{ID: 7, Count: 3, Index: 5}
	if fragment.New(3, nil).Insert(outOfRange) {
		t.Fatal("out of range index accepted")
	}
}

func TestQueue_Limits(t *testing.T) {
	t.Run("not split", func(t *testing.T) {
		err := fragment.NewQueue(0, 0).Insert(protocol.Frame{Reliability: raknet.Reliable, Payload: []byte{1}}, time.Now())
		if !errors.Is(err, raknet.ErrFrame) || !errors.Is(err, fragment.ErrNotSplit) {
			t.Fatal("unsplit frame accepted", err)
		}
	})
	t.Run("count mismatch", func(t *testing.T) {
		q := fragment.NewQueue(0, 0)
		now := time.Now()
		q.Insert(protocol.Frame{Reliability: raknet.Reliable, Split: &protocol.Split{ID: 1, Count: 3}, Payload: []byte{1}}, now)
		err := q.Insert(protocol.Frame{Reliability: raknet.Reliable, Split: &protocol.Split{ID: 1, Count: 4, Index: 1}, Payload: []byte{1}}, now)
		if !errors.Is(err, fragment.ErrCountMismatch) {
			t.Fatal("count mismatch accepted", err)
		}
	})
	t.Run("too large", func(t *testing.T) {
		err := fragment.NewQueue(0, 0).Insert(protocol.Frame{Split: &protocol.Split{Count: fragment.MaxSplitCount + 1}, Payload: []byte{1}}, time.Now())
		if !errors.Is(err, fragment.ErrSplitTooLarge) {
			t.Fatal("oversized compound accepted", err)
		}
		if _, err := fragment.Split(protocol.Frame{Payload: payloadOf(int(fragment.MaxSplitCount) + 1)}, 0, 1); !errors.Is(err, fragment.ErrSplitTooLarge) {
			t.Fatal("oversized split produced", err)
		}
	})
	t.Run("too many pending", func(t *testing.T) {
		q := fragment.NewQueue(2, 0)
		now := time.Now()
		for id := range uint16(2) {
			if err := q.Insert(protocol.Frame{Reliability: raknet.Reliable, Split: &protocol.Split{ID: id, Count: 2}, Payload: []byte{1}}, now); err != nil {
				t.Fatal(err)
			}
		}
		third := protocol.Frame{Reliability: raknet.Reliable, Split: &protocol.Split{ID: 9, Count: 2}, Payload: []byte{1}}
		if err := q.Admit(third, now); !errors.Is(err, fragment.ErrTooManyPending) {
			t.Fatal("third compound admitted", err)
		}
		if err := q.Insert(third, now); !errors.Is(err, fragment.ErrTooManyPending) {
			t.Fatal("third compound accepted", err)
		}
		if q.Len() != 2 {
			t.Error("rejected insert changed the queue", ExpectedActual(2, q.Len()))
		}
	})
	t.Run("empty split", func(t *testing.T) {
		err := fragment.NewQueue(0, 0).Insert(protocol.Frame{Split: &protocol.Split{Count: 0}, Payload: []byte{1}}, time.Now())
		if !errors.Is(err, fragment.ErrEmptySplit) {
			t.Fatal("zero-count compound accepted", err)
		}
	})
	t.Run("fits", func(t *testing.T) {
		frames, err := fragment.Split(protocol.Frame{Payload: payloadOf(10)}, 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(frames) != 1 || frames[0].Split != nil {
			t.Fatal("payload that fits was split")
		}
	})
}

func piece(rel raknet.Reliability, id uint16, count, index uint32) protocol.Frame {
	return protocol.Frame{Reliability: rel, Split: &protocol.Split{ID: id, Count: count, Index: index}, Payload: []byte{byte(index)}}
}

func TestQueue_UnreliableEviction(t *testing.T) {
	q := fragment.NewQueue(3, time.Minute)
	now := time.Now()
	// the oldest unreliable compound goes first; the reliable one is never evicted
	if err := q.Insert(piece(raknet.Reliable, 1, 2, 0), now); err != nil {
		t.Fatal(err)
	}
	if err := q.Insert(piece(raknet.Unreliable, 2, 2, 0), now.Add(time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := q.Insert(piece(raknet.Unreliable, 3, 2, 0), now.Add(2*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := q.Insert(piece(raknet.Reliable, 4, 2, 0), now.Add(3*time.Millisecond)); err != nil {
		t.Fatal("reliable compound refused while an unreliable one was evictable: ", err)
	}
	if q.Len() != 3 {
		t.Fatal("bad pending count", ExpectedActual(3, q.Len()))
	}
	// compound 2 was evicted, so its remaining fragment starts over and cannot complete it
	later := now.Add(4 * time.Millisecond)
	if err := q.Insert(piece(raknet.Unreliable, 2, 2, 1), later); err != nil {
		t.Fatal(err)
	}
	if out := q.Flush(); len(out) != 0 {
		t.Fatal("evicted compound completed", ExpectedActual(0, len(out)))
	}
	// the reliable compounds are intact
	q.Insert(piece(raknet.Reliable, 1, 2, 1), later)
	q.Insert(piece(raknet.Reliable, 4, 2, 1), later)
	if out := q.Flush(); len(out) != 2 {
		t.Fatal("reliable compounds lost", ExpectedActual(2, len(out)))
	}

	// with only reliable compounds held, nothing can be evicted
	full := fragment.NewQueue(1, time.Minute)
	full.Insert(piece(raknet.Reliable, 1, 2, 0), now)
	if err := full.Insert(piece(raknet.Unreliable, 2, 2, 0), now); !errors.Is(err, fragment.ErrTooManyPending) {
		t.Fatal("reliable compound evicted", err)
	}
}

func TestQueue_Expire(t *testing.T) {
	q := fragment.NewQueue(0, 50*time.Millisecond)
	now := time.Now()
	q.Insert(piece(raknet.Unreliable, 1, 3, 0), now)
	q.Insert(piece(raknet.ReliableOrdered, 2, 3, 0), now)
	if n := q.Expire(now.Add(49 * time.Millisecond)); n != 0 {
		t.Fatal("expired before the ttl", ExpectedActual(0, n))
	}
	if n := q.Expire(now.Add(50 * time.Millisecond)); n != 1 {
		t.Fatal("bad expiry count", ExpectedActual(1, n))
	}
	if q.Len() != 1 {
		t.Fatal("reliable compound expired", ExpectedActual(1, q.Len()))
	}
}

// Once the compound id counter wraps, a new compound may reuse the id of a stale one.
func TestQueue_StaleIDReuse(t *testing.T) {
	q := fragment.NewQueue(0, time.Second)
	now := time.Now()
	q.Insert(piece(raknet.Unreliable, 5, 3, 0), now)

	t.Run("different count replaces", func(t *testing.T) {
		later := now.Add(time.Millisecond)
		if err := q.Insert(piece(raknet.Unreliable, 5, 2, 0), later); err != nil {
			t.Fatal(err)
		}
		q.Insert(piece(raknet.Unreliable, 5, 2, 1), later)
		out := q.Flush()
		if len(out) != 1 || !bytes.Equal(out[0].Payload, []byte{0, 1}) {
			t.Fatal("stale fragments leaked into the new compound")
		}
	})
	t.Run("expired compound restarts", func(t *testing.T) {
		q.Insert(piece(raknet.Unreliable, 6, 2, 0), now)
		later := now.Add(2 * time.Second)
		stale := piece(raknet.Unreliable, 6, 2, 1)
		stale.Payload = []byte{9}
		if err := q.Insert(stale, later); err != nil {
			t.Fatal(err)
		}
		if out := q.Flush(); len(out) != 0 {
			t.Fatal("expired fragment merged with a new one")
		}
	})
	t.Run("reliable replaces unreliable", func(t *testing.T) {
		q.Insert(piece(raknet.Unreliable, 7, 2, 0), now)
		later := now.Add(time.Millisecond)
		q.Insert(piece(raknet.Reliable, 7, 2, 1), later)
		if out := q.Flush(); len(out) != 0 {
			t.Fatal("reliable fragment merged into an unreliable compound")
		}
		q.Insert(piece(raknet.Reliable, 7, 2, 0), later)
		if out := q.Flush(); len(out) != 1 {
			t.Fatal("reliable compound did not complete", ExpectedActual(1, len(out)))
		}
	})
}
