package reliability_test

import (
	"errors"
	"slices"
	"testing"
	"time"

	. "github.com/AnotherlandServer/anotherland-sub012/internal/testsupport"
	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/protocol"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/reliability"
)

func numbers(frames []protocol.Frame) []uint32 {
	out := make([]uint32, len(frames))
	for i, f := range frames {
		out[i] = f.MessageNumber
	}
	return out
}

// Two ordered frames on channel 0 arrive as message 5 then message 4; 5 is held until 4 releases both.
func TestOrderer_HoldsUntilGapFills(t *testing.T) {
	o := reliability.NewOrderer(0)
	four := protocol.Frame{Reliability: raknet.ReliableOrdered, MessageNumber: 4, Order: &protocol.Order{Index: 0}, Payload: []byte{0x90}}
	five := protocol.Frame{Reliability: raknet.ReliableOrdered, MessageNumber: 5, Order: &protocol.Order{Index: 1}, Payload: []byte{0x91}}

	if out, _ := o.Release(five); len(out) != 0 {
		t.Fatal("frame 5 released before frame 4", ExpectedActual(0, len(out)))
	}
	if o.Held() != 1 {
		t.Fatal("frame 5 not held", ExpectedActual(1, o.Held()))
	}
	out, _ := o.Release(four)
	if got := numbers(out); !slices.Equal(got, []uint32{4, 5}) {
		t.Fatal("bad release order", ExpectedActual([]uint32{4, 5}, got))
	}
	if o.Held() != 0 {
		t.Fatal("frames still held", ExpectedActual(0, o.Held()))
	}
	// a late duplicate of an already delivered index is dropped
	if out, _ := o.Release(four); len(out) != 0 {
		t.Fatal("delivered index released twice")
	}
}

func TestOrderer_ChannelsAreIndependent(t *testing.T) {
	o := reliability.NewOrderer(0)
	mk := func(n uint32, ch uint8, idx uint32) protocol.Frame {
		return protocol.Frame{Reliability: raknet.ReliableOrdered, MessageNumber: n, Order: &protocol.Order{Channel: ch, Index: idx}, Payload: []byte{1}}
	}
	if out, _ := o.Release(mk(1, 0, 1)); len(out) != 0 {
		t.Fatal("early frame released")
	}
	if out, _ := o.Release(mk(2, 1, 0)); len(out) != 1 {
		t.Fatal("channel 1 blocked by a gap on channel 0")
	}
}

func TestOrderer_Limits(t *testing.T) {
	ordered := func(ch uint8, idx uint32) protocol.Frame {
		return protocol.Frame{Reliability: raknet.ReliableOrdered, MessageNumber: idx, Order: &protocol.Order{Channel: ch, Index: idx}, Payload: []byte{1}}
	}
	t.Run("horizon", func(t *testing.T) {
		o := reliability.NewOrderer(0)
		if _, err := o.Release(ordered(0, reliability.WindowSize-1)); err != nil {
			t.Fatal("index inside the window refused: ", err)
		}
		_, err := o.Release(ordered(0, reliability.WindowSize))
		if !errors.Is(err, raknet.ErrFrame) || !errors.Is(err, reliability.ErrOrderHorizon) {
			t.Fatal("index beyond the window held", ExpectedActual(reliability.ErrOrderHorizon, err))
		}
		if o.Held() != 1 {
			t.Error("bad held count", ExpectedActual(1, o.Held()))
		}
	})
	t.Run("capacity", func(t *testing.T) {
		const maxHeld = 8
		o := reliability.NewOrderer(maxHeld)
		// spread over channels; the cap covers the whole Orderer
		for i := range uint32(maxHeld) {
			if _, err := o.Release(ordered(uint8(i%2), 1+i)); err != nil {
				t.Fatal(err)
			}
		}
		for i := range uint32(1000) {
			if _, err := o.Release(ordered(2, 1+i)); !errors.Is(err, reliability.ErrHeldFull) {
				t.Fatal("frame held beyond capacity", ExpectedActual(reliability.ErrHeldFull, err))
			}
		}
		if o.Held() != maxHeld {
			t.Fatal("bad held count", ExpectedActual(maxHeld, o.Held()))
		}
		if err := o.Admit(ordered(3, 1)); !errors.Is(err, reliability.ErrHeldFull) {
			t.Fatal("admitted a frame with no room", ExpectedActual(reliability.ErrHeldFull, err))
		}
		if err := o.Admit(ordered(3, 0)); err != nil {
			t.Fatal("deliverable frame not admitted: ", err)
		}
		// a held duplicate is not an error, and delivering fills drains the buffer
		if _, err := o.Release(ordered(0, 1)); err != nil {
			t.Fatal("duplicate of a held frame refused: ", err)
		}
		out, err := o.Release(ordered(0, 0))
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != 2 || o.Held() != maxHeld-1 {
			t.Fatal("gap fill did not release the channel", ExpectedActual(2, len(out)))
		}
		if _, err := o.Release(ordered(2, 5)); err != nil {
			t.Fatal("room freed by delivery was not reused: ", err)
		}
	})
}

func TestOrderer_Sequenced(t *testing.T) {
	for _, rel := range []raknet.Reliability{raknet.UnreliableSequenced, raknet.ReliableSequenced} {
		t.Run(rel.String(), func(t *testing.T) {
			o := reliability.NewOrderer(0)
			var delivered []uint32
			for _, idx := range []uint32{0, 3, 2, 4, 4, 1, 9} {
				out, err := o.Release(protocol.Frame{Reliability: rel, MessageNumber: idx, Order: &protocol.Order{Channel: 5, Index: idx}, Payload: []byte{1}})
				if err != nil {
					t.Fatal(err)
				}
				for _, f := range out {
					delivered = append(delivered, f.Order.Index)
				}
			}
			want := []uint32{0, 3, 4, 9}
			if !slices.Equal(delivered, want) {
				t.Fatal("bad sequencing", ExpectedActual(want, delivered))
			}
		})
	}
}

func TestOrderer_Unordered(t *testing.T) {
	o := reliability.NewOrderer(0)
	for _, rel := range []raknet.Reliability{raknet.Unreliable, raknet.Reliable} {
		if out, _ := o.Release(protocol.Frame{Reliability: rel, Payload: []byte{1}}); len(out) != 1 {
			t.Fatalf("%v frame not passed through", rel)
		}
	}
}

func TestReceiveWindow(t *testing.T) {
	w := reliability.NewReceiveWindow()
	for _, n := range []uint32{0, 1, 4} {
		if fresh, err := w.Accept(n); err != nil || !fresh {
			t.Fatalf("message %d: fresh=%v err=%v", n, fresh, err)
		}
	}
	if fresh, _ := w.Accept(1); fresh {
		t.Fatal("duplicate reported fresh")
	}
	if fresh, _ := w.Accept(4); fresh {
		t.Fatal("duplicate above base reported fresh")
	}
	if w.Base() != 2 {
		t.Fatal("bad base", ExpectedActual(uint32(2), w.Base()))
	}
	// 3 shows up before receipts go out
	w.Accept(3)
	acks, nacks := w.TakeReceipts()
	wantAcks := []protocol.Range{{Min: 0, Max: 1}, {Min: 3, Max: 4}}
	if !slices.Equal(acks, wantAcks) {
		t.Fatal("bad acks", ExpectedActual(wantAcks, acks))
	}
	wantNacks := []protocol.Range{{Min: 2, Max: 2}}
	if !slices.Equal(nacks, wantNacks) {
		t.Fatal("bad nacks", ExpectedActual(wantNacks, nacks))
	}
	if acks, nacks := w.TakeReceipts(); len(acks) != 0 || len(nacks) != 0 {
		t.Fatal("receipts not drained")
	}

	w.Accept(2)
	if w.Base() != 5 {
		t.Fatal("base did not advance over the filled gap", ExpectedActual(uint32(5), w.Base()))
	}
	if _, err := w.Accept(5 + reliability.WindowSize); !errors.Is(err, raknet.ErrFrame) {
		t.Fatal("frame beyond the window accepted", err)
	}
}

func TestSendWindow_AckAndRetransmit(t *testing.T) {
	var (
		now = time.Now()
		w   = reliability.NewSendWindow(protocol.MaxFramePayload)
	)
	rel, err := w.Prepare([]byte{0x90, 1}, raknet.Reliable, 0, now)
	if err != nil {
		t.Fatal(err)
	}
	unrel, err := w.Prepare([]byte{0x90, 2}, raknet.Unreliable, 0, now)
	if err != nil {
		t.Fatal(err)
	}
	if rel[0].MessageNumber != 0 || unrel[0].MessageNumber != 1 {
		t.Fatal("message numbers not monotonic", ExpectedActual([]uint32{0, 1}, []uint32{rel[0].MessageNumber, unrel[0].MessageNumber}))
	}
	if w.Pending() != 1 {
		t.Fatal("only the reliable frame should be pending", ExpectedActual(1, w.Pending()))
	}
	if due := w.Due(now); len(due) != 0 {
		t.Fatal("frame due before its timeout")
	}
	due := w.Due(now.Add(reliability.DefaultRTO))
	if len(due) != 1 || due[0].MessageNumber != 0 {
		t.Fatal("frame not retransmitted after its timeout")
	}
	if got := w.Nack([]protocol.Range{{Min: 0, Max: 1}}, now); len(got) != 1 || got[0].MessageNumber != 0 {
		t.Fatal("nack did not return the pending frame unchanged")
	}
	if w.Resends() != 2 {
		t.Fatal("bad resend count", ExpectedActual(uint64(2), w.Resends()))
	}
	if n := w.Ack([]protocol.Range{{Min: 0, Max: 0}}, now); n != 1 || w.Pending() != 0 {
		t.Fatal("ack did not release the frame")
	}
}

func TestSendWindow_Split(t *testing.T) {
	w := reliability.NewSendWindow(1200)
	frames, err := w.Prepare(make([]byte, 4000), raknet.ReliableOrdered, 2, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 4 {
		t.Fatal("bad fragment count", ExpectedActual(4, len(frames)))
	}
	for i, f := range frames {
		if f.MessageNumber != uint32(i) || f.Order == nil || f.Order.Channel != 2 || f.Order.Index != 0 {
			t.Fatalf("bad fragment %d: %+v", i, f)
		}
	}
	next, _ := w.Prepare(make([]byte, 4000), raknet.ReliableOrdered, 2, time.Now())
	if next[0].Split.ID == frames[0].Split.ID || next[0].Order.Index != 1 {
		t.Fatal("second compound reused the id or order index")
	}
	if w.Pending() != 8 {
		t.Fatal("bad pending count", ExpectedActual(8, w.Pending()))
	}
}

func TestSendWindow_Supersede(t *testing.T) {
	var (
		now = time.Now()
		w   = reliability.NewSendWindow(protocol.MaxFramePayload)
	)
	w.Prepare([]byte{0x90}, raknet.ReliableSequenced, 1, now)
	w.Prepare([]byte{0x90}, raknet.ReliableSequenced, 2, now)
	w.Prepare([]byte{0x90}, raknet.ReliableSequenced, 1, now)
	if w.Pending() != 2 {
		t.Fatal("older sequenced frame on channel 1 not superseded", ExpectedActual(2, w.Pending()))
	}
}

func TestSendWindow_BadArguments(t *testing.T) {
	w := reliability.NewSendWindow(protocol.MaxFramePayload)
	if _, err := w.Prepare([]byte{1}, raknet.ReliableOrdered, raknet.ChannelCount, time.Now()); !errors.Is(err, reliability.ErrBadChannel) {
		t.Error("bad channel accepted", err)
	}
	if _, err := w.Prepare([]byte{1}, 9, 0, time.Now()); !errors.Is(err, protocol.ErrBadReliability) {
		t.Error("bad class accepted", err)
	}
	if _, err := w.Prepare(nil, raknet.Reliable, 0, time.Now()); !errors.Is(err, protocol.ErrEmptyPayload) {
		t.Error("empty payload accepted", err)
	}
}

func TestSendWindow_RTO(t *testing.T) {
	w := reliability.NewSendWindow(protocol.MaxFramePayload)
	if w.RTO() != reliability.DefaultRTO {
		t.Fatal("bad initial rto", ExpectedActual(reliability.DefaultRTO, w.RTO()))
	}
	w.ObserveRTT(10 * time.Millisecond)
	if w.RTO() != reliability.MinRTO {
		t.Fatal("rto not clamped to the minimum", ExpectedActual(reliability.MinRTO, w.RTO()))
	}
	w.ObserveRTT(10 * time.Second)
	if w.RTO() > reliability.MaxRTO {
		t.Fatal("rto above the maximum", ExpectedActual(reliability.MaxRTO, w.RTO()))
	}
}
