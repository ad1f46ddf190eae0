package expiring_test

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	. "github.com/AnotherlandServer/anotherland-sub012/internal/testsupport"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/expiring"
)

var (
	hostA = netip.MustParseAddr("203.0.113.7")
	hostB = netip.MustParseAddr("198.51.100.23")
)

func strike(cur int, _ bool) int { return cur + 1 }

func TestUpsert(t *testing.T) {
	t.Run("counts within the window", func(t *testing.T) {
		tbl := expiring.New[netip.Addr, int]()
		for i := 1; i <= 4; i++ {
			if n := tbl.Upsert(hostA, time.Minute, strike); n != i {
				t.Fatal("bad strike count", ExpectedActual(i, n))
			}
		}
		if n := tbl.Upsert(hostB, time.Minute, strike); n != 1 {
			t.Fatal("strikes leaked between hosts", ExpectedActual(1, n))
		}
		if tbl.Len() != 2 {
			t.Error("bad length", ExpectedActual(2, tbl.Len()))
		}
	})
	t.Run("found reports prior presence", func(t *testing.T) {
		tbl := expiring.New[netip.Addr, int]()
		var seen []bool
		for range 2 {
			tbl.Upsert(hostA, time.Minute, func(cur int, found bool) int {
				seen = append(seen, found)
				return cur + 1
			})
		}
		if seen[0] || !seen[1] {
			t.Error("bad found values", ExpectedActual([]bool{false, true}, seen))
		}
	})
	t.Run("count restarts after expiry", func(t *testing.T) {
		tbl := expiring.New[netip.Addr, int]()
		tbl.Upsert(hostA, 20*time.Millisecond, strike)
		tbl.Upsert(hostA, 20*time.Millisecond, strike)
		Eventually(t, time.Second, func() bool { return tbl.Len() == 0 }, "entry never expired")
		if n := tbl.Upsert(hostA, time.Minute, strike); n != 1 {
			t.Error("expired count was carried over", ExpectedActual(1, n))
		}
	})
	t.Run("each upsert extends the lifetime", func(t *testing.T) {
		tbl := expiring.New[netip.Addr, int]()
		ttl := 60 * time.Millisecond
		tbl.Upsert(hostA, ttl, strike)
		time.Sleep(ttl / 2)
		tbl.Upsert(hostA, ttl, strike)
		time.Sleep(ttl / 2)
		if n, ok := tbl.Load(hostA); !ok || n != 2 {
			t.Fatalf("entry expired on its first deadline (found=%v, n=%d)", ok, n)
		}
	})
}

func TestStoreLoadDelete(t *testing.T) {
	tbl := expiring.New[netip.Addr, string]()
	if _, ok := tbl.Load(hostA); ok {
		t.Fatal("empty table returned a value")
	}
	tbl.Store(hostA, "first", time.Minute)
	tbl.Store(hostA, "second", time.Minute)
	if v, ok := tbl.Load(hostA); !ok || v != "second" {
		t.Fatal("bad value", ExpectedActual("second", v))
	}
	if !tbl.Delete(hostA) {
		t.Fatal("failed to delete a present key")
	}
	if tbl.Delete(hostA) {
		t.Fatal("deleted an absent key")
	}
	if tbl.Len() != 0 {
		t.Error("bad length", ExpectedActual(0, tbl.Len()))
	}
}

// A replaced entry's old timer must not remove the new value.
func TestStaleTimer(t *testing.T) {
	tbl := expiring.New[netip.Addr, int]()
	tbl.Store(hostA, 1, 10*time.Millisecond)
	tbl.Store(hostA, 2, time.Minute)
	time.Sleep(40 * time.Millisecond)
	if v, ok := tbl.Load(hostA); !ok || v != 2 {
		t.Fatalf("replacement was pruned by the prior timer (found=%v, v=%d)", ok, v)
	}
}

func TestConcurrentUpsert(t *testing.T) {
	tbl := expiring.New[netip.Addr, int]()
	const workers, each = 8, 50
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				tbl.Upsert(hostA, time.Minute, strike)
			}
		}()
	}
	wg.Wait()
	if n, _ := tbl.Load(hostA); n != workers*each {
		t.Error("lost updates", ExpectedActual(workers*each, n))
	}
}
