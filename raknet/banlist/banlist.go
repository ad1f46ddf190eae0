// Package banlist tracks the IP addresses a listener refuses to talk to.
// A List is either purely in-memory or backed by a bbolt file so bans survive restarts.
package banlist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var bucket = []byte("bans")

var ErrBadIP = errors.New("ban list entries must be valid IP addresses")

// An Entry is a single ban.
type Entry struct {
	IP netip.Addr
	// Until is when the ban lifts. The zero time bans forever.
	Until  time.Time
	Reason string
}

// Permanent reports whether e never lifts.
func (e Entry) Permanent() bool {
	return e.Until.IsZero()
}

func (e Entry) expired(now time.Time) bool {
	return !e.Until.IsZero() && !now.Before(e.Until)
}

// A List is a set of bans. Safe for concurrent use.
type List struct {
	mu      sync.RWMutex
	entries map[netip.Addr]Entry
	db      *bbolt.DB // nil for memory-only lists
}

// NewMemory returns an empty, memory-only List.
func NewMemory() *List {
	return &List{entries: make(map[netip.Addr]Entry)}
}

// Open returns a List persisted in the bbolt file at path, creating it if needed.
// Bans that expired while the file was closed are purged on load.
func Open(path string) (*List, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	l := &List{entries: make(map[netip.Addr]Entry), db: db}
	now := time.Now()
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			e, err := decode(k, v)
			if err != nil {
				return err
			}
			if e.expired(now) {
				stale = append(stale, slices.Clone(k))
				return nil
			}
			l.entries[e.IP] = e
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Ban bans ip for d; non-positive durations ban forever.
// Re-banning an address replaces its entry.
func (l *List) Ban(ip netip.Addr, d time.Duration, reason string) (Entry, error) {
	if !ip.IsValid() {
		return Entry{}, ErrBadIP
	}
	e := Entry{IP: ip.Unmap(), Reason: reason}
	if d > 0 {
		e.Until = time.Now().Add(d)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		if err := l.db.Update(func(tx *bbolt.Tx) error {
			k, v := encode(e)
			return tx.Bucket(bucket).Put(k, v)
		}); err != nil {
			return Entry{}, err
		}
	}
	l.entries[e.IP] = e
	return e, nil
}

// Unban lifts the ban on ip, reporting whether there was one.
func (l *List) Unban(ip netip.Addr) (bool, error) {
	ip = ip.Unmap()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, found := l.entries[ip]; !found {
		return false, nil
	}
	if l.db != nil {
		k, _ := ip.MarshalBinary()
		if err := l.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucket).Delete(k)
		}); err != nil {
			return false, err
		}
	}
	delete(l.entries, ip)
	return true, nil
}

// IsBanned reports whether ip is currently banned.
// An expired ban found on the way is removed.
func (l *List) IsBanned(ip netip.Addr) bool {
	ip = ip.Unmap()
	now := time.Now()
	l.mu.RLock()
	e, found := l.entries[ip]
	l.mu.RUnlock()
	if !found {
		return false
	} else if !e.expired(now) {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// re-check; the address may have been re-banned since the read
	if e, found = l.entries[ip]; found && e.expired(now) {
		l.purge([]netip.Addr{ip})
		return false
	}
	return found
}

// Entries returns the live bans, sorted by address.
// Expired bans are removed.
func (l *List) Entries() []Entry {
	l.Prune()
	l.mu.RLock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	l.mu.RUnlock()
	slices.SortFunc(out, func(a, b Entry) int { return a.IP.Compare(b.IP) })
	return out
}

// Prune removes every expired ban, returning how many were dropped.
func (l *List) Prune() int {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	var stale []netip.Addr
	for ip, e := range l.entries {
		if e.expired(now) {
			stale = append(stale, ip)
		}
	}
	l.purge(stale)
	return len(stale)
}

// purge deletes ips from memory and the backing file.
// A failed file write leaves the ban on disk; Open drops it on the next load.
// Caller must hold the write lock.
func (l *List) purge(ips []netip.Addr) {
	if len(ips) == 0 {
		return
	}
	for _, ip := range ips {
		delete(l.entries, ip)
	}
	if l.db == nil {
		return
	}
	l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		for _, ip := range ips {
			k, _ := ip.MarshalBinary()
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the backing file, if any.
func (l *List) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// value layout: [8B until (unix nanoseconds, 0 = forever)][reason]
func encode(e Entry) (k, v []byte) {
	k, _ = e.IP.MarshalBinary()
	var until int64
	if !e.Until.IsZero() {
		until = e.Until.UnixNano()
	}
	v = binary.BigEndian.AppendUint64(nil, uint64(until))
	return k, append(v, e.Reason...)
}

func decode(k, v []byte) (Entry, error) {
	var e Entry
	if err := e.IP.UnmarshalBinary(k); err != nil {
		return e, err
	}
	if len(v) < 8 {
		return e, fmt.Errorf("ban entry for %v is truncated", e.IP)
	}
	if until := int64(binary.BigEndian.Uint64(v)); until != 0 {
		e.Until = time.Unix(0, until)
	}
	e.Reason = string(v[8:])
	return e, nil
}
