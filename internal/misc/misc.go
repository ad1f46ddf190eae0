// Package misc holds small helpers shared by the transport packages and their tests: ports and the millisecond clock carried by pings.
package misc

import (
	"math"
	"math/rand/v2"
	"time"
)

// RandomPort returns a random port number from 1024 - 65535
func RandomPort() uint16 {
	return uint16(1024 + rand.Uint32N((math.MaxUint16 - 1024)))
}

// UnixMilli returns the current time in milliseconds as carried by ping/pong payloads.
func UnixMilli() uint64 {
	return uint64(time.Now().UnixMilli())
}

// SinceMilli returns the time elapsed since the given millisecond timestamp.
// Timestamps from the future yield 0.
func SinceMilli(ms uint64) time.Duration {
	now := UnixMilli()
	if ms > now {
		return 0
	}
	return time.Duration(now-ms) * time.Millisecond
}
