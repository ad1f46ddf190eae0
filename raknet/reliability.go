package raknet

import "strconv"

// Reliability is the delivery class of a frame.
// Values are the wire encoding; the set is closed.
type Reliability uint8

const (
	// Unreliable frames are sent once and delivered in arrival order, possibly duplicated by the network (duplicates are filtered), possibly lost.
	Unreliable Reliability = iota
	// UnreliableSequenced frames are sent once; anything older than the newest frame delivered on the channel is dropped.
	UnreliableSequenced
	// Reliable frames are retransmitted until acknowledged and delivered exactly once, in arrival order.
	Reliable
	// ReliableOrdered frames are retransmitted until acknowledged and delivered exactly once, in send order per channel.
	ReliableOrdered
	// ReliableSequenced frames behave like UnreliableSequenced, but the newest frame on the channel is retransmitted until acknowledged.
	ReliableSequenced
)

// IsReliable reports whether frames of this class are retransmitted until acknowledged.
func (r Reliability) IsReliable() bool {
	switch r {
	case Reliable, ReliableOrdered, ReliableSequenced:
		return true
	}
	return false
}

// IsOrdered reports whether frames of this class carry ordering information (ordered or sequenced).
func (r Reliability) IsOrdered() bool {
	switch r {
	case UnreliableSequenced, ReliableOrdered, ReliableSequenced:
		return true
	}
	return false
}

// IsSequenced reports whether frames of this class are sequenced (newest wins) rather than ordered.
func (r Reliability) IsSequenced() bool {
	return r == UnreliableSequenced || r == ReliableSequenced
}

// Valid reports whether r is one of the enumerated classes.
func (r Reliability) Valid() bool {
	return r <= ReliableSequenced
}

func (r Reliability) String() string {
	switch r {
	case Unreliable:
		return "Unreliable"
	case UnreliableSequenced:
		return "UnreliableSequenced"
	case Reliable:
		return "Reliable"
	case ReliableOrdered:
		return "ReliableOrdered"
	case ReliableSequenced:
		return "ReliableSequenced"
	}
	return "Reliability(" + strconv.FormatUint(uint64(r), 10) + ")"
}
