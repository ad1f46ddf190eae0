// Package session implements a single connection: its handshake state machine, the reliability machinery of both directions, keepalive and teardown.
//
// Every Conn is driven by exactly one owner goroutine (Run).
// Datagrams reach it through Deliver, application sends through Send; both are bounded queues.
// Only the owner touches the reliability windows, so message numbers and order indices are assigned without locks.
package session

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/fragment"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/packetid"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/protocol"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/reliability"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/secure"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout             = 10 * time.Second
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultPingInterval        = time.Second
	DefaultTickInterval        = 10 * time.Millisecond
	DefaultOfflineRetry        = 500 * time.Millisecond
	DefaultDisconnectLinger    = time.Second
	DefaultInboxSize           = 256
	DefaultMessageQueueSize    = 1024
	DefaultMaxChecksumFailures = 8
)

var (
	// ErrNotEstablished is returned by Send before the handshake completes.
	ErrNotEstablished = errors.New("connection is not established")
	errHandshakeTimeout = errors.New("handshake timed out")
	errAttemptFailed    = errors.New("connection attempt refused by the remote")
)

// A Writer puts one datagram on the wire towards the connection's peer.
type Writer func(b []byte) error

// Config carries the parameters shared by every connection of a listener or client.
// Zero values select defaults.
type Config struct {
	Registry *packetid.Registry
	Log      *zerolog.Logger
	// Guid of the local peer.
	Guid raknet.Guid
	// LocalAddr is the local bound address, as reported to the remote during the handshake.
	LocalAddr raknet.PeerAddress

	// MaxPayload is the largest frame payload before splitting.
	MaxPayload          int
	Timeout             time.Duration
	HandshakeTimeout    time.Duration
	PingInterval        time.Duration
	TickInterval        time.Duration
	OfflineRetry        time.Duration
	DisconnectLinger    time.Duration
	InboxSize           int
	MessageQueueSize    int
	MaxChecksumFailures int
	MaxPendingCompounds int
	// CompoundTTL bounds how long an incomplete unreliable split message is kept.
	CompoundTTL time.Duration

	// Password a server requires, or a client presents.
	Password []byte
	// PrivateKey secures the handshake on the server side; nil accepts clients without the secured exchange.
	PrivateKey *rsa.PrivateKey
	// ServerKey pins the key a client expects the server to present; nil accepts any well-formed key.
	ServerKey *rsa.PublicKey

	// OnEstablished is called (from the owner goroutine) once the handshake completes.
	OnEstablished func(*Conn)
	// OnClose is called (from the owner goroutine) once the connection is torn down.
	OnClose func(c *Conn, cause error)
}

func (cfg *Config) setDefaults() {
	if cfg.Registry == nil {
		cfg.Registry = packetid.NewRegistry()
	}
	if cfg.Log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"role", "peer"},
			TimeFormat:  "15:04:05",
		}).With().Timestamp().Caller().Logger().Level(zerolog.WarnLevel)
		cfg.Log = &l
	}
	if cfg.MaxPayload <= 0 || cfg.MaxPayload > protocol.MaxFramePayload {
		cfg.MaxPayload = protocol.MaxFramePayload
	}
	setDur := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	setDur(&cfg.Timeout, DefaultTimeout)
	setDur(&cfg.HandshakeTimeout, DefaultHandshakeTimeout)
	setDur(&cfg.PingInterval, DefaultPingInterval)
	setDur(&cfg.TickInterval, DefaultTickInterval)
	setDur(&cfg.OfflineRetry, DefaultOfflineRetry)
	setDur(&cfg.DisconnectLinger, DefaultDisconnectLinger)
	setDur(&cfg.CompoundTTL, fragment.DefaultCompoundTTL)
	setInt := func(i *int, def int) {
		if *i <= 0 {
			*i = def
		}
	}
	setInt(&cfg.InboxSize, DefaultInboxSize)
	setInt(&cfg.MessageQueueSize, DefaultMessageQueueSize)
	setInt(&cfg.MaxChecksumFailures, DefaultMaxChecksumFailures)
	setInt(&cfg.MaxPendingCompounds, fragment.DefaultMaxPendingCompounds)
}

// counters readable from any goroutine
type counters struct {
	datagramsIn, datagramsOut atomic.Uint64
	bytesIn, bytesOut         atomic.Uint64
	messagesIn, messagesOut   atomic.Uint64
	checksumFailures          atomic.Uint64
	dropped                   atomic.Uint64
	// mirrored from owner-only state after every event
	rtt     atomic.Int64
	resends atomic.Uint64
	pending atomic.Int64
}

// Stats is a snapshot of a connection's counters.
type Stats struct {
	State            State
	RTT              time.Duration
	Resends          uint64
	PendingAcks      int
	DatagramsIn      uint64
	DatagramsOut     uint64
	BytesIn          uint64
	BytesOut         uint64
	MessagesIn       uint64
	MessagesOut      uint64
	ChecksumFailures uint64
	Dropped          uint64
}

// A Conn is one end of a connection.
type Conn struct {
	cfg    Config
	log    zerolog.Logger
	role   Role
	remote raknet.PeerAddress
	write  Writer

	state atomic.Uint32

	mu           sync.Mutex // guards the fields below
	remoteGuid   raknet.Guid
	externalAddr raknet.PeerAddress // our address as the remote sees it
	remoteLocal  raknet.PeerAddress // the remote's own idea of its address
	cause        error

	inbox       chan []byte
	outbox      chan raknet.Message
	messages    chan raknet.Message
	closeReq    chan struct{}
	established chan struct{}
	done        chan struct{}
	doneOnce    sync.Once

	stats counters

	// owner goroutine only
	send             *reliability.SendWindow
	recv             *reliability.ReceiveWindow
	order            *reliability.Orderer
	frags            *fragment.Queue
	cipher           *secure.Cipher
	cookie           secure.Cookie
	held             [][]byte
	isEstablished    bool
	lastRecv         time.Time
	handshakeBy      time.Time
	nextPing         time.Time
	nextOffline      time.Time
	lingerUntil      time.Time
	checksumFailures int
}

// New returns a Conn for the given remote.
// Servers create theirs after admitting an OpenConnectionRequest; clients create theirs before dialing.
// The Conn is inert until Run is called.
func New(role Role, remote raknet.PeerAddress, write Writer, cfg Config) *Conn {
	cfg.setDefaults()
	c := &Conn{
		cfg:         cfg,
		role:        role,
		remote:      remote,
		write:       write,
		inbox:       make(chan []byte, cfg.InboxSize),
		outbox:      make(chan raknet.Message, cfg.InboxSize),
		messages:    make(chan raknet.Message, cfg.MessageQueueSize),
		closeReq:    make(chan struct{}, 1),
		established: make(chan struct{}),
		done:        make(chan struct{}),
		send:        reliability.NewSendWindow(cfg.MaxPayload),
		recv:        reliability.NewReceiveWindow(),
		order:       reliability.NewOrderer(cfg.MessageQueueSize),
		frags:       fragment.NewQueue(cfg.MaxPendingCompounds, cfg.CompoundTTL),
	}
	c.log = cfg.Log.With().Str("role", role.String()).Str("peer", remote.String()).Logger()
	c.state.Store(uint32(Unconnected))
	return c
}

//#region getters

// State returns the current state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Role returns which side of the handshake c plays.
func (c *Conn) Role() Role {
	return c.role
}

// RemoteAddr returns the address the remote is identified by.
func (c *Conn) RemoteAddr() raknet.PeerAddress {
	return c.remote
}

// Guid returns the remote's guid. Zero until the handshake has exchanged it.
func (c *Conn) Guid() raknet.Guid {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteGuid
}

// ExternalAddr returns our own address as the remote reported it. Zero on servers.
func (c *Conn) ExternalAddr() raknet.PeerAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.externalAddr
}

// Established is closed once the handshake completes.
func (c *Conn) Established() <-chan struct{} {
	return c.established
}

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection was torn down; nil while it is alive.
func (c *Conn) Err() error {
	select {
	case <-c.done:
	default:
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Stats returns a snapshot of the connection's counters.
func (c *Conn) Stats() Stats {
	return Stats{
		State:            c.State(),
		RTT:              time.Duration(c.stats.rtt.Load()),
		Resends:          c.stats.resends.Load(),
		PendingAcks:      int(c.stats.pending.Load()),
		DatagramsIn:      c.stats.datagramsIn.Load(),
		DatagramsOut:     c.stats.datagramsOut.Load(),
		BytesIn:          c.stats.bytesIn.Load(),
		BytesOut:         c.stats.bytesOut.Load(),
		MessagesIn:       c.stats.messagesIn.Load(),
		MessagesOut:      c.stats.messagesOut.Load(),
		ChecksumFailures: c.stats.checksumFailures.Load(),
		Dropped:          c.stats.dropped.Load(),
	}
}

//#endregion getters

// Deliver hands a datagram received from the remote to the owner goroutine.
// Never blocks: if the inbox is full the datagram is dropped and false is returned.
func (c *Conn) Deliver(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.inbox <- b:
		return true
	default:
		c.stats.dropped.Add(1)
		return false
	}
}

// Send queues an application payload.
// data must start with a user packet id; it is copied before Send returns.
func (c *Conn) Send(ctx context.Context, data []byte, rel raknet.Reliability, channel uint8) error {
	if ctx == nil {
		return raknet.ErrNilCtx
	}
	if len(data) == 0 || c.cfg.Registry.IsReserved(data[0]) {
		return raknet.ErrReservedPacketID
	} else if !rel.Valid() {
		return protocol.ErrBadReliability
	} else if channel >= raknet.ChannelCount {
		return reliability.ErrBadChannel
	}
	select {
	case <-c.done:
		return c.closedErr()
	case <-c.established:
	default:
		return ErrNotEstablished
	}
	if c.State() != Connected {
		return raknet.ErrConnectionClosed
	}
	msg := raknet.Message{Addr: c.remote, Data: bytes.Clone(data), Reliability: rel, Channel: channel}
	select {
	case c.outbox <- msg:
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next application message.
// Messages queued before teardown are still returned; after that Recv fails with an error wrapping raknet.ErrConnectionClosed.
func (c *Conn) Recv(ctx context.Context) (raknet.Message, error) {
	if ctx == nil {
		return raknet.Message{}, raknet.ErrNilCtx
	}
	select {
	case m := <-c.messages:
		return m, nil
	default:
	}
	select {
	case m := <-c.messages:
		return m, nil
	case <-c.done:
		select {
		case m := <-c.messages:
			return m, nil
		default:
			return raknet.Message{}, c.closedErr()
		}
	case <-ctx.Done():
		return raknet.Message{}, ctx.Err()
	}
}

// Close shuts the connection down gracefully, notifying the remote if the connection was established.
// Blocks until the connection is torn down; ineffectual if it already was.
func (c *Conn) Close() error {
	select {
	case c.closeReq <- struct{}{}:
	default:
	}
	<-c.done
	return nil
}

// closedErr wraps the teardown cause in raknet.ErrConnectionClosed.
func (c *Conn) closedErr() error {
	cause := c.Err()
	if cause == nil || errors.Is(cause, raknet.ErrConnectionClosed) {
		return raknet.ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", raknet.ErrConnectionClosed, cause)
}

// Zerolog attaches the connection's state to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (c *Conn) Zerolog(e *zerolog.Event) {
	st := c.Stats()
	e.Str("peer", c.remote.String()).
		Str("role", c.role.String()).
		Str("state", st.State.String()).
		Str("guid", c.Guid().String()).
		Dur("rtt", st.RTT).
		Uint64("resends", st.Resends).
		Int("pending acks", st.PendingAcks)
}
