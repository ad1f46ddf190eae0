// Package listener implements the server side of the transport: a single UDP socket shared by every connection.
// A Listener can be spun up with New and Start; established connections are surfaced by Accept.
package listener

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/banlist"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/expiring"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/packetid"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxConnections = 64
	// DefaultAdmissionRate bounds how many OpenConnectionRequests per second are admitted, across all sources.
	DefaultAdmissionRate  rate.Limit = 100
	DefaultAdmissionBurst            = 20
	// A source that fails DefaultMaxStrikes handshakes within DefaultStrikeWindow is banned for DefaultStrikeBan.
	DefaultMaxStrikes   = 5
	DefaultStrikeWindow = time.Minute
	DefaultStrikeBan    = 10 * time.Minute
)

// Handle identifies a connection within the listener's arena.
// Handles are never reused during the lifetime of a Listener.
type Handle uint64

// an entry in the connection arena
type entry struct {
	conn *session.Conn
	ap   netip.AddrPort // the exact address datagrams are written to
}

// A Listener owns a UDP socket and every connection multiplexed over it.
type Listener struct {
	log  *zerolog.Logger
	guid raknet.Guid
	addr netip.AddrPort
	reg  *packetid.Registry

	net struct {
		accepting atomic.Bool
		mu        sync.RWMutex       // guards the fields below
		pconn     *net.UDPConn       // the socket we are listening on
		local     raknet.PeerAddress // pconn's bound address
		ctx       context.Context    // the context pconn and every connection run under
		cancel    context.CancelFunc // callable to kill ctx
		wg        sync.WaitGroup     // dispatch and connection owners
	}

	conns struct {
		mu    sync.RWMutex // lock that must be held to interact with the fields of conns
		next  Handle
		arena map[Handle]entry
		index map[raknet.PeerAddress]Handle
	}
	accepted chan *session.Conn

	// admission
	maxConnections int
	bans           *banlist.List
	limiter        *rate.Limiter
	strikes        *expiring.Table[netip.Addr, int]
	strike         struct {
		max         int
		window, ban time.Duration
	}

	// handed to every session
	sessionCfg session.Config

	stats counters
}

type counters struct {
	datagramsIn, datagramsOut atomic.Uint64
	bytesIn, bytesOut         atomic.Uint64
	dropped                   atomic.Uint64
	rejected                  atomic.Uint64
	handshakeFailures         atomic.Uint64
}

// Stats is a snapshot of the listener's counters.
type Stats struct {
	Address           netip.AddrPort
	Guid              raknet.Guid
	Listening         bool
	Connections       int
	Established       int
	MaxConnections    int
	DatagramsIn       uint64
	DatagramsOut      uint64
	BytesIn           uint64
	BytesOut          uint64
	Dropped           uint64
	Rejected          uint64
	HandshakeFailures uint64
}

// New generates a new Listener, optionally modified with opts.
// The returned Listener is ready for use as soon as it is .Start()'d.
func New(addr netip.AddrPort, opts ...Option) (*Listener, error) {
	if !addr.IsValid() {
		return nil, ErrBadAddr(addr)
	}

	// set defaults
	l := &Listener{
		guid:           raknet.NewGuid(),
		addr:           addr,
		reg:            packetid.NewRegistry(),
		maxConnections: DefaultMaxConnections,
		limiter:        rate.NewLimiter(DefaultAdmissionRate, DefaultAdmissionBurst),
		strikes:        expiring.New[netip.Addr, int](),
	}
	l.strike.max, l.strike.window, l.strike.ban = DefaultMaxStrikes, DefaultStrikeWindow, DefaultStrikeBan
	l.conns.arena = make(map[Handle]entry)
	l.conns.index = make(map[raknet.PeerAddress]Handle)

	// apply options
	for _, opt := range opts {
		opt(l)
	}

	// if the logger was not established by the options, generate the default logger
	if l.log == nil {
		lg := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"listener"},
			TimeFormat:  "15:04:05",
		}).With().
			Str("listener", addr.String()).
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		l.log = &lg
	}
	if l.bans == nil {
		l.bans = banlist.NewMemory()
	}
	l.accepted = make(chan *session.Conn, l.maxConnections)

	sl := l.log.With().Str("sublogger", "session").Logger()
	l.sessionCfg.Registry = l.reg
	l.sessionCfg.Log = &sl
	l.sessionCfg.Guid = l.guid

	l.log.Debug().Func(l.Zerolog).Msg("listener created")
	return l, nil
}

//#region getters

// Guid returns the listener's guid, as sent to every client.
func (l *Listener) Guid() raknet.Guid {
	return l.guid
}

// Addr returns the address the listener was asked to bind.
func (l *Listener) Addr() netip.AddrPort {
	return l.addr
}

// LocalAddr returns the address the socket is actually bound to.
// Returns ErrNotListening if the listener is not started.
func (l *Listener) LocalAddr() (netip.AddrPort, error) {
	l.net.mu.RLock()
	defer l.net.mu.RUnlock()
	if l.net.pconn == nil {
		return netip.AddrPort{}, raknet.ErrNotListening
	}
	ap := l.net.pconn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// Bans returns the ban list consulted on every OpenConnectionRequest.
func (l *Listener) Bans() *banlist.List {
	return l.bans
}

// PublicKey returns the key presented to clients, or nil if the listener is unsecured.
func (l *Listener) PublicKey() *rsa.PublicKey {
	if l.sessionCfg.PrivateKey == nil {
		return nil
	}
	return &l.sessionCfg.PrivateKey.PublicKey
}

// Conn returns the connection associated to the given peer, if any.
func (l *Listener) Conn(peer raknet.PeerAddress) (*session.Conn, bool) {
	l.conns.mu.RLock()
	defer l.conns.mu.RUnlock()
	h, found := l.conns.index[peer]
	if !found {
		return nil, false
	}
	return l.conns.arena[h].conn, true
}

// Connections returns every connection currently held, handshaking or established.
func (l *Listener) Connections() []*session.Conn {
	l.conns.mu.RLock()
	defer l.conns.mu.RUnlock()
	out := make([]*session.Conn, 0, len(l.conns.arena))
	for _, e := range l.conns.arena {
		out = append(out, e.conn)
	}
	return out
}

// Stats returns a snapshot of the listener's counters.
func (l *Listener) Stats() Stats {
	st := Stats{
		Address:           l.addr,
		Guid:              l.guid,
		Listening:         l.net.accepting.Load(),
		MaxConnections:    l.maxConnections,
		DatagramsIn:       l.stats.datagramsIn.Load(),
		DatagramsOut:      l.stats.datagramsOut.Load(),
		BytesIn:           l.stats.bytesIn.Load(),
		BytesOut:          l.stats.bytesOut.Load(),
		Dropped:           l.stats.dropped.Load(),
		Rejected:          l.stats.rejected.Load(),
		HandshakeFailures: l.stats.handshakeFailures.Load(),
	}
	if ap, err := l.LocalAddr(); err == nil {
		st.Address = ap
	}
	for _, c := range l.Connections() {
		st.Connections++
		select {
		case <-c.Established():
			st.Established++
		default:
		}
	}
	return st
}

//#endregion getters

// Start causes the listener to bind its socket and begin accepting connections.
// Ineffectual if already listening.
func (l *Listener) Start() error {
	if swapped := l.net.accepting.CompareAndSwap(false, true); !swapped {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	pconn, err := (&net.ListenConfig{}).ListenPacket(ctx, "udp", l.addr.String())
	if err != nil {
		cancel()
		l.net.accepting.Store(false)
		return fmt.Errorf("%w %v: %w", raknet.ErrBindAddress, l.addr, err)
	}
	udp := pconn.(*net.UDPConn)
	local, err := raknet.PeerAddressFromNetAddr(udp.LocalAddr())
	if err != nil {
		l.log.Warn().Err(err).Msg("bound address cannot be reported to clients")
	}

	l.net.mu.Lock()
	l.net.ctx, l.net.cancel = ctx, cancel
	l.net.pconn, l.net.local = udp, local
	l.net.mu.Unlock()

	l.log.Info().Str("local address", udp.LocalAddr().String()).Msg("accepting incoming packets")
	l.net.wg.Add(1)
	go l.dispatch(ctx, udp)
	return nil
}

// dispatch reads datagrams off the socket and routes each one.
// Spun up by .Start(), shuttered by .Stop().
func (l *Listener) dispatch(ctx context.Context, pconn *net.UDPConn) {
	defer l.net.wg.Done()
	for {
		var pktbuf = make([]byte, raknet.RecvBufferSize)
		rxN, senderAddr, err := pconn.ReadFromUDPAddrPort(pktbuf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warn().Err(fmt.Errorf("%w: %w", raknet.ErrReadPacketBuffer, err)).Msg("packet read error")
			continue
		} else if rxN == 0 {
			l.log.Debug().Msg("zero byte message received")
			continue
		} else if rxN > raknet.MaxMTUSize {
			l.stats.dropped.Add(1)
			l.log.Debug().Str("sender address", senderAddr.String()).Int("message size (bytes)", rxN).Msg("dropped oversized datagram")
			continue
		}
		l.stats.datagramsIn.Add(1)
		l.stats.bytesIn.Add(uint64(rxN))
		l.handle(pktbuf[:rxN], senderAddr)
	}
}

// Stop closes every connection gracefully, then releases the socket.
// Ineffectual if not listening.
func (l *Listener) Stop() {
	if !l.net.accepting.CompareAndSwap(true, false) {
		return
	}
	l.log.Info().Msg("initializing graceful shutdown")

	// connections still need the socket to flush their disconnection notices
	var g errgroup.Group
	for _, c := range l.Connections() {
		g.Go(c.Close)
	}
	closeErr := g.Wait()

	l.net.mu.Lock()
	l.net.cancel()
	pconnCloseErr := l.net.pconn.Close()
	l.net.pconn = nil
	l.net.mu.Unlock()
	l.net.wg.Wait()

	l.log.Info().AnErr("conn close error", pconnCloseErr).AnErr("session close error", closeErr).Msg("completed graceful shutdown")
}

// running returns the context of the current run, if the listener is started.
func (l *Listener) running() (context.Context, bool) {
	if !l.net.accepting.Load() {
		return nil, false
	}
	l.net.mu.RLock()
	defer l.net.mu.RUnlock()
	if l.net.ctx == nil || l.net.ctx.Err() != nil {
		return nil, false
	}
	return l.net.ctx, true
}

// writeTo is the single exit point of every datagram written by this listener.
func (l *Listener) writeTo(ap netip.AddrPort, b []byte) error {
	if len(b) > raknet.MaxMTUSize {
		return raknet.ErrSizeExceedsMTU(len(b))
	}
	l.net.mu.RLock()
	pconn := l.net.pconn
	l.net.mu.RUnlock()
	if pconn == nil {
		return raknet.ErrNotListening
	}
	n, err := pconn.WriteToUDPAddrPort(b, ap)
	if err != nil {
		return fmt.Errorf("%w: %w", raknet.ErrSocket, err)
	} else if n != len(b) {
		return fmt.Errorf("%w: short write (%d of %d bytes)", raknet.ErrSocket, n, len(b))
	}
	l.stats.datagramsOut.Add(1)
	l.stats.bytesOut.Add(uint64(n))
	return nil
}

//#region connections

// register places a new server-side connection for the given source in the arena and starts its owner goroutine.
func (l *Listener) register(ctx context.Context, pa raknet.PeerAddress, ap netip.AddrPort) *session.Conn {
	cfg := l.sessionCfg
	l.net.mu.RLock()
	cfg.LocalAddr = l.net.local
	l.net.mu.RUnlock()

	l.conns.mu.Lock()
	l.conns.next++
	h := l.conns.next
	l.conns.mu.Unlock()

	cfg.OnEstablished = func(c *session.Conn) {
		select {
		case l.accepted <- c:
		default:
			l.log.Warn().Str("peer", c.RemoteAddr().String()).Msg("accept backlog full; connection is only reachable by address")
		}
	}
	cfg.OnClose = func(c *session.Conn, cause error) {
		l.unregister(h, pa)
		if c.State() == session.HandshakeFailed {
			l.stats.handshakeFailures.Add(1)
			l.strikeOut(ap.Addr().Unmap())
		}
	}
	conn := session.New(session.RoleServer, pa, func(b []byte) error { return l.writeTo(ap, b) }, cfg)

	l.conns.mu.Lock()
	l.conns.arena[h] = entry{conn: conn, ap: ap}
	l.conns.index[pa] = h
	l.conns.mu.Unlock()

	l.net.wg.Add(1)
	go func() {
		defer l.net.wg.Done()
		conn.Run(ctx)
	}()
	return conn
}

func (l *Listener) unregister(h Handle, pa raknet.PeerAddress) {
	l.conns.mu.Lock()
	defer l.conns.mu.Unlock()
	delete(l.conns.arena, h)
	if l.conns.index[pa] == h {
		delete(l.conns.index, pa)
	}
}

// strikeOut records a failed handshake for the given source, banning it once it reaches the strike limit.
func (l *Listener) strikeOut(ip netip.Addr) {
	if l.strike.max <= 0 {
		return
	}
	n := l.strikes.Upsert(ip, l.strike.window, func(cur int, _ bool) int { return cur + 1 })
	if n < l.strike.max {
		return
	}
	l.strikes.Delete(ip)
	if _, err := l.bans.Ban(ip, l.strike.ban, "repeated handshake failures"); err != nil {
		l.log.Error().Err(err).Str("ip", ip.String()).Msg("failed to ban source")
		return
	}
	l.log.Warn().Str("ip", ip.String()).Int("strikes", n).Dur("duration", l.strike.ban).Msg("banned source")
}

// Accept returns the next connection to complete its handshake.
func (l *Listener) Accept(ctx context.Context) (*session.Conn, error) {
	if ctx == nil {
		return nil, raknet.ErrNilCtx
	}
	runCtx, ok := l.running()
	if !ok {
		return nil, raknet.ErrNotListening
	}
	for {
		select {
		case c := <-l.accepted:
			// connections may die in the backlog
			if c.State() != session.Connected {
				continue
			}
			return c, nil
		case <-runCtx.Done():
			return nil, raknet.ErrNotListening
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Send queues msg.Data for the peer at msg.Addr.
func (l *Listener) Send(ctx context.Context, msg raknet.Message) error {
	if ctx == nil {
		return raknet.ErrNilCtx
	} else if _, ok := l.running(); !ok {
		return raknet.ErrNotListening
	}
	c, found := l.Conn(msg.Addr)
	if !found {
		return ErrNoConnectionTo(msg.Addr)
	}
	return c.Send(ctx, msg.Data, msg.Reliability, msg.Channel)
}

// Recv returns the next application message from the given peer.
func (l *Listener) Recv(ctx context.Context, peer raknet.PeerAddress) (raknet.Message, error) {
	if ctx == nil {
		return raknet.Message{}, raknet.ErrNilCtx
	} else if _, ok := l.running(); !ok {
		return raknet.Message{}, raknet.ErrNotListening
	}
	c, found := l.Conn(peer)
	if !found {
		return raknet.Message{}, ErrNoConnectionTo(peer)
	}
	return c.Recv(ctx)
}

// Disconnect gracefully closes the connection to the given peer, blocking until it is torn down.
func (l *Listener) Disconnect(peer raknet.PeerAddress) error {
	c, found := l.Conn(peer)
	if !found {
		return ErrNoConnectionTo(peer)
	}
	return c.Close()
}

//#endregion connections

// Zerolog pretty prints the state of the listener into the given zerolog event.
// Intended to be given to *zerolog.Event.Func().
func (l *Listener) Zerolog(e *zerolog.Event) {
	e.Str("guid", l.guid.String()).
		Str("address", l.addr.String()).
		Bool("listening", l.net.accepting.Load()).
		Int("max connections", l.maxConnections).
		Bool("secured", l.sessionCfg.PrivateKey != nil)
	l.conns.mu.RLock()
	e.Int("connections", len(l.conns.arena))
	l.conns.mu.RUnlock()
}
