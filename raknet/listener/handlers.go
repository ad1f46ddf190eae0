package listener

// handlers.go contains the switch on type for incoming datagrams and the subroutines invoked for each offline packet type.

import (
	"context"
	"net/netip"

	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/packetid"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/protocol"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/session"
)

// handle routes a single datagram.
// Connected datagrams are handed to the owning connection; offline ones are answered here.
func (l *Listener) handle(b []byte, senderAddr netip.AddrPort) {
	pa, err := raknet.PeerAddressFromAddrPort(senderAddr)
	if err != nil {
		l.stats.dropped.Add(1)
		l.log.Debug().Err(err).Str("sender address", senderAddr.String()).Msg("dropped datagram from unrepresentable address")
		return
	}

	if protocol.IsConnected(b[0]) {
		c, found := l.Conn(pa)
		if !found {
			l.stats.dropped.Add(1)
			l.log.Debug().Str("sender address", senderAddr.String()).Msg("dropped datagram from unknown peer")
			return
		}
		if !c.Deliver(b) {
			l.stats.dropped.Add(1)
		}
		return
	}

	ctx, ok := l.running()
	if !ok {
		return
	}
	id := l.reg.FromByte(b[0])
	l.log.Debug().Str("sender address", senderAddr.String()).Object("id", id).Msg("offline packet received")
	switch id.Kind {
	case packetid.KindOpenConnectionRequest:
		l.serveOpenConnectionRequest(ctx, b[1:], pa, senderAddr)
	case packetid.KindPing, packetid.KindPingOpenConnections:
		l.servePing(id.Kind, b[1:], senderAddr)
	default:
		l.stats.dropped.Add(1)
		l.log.Debug().Object("id", id).Msg("unhandled offline packet")
	}
}

// respond writes an offline packet to the given address.
func (l *Listener) respond(ap netip.AddrPort, k packetid.Kind, body []byte) {
	if err := l.writeTo(ap, protocol.Compose(l.reg, k, body...)); err != nil {
		l.log.Warn().Err(err).Str("kind", k.String()).Str("target address", ap.String()).Msg("failed to respond")
	}
}

// reject answers an OpenConnectionRequest with the given refusal.
func (l *Listener) reject(ap netip.AddrPort, k packetid.Kind) {
	l.stats.rejected.Add(1)
	l.log.Info().Str("sender address", ap.String()).Str("reason", k.String()).Msg("refused connection")
	l.respond(ap, k, nil)
}

// serveOpenConnectionRequest applies the admission policy and, if the source passes, creates its connection.
// No cryptographic work happens until a source is admitted.
func (l *Listener) serveOpenConnectionRequest(ctx context.Context, body []byte, pa raknet.PeerAddress, ap netip.AddrPort) {
	var req protocol.OpenConnectionRequest
	if err := req.UnmarshalBinary(body); err != nil {
		l.log.Debug().Err(err).Msg("dropped malformed OpenConnectionRequest")
		return
	}

	if l.bans.IsBanned(ap.Addr().Unmap()) {
		l.reject(ap, packetid.KindConnectionBanned)
		return
	} else if req.ProtocolVersion != raknet.ProtocolVersion {
		l.log.Debug().Uint8("requested", req.ProtocolVersion).Uint8("supported", raknet.ProtocolVersion).Msg("protocol version mismatch")
		l.reject(ap, packetid.KindConnectionAttemptFailed)
		return
	}

	if c, found := l.Conn(pa); found {
		// the client did not see our reply yet
		if c.State() == session.Unconnected {
			l.respond(ap, packetid.KindOpenConnectionReply, nil)
			return
		}
		l.reject(ap, packetid.KindAlreadyConnected)
		return
	}

	l.conns.mu.RLock()
	count := len(l.conns.arena)
	l.conns.mu.RUnlock()
	if count >= l.maxConnections {
		l.reject(ap, packetid.KindNoFreeIncomingConnections)
		return
	} else if !l.limiter.Allow() {
		l.stats.dropped.Add(1)
		l.log.Debug().Str("sender address", ap.String()).Msg("admission rate exceeded")
		return
	}

	c := l.register(ctx, pa, ap)
	l.log.Debug().Func(c.Zerolog).Msg("admitted connection")
	l.respond(ap, packetid.KindOpenConnectionReply, nil)
}

// servePing answers offline pings with Pong.
// PingOpenConnections is only answered while the listener has room for another connection.
func (l *Listener) servePing(k packetid.Kind, body []byte, ap netip.AddrPort) {
	var ping protocol.Ping
	if err := ping.UnmarshalBinary(body); err != nil {
		l.log.Debug().Err(err).Msg("dropped malformed ping")
		return
	}
	l.conns.mu.RLock()
	count := len(l.conns.arena)
	l.conns.mu.RUnlock()
	if k == packetid.KindPingOpenConnections && count >= l.maxConnections {
		return
	}
	pong := protocol.Pong{Echo: ping.Time, Connections: uint32(count), MaxConnections: uint32(l.maxConnections)}
	l.respond(ap, packetid.KindPong, pong.Append(nil))
}
