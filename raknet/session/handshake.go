package session

// handshake.go contains the handshake subroutines of both roles, invoked from the owner goroutine.

import (
	"crypto/subtle"
	"time"

	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/packetid"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/protocol"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/secure"
)

//#region client

// openConnection (re)sends OpenConnectionRequest.
func (c *Conn) openConnection(now time.Time) {
	c.setState(AwaitingOpenConnectionReply)
	c.sendOffline(packetid.KindOpenConnectionRequest, protocol.OpenConnectionRequest{ProtocolVersion: raknet.ProtocolVersion}.Append(nil))
	c.nextOffline = now.Add(c.cfg.OfflineRetry)
}

// handleOffline answers the offline replies a client receives while opening the connection.
// Servers never see offline packets here; the listener consumes them.
func (c *Conn) handleOffline(b []byte, now time.Time) {
	if c.role != RoleClient {
		return
	}
	id := c.cfg.Registry.FromByte(b[0])
	switch id.Kind {
	case packetid.KindOpenConnectionReply:
		if c.State() != AwaitingOpenConnectionReply {
			return
		}
		c.lastRecv = now
		c.setState(AwaitingSecuredConnectionConfirmation)
		c.sendSystem(packetid.KindConnectionRequest, protocol.ConnectionRequest{Password: c.cfg.Password}.Append(nil), raknet.Reliable, now)
	case packetid.KindAlreadyConnected:
		c.fail(raknet.ErrAlreadyConnected)
	case packetid.KindNoFreeIncomingConnections:
		c.fail(raknet.ErrNoFreeIncomingConnections)
	case packetid.KindConnectionBanned:
		c.fail(raknet.ErrConnectionBanned)
	case packetid.KindConnectionAttemptFailed:
		c.fail(errAttemptFailed)
	default:
		c.log.Debug().Str("id", id.String()).Msg("ignoring offline packet")
	}
}

// clientHandshake handles the reserved messages a client receives over the reliability layer.
func (c *Conn) clientHandshake(id packetid.PacketID, body []byte, now time.Time) {
	switch id.Kind {
	case packetid.KindSecuredConnectionResponse:
		if c.State() != AwaitingSecuredConnectionConfirmation || c.cipher != nil {
			return
		}
		var resp protocol.SecuredConnectionResponse
		if err := resp.UnmarshalBinary(body); err != nil {
			c.fail(err)
			return
		}
		pub, err := secure.PublicKey(resp)
		if err != nil {
			c.fail(err)
			return
		}
		if c.cfg.ServerKey != nil && !c.cfg.ServerKey.Equal(pub) {
			c.fail(raknet.ErrRSAPublicKeyMismatch)
			return
		}
		key, err := secure.NewSessionKey()
		if err != nil {
			c.fail(err)
			return
		}
		block, err := secure.EncryptSessionKey(pub, key)
		if err != nil {
			c.fail(err)
			return
		}
		if c.cipher, err = secure.NewCipher(key); err != nil {
			c.fail(err)
			return
		}
		c.sendSystem(packetid.KindSecuredConnectionConfirmation,
			protocol.SecuredConnectionConfirmation{Cookie: resp.Cookie, Block: block}.Append(nil),
			raknet.Reliable, now)

	case packetid.KindConnectionRequestAccepted:
		if c.State() != AwaitingSecuredConnectionConfirmation {
			return
		}
		// a pinned key means the server must not skip the secured exchange
		if c.cfg.ServerKey != nil && c.cipher == nil {
			c.fail(raknet.ErrRSAPublicKeyMismatch)
			return
		}
		var acc protocol.ConnectionRequestAccepted
		if err := acc.UnmarshalBinary(body); err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		c.remoteGuid, c.externalAddr, c.remoteLocal = acc.Guid, acc.Peer, acc.Local
		c.mu.Unlock()
		c.sendSystem(packetid.KindNewIncomingConnection,
			protocol.NewIncomingConnection{Server: c.remote, Local: c.cfg.LocalAddr}.Append(nil),
			raknet.Reliable, now)
		c.setState(Connected)
		c.establish()

	case packetid.KindInvalidPassword:
		c.fail(raknet.ErrInvalidPassword)
	default:
		c.log.Debug().Str("id", id.String()).Msg("ignoring unexpected message")
	}
}

//#endregion client

//#region server

// serverHandshake handles the reserved messages a server receives over the reliability layer.
func (c *Conn) serverHandshake(id packetid.PacketID, body []byte, now time.Time) {
	switch id.Kind {
	case packetid.KindConnectionRequest:
		if c.State() != Unconnected {
			return
		}
		var req protocol.ConnectionRequest
		if err := req.UnmarshalBinary(body); err != nil {
			c.fail(err)
			return
		}
		if len(c.cfg.Password) > 0 && subtle.ConstantTimeCompare(c.cfg.Password, req.Password) != 1 {
			c.log.Info().Msg("refused connection: invalid password")
			c.sendSystem(packetid.KindInvalidPassword, nil, raknet.Reliable, now)
			c.fail(raknet.ErrInvalidPassword)
			return
		}
		if c.cfg.PrivateKey == nil {
			c.accept(now)
			return
		}
		cookie, err := secure.NewCookie()
		if err != nil {
			c.fail(err)
			return
		}
		c.cookie = cookie
		c.setState(AwaitingSecuredConnectionConfirmation)
		c.sendSystem(packetid.KindSecuredConnectionResponse,
			secure.Response(cookie, &c.cfg.PrivateKey.PublicKey).Append(nil),
			raknet.Reliable, now)

	case packetid.KindSecuredConnectionConfirmation:
		if c.State() != AwaitingSecuredConnectionConfirmation {
			return
		}
		var conf protocol.SecuredConnectionConfirmation
		if err := conf.UnmarshalBinary(body); err != nil {
			c.log.Warn().Err(err).Msg("dropped malformed confirmation")
			return
		}
		// mismatches are dropped; the handshake deadline settles the connection's fate
		if !secure.CookieEqual(conf.Cookie, c.cookie) {
			c.log.Warn().Msg("dropped confirmation: cookie mismatch")
			return
		}
		key, err := secure.DecryptSessionKey(c.cfg.PrivateKey, conf.Block)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropped confirmation: bad key block")
			return
		}
		if c.cipher, err = secure.NewCipher(key); err != nil {
			c.fail(err)
			return
		}
		c.accept(now)

	case packetid.KindNewIncomingConnection:
		if c.State() != Connected || c.isEstablished {
			return
		}
		var nic protocol.NewIncomingConnection
		if err := nic.UnmarshalBinary(body); err != nil {
			c.log.Warn().Err(err).Msg("dropped malformed NewIncomingConnection")
			return
		}
		c.mu.Lock()
		c.remoteLocal = nic.Local
		c.mu.Unlock()
		c.establish()
	default:
		c.log.Debug().Str("id", id.String()).Msg("ignoring unexpected message")
	}
}

// accept moves a server connection to Connected and tells the client.
func (c *Conn) accept(now time.Time) {
	c.setState(Connected)
	c.sendSystem(packetid.KindConnectionRequestAccepted,
		protocol.ConnectionRequestAccepted{Peer: c.remote, Local: c.cfg.LocalAddr, Guid: c.cfg.Guid}.Append(nil),
		raknet.Reliable, now)
}

//#endregion server
