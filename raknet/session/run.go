package session

import (
	"context"
	"errors"
	"time"

	"github.com/AnotherlandServer/anotherland-sub012/internal/misc"
	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/packetid"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/protocol"
)

// Run drives the connection until it is torn down or ctx is cancelled.
// It must be called exactly once; it is the only goroutine that touches the connection's windows.
func (c *Conn) Run(ctx context.Context) {
	now := time.Now()
	c.lastRecv = now
	c.handshakeBy = now.Add(c.cfg.HandshakeTimeout)
	if c.role == RoleClient {
		c.openConnection(now)
	}

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.teardown(raknet.ErrConnectionClosed)
		case b := <-c.inbox:
			c.handleDatagram(b, time.Now())
		case m := <-c.outbox:
			c.sendMessage(m, time.Now())
		case <-c.closeReq:
			c.beginClose(time.Now())
		case now := <-ticker.C:
			c.tick(now)
		}
		select {
		case <-c.done:
			return
		default:
		}
		c.mirror()
	}
}

// mirror publishes owner-only figures for Stats.
func (c *Conn) mirror() {
	c.stats.rtt.Store(int64(c.send.RTT()))
	c.stats.resends.Store(c.send.Resends())
	c.stats.pending.Store(int64(c.send.Pending()))
}

func (c *Conn) setState(s State) {
	if prior := State(c.state.Swap(uint32(s))); prior != s {
		c.log.Debug().Str("from", prior.String()).Str("to", s.String()).Msg("state change")
	}
}

// teardown ends the connection with the given cause.
// Connections that never finished the handshake end in HandshakeFailed.
func (c *Conn) teardown(cause error) {
	c.doneOnce.Do(func() {
		if !c.isEstablished && !errors.Is(cause, raknet.ErrConnectionClosed) {
			if !errors.Is(cause, raknet.ErrHandshakeFailed) {
				cause = raknet.ErrHandshake(cause)
			}
			c.setState(HandshakeFailed)
		} else {
			c.setState(Closed)
		}
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		c.log.Info().Err(cause).Msg("connection torn down")
		close(c.done)
		if c.cfg.OnClose != nil {
			c.cfg.OnClose(c, cause)
		}
	})
}

// fail aborts the handshake; the cause is wrapped as a handshake failure.
func (c *Conn) fail(cause error) {
	c.teardown(cause)
}

// beginClose starts a graceful shutdown.
// Established connections notify the remote and linger until it acknowledged everything (or DisconnectLinger passes).
func (c *Conn) beginClose(now time.Time) {
	if c.State() != Connected {
		c.teardown(raknet.ErrConnectionClosed)
		return
	}
	c.setState(Disconnecting)
	c.sendSystem(packetid.KindDisconnectionNotification, nil, raknet.Reliable, now)
	c.lingerUntil = now.Add(c.cfg.DisconnectLinger)
}

// establish completes the handshake and releases held application messages.
func (c *Conn) establish() {
	if c.isEstablished {
		return
	}
	c.isEstablished = true
	close(c.established)
	for _, p := range c.held {
		c.enqueue(p)
	}
	c.held = nil
	c.log.Info().Msg("connection established")
	if c.cfg.OnEstablished != nil {
		c.cfg.OnEstablished(c)
	}
}

//#region outbound

// writeDatagram is the single exit point of every datagram of this connection.
func (c *Conn) writeDatagram(b []byte) {
	if err := c.write(b); err != nil {
		c.log.Warn().Err(err).Int("size (bytes)", len(b)).Msg("failed to write datagram")
		return
	}
	c.stats.datagramsOut.Add(1)
	c.stats.bytesOut.Add(uint64(len(b)))
}

// transmit packs frames into as few datagrams as the MTU allows and writes them.
func (c *Conn) transmit(frames []protocol.Frame) {
	var (
		batch []protocol.Frame
		size  = protocol.DatagramHeaderLen
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		d := protocol.Datagram{Frames: batch}
		b, err := d.MarshalBinary()
		if err != nil {
			c.log.Error().Err(err).Msg("failed to encode datagram")
		} else {
			c.writeDatagram(b)
		}
		batch, size = nil, protocol.DatagramHeaderLen
	}
	for _, f := range frames {
		if size+f.Len() > raknet.MaxMTUSize {
			flush()
		}
		batch = append(batch, f)
		size += f.Len()
	}
	flush()
}

// sendSystem sends a reserved message through the reliability layer.
func (c *Conn) sendSystem(k packetid.Kind, body []byte, rel raknet.Reliability, now time.Time) {
	frames, err := c.send.Prepare(protocol.Compose(c.cfg.Registry, k, body...), rel, 0, now)
	if err != nil {
		c.log.Error().Err(err).Str("kind", k.String()).Msg("failed to prepare system message")
		return
	}
	c.transmit(frames)
}

// sendOffline writes a reserved message outside the reliability layer.
func (c *Conn) sendOffline(k packetid.Kind, body []byte) {
	c.writeDatagram(protocol.Compose(c.cfg.Registry, k, body...))
}

// sendMessage sends an application message queued by Send.
func (c *Conn) sendMessage(m raknet.Message, now time.Time) {
	if c.State() != Connected {
		return
	}
	data := m.Data
	if c.cipher != nil {
		sealed, err := c.cipher.Seal(data)
		if err != nil {
			c.log.Error().Err(err).Msg("failed to seal payload")
			return
		}
		data = sealed
	}
	frames, err := c.send.Prepare(data, m.Reliability, m.Channel, now)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to prepare payload")
		return
	}
	c.stats.messagesOut.Add(1)
	c.transmit(frames)
}

// flushReceipts writes the ACKs and NACKs owed to the remote.
func (c *Conn) flushReceipts() {
	acks, nacks := c.recv.TakeReceipts()
	for _, rs := range []struct {
		flag   byte
		ranges []protocol.Range
	}{{protocol.FlagACK, acks}, {protocol.FlagNACK, nacks}} {
		for _, d := range protocol.ReceiptDatagrams(rs.flag, rs.ranges) {
			b, err := d.MarshalBinary()
			if err != nil {
				c.log.Error().Err(err).Msg("failed to encode receipts")
				continue
			}
			c.writeDatagram(b)
		}
	}
}

//#endregion outbound

// tick runs the timers: handshake deadline, offline retries, liveness, keepalive, retransmission and receipts.
func (c *Conn) tick(now time.Time) {
	state := c.State()
	if !c.isEstablished && now.After(c.handshakeBy) {
		c.log.Warn().Str("state", state.String()).Msg("handshake timed out")
		c.fail(errHandshakeTimeout)
		return
	}
	if state == AwaitingOpenConnectionReply && c.role == RoleClient && !now.Before(c.nextOffline) {
		c.openConnection(now)
	}
	if c.isEstablished && now.Sub(c.lastRecv) > c.cfg.Timeout {
		c.teardown(raknet.ErrConnectionLost)
		return
	}
	if state == Connected && c.isEstablished && !now.Before(c.nextPing) {
		c.sendSystem(packetid.KindInternalPing, protocol.Ping{Time: misc.UnixMilli()}.Append(nil), raknet.Unreliable, now)
		c.nextPing = now.Add(c.cfg.PingInterval)
	}

	if n := c.frags.Expire(now); n > 0 {
		c.stats.dropped.Add(uint64(n))
		c.log.Debug().Int("compounds", n).Msg("expired incomplete compounds")
	}
	c.transmit(c.send.Due(now))
	c.flushReceipts()

	if state == Disconnecting && (c.send.Pending() == 0 || now.After(c.lingerUntil)) {
		c.teardown(raknet.ErrConnectionClosed)
	}
}

//#region inbound

// handleDatagram processes one datagram from the remote.
func (c *Conn) handleDatagram(b []byte, now time.Time) {
	if len(b) == 0 {
		return
	}
	c.stats.datagramsIn.Add(1)
	c.stats.bytesIn.Add(uint64(len(b)))
	if !protocol.IsConnected(b[0]) {
		c.handleOffline(b, now)
		return
	}

	d, err := protocol.ParseDatagram(b)
	if err != nil {
		if errors.Is(err, raknet.ErrDecryptionFailed) {
			c.stats.checksumFailures.Add(1)
			c.checksumFailures++
			c.log.Debug().Err(err).Int("consecutive", c.checksumFailures).Msg("dropped datagram")
			if c.checksumFailures >= c.cfg.MaxChecksumFailures {
				c.sendSystem(packetid.KindModifiedPacket, nil, raknet.Reliable, now)
				c.teardown(raknet.ErrModifiedPacket)
			}
			return
		}
		c.log.Debug().Err(err).Msg("dropped malformed datagram")
		return
	}
	c.checksumFailures = 0
	c.lastRecv = now

	switch {
	case d.IsACK():
		c.send.Ack(d.Receipts, now)
	case d.IsNACK():
		c.transmit(c.send.Nack(d.Receipts, now))
	default:
		for _, f := range d.Frames {
			c.handleFrame(f, now)
			if c.State().Terminal() {
				return
			}
		}
	}
}

// handleFrame runs a frame through duplicate filtering, reassembly and ordering.
func (c *Conn) handleFrame(f protocol.Frame, now time.Time) {
	// A reliable frame that cannot be buffered must not be acknowledged, so the sender keeps retransmitting it.
	if f.Reliability.IsReliable() && !c.recv.Seen(f.MessageNumber) {
		if err := c.admit(f, now); err != nil {
			c.stats.dropped.Add(1)
			c.log.Debug().Err(err).Func(f.Zerolog).Msg("deferred reliable frame")
			return
		}
	}
	fresh, err := c.recv.Accept(f.MessageNumber)
	if err != nil {
		c.log.Debug().Err(err).Func(f.Zerolog).Msg("dropped frame")
		return
	} else if !fresh {
		return
	}
	if f.Split == nil {
		c.release(f, now)
		return
	}
	if err := c.frags.Insert(f, now); err != nil {
		c.stats.dropped.Add(1)
		c.log.Debug().Err(err).Func(f.Zerolog).Msg("dropped fragment")
		return
	}
	for _, merged := range c.frags.Flush() {
		c.release(merged, now)
	}
}

// admit checks that reassembly and ordering have room for f.
func (c *Conn) admit(f protocol.Frame, now time.Time) error {
	if f.Split != nil {
		if err := c.frags.Admit(f, now); err != nil {
			return err
		}
	}
	return c.order.Admit(f)
}

func (c *Conn) release(f protocol.Frame, now time.Time) {
	out, err := c.order.Release(f)
	if err != nil {
		c.stats.dropped.Add(1)
		c.log.Debug().Err(err).Func(f.Zerolog).Msg("dropped frame")
	}
	for _, r := range out {
		c.handleMessage(r.Payload, now)
	}
}

// handleMessage dispatches a complete message on its packet id.
func (c *Conn) handleMessage(p []byte, now time.Time) {
	if len(p) == 0 || c.State().Terminal() {
		return
	}
	id := c.cfg.Registry.FromByte(p[0])
	body := p[1:]
	switch id.Kind {
	case packetid.KindUser:
		c.deliverApp(p)
	case packetid.KindInternalPing:
		var ping protocol.Ping
		if err := ping.UnmarshalBinary(body); err != nil {
			c.log.Debug().Err(err).Msg("bad InternalPing")
			return
		}
		c.sendSystem(packetid.KindConnectedPong, protocol.ConnectedPong{Echo: ping.Time, Time: misc.UnixMilli()}.Append(nil), raknet.Unreliable, now)
	case packetid.KindConnectedPong:
		var pong protocol.ConnectedPong
		if err := pong.UnmarshalBinary(body); err != nil {
			c.log.Debug().Err(err).Msg("bad ConnectedPong")
			return
		}
		c.send.ObserveRTT(misc.SinceMilli(pong.Echo))
	case packetid.KindDisconnectionNotification:
		c.teardown(raknet.ErrDisconnected)
	case packetid.KindModifiedPacket:
		c.teardown(raknet.ErrModifiedPacket)
	default:
		if c.role == RoleServer {
			c.serverHandshake(id, body, now)
		} else {
			c.clientHandshake(id, body, now)
		}
	}
}

// deliverApp hands an application message to Recv, holding it back until the handshake completes.
func (c *Conn) deliverApp(p []byte) {
	if c.cipher != nil {
		opened, err := c.cipher.Open(p)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropped unopenable payload")
			return
		}
		p = opened
	} else {
		p = append([]byte(nil), p...)
	}
	if !c.isEstablished {
		if len(c.held) >= c.cfg.MessageQueueSize {
			c.stats.dropped.Add(1)
			return
		}
		c.held = append(c.held, p)
		return
	}
	c.enqueue(p)
}

// enqueue never blocks the owner; a full queue drops the message.
func (c *Conn) enqueue(p []byte) {
	select {
	case c.messages <- raknet.Message{Addr: c.remote, Data: p}:
		c.stats.messagesIn.Add(1)
	default:
		c.stats.dropped.Add(1)
		c.log.Warn().Int("queue size", cap(c.messages)).Msg("message queue full, dropping message")
	}
}

//#endregion inbound
