// Package client provides the client side of the transport: Dial opens a connection to a listener over a private UDP socket,
// and Ping is a static subroutine for querying a listener without connecting to it.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/AnotherlandServer/anotherland-sub012/internal/misc"
	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/packetid"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/protocol"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/session"
	"github.com/rs/zerolog"
)

// Conn is an established client connection.
// It embeds the session and owns the socket underneath it.
type Conn struct {
	*session.Conn
	pconn  *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// LocalAddr returns the address of the connection's socket.
func (c *Conn) LocalAddr() netip.AddrPort {
	ap := c.pconn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Close shuts the connection down gracefully, then releases its socket.
func (c *Conn) Close() error {
	err := c.Conn.Close()
	c.cancel()
	c.wg.Wait()
	return err
}

// Dial connects to the listener at target, blocking until the handshake completes, fails or ctx is done.
func Dial(ctx context.Context, target netip.AddrPort, opts ...Option) (*Conn, error) {
	if ctx == nil {
		return nil, raknet.ErrNilCtx
	} else if !target.IsValid() {
		return nil, fmt.Errorf("%w: %v is not a valid ip:port", raknet.ErrInvalidAddressFormat, target)
	}
	remote, err := raknet.PeerAddressFromAddrPort(target)
	if err != nil {
		return nil, err
	}

	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"target"},
			TimeFormat:  "15:04:05",
		}).With().
			Str("target", target.String()).
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		cfg.log = &l
	}
	if cfg.session.Guid == (raknet.Guid{}) {
		cfg.session.Guid = raknet.NewGuid()
	}
	cfg.session.Log = cfg.log

	pconn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(target))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", raknet.ErrSocket, err)
	}
	if cfg.session.LocalAddr, err = raknet.PeerAddressFromNetAddr(pconn.LocalAddr()); err != nil {
		cfg.log.Warn().Err(err).Msg("local address cannot be reported to the listener")
	}

	sc := session.New(session.RoleClient, remote, func(b []byte) error {
		if len(b) > raknet.MaxMTUSize {
			return raknet.ErrSizeExceedsMTU(len(b))
		}
		if _, err := pconn.Write(b); err != nil {
			return fmt.Errorf("%w: %w", raknet.ErrSocket, err)
		}
		return nil
	}, cfg.session)

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{Conn: sc, pconn: pconn, cancel: cancel}
	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		sc.Run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.read()
	}()
	go func() { // the socket lives exactly as long as the session
		defer c.wg.Done()
		<-sc.Done()
		pconn.Close()
	}()

	select {
	case <-sc.Established():
		return c, nil
	case <-sc.Done():
		c.wg.Wait()
		cancel()
		return nil, sc.Err()
	case <-ctx.Done():
		cancel()
		c.wg.Wait()
		return nil, ctx.Err()
	}
}

// read pumps datagrams from the socket into the session until the socket is closed.
func (c *Conn) read() {
	for {
		var pktbuf = make([]byte, raknet.RecvBufferSize)
		n, err := c.pconn.Read(pktbuf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP port unreachable and friends; the session's timers deal with a dead remote
			continue
		} else if n == 0 || n > raknet.MaxMTUSize {
			continue
		}
		c.Deliver(pktbuf[:n])
	}
}

// PingResult is a listener's answer to an offline ping.
type PingResult struct {
	Connections    uint32
	MaxConnections uint32
	RTT            time.Duration
}

// Ping sends an offline ping to the given address, returning the listener's answer or an error.
// If openOnly is set, listeners without room for another connection do not answer and Ping waits for ctx to be done.
func Ping(ctx context.Context, target netip.AddrPort, openOnly bool) (PingResult, error) {
	var pr PingResult
	if ctx == nil {
		return pr, raknet.ErrNilCtx
	} else if !target.IsValid() {
		return pr, fmt.Errorf("%w: %v is not a valid ip:port", raknet.ErrInvalidAddressFormat, target)
	}

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(target))
	if err != nil {
		return pr, fmt.Errorf("%w: %w", raknet.ErrSocket, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	reg := packetid.NewRegistry()
	kind := packetid.KindPing
	if openOnly {
		kind = packetid.KindPingOpenConnections
	}
	sent := misc.UnixMilli()
	req := protocol.Compose(reg, kind, protocol.Ping{Time: sent}.Append(nil)...)
	if n, err := conn.Write(req); err != nil {
		return pr, fmt.Errorf("%w: %w", raknet.ErrSocket, err)
	} else if n != len(req) {
		return pr, fmt.Errorf("unexpected byte count written to target. Expected %dB, wrote %dB", len(req), n)
	}

	var respBuf = make([]byte, raknet.RecvBufferSize)
	for {
		n, err := conn.Read(respBuf)
		if err != nil {
			if ctx.Err() != nil {
				return pr, ctx.Err()
			}
			return pr, fmt.Errorf("%w: %w", raknet.ErrReadPacketBuffer, err)
		} else if n == 0 || reg.FromByte(respBuf[0]).Kind != packetid.KindPong {
			continue
		}
		var pong protocol.Pong
		if err := pong.UnmarshalBinary(respBuf[1:n]); err != nil {
			return pr, err
		} else if pong.Echo != sent {
			continue // an answer to someone else's ping
		}
		return PingResult{
			Connections:    pong.Connections,
			MaxConnections: pong.MaxConnections,
			RTT:            misc.SinceMilli(pong.Echo),
		}, nil
	}
}
