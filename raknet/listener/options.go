package listener

import (
	"crypto/rsa"
	"time"

	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/banlist"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// File options.go provides options that can be passed to the listener constructor to configure it.

// Option function to set various options on the listener.
// Uses defaults if an option is not set.
type Option func(*Listener)

// WithLogger replaces the listener's default logger with the given logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(ls *Listener) {
		ls.log = l
	}
}

// WithGuid replaces the randomly generated guid.
func WithGuid(g raknet.Guid) Option {
	return func(l *Listener) { l.guid = g }
}

// WithMaxConnections overwrites DefaultMaxConnections.
// Handshaking connections count against the limit.
func WithMaxConnections(n int) Option {
	return func(l *Listener) {
		if n > 0 {
			l.maxConnections = n
		}
	}
}

// WithPassword requires clients to present the given password in ConnectionRequest.
func WithPassword(password []byte) Option {
	return func(l *Listener) { l.sessionCfg.Password = append([]byte(nil), password...) }
}

// WithPrivateKey secures the handshake with the given key.
// Without it, clients are accepted without the secured exchange and payloads travel in the clear.
func WithPrivateKey(key *rsa.PrivateKey) Option {
	return func(l *Listener) { l.sessionCfg.PrivateKey = key }
}

// WithBanList replaces the in-memory ban list, typically with one opened by banlist.Open.
// The caller remains responsible for closing it.
func WithBanList(bans *banlist.List) Option {
	return func(l *Listener) { l.bans = bans }
}

// WithTimeout overwrites session.DefaultTimeout, the silence after which an established connection is considered lost.
func WithTimeout(d time.Duration) Option {
	return func(l *Listener) { l.sessionCfg.Timeout = d }
}

// WithHandshakeTimeout overwrites session.DefaultHandshakeTimeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(l *Listener) { l.sessionCfg.HandshakeTimeout = d }
}

// WithPingInterval overwrites session.DefaultPingInterval.
func WithPingInterval(d time.Duration) Option {
	return func(l *Listener) { l.sessionCfg.PingInterval = d }
}

// WithAdmissionRate overwrites DefaultAdmissionRate and DefaultAdmissionBurst.
// rate.Inf disables rate limiting.
func WithAdmissionRate(r rate.Limit, burst int) Option {
	return func(l *Listener) { l.limiter = rate.NewLimiter(r, burst) }
}

// WithStrikes overwrites the DefaultMaxStrikes family of defaults.
// A max of 0 disables strike bans.
func WithStrikes(max int, window, ban time.Duration) Option {
	return func(l *Listener) {
		l.strike.max, l.strike.window, l.strike.ban = max, window, ban
	}
}
