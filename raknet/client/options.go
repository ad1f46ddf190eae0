package client

import (
	"crypto/rsa"
	"time"

	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/session"
	"github.com/rs/zerolog"
)

// File options.go provides options that can be passed to Dial to configure the connection.

type config struct {
	log     *zerolog.Logger
	session session.Config
}

// Option function to set various options on a dialed connection.
// Uses defaults if an option is not set.
type Option func(*config)

// WithLogger replaces the connection's default logger with the given logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithGuid replaces the randomly generated guid.
func WithGuid(g raknet.Guid) Option {
	return func(c *config) { c.session.Guid = g }
}

// WithPassword presents the given password to the listener.
func WithPassword(password []byte) Option {
	return func(c *config) { c.session.Password = append([]byte(nil), password...) }
}

// WithServerKey pins the key the listener must present.
// Listeners presenting another key, or none, are refused with raknet.ErrRSAPublicKeyMismatch.
func WithServerKey(key *rsa.PublicKey) Option {
	return func(c *config) { c.session.ServerKey = key }
}

// WithTimeout overwrites session.DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.session.Timeout = d }
}

// WithHandshakeTimeout overwrites session.DefaultHandshakeTimeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) { c.session.HandshakeTimeout = d }
}

// WithPingInterval overwrites session.DefaultPingInterval.
func WithPingInterval(d time.Duration) Option {
	return func(c *config) { c.session.PingInterval = d }
}
