// Package secure holds the cryptographic pieces of the handshake: the listener's RSA key, handshake cookies, the session key exchange and the XTEA session cipher applied to application payloads.
//
// The handshake is lightweight by design of the wire protocol and should not be mistaken for a modern secure channel.
package secure

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"

	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/protocol"
	"golang.org/x/crypto/xtea"
)

const (
	// DefaultKeyBits is the modulus size of generated listener keys.
	DefaultKeyBits = 1024
	// SessionKeyLen is the length of the XTEA session key.
	SessionKeyLen = 16

	minModulusLen = 64
	maxModulusLen = 512
)

var (
	ErrBadModulus  = fmt.Errorf("modulus must be %d to %d bytes", minModulusLen, maxModulusLen)
	ErrBadExponent = errors.New("exponent must be odd and at least 3")
	ErrBadKeyBlock = errors.New("session key block did not decrypt to a session key")
)

// Cookie is the opaque value a server hands out in SecuredConnectionResponse and expects reflected.
type Cookie = [protocol.CookieLen]byte

// GenerateKey generates a listener key of the given size.
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// Response builds the SecuredConnectionResponse body advertising key.
func Response(cookie Cookie, key *rsa.PublicKey) protocol.SecuredConnectionResponse {
	return protocol.SecuredConnectionResponse{
		Cookie:   cookie,
		Exponent: uint32(key.E),
		Modulus:  key.N.Bytes(),
	}
}

// PublicKey rebuilds and validates the key advertised in a SecuredConnectionResponse.
// Errors wrap raknet.ErrHandshakeFailed.
func PublicKey(resp protocol.SecuredConnectionResponse) (*rsa.PublicKey, error) {
	if n := len(resp.Modulus); n < minModulusLen || n > maxModulusLen || resp.Modulus[0] == 0 {
		return nil, raknet.ErrHandshake(ErrBadModulus)
	}
	if resp.Exponent < 3 || resp.Exponent%2 == 0 {
		return nil, raknet.ErrHandshake(ErrBadExponent)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(resp.Modulus), E: int(resp.Exponent)}, nil
}

// NewCookie returns a random cookie.
func NewCookie() (c Cookie, err error) {
	_, err = rand.Read(c[:])
	return c, err
}

// CookieEqual compares cookies in constant time.
func CookieEqual(a, b Cookie) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// NewSessionKey returns a random session key.
func NewSessionKey() ([]byte, error) {
	k := make([]byte, SessionKeyLen)
	_, err := rand.Read(k)
	return k, err
}

// EncryptSessionKey encrypts key to the listener's public key.
func EncryptSessionKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	return rsa.EncryptPKCS1v15(rand.Reader, pub, key)
}

// DecryptSessionKey recovers a session key encrypted by EncryptSessionKey.
// Errors wrap raknet.ErrDecryptionFailed.
func DecryptSessionKey(priv *rsa.PrivateKey, block []byte) ([]byte, error) {
	key, err := rsa.DecryptPKCS1v15(nil, priv, block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", raknet.ErrDecryptionFailed, err)
	}
	if len(key) != SessionKeyLen {
		return nil, fmt.Errorf("%w: %w", raknet.ErrDecryptionFailed, ErrBadKeyBlock)
	}
	return key, nil
}

// A Cipher seals and opens application payloads with XTEA in counter mode.
// The first byte (the packet id) stays in the clear; an 8 byte random IV follows it.
// Safe for concurrent use.
type Cipher struct {
	block *xtea.Cipher
}

// NewCipher keys a Cipher with a session key.
func NewCipher(key []byte) (*Cipher, error) {
	block, err := xtea.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{block: block}, nil
}

// Overhead is the number of bytes Seal adds.
func (c *Cipher) Overhead() int { return xtea.BlockSize }

// Seal returns msg with everything past the first byte encrypted.
func (c *Cipher) Seal(msg []byte) ([]byte, error) {
	if len(msg) == 0 {
		return nil, protocol.ErrEmptyPayload
	}
	out := make([]byte, 1+xtea.BlockSize+len(msg)-1)
	out[0] = msg[0]
	iv := out[1 : 1+xtea.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	cipher.NewCTR(c.block, iv).XORKeyStream(out[1+xtea.BlockSize:], msg[1:])
	return out, nil
}

// Open reverses Seal.
// Errors wrap raknet.ErrDecryptionFailed.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < 1+xtea.BlockSize {
		return nil, fmt.Errorf("%w: sealed payload is %dB", raknet.ErrDecryptionFailed, len(sealed))
	}
	out := make([]byte, len(sealed)-xtea.BlockSize)
	out[0] = sealed[0]
	cipher.NewCTR(c.block, sealed[1:1+xtea.BlockSize]).XORKeyStream(out[1:], sealed[1+xtea.BlockSize:])
	return out, nil
}
