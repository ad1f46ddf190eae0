package secure_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	. "github.com/AnotherlandServer/anotherland-sub012/internal/testsupport"
	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/protocol"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/secure"
)

func TestKeyExchange(t *testing.T) {
	priv, err := secure.GenerateKey(0)
	if err != nil {
		t.Fatal(err)
	}
	cookie, err := secure.NewCookie()
	if err != nil {
		t.Fatal(err)
	}
	resp := secure.Response(cookie, &priv.PublicKey)
	if len(resp.Modulus) != secure.DefaultKeyBits/8 {
		t.Fatal("bad modulus length", ExpectedActual(secure.DefaultKeyBits/8, len(resp.Modulus)))
	}

	// round trip the response through its wire form like a client would
	var parsed protocol.SecuredConnectionResponse
	if err := parsed.UnmarshalBinary(resp.Append(nil)); err != nil {
		t.Fatal(err)
	}
	pub, err := secure.PublicKey(parsed)
	if err != nil {
		t.Fatal(err)
	}
	if !pub.Equal(&priv.PublicKey) {
		t.Fatal("rebuilt key differs")
	}

	key, err := secure.NewSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	block, err := secure.EncryptSessionKey(pub, key)
	if err != nil {
		t.Fatal(err)
	}
	got, err := secure.DecryptSessionKey(priv, block)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, key) {
		t.Fatal("session key mismatch", ExpectedActual(key, got))
	}

	block[len(block)/2] ^= 0xFF
	if _, err := secure.DecryptSessionKey(priv, block); !errors.Is(err, raknet.ErrDecryptionFailed) {
		t.Fatal("tampered block accepted", err)
	}
}

func TestPublicKey_Rejects(t *testing.T) {
	good := make([]byte, 128)
	good[0] = 0xC3
	tests := []struct {
		name string
		resp protocol.SecuredConnectionResponse
		want error
	}{
		{"short modulus", protocol.SecuredConnectionResponse{Exponent: 65537, Modulus: good[:32]}, secure.ErrBadModulus},
		{"leading zero", protocol.SecuredConnectionResponse{Exponent: 65537, Modulus: make([]byte, 128)}, secure.ErrBadModulus},
		{"even exponent", protocol.SecuredConnectionResponse{Exponent: 65536, Modulus: good}, secure.ErrBadExponent},
		{"tiny exponent", protocol.SecuredConnectionResponse{Exponent: 1, Modulus: good}, secure.ErrBadExponent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := secure.PublicKey(tt.resp)
			if !errors.Is(err, raknet.ErrHandshakeFailed) || !errors.Is(err, tt.want) {
				t.Fatal("bad error", ExpectedActual(tt.want, err))
			}
		})
	}
}

func TestCookieEqual(t *testing.T) {
	a, _ := secure.NewCookie()
	b := a
	if !secure.CookieEqual(a, b) {
		t.Fatal("identical cookies unequal")
	}
	b[7] ^= 1
	if secure.CookieEqual(a, b) {
		t.Fatal("tampered cookie equal")
	}
}

func TestCipher(t *testing.T) {
	key, _ := secure.NewSessionKey()
	c, err := secure.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	msg := UserPayload(0x90)
	sealed, err := c.Seal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(sealed) != len(msg)+c.Overhead() || sealed[0] != msg[0] {
		t.Fatal("bad sealed layout")
	}
	if bytes.Contains(sealed, msg[1:]) {
		t.Fatal("payload left in the clear")
	}
	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, msg) {
		t.Fatal("open did not reverse seal", ExpectedActual(msg, opened))
	}
	if _, err := c.Open(sealed[:4]); !errors.Is(err, raknet.ErrDecryptionFailed) {
		t.Fatal("short payload opened", err)
	}
}

func TestPrivateKeyFile(t *testing.T) {
	priv, err := secure.GenerateKey(0)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "listener.pem")
	if err := secure.SavePrivateKey(path, priv); err != nil {
		t.Fatal(err)
	}
	loaded, err := secure.LoadPrivateKey(path)
	if err != nil {
		t.Fatal(err)
	} else if !loaded.Equal(priv) {
		t.Fatal("loaded key differs from the saved one")
	}

	if _, err := secure.DecodePrivateKey([]byte("not a pem file")); !errors.Is(err, secure.ErrBadPEM) {
		t.Fatal(ExpectedActual(secure.ErrBadPEM, err))
	}
}
