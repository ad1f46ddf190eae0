package secure

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const pemType = "RSA PRIVATE KEY"

var ErrBadPEM = errors.New("no " + pemType + " block found")

// EncodePrivateKey returns key as a PKCS #1 PEM block.
func EncodePrivateKey(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

// DecodePrivateKey parses the first PKCS #1 PEM block in b.
func DecodePrivateKey(b []byte) (*rsa.PrivateKey, error) {
	for {
		var block *pem.Block
		if block, b = pem.Decode(b); block == nil {
			return nil, ErrBadPEM
		} else if block.Type == pemType {
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		}
	}
}

// LoadPrivateKey reads a key written by SavePrivateKey.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := DecodePrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// SavePrivateKey writes key to path, readable by the owner only.
func SavePrivateKey(path string, key *rsa.PrivateKey) error {
	return os.WriteFile(path, EncodePrivateKey(key), 0600)
}
