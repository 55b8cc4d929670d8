package security

import (
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"agent-wallet/internal/core"
)

// LoadEd25519PrivateKey reads a private key from disk. Accepted formats, in
// order: PEM PKCS8, base64 of the 64-byte key, raw 64 bytes.
func LoadEd25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: ed25519 key path is required", core.ErrSigning)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read key: %v", core.ErrSigning, err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty ed25519 private key", core.ErrSigning)
	}
	if block, _ := pem.Decode(data); block != nil {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse pkcs8: %v", core.ErrSigning, err)
		}
		if k, ok := key.(ed25519.PrivateKey); ok {
			return k, nil
		}
		return nil, fmt.Errorf("%w: unsupported private key type", core.ErrSigning)
	}
	if raw, err := base64.StdEncoding.DecodeString(string(data)); err == nil {
		if len(raw) == ed25519.PrivateKeySize {
			return ed25519.PrivateKey(raw), nil
		}
	}
	if len(data) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(data), nil
	}
	return nil, fmt.Errorf("%w: unsupported ed25519 private key format", core.ErrSigning)
}
