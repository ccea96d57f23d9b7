// Package crypto provides the Ed25519 signing primitive and the signed
// token envelope shared by every federation service.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

// b64 is the unpadded, URL-safe encoding used for all key and signature
// material on the wire and on disk.
var b64 = base64.RawURLEncoding

// KeyPair wraps an Ed25519 private key together with its public half.
type KeyPair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// PublicKey wraps an Ed25519 verifying key.
type PublicKey struct {
	key ed25519.PublicKey
}

// GenerateKeyPair creates a fresh random Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key pair: %w", err)
	}
	return &KeyPair{priv: priv, pub: pub}, nil
}

// KeyPairFromSeed reconstructs a KeyPair from a 32-byte Ed25519 seed, the
// on-disk format of a service's `.privkey` file (spec §6 File layout).
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Seed returns the 32-byte seed suitable for persisting as `.privkey`.
func (k *KeyPair) Seed() []byte {
	return k.priv.Seed()
}

// LoadOrGenerateKeyFile reads a 32-byte seed from path, generating and
// writing a fresh one (mode 0600) if the file is absent (spec §6 File
// layout: ".privkey (32-byte ed25519 secret; generated on first start if
// absent)").
func LoadOrGenerateKeyFile(path string) (*KeyPair, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		return KeyPairFromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("crypto: read key file %s: %w", path, err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, kp.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("crypto: write key file %s: %w", path, err)
	}
	return kp, nil
}

// PrivateKey exposes the raw Ed25519 private key, required by the JWT
// EdDSA signing method.
func (k *KeyPair) PrivateKey() ed25519.PrivateKey {
	return k.priv
}

// Public returns the verifying half of the pair.
func (k *KeyPair) Public() *PublicKey {
	return &PublicKey{key: k.pub}
}

// Sign produces a 64-byte Ed25519 signature over data.
func (k *KeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(k.priv, data)
}

// Base64 returns the unpadded base64 encoding of the public key, the wire
// format for Account.public_key and Endpoint issuer blocks (spec §3).
func (p *PublicKey) Base64() string {
	return b64.EncodeToString(p.key)
}

// Bytes returns the raw 32-byte Ed25519 public key.
func (p *PublicKey) Bytes() ed25519.PublicKey {
	return p.key
}

// Equal reports whether two public keys are byte-identical. Used for
// key-pinning during enrollment (spec §4.4).
func (p *PublicKey) Equal(other *PublicKey) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.key.Equal(other.key)
}

// ParsePublicKey decodes a base64-encoded 32-byte Ed25519 public key.
func ParsePublicKey(encoded string) (*PublicKey, error) {
	raw, err := b64.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("crypto: malformed public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("crypto: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &PublicKey{key: ed25519.PublicKey(raw)}, nil
}

// Verify performs strict Ed25519 verification: non-canonical signature
// encodings and wrong-length inputs are rejected rather than silently
// treated as invalid-but-parseable.
func (p *PublicKey) Verify(data, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(p.key, data, signature)
}
