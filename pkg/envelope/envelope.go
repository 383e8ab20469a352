// Package envelope encrypts chat payloads with a per-group symmetric key.
//
// A bundle is base64(nonce || ciphertext || tag). Keys are exported as a
// JWK-style JSON object so any AEAD implementation can re-import them.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AlgAESGCM is the default algorithm.
	AlgAESGCM = "A256GCM"
	// AlgChaCha20Poly1305 uses the same key and nonce sizes.
	AlgChaCha20Poly1305 = "C20P"

	KeySize   = 32
	NonceSize = 12
)

var (
	ErrInvalidKey        = errors.New("envelope: invalid key")
	ErrDecryptionFailure = errors.New("envelope: decryption failed")
)

// Key is immutable once created.
type Key struct {
	alg  string
	raw  []byte
	aead cipher.AEAD
}

// GenerateKey returns a fresh AES-256-GCM key.
func GenerateKey() (*Key, error) {
	return GenerateKeyFor(AlgAESGCM)
}

func GenerateKeyFor(alg string) (*Key, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("envelope: read random key: %w", err)
	}
	return newKey(alg, raw)
}

func newKey(alg string, raw []byte) (*Key, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(raw))
	}

	var (
		aead cipher.AEAD
		err  error
	)
	switch alg {
	case AlgAESGCM:
		var block cipher.Block
		if block, err = aes.NewCipher(raw); err == nil {
			aead, err = cipher.NewGCM(block)
		}
	case AlgChaCha20Poly1305:
		aead, err = chacha20poly1305.New(raw)
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidKey, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Key{alg: alg, raw: append([]byte(nil), raw...), aead: aead}, nil
}

func (k *Key) Algorithm() string {
	return k.alg
}

// Equal compares key material in constant time.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.alg == other.alg && subtle.ConstantTimeCompare(k.raw, other.raw) == 1
}

// String never prints key material.
func (k *Key) String() string {
	return "envelope.Key(" + k.alg + ")"
}

type jwk struct {
	Kty    string   `json:"kty"`
	K      string   `json:"k"`
	Alg    string   `json:"alg"`
	Ext    bool     `json:"ext"`
	KeyOps []string `json:"key_ops,omitempty"`
}

// Export serializes the key for the invitation link.
func Export(k *Key) (string, error) {
	if k == nil {
		return "", ErrInvalidKey
	}
	data, err := json.Marshal(jwk{
		Kty:    "oct",
		K:      base64.RawURLEncoding.EncodeToString(k.raw),
		Alg:    k.alg,
		Ext:    true,
		KeyOps: []string{"encrypt", "decrypt"},
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Import rejects anything that is not a 256-bit oct key for a known algorithm.
func Import(exported string) (*Key, error) {
	var j jwk
	if err := json.Unmarshal([]byte(exported), &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if j.Kty != "oct" {
		return nil, fmt.Errorf("%w: kty %q", ErrInvalidKey, j.Kty)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(j.K, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: key material: %v", ErrInvalidKey, err)
	}
	return newKey(j.Alg, raw)
}

// Encrypt draws a fresh nonce on every call.
func Encrypt(plaintext string, k *Key) (string, error) {
	if k == nil {
		return "", ErrInvalidKey
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+k.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return "", fmt.Errorf("envelope: read nonce: %w", err)
	}
	out = k.aead.Seal(out, out[:NonceSize], []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt fails with ErrDecryptionFailure on a corrupt, truncated or foreign bundle.
func Decrypt(bundle string, k *Key) (string, error) {
	if k == nil {
		return "", ErrInvalidKey
	}
	data, err := base64.StdEncoding.DecodeString(bundle)
	if err != nil {
		return "", fmt.Errorf("%w: bad encoding", ErrDecryptionFailure)
	}
	if len(data) < NonceSize+k.aead.Overhead() {
		return "", fmt.Errorf("%w: bundle too short", ErrDecryptionFailure)
	}
	plain, err := k.aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailure
	}
	return string(plain), nil
}
