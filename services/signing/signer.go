// Package signing adapts the external signing service. Signatures cover the
// canonical serialization of (descriptor, governance decision); verification
// is a pure function of (bytes, signature, identity) so any holder of the
// audit trail can check it offline.
package signing

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	envSecretKey = "UPD_SIGNING_SECRET_KEY"
	envPublicKey = "UPD_SIGNING_PUBLIC_KEY"
)

// Signer is the signing contract the pipeline depends on. Identity is an
// opaque reference to the signing key, here the base64 Ed25519 public key.
type Signer interface {
	Sign(payload []byte) (signature, identity string, err error)
}

// Verify checks a base64 signature against payload using the identity
// produced at signing time. It holds no state and trusts no runtime.
func Verify(payload []byte, signature, identity string) error {
	sigBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sigBytes))
	}

	keyBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(identity))
	if err != nil {
		return fmt.Errorf("decode identity: %w", err)
	}
	if l := len(keyBytes); l != ed25519.PublicKeySize {
		return fmt.Errorf("identity must decode to %d bytes, got %d", ed25519.PublicKeySize, l)
	}

	if !ed25519.Verify(ed25519.PublicKey(keyBytes), payload, sigBytes) {
		return errors.New("signature verification failed")
	}
	return nil
}

// KeySigner signs with an age-derived Ed25519 key pair.
type KeySigner struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// NewSignerFromEnv initialises a KeySigner from UPD_SIGNING_SECRET_KEY (an
// age secret key whose seed derives the Ed25519 pair) and, optionally,
// UPD_SIGNING_PUBLIC_KEY as a cross-check.
func NewSignerFromEnv() (*KeySigner, error) {
	secret := strings.TrimSpace(os.Getenv(envSecretKey))
	pub := strings.TrimSpace(os.Getenv(envPublicKey))

	if secret == "" {
		return nil, fmt.Errorf("%s must be set", envSecretKey)
	}

	signer, err := NewSignerFromSecretKey(secret)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", envSecretKey, err)
	}

	if pub != "" {
		decoded, err := base64.StdEncoding.DecodeString(pub)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", envPublicKey, err)
		}
		if !bytes.Equal(signer.publicKey, decoded) {
			return nil, fmt.Errorf("%s does not match %s", envPublicKey, envSecretKey)
		}
	}

	return signer, nil
}

// NewSignerFromSecretKey builds a KeySigner from an age secret key string,
// deriving the Ed25519 pair from its seed.
func NewSignerFromSecretKey(secret string) (*KeySigner, error) {
	seed, err := decodeAgeSecretKey(strings.TrimSpace(secret))
	if err != nil {
		return nil, err
	}
	signer := NewSignerFromSeed(seed)

	if identity, err := age.ParseX25519Identity(strings.TrimSpace(secret)); err == nil {
		if r := identity.Recipient(); r != nil {
			signer.recipient = r.String()
		}
	}
	return signer, nil
}

// NewSignerFromSeed builds a KeySigner from an Ed25519 seed.
func NewSignerFromSeed(seed []byte) *KeySigner {
	privateKey := ed25519.NewKeyFromSeed(seed)
	return &KeySigner{
		privateKey: privateKey,
		publicKey:  ed25519.PublicKey(privateKey[ed25519.SeedSize:]),
	}
}

// Sign produces a base64 Ed25519 signature and the signer's identity.
func (s *KeySigner) Sign(payload []byte) (string, string, error) {
	if s == nil {
		return "", "", errors.New("nil signer")
	}
	if len(s.privateKey) == 0 {
		return "", "", errors.New("signer configured without private key")
	}
	sig := ed25519.Sign(s.privateKey, payload)
	return base64.StdEncoding.EncodeToString(sig), s.Identity(), nil
}

// Identity returns the base64 Ed25519 public key.
func (s *KeySigner) Identity() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Recipient returns the age recipient string when the signer was initialised
// from an age secret key.
func (s *KeySigner) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
