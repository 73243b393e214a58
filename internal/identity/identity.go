// Package identity provides long-term Ed25519 signing identities for
// principals (clients, servers, and delegation targets) in the capability
// protocol.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// PublicKeySize is the size of an Ed25519 public signing key in bytes.
	PublicKeySize = ed25519.PublicKeySize

	// PrivateKeySize is the size of an Ed25519 private signing key in bytes
	// (32-byte seed concatenated with the 32-byte public key, per Go's
	// crypto/ed25519 convention).
	PrivateKeySize = ed25519.PrivateKeySize

	// SignatureSize is the size of an Ed25519 signature in bytes.
	SignatureSize = ed25519.SignatureSize

	publicKeyFileName  = "cpn.pub"
	privateKeyFileName = "cpn.key"
)

var (
	// ErrInvalidKeyLength is returned when key bytes are the wrong length.
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrInvalidHexString is returned when a hex string is malformed.
	ErrInvalidHexString = errors.New("invalid hex string for signing key")

	// ZeroPublicKey represents an unset public key.
	ZeroPublicKey = PublicKey{}
)

// PublicKey is a principal's long-term Ed25519 verification key. Principals
// are named by this key throughout the protocol (ACL entries, capability
// chain entries, session creators).
type PublicKey [PublicKeySize]byte

// KeyPair holds a principal's long-term Ed25519 signing keypair: the
// public verification key and its paired secret signing key. Long-term,
// loaded once from configuration at startup, used only during the
// handshake.
type KeyPair struct {
	Public  PublicKey
	Private [PrivateKeySize]byte
}

// Generate creates a new random signing keypair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing keypair: %w", err)
	}

	kp := &KeyPair{}
	copy(kp.Public[:], pub)
	copy(kp.Private[:], priv)
	return kp, nil
}

// FromSeed derives a signing keypair deterministically from a 32-byte seed.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidKeyLength, ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	kp := &KeyPair{}
	copy(kp.Private[:], priv)
	copy(kp.Public[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// Sign signs message with the keypair's private key.
func (kp *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(kp.Private[:]), message)
}

// Verify checks whether signature is a valid Ed25519 signature over message
// under pub.
func Verify(pub PublicKey, message, signature []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), message, signature)
}

// ParsePublicKey parses a hex-encoded public key, tolerating surrounding
// whitespace and an optional "0x" prefix.
func ParsePublicKey(s string) (PublicKey, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != PublicKeySize*2 {
		return ZeroPublicKey, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidHexString, len(s), PublicKeySize*2)
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return ZeroPublicKey, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}

	var pk PublicKey
	copy(pk[:], raw)
	return pk, nil
}

// PublicKeyFromBytes builds a PublicKey from a byte slice of the correct length.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != PublicKeySize {
		return ZeroPublicKey, fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidKeyLength, len(b), PublicKeySize)
	}
	var pk PublicKey
	copy(pk[:], b)
	return pk, nil
}

// String returns the hex representation of the public key.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// ShortString returns the first 8 hex characters, for log lines.
func (pk PublicKey) ShortString() string {
	return hex.EncodeToString(pk[:4])
}

// Bytes returns the public key as a byte slice.
func (pk PublicKey) Bytes() []byte {
	return pk[:]
}

// IsZero reports whether pk is unset.
func (pk PublicKey) IsZero() bool {
	return pk == ZeroPublicKey
}

// Equal reports whether two public keys are identical.
func (pk PublicKey) Equal(other PublicKey) bool {
	return pk == other
}

// MarshalText implements encoding.TextMarshaler.
func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// Store persists the keypair to dataDir as two hex-encoded files: a
// world-readable public key and an owner-only private key. Refuses to
// persist a zero keypair.
func (kp *KeyPair) Store(dataDir string) error {
	if kp.Public.IsZero() {
		return errors.New("refusing to store zero-value keypair")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	pubPath := filepath.Join(dataDir, publicKeyFileName)
	if err := writeAtomic(pubPath, []byte(kp.Public.String()+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to persist public key: %w", err)
	}

	privPath := filepath.Join(dataDir, privateKeyFileName)
	if err := writeAtomic(privPath, []byte(hex.EncodeToString(kp.Private[:])+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to persist private key: %w", err)
	}

	return nil
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}

// Load reads a signing keypair previously written by Store. The public
// key is derived from the private key; if a public key file is present
// and names a different key, Load fails.
func Load(dataDir string) (*KeyPair, error) {
	privPath := filepath.Join(dataDir, privateKeyFileName)
	data, err := os.ReadFile(privPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("signing key not found at %s", privPath)
		}
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(raw) != PrivateKeySize {
		return nil, fmt.Errorf("%w: malformed private key file", ErrInvalidHexString)
	}

	kp := &KeyPair{}
	copy(kp.Private[:], raw)
	pub := ed25519.PrivateKey(kp.Private[:]).Public().(ed25519.PublicKey)
	copy(kp.Public[:], pub)

	pubPath := filepath.Join(dataDir, publicKeyFileName)
	if pubData, err := os.ReadFile(pubPath); err == nil {
		stored, err := ParsePublicKey(string(pubData))
		if err != nil || stored != kp.Public {
			return nil, fmt.Errorf("public key file %s does not match the private key", pubPath)
		}
	}

	return kp, nil
}

// LoadOrCreate loads an existing keypair from dataDir, or generates and
// persists a new one if none exists.
func LoadOrCreate(dataDir string) (*KeyPair, bool, error) {
	kp, err := Load(dataDir)
	if err == nil {
		return kp, false, nil
	}
	if !strings.Contains(err.Error(), "not found") {
		return nil, false, err
	}

	kp, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := kp.Store(dataDir); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// Exists reports whether a signing key is already stored in dataDir.
func Exists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, privateKeyFileName))
	return err == nil
}

// Zero overwrites the private key bytes in place.
func (kp *KeyPair) Zero() {
	for i := range kp.Private {
		kp.Private[i] = 0
	}
}

// RandomBytes fills b with cryptographically secure random bytes.
func RandomBytes(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}
