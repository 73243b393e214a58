// Package crypto provides the key agreement and symmetric encryption
// primitives used to protect a channel's block stream once a handshake has
// established a shared session key.
package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the size of X25519 keys and secretbox symmetric keys in bytes.
	KeySize = 32

	// NonceSize is the size of a secretbox nonce in bytes.
	NonceSize = 24

	// TagSize is the size of the Poly1305 authentication tag appended by
	// secretbox.
	TagSize = secretbox.Overhead

	// EncryptionOverhead is the number of bytes a sealed block grows by
	// relative to its plaintext: the Poly1305 tag. The nonce itself is
	// never transmitted — both sides derive it from a shared counter (see
	// SessionKey).
	EncryptionOverhead = TagSize
)

// GenerateEphemeralKeypair creates a new ephemeral X25519 keypair for use in
// a single handshake. The private scalar should be zeroed once the shared
// secret has been computed.
func GenerateEphemeralKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate ephemeral private key: %w", err)
	}

	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return privateKey, publicKey, nil
}

// ComputeECDH performs X25519 Diffie-Hellman and returns the shared secret.
// Returns an error if the remote key or the resulting point is the
// all-zero low-order point.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	var zero [KeySize]byte
	if remotePublicKey == zero {
		return sharedSecret, fmt.Errorf("invalid remote public key: zero key")
	}

	curve25519.ScalarMult(&sharedSecret, &privateKey, &remotePublicKey)

	if sharedSecret == zero {
		return sharedSecret, fmt.Errorf("invalid ECDH result: low-order point")
	}

	return sharedSecret, nil
}

// DeriveSessionKey derives the channel's symmetric key from an ECDH shared
// secret using BLAKE2b over shared||pk_a||pk_b, where pk_a and pk_b are
// ordered asymmetrically depending on role: the initiator hashes its own
// ephemeral public key first, the responder hashes the peer's first. Both
// sides must converge on identical key material from the same pair of
// public keys — this ordering is the detail that makes that true.
func DeriveSessionKey(sharedSecret [KeySize]byte, localPub, remotePub [KeySize]byte, isInitiator bool) (*SessionKey, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("init blake2b: %w", err)
	}

	h.Write(sharedSecret[:])
	if isInitiator {
		h.Write(localPub[:])
		h.Write(remotePub[:])
	} else {
		h.Write(remotePub[:])
		h.Write(localPub[:])
	}

	sk := &SessionKey{isInitiator: isInitiator}
	copy(sk.key[:], h.Sum(nil))

	return sk, nil
}

// SessionKey holds the symmetric key and per-direction nonce counters used
// to encrypt and decrypt a channel's blocks. Safe for concurrent use.
//
// Each direction's nonce is a monotonically increasing counter; the two
// directions share no state, so a channel's wire order is exactly the
// order in which blocks were sealed. The counter advances by 2 on every
// block; the direction byte that buildNonce puts first keeps the
// initiator's and responder's nonce spaces from colliding.
type SessionKey struct {
	key [KeySize]byte

	sendCounter uint64
	recvCounter uint64

	isInitiator bool

	mu sync.Mutex
}

// Seal encrypts plaintext for the next outbound block, returning the
// ciphertext with its Poly1305 tag appended. The nonce is never
// transmitted; it advances deterministically with every call.
func (s *SessionKey) Seal(plaintext []byte) []byte {
	s.mu.Lock()
	nonce := s.buildNonce(s.sendCounter, s.isInitiator)
	s.sendCounter += 2
	s.mu.Unlock()

	return secretbox.Seal(nil, plaintext, &nonce, &s.key)
}

// Open decrypts a block previously produced by the peer's Seal. Any
// failure here means the caller must treat the channel as poisoned — the
// nonce counter only ever advances, so out-of-order delivery is never
// recoverable.
func (s *SessionKey) Open(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	nonce := s.buildNonce(s.recvCounter, !s.isInitiator)
	s.mu.Unlock()

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &s.key)
	if !ok {
		return nil, fmt.Errorf("secretbox: authentication failed")
	}

	s.mu.Lock()
	s.recvCounter += 2
	s.mu.Unlock()

	return plaintext, nil
}

// buildNonce constructs the 24-byte nonce for a given counter value and
// direction. The leading byte carries the direction so the initiator's
// send space and the responder's send space never overlap even though
// both start counting from zero.
func (s *SessionKey) buildNonce(counter uint64, senderIsInitiator bool) [NonceSize]byte {
	var nonce [NonceSize]byte
	if senderIsInitiator {
		nonce[0] = 0x01
	} else {
		nonce[0] = 0x02
	}
	putUint64(nonce[NonceSize-8:], counter)
	return nonce
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// RawKey returns a copy of the derived symmetric key bytes, for callers
// that need to drive their own AEAD calls (e.g. a Channel tracking an
// explicit local/remote nonce pair rather than this type's internal
// direction-bit counters).
func (s *SessionKey) RawKey() [KeySize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Zero wipes the session key material. Call once the channel is closed.
func (s *SessionKey) Zero() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ZeroKey(&s.key)
}

// ZeroBytes overwrites b with zeroes. Use after copying ephemeral private
// key material out of a buffer.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey overwrites a fixed-size key array with zeroes.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
