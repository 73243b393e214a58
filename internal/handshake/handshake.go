// Package handshake implements Capone's mutually-authenticated key
// agreement: each side proves ownership of a long-term Ed25519 signing
// identity by signing a freshly generated X25519 ephemeral public key,
// and both derive an identical symmetric key from the ephemeral ECDH
// exchange. Structurally grounded on the teacher's internal/peer
// Handshaker / dialerHandshake / listenerHandshake split (initiator
// sends first, responder replies, both paths return the same result
// type) but regenerated to exchange wire.SessionKeyMessage — cryptographic
// material — instead of the teacher's PeerHello, which carries capability
// strings.
package handshake

import (
	"context"
	"errors"
	"fmt"

	"github.com/capone-project/cpn/internal/channel"
	"github.com/capone-project/cpn/internal/crypto"
	"github.com/capone-project/cpn/internal/identity"
	"github.com/capone-project/cpn/internal/wire"
)

var (
	ErrPeerIdentityMismatch = errors.New("handshake: peer identity does not match expected key")
	ErrBadSignature         = errors.New("handshake: signature over ephemeral key did not verify")
	ErrMalformedHandshake   = errors.New("handshake: malformed message")
)

// maxSessionKeyMessageLen bounds the single fixed-size message exchanged
// in each direction.
const maxSessionKeyMessageLen = 4096

// Result is what a successful handshake hands back to its caller: the
// channel is already encrypted by the time this is returned.
type Result struct {
	// RemoteIdentity is the verified long-term signing public key of the
	// peer. For the initiator this always equals the expected key passed
	// in; for the responder it is learned from the handshake and access
	// control is the caller's job afterward.
	RemoteIdentity identity.PublicKey
}

// Perform runs the handshake over an already-connected, unencrypted
// channel. expectedPeer is nil for a responder (it learns the peer's
// identity instead of checking it) and must be set for an initiator.
func Perform(ctx context.Context, ch *channel.Channel, local *identity.KeyPair, expectedPeer *identity.PublicKey, role channel.Role) (*Result, error) {
	if role == channel.RoleClient {
		return performInitiator(ch, local, expectedPeer)
	}
	return performResponder(ch, local)
}

func buildMessage(local *identity.KeyPair, ephemeralPub [32]byte) *wire.SessionKeyMessage {
	sig := local.Sign(ephemeralPub[:])
	m := &wire.SessionKeyMessage{
		SignPublicKey:    local.Public,
		EncryptPublicKey: ephemeralPub,
	}
	copy(m.Signature[:], sig)
	return m
}

func verifyMessage(m *wire.SessionKeyMessage) error {
	if !identity.Verify(m.SignPublicKey, m.EncryptPublicKey[:], m.Signature[:]) {
		return ErrBadSignature
	}
	return nil
}

// performInitiator sends first: the client always dials knowing who it
// expects to reach.
func performInitiator(ch *channel.Channel, local *identity.KeyPair, expectedPeer *identity.PublicKey) (*Result, error) {
	if expectedPeer == nil {
		return nil, fmt.Errorf("%w: initiator requires an expected peer identity", ErrMalformedHandshake)
	}

	ephPriv, ephPub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("handshake: generate ephemeral keypair: %w", err)
	}
	defer crypto.ZeroBytes(ephPriv[:])

	ours := buildMessage(local, ephPub)
	if err := ch.WriteTyped(ours); err != nil {
		return nil, fmt.Errorf("handshake: send session key message: %w", err)
	}

	theirs, err := channel.ReadTyped(ch, maxSessionKeyMessageLen, wire.DecodeSessionKeyMessage)
	if err != nil {
		return nil, fmt.Errorf("handshake: receive session key message: %w", err)
	}

	if theirs.SignPublicKey != *expectedPeer {
		return nil, ErrPeerIdentityMismatch
	}
	if err := verifyMessage(theirs); err != nil {
		return nil, err
	}

	shared, err := crypto.ComputeECDH(ephPriv, theirs.EncryptPublicKey)
	if err != nil {
		return nil, fmt.Errorf("handshake: ECDH: %w", err)
	}

	sessionKey, err := crypto.DeriveSessionKey(shared, ephPub, theirs.EncryptPublicKey, true)
	if err != nil {
		return nil, fmt.Errorf("handshake: derive session key: %w", err)
	}
	defer sessionKey.Zero()

	ch.EnableEncryption(sessionKey.RawKey(), channel.RoleClient)

	return &Result{RemoteIdentity: theirs.SignPublicKey}, nil
}

// performResponder replies after receiving the initiator's message. It
// only verifies the signature; access control based on the learned
// identity is the caller's responsibility (ACL checks happen later, per
// command).
func performResponder(ch *channel.Channel, local *identity.KeyPair) (*Result, error) {
	theirs, err := channel.ReadTyped(ch, maxSessionKeyMessageLen, wire.DecodeSessionKeyMessage)
	if err != nil {
		return nil, fmt.Errorf("handshake: receive session key message: %w", err)
	}
	if err := verifyMessage(theirs); err != nil {
		return nil, err
	}

	ephPriv, ephPub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("handshake: generate ephemeral keypair: %w", err)
	}
	defer crypto.ZeroBytes(ephPriv[:])

	ours := buildMessage(local, ephPub)
	if err := ch.WriteTyped(ours); err != nil {
		return nil, fmt.Errorf("handshake: send session key message: %w", err)
	}

	shared, err := crypto.ComputeECDH(ephPriv, theirs.EncryptPublicKey)
	if err != nil {
		return nil, fmt.Errorf("handshake: ECDH: %w", err)
	}

	// Responder orders the hash input peer-ephemeral-first: the
	// asymmetry that makes both sides converge on the same key despite
	// hashing "their own" and "the peer's" ephemeral keys in opposite
	// roles. See crypto.DeriveSessionKey's isInitiator parameter.
	sessionKey, err := crypto.DeriveSessionKey(shared, ephPub, theirs.EncryptPublicKey, false)
	if err != nil {
		return nil, fmt.Errorf("handshake: derive session key: %w", err)
	}
	defer sessionKey.Zero()

	ch.EnableEncryption(sessionKey.RawKey(), channel.RoleServer)

	return &Result{RemoteIdentity: theirs.SignPublicKey}, nil
}
