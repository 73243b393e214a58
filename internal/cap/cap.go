// Package cap implements Capone's hash-chain capability delegation:
// unforgeable, transferable tokens granting a subset of rights over a
// session, verifiable by recomputing the chain's hash without any
// server-side bookkeeping beyond the root secret. Ported field-for-field
// from the original C implementation's lib/caps.c (hash(), cpn_cap_create_ref,
// cpn_caps_verify, cpn_cap_to_string/cpn_cap_from_string), restated in the
// teacher's Go idiom: exported errors, fmt.Errorf wrapping, hex string
// helpers matching internal/identity's ParseAgentID/String conventions.
package cap

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/capone-project/cpn/internal/identity"
	"github.com/capone-project/cpn/internal/wire"
)

// SecretLen is the size in bytes of a capability's secret.
const SecretLen = 32

// Rights is a bitmask over the rights a capability chain entry grants.
type Rights uint32

const (
	RightExec Rights = 1 << iota
	RightTerm

	allRights = RightExec | RightTerm
)

// String renders r using the same letters as the text capability form:
// "x", "t", or "xt".
func (r Rights) String() string {
	var b strings.Builder
	if r&RightExec != 0 {
		b.WriteByte('x')
	}
	if r&RightTerm != 0 {
		b.WriteByte('t')
	}
	return b.String()
}

var (
	ErrEmptyChain          = errors.New("cap: reference capability has an empty chain")
	ErrRightsEscalation    = errors.New("cap: rights are not a subset of the parent's rights")
	ErrUnknownRightBit     = errors.New("cap: unknown right bit set")
	ErrZeroRights          = errors.New("cap: chain entry has zero rights")
	ErrPresenterMismatch   = errors.New("cap: presenter does not match the chain's last entry")
	ErrVerificationFailed  = errors.New("cap: verification failed")
	ErrMalformedCapability = errors.New("cap: malformed capability string")
)

// ChainEntry is one delegation link: the principal it was granted to, and
// the rights it carries. Invariant: rights at position i are a subset of
// rights at position i-1 (or of {EXEC,TERM} at position 0).
type ChainEntry struct {
	Principal identity.PublicKey
	Rights    Rights
}

// Capability is a pair (secret, chain). An empty chain marks a root
// capability: it never leaves the server and cannot be presented for
// authorization.
type Capability struct {
	Secret [SecretLen]byte
	Chain  []ChainEntry
}

// IsRoot reports whether cap has an empty chain.
func (c *Capability) IsRoot() bool {
	return len(c.Chain) == 0
}

// CreateRoot draws a fresh random secret and returns a root capability
// (empty chain).
func CreateRoot() (*Capability, error) {
	var secret [SecretLen]byte
	if err := identity.RandomBytes(secret[:]); err != nil {
		return nil, fmt.Errorf("cap: generate root secret: %w", err)
	}
	return &Capability{Secret: secret}, nil
}

// hash computes H(principal || htonl(rights) || parentSecret) using an
// unkeyed BLAKE2b-256 — the Go analogue of libsodium's
// crypto_generichash used unkeyed in the original lib/caps.c.
func hash(principal identity.PublicKey, rights Rights, parentSecret [SecretLen]byte) ([SecretLen]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return [SecretLen]byte{}, fmt.Errorf("cap: init blake2b: %w", err)
	}

	h.Write(principal[:])

	var rightsBE [4]byte
	rightsBE[0] = byte(rights >> 24)
	rightsBE[1] = byte(rights >> 16)
	rightsBE[2] = byte(rights >> 8)
	rightsBE[3] = byte(rights)
	h.Write(rightsBE[:])

	h.Write(parentSecret[:])

	var out [SecretLen]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// CreateRef delegates a new reference capability from parent, granting
// rights to principal. If parent's chain is nonempty, rights must be a
// subset of the parent chain's last entry's rights.
func CreateRef(parent *Capability, rights Rights, principal identity.PublicKey) (*Capability, error) {
	if rights == 0 {
		return nil, ErrZeroRights
	}
	if rights&^allRights != 0 {
		return nil, ErrUnknownRightBit
	}

	if len(parent.Chain) > 0 {
		last := parent.Chain[len(parent.Chain)-1].Rights
		if rights&^last != 0 {
			return nil, ErrRightsEscalation
		}
	}

	secret, err := hash(principal, rights, parent.Secret)
	if err != nil {
		return nil, err
	}

	chain := make([]ChainEntry, len(parent.Chain)+1)
	copy(chain, parent.Chain)
	chain[len(chain)-1] = ChainEntry{Principal: principal, Rights: rights}

	return &Capability{Secret: secret, Chain: chain}, nil
}

// Verify checks that ref is a valid delegation of root, presented by
// presenter, carrying at least requiredRight.
func Verify(ref, root *Capability, presenter identity.PublicKey, requiredRight Rights) error {
	if len(ref.Chain) == 0 {
		return ErrEmptyChain
	}

	last := ref.Chain[len(ref.Chain)-1]
	if last.Principal != presenter {
		return ErrPresenterMismatch
	}
	if last.Rights&requiredRight == 0 {
		return fmt.Errorf("%w: required right not present in last chain entry", ErrVerificationFailed)
	}

	secret := root.Secret
	allowed := allRights

	for i, entry := range ref.Chain {
		if entry.Rights&^allowed != 0 {
			return fmt.Errorf("%w: chain[%d] escalates rights", ErrVerificationFailed, i)
		}

		next, err := hash(entry.Principal, entry.Rights, secret)
		if err != nil {
			return err
		}
		secret = next
		allowed = entry.Rights
	}

	if requiredRight&^allowed != 0 {
		return fmt.Errorf("%w: required right not held at end of chain", ErrVerificationFailed)
	}
	if secret != ref.Secret {
		return fmt.Errorf("%w: secret mismatch", ErrVerificationFailed)
	}

	return nil
}

// String renders cap in the text form
// hex(secret)["|"hex(principal)":"rights_letters]*.
func (c *Capability) String() string {
	var b strings.Builder
	b.WriteString(hex.EncodeToString(c.Secret[:]))
	for _, entry := range c.Chain {
		b.WriteByte('|')
		b.WriteString(entry.Principal.String())
		b.WriteByte(':')
		b.WriteString(entry.Rights.String())
	}
	return b.String()
}

// Parse reverses String, re-validating the descending-rights invariant.
// Zero-rights entries and unknown letters are rejected.
func Parse(s string) (*Capability, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "|")

	secretHex := parts[0]
	if len(secretHex) != SecretLen*2 {
		return nil, fmt.Errorf("%w: secret must be %d hex chars, got %d", ErrMalformedCapability, SecretLen*2, len(secretHex))
	}
	secretBytes, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex secret: %v", ErrMalformedCapability, err)
	}

	c := &Capability{}
	copy(c.Secret[:], secretBytes)

	allowed := allRights
	for _, part := range parts[1:] {
		idx := strings.LastIndex(part, ":")
		if idx < 0 {
			return nil, fmt.Errorf("%w: chain entry missing rights", ErrMalformedCapability)
		}

		principal, err := identity.ParsePublicKey(part[:idx])
		if err != nil {
			return nil, fmt.Errorf("%w: chain entry identity: %v", ErrMalformedCapability, err)
		}

		rights, err := parseRights(part[idx+1:])
		if err != nil {
			return nil, err
		}
		if rights == 0 {
			return nil, fmt.Errorf("%w: chain entry has zero rights", ErrMalformedCapability)
		}
		if rights&^allowed != 0 {
			return nil, fmt.Errorf("%w: chain entry escalates rights", ErrMalformedCapability)
		}

		c.Chain = append(c.Chain, ChainEntry{Principal: principal, Rights: rights})
		allowed = rights
	}

	return c, nil
}

func parseRights(s string) (Rights, error) {
	var r Rights
	for _, ch := range s {
		switch ch {
		case 'x':
			r |= RightExec
		case 't':
			r |= RightTerm
		default:
			return 0, fmt.Errorf("%w: unknown rights letter %q", ErrMalformedCapability, ch)
		}
	}
	return r, nil
}

// ToWire converts cap to its wire form.
func (c *Capability) ToWire() wire.CapabilityMessage {
	msg := wire.CapabilityMessage{Secret: c.Secret}
	msg.Chain = make([]wire.ChainEntry, len(c.Chain))
	for i, entry := range c.Chain {
		msg.Chain[i] = wire.ChainEntry{Identity: entry.Principal, Rights: uint32(entry.Rights)}
	}
	return msg
}

// FromWire converts a wire-form capability message back into a
// Capability. No hashing or validation occurs here — callers must still
// run Verify before trusting the result.
func FromWire(msg wire.CapabilityMessage) *Capability {
	c := &Capability{Secret: msg.Secret}
	c.Chain = make([]ChainEntry, len(msg.Chain))
	for i, entry := range msg.Chain {
		c.Chain[i] = ChainEntry{Principal: entry.Identity, Rights: Rights(entry.Rights)}
	}
	return c
}
