// Package acl implements the wildcard-capable (pubkey, rights) -> bool
// gate that guards QUERY and REQUEST. Grounded on the teacher's
// internal/rpc Executor.IsCommandAllowed whitelist-check pattern (linear
// scan plus a "*" special case), generalized from command-name strings
// to signing public keys.
package acl

import "github.com/capone-project/cpn/internal/identity"

// Right is a bitmask of the rights an ACL entry grants its key. It
// reuses the same two bits as package cap's Rights so config parsing and
// logging can share vocabulary, but is kept as its own type since an ACL
// entry's "right" is "may invoke this command at all", not a capability
// chain link.
type Right uint32

const (
	RightExec Right = 1 << iota
	RightTerm
)

// entry is one (key, rights) pair. A zero Key acts as the wildcard.
type entry struct {
	Key    identity.PublicKey
	Rights Right
}

// ACL is an ordered set of principal/rights pairs with an optional
// wildcard (zero-key) entry. Loaded once at startup; read-only
// thereafter, so no synchronization is needed for Allowed lookups.
type ACL struct {
	entries []entry
}

// New returns an empty ACL (denies everyone).
func New() *ACL {
	return &ACL{}
}

// Add grants rights to key. Passing the zero PublicKey installs a
// wildcard entry matching any principal.
func (a *ACL) Add(key identity.PublicKey, rights Right) {
	a.entries = append(a.entries, entry{Key: key, Rights: rights})
}

// Allowed reports whether key holds required among its granted rights,
// either via an exact match or the wildcard entry.
func (a *ACL) Allowed(key identity.PublicKey, required Right) bool {
	for _, e := range a.entries {
		if e.Key.IsZero() || e.Key == key {
			if e.Rights&required != 0 {
				return true
			}
		}
	}
	return false
}

// Len reports the number of entries (wildcard included), for tests and
// diagnostics.
func (a *ACL) Len() int {
	return len(a.entries)
}
