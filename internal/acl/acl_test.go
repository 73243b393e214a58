package acl

import (
	"testing"

	"github.com/capone-project/cpn/internal/identity"
)

func key(b byte) identity.PublicKey {
	var k identity.PublicKey
	k[0] = b
	return k
}

func TestEmptyACLDeniesEveryone(t *testing.T) {
	a := New()
	if a.Allowed(key(0x01), RightExec) {
		t.Error("empty ACL should deny everyone")
	}
}

func TestExactMatchAllowed(t *testing.T) {
	a := New()
	k1 := key(0x01)
	a.Add(k1, RightExec)

	if !a.Allowed(k1, RightExec) {
		t.Error("k1 should be allowed EXEC")
	}
	if a.Allowed(k1, RightTerm) {
		t.Error("k1 should not be allowed TERM")
	}
	if a.Allowed(key(0x02), RightExec) {
		t.Error("unrelated key should be denied")
	}
}

func TestWildcardMatchesAnyKey(t *testing.T) {
	a := New()
	var wildcard identity.PublicKey
	a.Add(wildcard, RightExec)

	if !a.Allowed(key(0x01), RightExec) {
		t.Error("wildcard entry should allow any key")
	}
	if !a.Allowed(key(0xFF), RightExec) {
		t.Error("wildcard entry should allow any key")
	}
	if a.Allowed(key(0x01), RightTerm) {
		t.Error("wildcard entry granting EXEC should not imply TERM")
	}
}

func TestLen(t *testing.T) {
	a := New()
	a.Add(key(0x01), RightExec)
	a.Add(key(0x02), RightTerm)
	if a.Len() != 2 {
		t.Errorf("Len() = %d, want 2", a.Len())
	}
}
