package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateEphemeralKeypair(t *testing.T) {
	priv1, pub1, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() error = %v", err)
	}

	var zeroKey [KeySize]byte
	if priv1 == zeroKey {
		t.Error("private key is zero")
	}
	if pub1 == zeroKey {
		t.Error("public key is zero")
	}

	priv2, pub2, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() second call error = %v", err)
	}

	if priv1 == priv2 {
		t.Error("two generated private keys are identical")
	}
	if pub1 == pub2 {
		t.Error("two generated public keys are identical")
	}
}

func TestComputeECDH(t *testing.T) {
	privA, pubA, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() error = %v", err)
	}
	privB, pubB, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() error = %v", err)
	}

	secretAB, err := ComputeECDH(privA, pubB)
	if err != nil {
		t.Fatalf("ComputeECDH(A,B) error = %v", err)
	}
	secretBA, err := ComputeECDH(privB, pubA)
	if err != nil {
		t.Fatalf("ComputeECDH(B,A) error = %v", err)
	}

	if secretAB != secretBA {
		t.Error("ECDH shared secrets do not match between peers")
	}

	var zero [KeySize]byte
	if _, err := ComputeECDH(privA, zero); err == nil {
		t.Error("ComputeECDH() should reject an all-zero remote public key")
	}
}

// TestDeriveSessionKey_Convergence is the critical cross-side check: both
// peers must derive an identical symmetric key despite hashing the two
// public keys in opposite order.
func TestDeriveSessionKey_Convergence(t *testing.T) {
	privA, pubA, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() error = %v", err)
	}
	privB, pubB, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() error = %v", err)
	}

	secretA, err := ComputeECDH(privA, pubB)
	if err != nil {
		t.Fatalf("ComputeECDH() error = %v", err)
	}
	secretB, err := ComputeECDH(privB, pubA)
	if err != nil {
		t.Fatalf("ComputeECDH() error = %v", err)
	}

	initiatorKey, err := DeriveSessionKey(secretA, pubA, pubB, true)
	if err != nil {
		t.Fatalf("DeriveSessionKey(initiator) error = %v", err)
	}
	responderKey, err := DeriveSessionKey(secretB, pubB, pubA, false)
	if err != nil {
		t.Fatalf("DeriveSessionKey(responder) error = %v", err)
	}

	if initiatorKey.key != responderKey.key {
		t.Fatal("initiator and responder derived different session keys")
	}
}

func TestDeriveSessionKey_OrderingMatters(t *testing.T) {
	var secret [KeySize]byte
	var pubA, pubB [KeySize]byte
	pubA[0] = 0x01
	pubB[0] = 0x02

	asInitiator, err := DeriveSessionKey(secret, pubA, pubB, true)
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}
	// Same arguments, isInitiator flipped without swapping local/remote,
	// must NOT converge — this documents why handshake.go always passes
	// (localPub, remotePub) and lets isInitiator pick the order.
	asResponderSameArgs, err := DeriveSessionKey(secret, pubA, pubB, false)
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}
	if asInitiator.key == asResponderSameArgs.key {
		t.Error("expected different keys when only isInitiator flips with unchanged public key args")
	}
}

func TestSessionKey_SealOpenRoundTrip(t *testing.T) {
	var secret [KeySize]byte
	var pubA, pubB [KeySize]byte
	pubA[0] = 0x01
	pubB[0] = 0x02

	initiator, err := DeriveSessionKey(secret, pubA, pubB, true)
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}
	responder, err := DeriveSessionKey(secret, pubB, pubA, false)
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}

	plaintext := []byte("hello from the initiator")
	sealed := initiator.Seal(plaintext)

	opened, err := responder.Open(sealed)
	if err != nil {
		t.Fatalf("responder.Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}
}

func TestSessionKey_Open_RejectsTamperedCiphertext(t *testing.T) {
	var secret [KeySize]byte
	var pubA, pubB [KeySize]byte
	pubA[0] = 0x01
	pubB[0] = 0x02

	initiator, _ := DeriveSessionKey(secret, pubA, pubB, true)
	responder, _ := DeriveSessionKey(secret, pubB, pubA, false)

	sealed := initiator.Seal([]byte("payload"))
	sealed[len(sealed)-1] ^= 0xFF

	if _, err := responder.Open(sealed); err == nil {
		t.Error("Open() should fail on tampered ciphertext")
	}
}

func TestSessionKey_MultipleBlocksInOrder(t *testing.T) {
	var secret [KeySize]byte
	var pubA, pubB [KeySize]byte
	pubA[0] = 0x01
	pubB[0] = 0x02

	initiator, _ := DeriveSessionKey(secret, pubA, pubB, true)
	responder, _ := DeriveSessionKey(secret, pubB, pubA, false)

	for i := 0; i < 5; i++ {
		plaintext := []byte{byte(i), byte(i + 1)}
		sealed := initiator.Seal(plaintext)
		opened, err := responder.Open(sealed)
		if err != nil {
			t.Fatalf("block %d: Open() error = %v", i, err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Errorf("block %d: Open() = %v, want %v", i, opened, plaintext)
		}
	}
}

func TestSessionKey_Zero(t *testing.T) {
	var secret [KeySize]byte
	var pubA, pubB [KeySize]byte
	sk, err := DeriveSessionKey(secret, pubA, pubB, true)
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}

	sk.Zero()

	var zero [KeySize]byte
	if sk.key != zero {
		t.Error("Zero() did not clear the key material")
	}
}

func TestZeroBytes(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	ZeroBytes(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("ZeroBytes() left nonzero byte at index %d", i)
		}
	}
}
