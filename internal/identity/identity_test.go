package identity

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerate(t *testing.T) {
	kp1, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if kp1.Public.IsZero() {
		t.Error("Generate() returned zero public key")
	}

	kp2, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if kp1.Public.Equal(kp2.Public) {
		t.Error("Generate() returned duplicate keys")
	}
}

func TestFromSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, 32)

	kp1, err := FromSeed(seed)
	if err != nil {
		t.Fatalf("FromSeed() error = %v", err)
	}
	kp2, err := FromSeed(seed)
	if err != nil {
		t.Fatalf("FromSeed() error = %v", err)
	}

	if !kp1.Public.Equal(kp2.Public) {
		t.Error("FromSeed() is not deterministic")
	}

	if _, err := FromSeed(seed[:16]); err == nil {
		t.Error("FromSeed() should fail for a short seed")
	}
}

func TestSignVerify(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	msg := []byte("query service at tcp://localhost:4321")
	sig := kp.Sign(msg)

	if !Verify(kp.Public, msg, sig) {
		t.Error("Verify() = false for a valid signature")
	}
	if Verify(kp.Public, []byte("tampered message"), sig) {
		t.Error("Verify() = true for a tampered message")
	}

	other, _ := Generate()
	if Verify(other.Public, msg, sig) {
		t.Error("Verify() = true under the wrong public key")
	}
}

func TestPublicKey_String(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	s := kp.Public.String()
	if len(s) != 64 { // 32 bytes * 2 hex chars
		t.Errorf("String() length = %d, want 64", len(s))
	}
}

func TestPublicKey_ShortString(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	s := kp.Public.ShortString()
	if len(s) != 8 {
		t.Errorf("ShortString() length = %d, want 8", len(s))
	}

	full := kp.Public.String()
	if s != full[:8] {
		t.Errorf("ShortString() = %s, want prefix of %s", s, full)
	}
}

func TestParsePublicKey(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	valid := kp.Public.String()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid hex string", input: valid, wantErr: false},
		{name: "valid with 0x prefix", input: "0x" + valid, wantErr: false},
		{name: "valid with whitespace", input: "  " + valid + "  ", wantErr: false},
		{name: "too short", input: valid[:32], wantErr: true},
		{name: "too long", input: valid + "00", wantErr: true},
		{name: "invalid hex chars", input: "g" + valid[1:], wantErr: true},
		{name: "empty string", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pk, err := ParsePublicKey(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePublicKey() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && pk.IsZero() {
				t.Error("ParsePublicKey() returned zero key for valid input")
			}
		})
	}
}

func TestPublicKeyFromBytes(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr bool
	}{
		{name: "valid 32 bytes", input: make([]byte, 32), wantErr: false},
		{name: "too short", input: make([]byte, 31), wantErr: true},
		{name: "too long", input: make([]byte, 33), wantErr: true},
		{name: "empty", input: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PublicKeyFromBytes(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("PublicKeyFromBytes() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublicKey_Bytes(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	b := kp.Public.Bytes()
	if len(b) != PublicKeySize {
		t.Errorf("Bytes() length = %d, want %d", len(b), PublicKeySize)
	}

	pk2, err := PublicKeyFromBytes(b)
	if err != nil {
		t.Fatalf("PublicKeyFromBytes() error = %v", err)
	}
	if !kp.Public.Equal(pk2) {
		t.Error("Round-trip through Bytes() failed")
	}
}

func TestPublicKey_IsZero(t *testing.T) {
	var zero PublicKey
	if !zero.IsZero() {
		t.Error("IsZero() = false for zero key")
	}

	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if kp.Public.IsZero() {
		t.Error("IsZero() = true for non-zero key")
	}
}

func TestPublicKey_Equal(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	pk1, _ := ParsePublicKey(kp.Public.String())
	pk2, _ := ParsePublicKey(kp.Public.String())

	other, _ := Generate()

	if !pk1.Equal(pk2) {
		t.Error("Equal() = false for identical keys")
	}
	if pk1.Equal(other.Public) {
		t.Error("Equal() = true for different keys")
	}
}

func TestPublicKey_MarshalUnmarshalText(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	text, err := kp.Public.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error = %v", err)
	}

	var restored PublicKey
	if err := restored.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}

	if !kp.Public.Equal(restored) {
		t.Errorf("Round-trip failed: original=%s, restored=%s", kp.Public, restored)
	}
}

func TestKeyPair_StoreAndLoad(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "cpn-identity-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	original, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if err := original.Store(tmpDir); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, privateKeyFileName)); os.IsNotExist(err) {
		t.Error("Store() did not create the private key file")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, publicKeyFileName)); os.IsNotExist(err) {
		t.Error("Store() did not create the public key file")
	}

	loaded, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !original.Public.Equal(loaded.Public) {
		t.Errorf("Load() public key = %s, want %s", loaded.Public, original.Public)
	}
	if !bytes.Equal(original.Private[:], loaded.Private[:]) {
		t.Error("Load() private key does not match the stored key")
	}
}

func TestKeyPair_Store_ZeroKeyPair(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "cpn-identity-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	var zero KeyPair
	if err := zero.Store(tmpDir); err == nil {
		t.Error("Store() should fail for a zero keypair")
	}
}

func TestLoad_NotFound(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "cpn-identity-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	if _, err := Load(tmpDir); err == nil {
		t.Error("Load() should fail when no key file exists")
	}
}

func TestLoadOrCreate(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "cpn-identity-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	kp1, created1, err := LoadOrCreate(tmpDir)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if !created1 {
		t.Error("LoadOrCreate() created = false on first call")
	}
	if kp1.Public.IsZero() {
		t.Error("LoadOrCreate() returned a zero keypair")
	}

	kp2, created2, err := LoadOrCreate(tmpDir)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if created2 {
		t.Error("LoadOrCreate() created = true on second call")
	}
	if !kp1.Public.Equal(kp2.Public) {
		t.Errorf("LoadOrCreate() returned different keys: %s vs %s", kp1.Public, kp2.Public)
	}
}

func TestExists(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "cpn-identity-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	if Exists(tmpDir) {
		t.Error("Exists() = true before creating a keypair")
	}

	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if err := kp.Store(tmpDir); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if !Exists(tmpDir) {
		t.Error("Exists() = false after creating a keypair")
	}
}

func TestZero(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	kp.Zero()

	for i, b := range kp.Private {
		if b != 0 {
			t.Fatalf("Zero() left nonzero byte at index %d", i)
		}
	}
}
