package wire

import (
	"bytes"
	"testing"

	"github.com/capone-project/cpn/internal/identity"
)

func mustKey(b byte) identity.PublicKey {
	var k identity.PublicKey
	k[0] = b
	return k
}

func TestSessionKeyMessageRoundTrip(t *testing.T) {
	want := &SessionKeyMessage{
		SignPublicKey:    mustKey(0x01),
		EncryptPublicKey: [32]byte{0x02},
		Signature:        [64]byte{0x03},
	}

	got, err := DecodeSessionKeyMessage(want.Encode())
	if err != nil {
		t.Fatalf("DecodeSessionKeyMessage() error = %v", err)
	}
	if *got != *want {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestCommandEnvelopeRoundTrip(t *testing.T) {
	for _, ct := range []CommandType{CommandQuery, CommandConnect, CommandRequest, CommandTerminate} {
		m := &CommandEnvelope{Type: ct}
		got, err := DecodeCommandEnvelope(m.Encode())
		if err != nil {
			t.Fatalf("DecodeCommandEnvelope(%v) error = %v", ct, err)
		}
		if got.Type != ct {
			t.Errorf("got %v, want %v", got.Type, ct)
		}
	}
}

func TestCommandEnvelopeRejectsUnknownType(t *testing.T) {
	if _, err := DecodeCommandEnvelope([]byte{0xFF}); err == nil {
		t.Error("expected error for unknown command type")
	}
}

func TestServiceDescriptionRoundTrip(t *testing.T) {
	want := &ServiceDescription{
		Name:     "Shell",
		Category: "exec",
		Type:     "exec",
		Version:  "0.0.1",
		Location: "localhost",
		Port:     "43810",
	}
	got, err := DecodeServiceDescription(want.Encode())
	if err != nil {
		t.Fatalf("DecodeServiceDescription() error = %v", err)
	}
	if *got != *want {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestSessionRequestRoundTrip(t *testing.T) {
	want := &SessionRequest{Parameters: []byte("hello")}
	got, err := DecodeSessionRequest(want.Encode())
	if err != nil {
		t.Fatalf("DecodeSessionRequest() error = %v", err)
	}
	if !bytes.Equal(got.Parameters, want.Parameters) {
		t.Errorf("got %q, want %q", got.Parameters, want.Parameters)
	}
}

func TestSessionRequestEmptyParameters(t *testing.T) {
	want := &SessionRequest{}
	got, err := DecodeSessionRequest(want.Encode())
	if err != nil {
		t.Fatalf("DecodeSessionRequest() error = %v", err)
	}
	if len(got.Parameters) != 0 {
		t.Errorf("got %q, want empty", got.Parameters)
	}
}

func capMsg() CapabilityMessage {
	return CapabilityMessage{
		Secret: [32]byte{0xAA},
		Chain: []ChainEntry{
			{Identity: mustKey(0x01), Rights: 3},
			{Identity: mustKey(0x02), Rights: 1},
		},
	}
}

func TestCapabilityMessageRoundTrip(t *testing.T) {
	want := capMsg()
	got, err := DecodeCapabilityMessage(want.Encode())
	if err != nil {
		t.Fatalf("DecodeCapabilityMessage() error = %v", err)
	}
	if got.Secret != want.Secret {
		t.Errorf("secret mismatch")
	}
	if len(got.Chain) != len(want.Chain) {
		t.Fatalf("chain length mismatch: got %d, want %d", len(got.Chain), len(want.Chain))
	}
	for i := range want.Chain {
		if got.Chain[i] != want.Chain[i] {
			t.Errorf("chain[%d] mismatch: got %+v, want %+v", i, got.Chain[i], want.Chain[i])
		}
	}
}

func TestCapabilityMessageEmptyChain(t *testing.T) {
	want := &CapabilityMessage{Secret: [32]byte{0x01}}
	got, err := DecodeCapabilityMessage(want.Encode())
	if err != nil {
		t.Fatalf("DecodeCapabilityMessage() error = %v", err)
	}
	if len(got.Chain) != 0 {
		t.Errorf("expected empty chain, got %d entries", len(got.Chain))
	}
}

func TestSessionAnnouncementRoundTrip(t *testing.T) {
	want := &SessionAnnouncement{Identifier: 42, Cap: capMsg()}
	got, err := DecodeSessionAnnouncement(want.Encode())
	if err != nil {
		t.Fatalf("DecodeSessionAnnouncement() error = %v", err)
	}
	if got.Identifier != want.Identifier {
		t.Errorf("identifier mismatch: got %d, want %d", got.Identifier, want.Identifier)
	}
	if got.Cap.Secret != want.Cap.Secret {
		t.Errorf("cap secret mismatch")
	}
}

func TestSessionStartRoundTrip(t *testing.T) {
	want := &SessionStart{Identifier: 7, Cap: capMsg()}
	got, err := DecodeSessionStart(want.Encode())
	if err != nil {
		t.Fatalf("DecodeSessionStart() error = %v", err)
	}
	if got.Identifier != want.Identifier {
		t.Errorf("identifier mismatch: got %d, want %d", got.Identifier, want.Identifier)
	}
}

func TestSessionResultRoundTrip(t *testing.T) {
	for _, r := range []int32{ResultOK, ResultDenied, ResultNotFound, -1} {
		want := &SessionResult{Result: r}
		got, err := DecodeSessionResult(want.Encode())
		if err != nil {
			t.Fatalf("DecodeSessionResult(%d) error = %v", r, err)
		}
		if got.Result != r {
			t.Errorf("got %d, want %d", got.Result, r)
		}
	}
}

func TestSessionTerminationRoundTrip(t *testing.T) {
	want := &SessionTermination{Identifier: 99, Cap: capMsg()}
	got, err := DecodeSessionTermination(want.Encode())
	if err != nil {
		t.Fatalf("DecodeSessionTermination() error = %v", err)
	}
	if got.Identifier != want.Identifier {
		t.Errorf("identifier mismatch: got %d, want %d", got.Identifier, want.Identifier)
	}
}

func TestDecodeTruncatedMessagesFail(t *testing.T) {
	full := (&SessionAnnouncement{Identifier: 1, Cap: capMsg()}).Encode()
	for n := 0; n < len(full); n++ {
		if _, err := DecodeSessionAnnouncement(full[:n]); err == nil {
			t.Errorf("expected error decoding truncated message of length %d", n)
		}
	}
}
