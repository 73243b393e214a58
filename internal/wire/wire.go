// Package wire defines the structured messages exchanged over a Channel
// and their binary codec: a self-describing, length-prefixed record
// format in the style of the teacher's internal/protocol frame structs,
// generalized from a single hand-rolled frame type to the fixed message
// shapes the protocol engine needs.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/capone-project/cpn/internal/identity"
)

// ErrInvalidMessage is returned when a byte slice cannot be decoded into
// the requested message shape.
var ErrInvalidMessage = errors.New("wire: invalid message")

// CommandType enumerates the four verbs a CommandEnvelope may carry.
type CommandType uint8

const (
	CommandQuery     CommandType = 0
	CommandConnect   CommandType = 1
	CommandRequest   CommandType = 2
	CommandTerminate CommandType = 3
)

func (c CommandType) String() string {
	switch c {
	case CommandQuery:
		return "QUERY"
	case CommandConnect:
		return "CONNECT"
	case CommandRequest:
		return "REQUEST"
	case CommandTerminate:
		return "TERMINATE"
	default:
		return fmt.Sprintf("CommandType(%d)", uint8(c))
	}
}

// encoder accumulates a message body field by field, matching the
// explicit-length-prefix style of frame.go's struct encoders.
type encoder struct {
	buf []byte
}

func (e *encoder) putByte(b byte) {
	e.buf = append(e.buf, b)
}

func (e *encoder) putUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) putFixed(b []byte) {
	e.buf = append(e.buf, b...)
}

// putBytes appends a u32-length-prefixed byte slice.
func (e *encoder) putBytes(b []byte) {
	e.putUint32(uint32(len(b)))
	e.putFixed(b)
}

// putString appends a u16-length-prefixed string.
func (e *encoder) putString(s string) {
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], uint16(len(s)))
	e.buf = append(e.buf, lb[:]...)
	e.buf = append(e.buf, s...)
}

type decoder struct {
	buf []byte
	off int
}

func newDecoder(b []byte) *decoder {
	return &decoder{buf: b}
}

func (d *decoder) getByte() (byte, error) {
	if d.off+1 > len(d.buf) {
		return 0, ErrInvalidMessage
	}
	v := d.buf[d.off]
	d.off++
	return v, nil
}

func (d *decoder) getUint32() (uint32, error) {
	if d.off+4 > len(d.buf) {
		return 0, ErrInvalidMessage
	}
	v := binary.BigEndian.Uint32(d.buf[d.off : d.off+4])
	d.off += 4
	return v, nil
}

func (d *decoder) getFixed(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.buf) {
		return nil, ErrInvalidMessage
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) getBytes() ([]byte, error) {
	n, err := d.getUint32()
	if err != nil {
		return nil, err
	}
	return d.getFixed(int(n))
}

func (d *decoder) getString() (string, error) {
	if d.off+2 > len(d.buf) {
		return "", ErrInvalidMessage
	}
	n := binary.BigEndian.Uint16(d.buf[d.off : d.off+2])
	d.off += 2
	b, err := d.getFixed(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SessionKeyMessage is exchanged by both sides of a handshake: a
// long-term signing public key, an ephemeral X25519 public key, and a
// signature over the ephemeral key.
type SessionKeyMessage struct {
	SignPublicKey    identity.PublicKey
	EncryptPublicKey [32]byte
	Signature        [identity.SignatureSize]byte
}

func (m *SessionKeyMessage) Encode() []byte {
	e := &encoder{}
	e.putFixed(m.SignPublicKey[:])
	e.putFixed(m.EncryptPublicKey[:])
	e.putFixed(m.Signature[:])
	return e.buf
}

func DecodeSessionKeyMessage(b []byte) (*SessionKeyMessage, error) {
	d := newDecoder(b)
	m := &SessionKeyMessage{}

	signPk, err := d.getFixed(identity.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("session key message: sign key: %w", err)
	}
	copy(m.SignPublicKey[:], signPk)

	encPk, err := d.getFixed(32)
	if err != nil {
		return nil, fmt.Errorf("session key message: encrypt key: %w", err)
	}
	copy(m.EncryptPublicKey[:], encPk)

	sig, err := d.getFixed(identity.SignatureSize)
	if err != nil {
		return nil, fmt.Errorf("session key message: signature: %w", err)
	}
	copy(m.Signature[:], sig)

	return m, nil
}

// CommandEnvelope is the single-field message a client sends right after
// the handshake to select which of the four verbs it wants to invoke.
type CommandEnvelope struct {
	Type CommandType
}

func (m *CommandEnvelope) Encode() []byte {
	return []byte{byte(m.Type)}
}

func DecodeCommandEnvelope(b []byte) (*CommandEnvelope, error) {
	d := newDecoder(b)
	t, err := d.getByte()
	if err != nil {
		return nil, fmt.Errorf("command envelope: %w", err)
	}
	if t > byte(CommandTerminate) {
		return nil, fmt.Errorf("%w: unknown command type %d", ErrInvalidMessage, t)
	}
	return &CommandEnvelope{Type: CommandType(t)}, nil
}

// ServiceDescription answers a QUERY.
type ServiceDescription struct {
	Name     string
	Category string
	Type     string
	Version  string
	Location string
	Port     string
}

func (m *ServiceDescription) Encode() []byte {
	e := &encoder{}
	e.putString(m.Name)
	e.putString(m.Category)
	e.putString(m.Type)
	e.putString(m.Version)
	e.putString(m.Location)
	e.putString(m.Port)
	return e.buf
}

func DecodeServiceDescription(b []byte) (*ServiceDescription, error) {
	d := newDecoder(b)
	m := &ServiceDescription{}
	var err error
	if m.Name, err = d.getString(); err != nil {
		return nil, fmt.Errorf("service description: name: %w", err)
	}
	if m.Category, err = d.getString(); err != nil {
		return nil, fmt.Errorf("service description: category: %w", err)
	}
	if m.Type, err = d.getString(); err != nil {
		return nil, fmt.Errorf("service description: type: %w", err)
	}
	if m.Version, err = d.getString(); err != nil {
		return nil, fmt.Errorf("service description: version: %w", err)
	}
	if m.Location, err = d.getString(); err != nil {
		return nil, fmt.Errorf("service description: location: %w", err)
	}
	if m.Port, err = d.getString(); err != nil {
		return nil, fmt.Errorf("service description: port: %w", err)
	}
	return m, nil
}

// SessionRequest carries opaque, service-defined parameters for REQUEST.
type SessionRequest struct {
	Parameters []byte
}

func (m *SessionRequest) Encode() []byte {
	e := &encoder{}
	e.putBytes(m.Parameters)
	return e.buf
}

func DecodeSessionRequest(b []byte) (*SessionRequest, error) {
	d := newDecoder(b)
	params, err := d.getBytes()
	if err != nil {
		return nil, fmt.Errorf("session request: parameters: %w", err)
	}
	return &SessionRequest{Parameters: append([]byte(nil), params...)}, nil
}

// ChainEntry is one delegation link of a CapabilityMessage's chain.
type ChainEntry struct {
	Identity identity.PublicKey
	Rights   uint32
}

// CapabilityMessage is the wire form of a capability: a 32-byte secret
// plus an ordered, length-prefixed chain. No hashing happens here —
// verification is the receiver's responsibility (see package cap).
type CapabilityMessage struct {
	Secret [32]byte
	Chain  []ChainEntry
}

func (m *CapabilityMessage) encodeInto(e *encoder) {
	e.putFixed(m.Secret[:])
	e.putUint32(uint32(len(m.Chain)))
	for _, entry := range m.Chain {
		e.putFixed(entry.Identity[:])
		e.putUint32(entry.Rights)
	}
}

func (m *CapabilityMessage) Encode() []byte {
	e := &encoder{}
	m.encodeInto(e)
	return e.buf
}

func decodeCapabilityMessage(d *decoder) (*CapabilityMessage, error) {
	m := &CapabilityMessage{}
	secret, err := d.getFixed(32)
	if err != nil {
		return nil, fmt.Errorf("capability: secret: %w", err)
	}
	copy(m.Secret[:], secret)

	n, err := d.getUint32()
	if err != nil {
		return nil, fmt.Errorf("capability: chain length: %w", err)
	}
	m.Chain = make([]ChainEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		idBytes, err := d.getFixed(identity.PublicKeySize)
		if err != nil {
			return nil, fmt.Errorf("capability: chain[%d] identity: %w", i, err)
		}
		rights, err := d.getUint32()
		if err != nil {
			return nil, fmt.Errorf("capability: chain[%d] rights: %w", i, err)
		}
		var entry ChainEntry
		copy(entry.Identity[:], idBytes)
		entry.Rights = rights
		m.Chain = append(m.Chain, entry)
	}
	return m, nil
}

func DecodeCapabilityMessage(b []byte) (*CapabilityMessage, error) {
	return decodeCapabilityMessage(newDecoder(b))
}

// SessionAnnouncement answers a successful REQUEST.
type SessionAnnouncement struct {
	Identifier uint32
	Cap        CapabilityMessage
}

func (m *SessionAnnouncement) Encode() []byte {
	e := &encoder{}
	e.putUint32(m.Identifier)
	m.Cap.encodeInto(e)
	return e.buf
}

func DecodeSessionAnnouncement(b []byte) (*SessionAnnouncement, error) {
	d := newDecoder(b)
	id, err := d.getUint32()
	if err != nil {
		return nil, fmt.Errorf("session announcement: identifier: %w", err)
	}
	cap, err := decodeCapabilityMessage(d)
	if err != nil {
		return nil, fmt.Errorf("session announcement: %w", err)
	}
	return &SessionAnnouncement{Identifier: id, Cap: *cap}, nil
}

// SessionStart is sent for CONNECT.
type SessionStart struct {
	Identifier uint32
	Cap        CapabilityMessage
}

func (m *SessionStart) Encode() []byte {
	e := &encoder{}
	e.putUint32(m.Identifier)
	m.Cap.encodeInto(e)
	return e.buf
}

func DecodeSessionStart(b []byte) (*SessionStart, error) {
	d := newDecoder(b)
	id, err := d.getUint32()
	if err != nil {
		return nil, fmt.Errorf("session start: identifier: %w", err)
	}
	cap, err := decodeCapabilityMessage(d)
	if err != nil {
		return nil, fmt.Errorf("session start: %w", err)
	}
	return &SessionStart{Identifier: id, Cap: *cap}, nil
}

// SessionResult is the generic success/failure reply to CONNECT and
// QUERY-adjacent flows: 0 means OK, anything else is an opaque failure
// code — the peer never learns why.
type SessionResult struct {
	Result int32
}

const (
	ResultOK             int32 = 0
	ResultDenied         int32 = 1
	ResultNotFound       int32 = 2
	ResultInvalidRequest int32 = 3
	ResultInternal       int32 = 4
)

func (m *SessionResult) Encode() []byte {
	e := &encoder{}
	e.putUint32(uint32(m.Result))
	return e.buf
}

func DecodeSessionResult(b []byte) (*SessionResult, error) {
	d := newDecoder(b)
	v, err := d.getUint32()
	if err != nil {
		return nil, fmt.Errorf("session result: %w", err)
	}
	return &SessionResult{Result: int32(v)}, nil
}

// SessionTermination is sent for TERMINATE.
type SessionTermination struct {
	Identifier uint32
	Cap        CapabilityMessage
}

func (m *SessionTermination) Encode() []byte {
	e := &encoder{}
	e.putUint32(m.Identifier)
	m.Cap.encodeInto(e)
	return e.buf
}

func DecodeSessionTermination(b []byte) (*SessionTermination, error) {
	d := newDecoder(b)
	id, err := d.getUint32()
	if err != nil {
		return nil, fmt.Errorf("session termination: identifier: %w", err)
	}
	cap, err := decodeCapabilityMessage(d)
	if err != nil {
		return nil, fmt.Errorf("session termination: %w", err)
	}
	return &SessionTermination{Identifier: id, Cap: *cap}, nil
}
