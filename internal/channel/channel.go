// Package channel implements Capone's framed, optionally authenticated-
// encrypted message transport over a TCP or UDP socket. It is grounded on
// the teacher's internal/protocol Frame/FrameReader/FrameWriter trio
// (variable-length, header-prefixed framing) but regenerated to produce
// fixed-size blocks instead: Capone's threat model requires that TCP
// stream boundaries never leak logical message boundaries, and AEAD tags
// are not self-delimiting, so the receiver must always know exactly how
// many ciphertext bytes make up one block.
package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/capone-project/cpn/internal/crypto"
)

// TransportType names the underlying socket kind a Channel was opened
// with.
type TransportType int

const (
	TransportTCP TransportType = iota
	TransportUDP
)

func (t TransportType) String() string {
	if t == TransportUDP {
		return "udp"
	}
	return "tcp"
}

// CryptoMode describes whether a Channel's blocks are authenticated and
// encrypted.
type CryptoMode int

const (
	CryptoNone CryptoMode = iota
	CryptoSymmetric
)

// Role selects which side of the nonce-pair asymmetry a Channel plays
// once EnableEncryption is called. The client is always the handshake
// initiator; the server is always the responder.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

const (
	// MinBlockLen is the minimum permitted block_len: small enough that
	// encrypted mode still carries a 4-byte length prefix plus one byte
	// of message data in the first block.
	MinBlockLen = 21

	// MaxBlockLen is the maximum permitted block_len.
	MaxBlockLen = 4096

	// DefaultBlockLen is used when a Channel is opened without an
	// explicit SetBlockLen call.
	DefaultBlockLen = 512

	lengthPrefixSize = 4

	// MaxMessageLen bounds ReadMessage/ReadTyped callers that don't pass
	// their own ceiling, and bounds Relay's read-side message size.
	MaxMessageLen = 16 * 1024 * 1024
)

var (
	ErrReceivedLengthExceedsMax = errors.New("channel: received length exceeds max")
	ErrDecryptFailed            = errors.New("channel: decrypt failed")
	ErrShortRead                = errors.New("channel: short read")
	ErrPeerClosed               = errors.New("channel: peer closed")
	ErrInvalidMessage           = errors.New("channel: invalid message")
	ErrInvalidBlockLen          = fmt.Errorf("channel: block length must be in [%d, %d]", MinBlockLen, MaxBlockLen)
	ErrPoisoned                 = errors.New("channel: poisoned by a previous decrypt failure")
	ErrNotConnected             = errors.New("channel: not connected")
	ErrAlreadyConnected         = errors.New("channel: already connected")
	ErrWrongTransport           = errors.New("channel: operation not valid for this transport")
)

// noncePair holds the two 24-byte nonce counters a Channel tracks once
// encryption is enabled. Invariant (spec): one side's local equals the
// other side's remote, and the two never equal each other.
type noncePair struct {
	local  [24]byte
	remote [24]byte
}

// addToNonce adds delta to the big-endian 24-byte counter n, carrying
// across the full width. Wraparound is unreachable in practice; if the
// counter ever wraps, addToNonce panics rather than reuse a nonce.
func addToNonce(n *[24]byte, delta byte) {
	carry := uint16(delta)
	for i := len(n) - 1; i >= 0 && carry > 0; i-- {
		sum := uint16(n[i]) + carry
		n[i] = byte(sum)
		carry = sum >> 8
	}
	if carry > 0 {
		panic("channel: nonce counter wrapped around")
	}
}

// Channel owns a single socket (TCP net.Conn or UDP net.PacketConn),
// exclusively, and is closed exactly once. It is not safe to share across
// goroutines beyond the close/poison bookkeeping guarded by mu.
type Channel struct {
	mu sync.Mutex

	conn      net.Conn
	pconn     net.PacketConn
	peerAddr  net.Addr
	transport TransportType
	blockLen  int

	cryptoMode CryptoMode
	key        [32]byte
	nonces     noncePair

	poisoned  bool
	closeOnce sync.Once

	dialAddr string
}

// OpenFromHost resolves host:port and prepares a Channel. TCP channels
// are not connected yet; call Connect. For UDP it opens an unconnected
// local socket at once, so channels opened this way are ready to
// WriteMessage immediately (it addresses peerAddr per-datagram).
func OpenFromHost(host string, port int, transport TransportType) (*Channel, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	c := &Channel{
		transport: transport,
		blockLen:  DefaultBlockLen,
		dialAddr:  addr,
	}

	if transport == TransportUDP {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("resolve udp address %q: %w", addr, err)
		}
		conn, err := net.ListenUDP("udp", nil)
		if err != nil {
			return nil, fmt.Errorf("open udp socket: %w", err)
		}
		c.pconn = conn
		c.peerAddr = udpAddr
	}

	return c, nil
}

// OpenFromFD adopts an already-established connection (e.g. one returned
// by net.Listener.Accept), exclusively owning it from this point on.
func OpenFromFD(conn net.Conn, peerAddr net.Addr, transport TransportType) *Channel {
	return &Channel{
		conn:      conn,
		peerAddr:  peerAddr,
		transport: transport,
		blockLen:  DefaultBlockLen,
	}
}

// SetBlockLen sets the fixed block size future writes/reads use. Fails if
// len is outside [MinBlockLen, MaxBlockLen].
func (c *Channel) SetBlockLen(n int) error {
	if n < MinBlockLen || n > MaxBlockLen {
		return ErrInvalidBlockLen
	}
	c.blockLen = n
	return nil
}

// BlockLen returns the channel's current block size.
func (c *Channel) BlockLen() int {
	return c.blockLen
}

// Transport reports which socket kind this channel uses.
func (c *Channel) Transport() TransportType {
	return c.transport
}

// PeerAddr returns the remote address this channel communicates with, if
// known.
func (c *Channel) PeerAddr() net.Addr {
	return c.peerAddr
}

// Connect dials the address given to OpenFromHost. TCP only; a second
// call on an already-connected channel is a no-op failure (idempotent:
// repeated calls don't reconnect, they just report the existing state).
func (c *Channel) Connect(ctx context.Context) error {
	if c.transport != TransportTCP {
		return ErrWrongTransport
	}
	if c.conn != nil {
		return ErrAlreadyConnected
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.dialAddr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.dialAddr, err)
	}
	c.conn = conn
	c.peerAddr = conn.RemoteAddr()
	return nil
}

// EnableEncryption switches the channel into CryptoSymmetric mode,
// installing key and zeroing both nonces before setting the one that
// starts at 1 according to role: client (initiator) local=0/remote=1,
// server (responder) local=1/remote=0.
func (c *Channel) EnableEncryption(key [32]byte, role Role) {
	c.key = key
	c.cryptoMode = CryptoSymmetric
	c.nonces = noncePair{}
	if role == RoleClient {
		c.nonces.remote[23] = 1
	} else {
		c.nonces.local[23] = 1
	}
}

// CryptoMode reports whether the channel is currently encrypting.
func (c *Channel) CryptoMode() CryptoMode {
	return c.cryptoMode
}

func (c *Channel) poison() {
	c.mu.Lock()
	c.poisoned = true
	c.mu.Unlock()
}

func (c *Channel) isPoisoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poisoned
}

// plainChunkSize is how many plaintext bytes one on-the-wire block
// carries: the full block_len when unencrypted, block_len minus the
// Poly1305 tag when encrypted (the wire block always stays exactly
// block_len bytes either way).
func (c *Channel) plainChunkSize() int {
	if c.cryptoMode == CryptoSymmetric {
		return c.blockLen - crypto.TagSize
	}
	return c.blockLen
}

// WriteMessage frames data into one or more fixed-size blocks and sends
// them. The first block's plaintext payload is prefixed with a 4-byte
// big-endian length; every block is zero-padded to plainChunkSize before
// sealing (or sending, if unencrypted).
func (c *Channel) WriteMessage(data []byte) error {
	if c.isPoisoned() {
		return ErrPoisoned
	}

	chunk := c.plainChunkSize()
	full := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(full[:lengthPrefixSize], uint32(len(data)))
	copy(full[lengthPrefixSize:], data)

	for off := 0; off < len(full); off += chunk {
		end := off + chunk
		var block []byte
		if end > len(full) {
			block = make([]byte, chunk)
			copy(block, full[off:])
		} else {
			block = full[off:end]
		}

		wireBlock := block
		if c.cryptoMode == CryptoSymmetric {
			nonce := c.nonces.local
			addToNonce(&c.nonces.local, 2)
			wireBlock = secretbox.Seal(nil, block, &nonce, &c.key)
		}

		if err := c.writeRaw(wireBlock); err != nil {
			return err
		}
	}

	return nil
}

// ReadMessage receives a framed message, failing if the declared length
// exceeds max. The returned slice holds exactly N bytes; any padding in
// the final block is discarded.
func (c *Channel) ReadMessage(max int) ([]byte, error) {
	if c.isPoisoned() {
		return nil, ErrPoisoned
	}

	block, err := c.readBlock()
	if err != nil {
		return nil, err
	}
	if len(block) < lengthPrefixSize {
		c.poison()
		return nil, ErrInvalidMessage
	}

	n := binary.BigEndian.Uint32(block[:lengthPrefixSize])
	if int(n) > max {
		return nil, ErrReceivedLengthExceedsMax
	}

	result := make([]byte, 0, n)
	rest := block[lengthPrefixSize:]
	if len(rest) > int(n) {
		rest = rest[:n]
	}
	result = append(result, rest...)

	for uint32(len(result)) < n {
		block, err = c.readBlock()
		if err != nil {
			return nil, err
		}
		remaining := int(n) - len(result)
		if len(block) > remaining {
			block = block[:remaining]
		}
		result = append(result, block...)
	}

	return result, nil
}

// Encoder is satisfied by every wire message type.
type Encoder interface {
	Encode() []byte
}

// WriteTyped serializes m and sends it as a single framed message.
func (c *Channel) WriteTyped(m Encoder) error {
	return c.WriteMessage(m.Encode())
}

// ReadTyped receives a framed message and decodes it with decode.
func ReadTyped[T any](c *Channel, max int, decode func([]byte) (T, error)) (T, error) {
	var zero T
	b, err := c.ReadMessage(max)
	if err != nil {
		return zero, err
	}
	v, err := decode(b)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return v, nil
}

func (c *Channel) readBlock() ([]byte, error) {
	raw := make([]byte, c.blockLen)
	if err := c.readFull(raw); err != nil {
		return nil, err
	}

	if c.cryptoMode != CryptoSymmetric {
		return raw, nil
	}

	nonce := c.nonces.remote
	addToNonce(&c.nonces.remote, 2)

	plain, ok := secretbox.Open(nil, raw, &nonce, &c.key)
	if !ok {
		c.poison()
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

func (c *Channel) writeRaw(b []byte) error {
	switch c.transport {
	case TransportUDP:
		if c.pconn == nil {
			return ErrNotConnected
		}
		_, err := c.pconn.WriteTo(b, c.peerAddr)
		return err
	default:
		if c.conn == nil {
			return ErrNotConnected
		}
		_, err := c.conn.Write(b)
		return err
	}
}

func (c *Channel) readFull(buf []byte) error {
	switch c.transport {
	case TransportUDP:
		if c.pconn == nil {
			return ErrNotConnected
		}
		n, _, err := c.pconn.ReadFrom(buf)
		if err != nil {
			return classifyReadErr(err)
		}
		if n != len(buf) {
			return ErrShortRead
		}
		return nil
	default:
		if c.conn == nil {
			return ErrNotConnected
		}
		_, err := io.ReadFull(c.conn, buf)
		if err != nil {
			return classifyReadErr(err)
		}
		return nil
	}
}

func classifyReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrPeerClosed
	}
	return fmt.Errorf("%w: %v", ErrShortRead, err)
}

// Relay pipes bytes bidirectionally between the channel and rw, framing
// each local read as one channel message and each received channel
// message as one local write, until either direction errors (typically
// EOF or the peer closing). Used by service plugins to hand a session's
// stdio to the remote side after CONNECT.
func (c *Channel) Relay(rw io.ReadWriter) error {
	errCh := make(chan error, 2)

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := rw.Read(buf)
			if n > 0 {
				if werr := c.WriteMessage(buf[:n]); werr != nil {
					errCh <- werr
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	go func() {
		for {
			msg, err := c.ReadMessage(MaxMessageLen)
			if err != nil {
				errCh <- err
				return
			}
			if len(msg) == 0 {
				continue
			}
			if _, werr := rw.Write(msg); werr != nil {
				errCh <- werr
				return
			}
		}
	}()

	return <-errCh
}

// Close releases the underlying socket and wipes key material. Safe to
// call more than once; only the first call does anything.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		crypto.ZeroKey(&c.key)
		if c.conn != nil {
			err = c.conn.Close()
		} else if c.pconn != nil {
			err = c.pconn.Close()
		}
	})
	return err
}
