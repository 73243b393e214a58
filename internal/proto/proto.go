// Package proto is the protocol engine: the server-side command
// dispatcher that runs after a successful handshake, and the matching
// client-side operations. Dispatch-loop shape (read one command, switch
// over a small enum, hand off to a per-command handler sharing
// (ctx, ch, remote, store, acls)) is grounded on the teacher's
// internal/control server loop and on internal/rpc.Executor.Execute's
// validate-then-run-then-respond shape, restated over the four verbs
// spec.md §4.5 defines instead of a single RPC call.
package proto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/capone-project/cpn/internal/acl"
	"github.com/capone-project/cpn/internal/cap"
	"github.com/capone-project/cpn/internal/channel"
	"github.com/capone-project/cpn/internal/handshake"
	"github.com/capone-project/cpn/internal/identity"
	"github.com/capone-project/cpn/internal/metrics"
	"github.com/capone-project/cpn/internal/recovery"
	"github.com/capone-project/cpn/internal/service"
	"github.com/capone-project/cpn/internal/session"
	"github.com/capone-project/cpn/internal/wire"
)

// DefaultHandshakeTimeout and DefaultCommandTimeout bound the two
// blocking phases spec.md §5 calls out explicitly: the handshake and the
// command-envelope receipt that follows it. Chosen generously since a
// legitimate peer on a slow link should never trip these.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCommandTimeout   = 10 * time.Second
)

const maxEnvelopeLen = 64

// Server holds everything HandleConnection needs to answer one
// connection: the long-term identity it authenticates as, the session
// store and ACLs that gate REQUEST/QUERY, the service plugin CONNECT
// hands sessions to, and the description QUERY answers with.
type Server struct {
	Identity *identity.KeyPair
	QueryACL *acl.ACL
	RequestACL *acl.ACL
	Store    *session.Store
	Service  service.Plugin
	Config   service.Config

	// Description fields answered verbatim by QUERY; Name/Type/Version
	// come from Service itself.
	Category string
	Location string
	Port     string

	HandshakeTimeout time.Duration
	CommandTimeout   time.Duration

	// BlockLen is the fixed framing block size accepted connections are
	// switched to before the handshake runs. Zero leaves a Channel on
	// channel.DefaultBlockLen.
	BlockLen int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) metrics() *metrics.Metrics {
	if s.Metrics != nil {
		return s.Metrics
	}
	return metrics.Default()
}

func (s *Server) handshakeTimeout() time.Duration {
	if s.HandshakeTimeout > 0 {
		return s.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

func (s *Server) commandTimeout() time.Duration {
	if s.CommandTimeout > 0 {
		return s.CommandTimeout
	}
	return DefaultCommandTimeout
}

// withDeadline races fn against ctx, closing ch to unblock fn's
// in-flight I/O if the deadline passes first — the cancellation
// mechanism spec.md §5 specifies (closing the socket from another task),
// since Channel has no native context plumbing for blocking reads.
func withDeadline(ctx context.Context, ch *channel.Channel, timeout time.Duration, fn func() error) error {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-dctx.Done():
		ch.Close()
		<-done
		return dctx.Err()
	}
}

// HandleConnection runs the full lifecycle of one accepted connection:
// handshake, read a single CommandEnvelope, dispatch, close. It never
// returns an error; all failures are logged and end with the channel
// closed, per spec.md §4.5's "no detail leaks to the peer" policy.
func (s *Server) HandleConnection(ctx context.Context, ch *channel.Channel) {
	defer recovery.RecoverWithLog(s.logger(), "proto.HandleConnection")
	defer ch.Close()

	log := s.logger()
	m := s.metrics()

	m.RecordConnectionOpen()
	defer m.RecordConnectionClose()

	handshakeStart := time.Now()
	var remote identity.PublicKey
	err := withDeadline(ctx, ch, s.handshakeTimeout(), func() error {
		res, err := handshake.Perform(ctx, ch, s.Identity, nil, channel.RoleServer)
		if err != nil {
			return err
		}
		remote = res.RemoteIdentity
		return nil
	})
	if err != nil {
		m.RecordHandshakeFailure(handshakeFailureReason(err))
		log.Error("handshake failed", "error", err)
		return
	}
	m.RecordHandshakeSuccess(time.Since(handshakeStart).Seconds())

	var env *wire.CommandEnvelope
	err = withDeadline(ctx, ch, s.commandTimeout(), func() error {
		var err error
		env, err = channel.ReadTyped(ch, maxEnvelopeLen, wire.DecodeCommandEnvelope)
		return err
	})
	if err != nil {
		log.Error("failed to read command envelope", "error", err, "remote", remote.ShortString())
		return
	}

	commandStart := time.Now()
	var commandName string
	switch env.Type {
	case wire.CommandQuery:
		commandName = "query"
		s.handleQuery(ch, remote)
	case wire.CommandRequest:
		commandName = "request"
		s.handleRequest(ch, remote)
	case wire.CommandConnect:
		commandName = "connect"
		s.handleConnect(ctx, ch, remote)
	case wire.CommandTerminate:
		commandName = "terminate"
		s.handleTerminate(ch, remote)
	default:
		log.Error("unknown command type", "type", env.Type, "remote", remote.ShortString())
		return
	}
	m.RecordCommand(commandName, time.Since(commandStart).Seconds())
}

// handshakeFailureReason buckets a handshake error into a small label set
// so HandshakeFailures doesn't grow an unbounded cardinality of reasons.
func handshakeFailureReason(err error) string {
	switch {
	case errors.Is(err, handshake.ErrPeerIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, handshake.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, handshake.ErrMalformedHandshake):
		return "malformed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}

// handleQuery answers a QUERY: ACL-gated, no session state touched.
func (s *Server) handleQuery(ch *channel.Channel, remote identity.PublicKey) {
	log := s.logger()

	if !s.QueryACL.Allowed(remote, acl.RightExec) {
		s.metrics().RecordACLDenial("query")
		log.Warn("query denied by ACL", "remote", remote.ShortString())
		return
	}

	desc := &wire.ServiceDescription{
		Name:     s.Service.Name(),
		Category: s.Category,
		Type:     s.Service.Type(),
		Version:  s.Service.Version(),
		Location: s.Location,
		Port:     s.Port,
	}
	if err := ch.WriteTyped(desc); err != nil {
		log.Error("failed to send service description", "error", err, "remote", remote.ShortString())
	}
}

// handleRequest answers a REQUEST: ACL-gated, creates a session and
// delegates a fresh capability for it. If the announcement can't be
// sent, the session is rolled back so it never outlives the connection
// that would have held its only reference.
func (s *Server) handleRequest(ch *channel.Channel, remote identity.PublicKey) {
	log := s.logger()

	if !s.RequestACL.Allowed(remote, acl.RightExec) {
		s.metrics().RecordACLDenial("request")
		log.Warn("request denied by ACL", "remote", remote.ShortString())
		return
	}

	req, err := channel.ReadTyped(ch, channel.MaxMessageLen, wire.DecodeSessionRequest)
	if err != nil {
		log.Error("failed to read session request", "error", err, "remote", remote.ShortString())
		return
	}

	sess, err := s.Store.Add(req.Parameters, remote)
	if err != nil {
		log.Error("failed to create session", "error", err, "remote", remote.ShortString())
		return
	}
	s.metrics().RecordSessionCreated()

	ref, err := cap.CreateRef(sess.Cap, cap.RightExec|cap.RightTerm, remote)
	if err != nil {
		log.Error("failed to delegate capability", "error", err, "remote", remote.ShortString())
		s.Store.Remove(sess.ID)
		s.metrics().RecordSessionRolledBack()
		return
	}

	announcement := &wire.SessionAnnouncement{Identifier: sess.ID, Cap: ref.ToWire()}
	if err := ch.WriteTyped(announcement); err != nil {
		log.Error("failed to send session announcement, rolling back", "error", err, "remote", remote.ShortString())
		s.Store.Remove(sess.ID)
		s.metrics().RecordSessionRolledBack()
	}
}

// handleConnect answers a CONNECT: looks up the session, verifies the
// presented capability, removes the session (one-shot consumption), then
// hands the channel to the service plugin.
func (s *Server) handleConnect(ctx context.Context, ch *channel.Channel, remote identity.PublicKey) {
	log := s.logger()

	start, err := channel.ReadTyped(ch, channel.MaxMessageLen, wire.DecodeSessionStart)
	if err != nil {
		log.Error("failed to read session start", "error", err, "remote", remote.ShortString())
		return
	}

	sess, err := s.Store.Find(start.Identifier)
	if err != nil {
		writeResult(ch, wire.ResultNotFound, log)
		return
	}

	ref := cap.FromWire(start.Cap)
	if err := cap.Verify(ref, sess.Cap, remote, cap.RightExec); err != nil {
		s.metrics().RecordCapabilityFailure("connect")
		log.Warn("connect capability verification failed", "error", err, "remote", remote.ShortString())
		writeResult(ch, wire.ResultDenied, log)
		return
	}

	// Consume atomically: whichever of two concurrent CONNECTs removes
	// the session first is the one that proceeds; the other's Find above
	// raced it but its Remove below (via another call to handleConnect)
	// would hit ErrNotFound. The store's single mutex around Remove is
	// what makes "exactly one succeeds" true for spec.md §8 scenario 6.
	if _, err := s.Store.Remove(sess.ID); err != nil {
		writeResult(ch, wire.ResultNotFound, log)
		return
	}
	s.metrics().RecordSessionConsumed()

	if err := writeResult(ch, wire.ResultOK, log); err != nil {
		return
	}

	if err := s.Service.Serve(ctx, ch, remote, sess, s.Config); err != nil {
		s.metrics().RecordServicePluginError(s.Service.Name())
		log.Error("service plugin returned an error", "error", err, "remote", remote.ShortString())
	}
}

// handleTerminate answers a TERMINATE. A missing session is a silent
// success (spec.md §4.5: "so that double-terminates do not leak
// existence information"); a present session requires the TERM right.
func (s *Server) handleTerminate(ch *channel.Channel, remote identity.PublicKey) {
	log := s.logger()

	term, err := channel.ReadTyped(ch, channel.MaxMessageLen, wire.DecodeSessionTermination)
	if err != nil {
		log.Error("failed to read session termination", "error", err, "remote", remote.ShortString())
		return
	}

	sess, err := s.Store.Find(term.Identifier)
	if err != nil {
		return
	}

	ref := cap.FromWire(term.Cap)
	if err := cap.Verify(ref, sess.Cap, remote, cap.RightTerm); err != nil {
		s.metrics().RecordCapabilityFailure("terminate")
		log.Warn("terminate capability verification failed", "error", err, "remote", remote.ShortString())
		return
	}

	s.Store.Remove(sess.ID)
	s.metrics().RecordSessionTerminated()
}

func writeResult(ch *channel.Channel, result int32, log *slog.Logger) error {
	if err := ch.WriteTyped(&wire.SessionResult{Result: result}); err != nil {
		log.Error("failed to send session result", "error", err)
		return err
	}
	return nil
}

// Sentinel errors client operations can compare against with errors.Is.
var (
	ErrQueryFailed     = errors.New("proto: query failed")
	ErrRequestDenied   = errors.New("proto: request denied")
	ErrConnectDenied   = errors.New("proto: connect denied")
	ErrSessionNotFound = errors.New("proto: session not found")
)

// Client mirrors the server's four operations from the requesting side.
type Client struct {
	Identity       *identity.KeyPair
	ServerIdentity identity.PublicKey
}

func (c *Client) handshake(ctx context.Context, ch *channel.Channel) error {
	_, err := handshake.Perform(ctx, ch, c.Identity, &c.ServerIdentity, channel.RoleClient)
	return err
}

// Query handshakes over ch and retrieves the server's service
// description.
func (c *Client) Query(ctx context.Context, ch *channel.Channel) (*wire.ServiceDescription, error) {
	if err := c.handshake(ctx, ch); err != nil {
		return nil, fmt.Errorf("proto: handshake: %w", err)
	}
	if err := ch.WriteTyped(&wire.CommandEnvelope{Type: wire.CommandQuery}); err != nil {
		return nil, fmt.Errorf("proto: send command envelope: %w", err)
	}
	desc, err := channel.ReadTyped(ch, channel.MaxMessageLen, wire.DecodeServiceDescription)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return desc, nil
}

// Request handshakes over ch and asks the server to create a session
// with the given opaque parameters, returning its identifier and the
// delegated capability.
func (c *Client) Request(ctx context.Context, ch *channel.Channel, params []byte) (uint32, *cap.Capability, error) {
	if err := c.handshake(ctx, ch); err != nil {
		return 0, nil, fmt.Errorf("proto: handshake: %w", err)
	}
	if err := ch.WriteTyped(&wire.CommandEnvelope{Type: wire.CommandRequest}); err != nil {
		return 0, nil, fmt.Errorf("proto: send command envelope: %w", err)
	}
	if err := ch.WriteTyped(&wire.SessionRequest{Parameters: params}); err != nil {
		return 0, nil, fmt.Errorf("proto: send session request: %w", err)
	}
	ann, err := channel.ReadTyped(ch, channel.MaxMessageLen, wire.DecodeSessionAnnouncement)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrRequestDenied, err)
	}
	return ann.Identifier, cap.FromWire(ann.Cap), nil
}

// Connect handshakes over ch, presents the capability from a prior
// Request, and on success leaves ch ready for the service's own
// application-level exchange (the caller drives that, typically via the
// service plugin's Invoke).
func (c *Client) Connect(ctx context.Context, ch *channel.Channel, identifier uint32, capability *cap.Capability) error {
	if err := c.handshake(ctx, ch); err != nil {
		return fmt.Errorf("proto: handshake: %w", err)
	}
	if err := ch.WriteTyped(&wire.CommandEnvelope{Type: wire.CommandConnect}); err != nil {
		return fmt.Errorf("proto: send command envelope: %w", err)
	}
	start := &wire.SessionStart{Identifier: identifier, Cap: capability.ToWire()}
	if err := ch.WriteTyped(start); err != nil {
		return fmt.Errorf("proto: send session start: %w", err)
	}
	result, err := channel.ReadTyped(ch, channel.MaxMessageLen, wire.DecodeSessionResult)
	if err != nil {
		return fmt.Errorf("proto: read session result: %w", err)
	}
	if result.Result != wire.ResultOK {
		return fmt.Errorf("%w: result code %d", ErrConnectDenied, result.Result)
	}
	return nil
}

// Terminate handshakes over ch and asks the server to kill the
// session named by identifier, presenting a capability carrying the TERM
// right.
func (c *Client) Terminate(ctx context.Context, ch *channel.Channel, identifier uint32, capability *cap.Capability) error {
	if err := c.handshake(ctx, ch); err != nil {
		return fmt.Errorf("proto: handshake: %w", err)
	}
	if err := ch.WriteTyped(&wire.CommandEnvelope{Type: wire.CommandTerminate}); err != nil {
		return fmt.Errorf("proto: send command envelope: %w", err)
	}
	term := &wire.SessionTermination{Identifier: identifier, Cap: capability.ToWire()}
	if err := ch.WriteTyped(term); err != nil {
		return fmt.Errorf("proto: send session termination: %w", err)
	}
	return nil
}
