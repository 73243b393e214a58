// Package capbroker implements the capability-brokering service from
// original_source/lib/services/capabilities.c: registrants publish a
// capability under a request identifier; clients waiting on that same
// identifier receive it as soon as it arrives. The original's registrant
// and waiting-client queues are hand-rolled intrusive linked lists
// (struct cpn_list) walked under two separate mutexes and polled with
// select() over their raw file descriptors. Per spec.md §9's design
// note, this is reimplemented as a map of per-request-ID Go channels
// guarded by a single sync.Mutex — a waiting client blocks on a channel
// receive instead of a select loop, and a registrant's publish is a
// non-blocking send into that same channel. Every publish is additionally
// appended to an in-memory audit log that can be persisted to disk as
// YAML (SaveLog/LoadLog) for operators inspecting broker activity across
// restarts.
package capbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/capone-project/cpn/internal/channel"
	"github.com/capone-project/cpn/internal/identity"
	"github.com/capone-project/cpn/internal/service"
	"github.com/capone-project/cpn/internal/session"
	"github.com/capone-project/cpn/internal/wire"
)

// RegistrantRecord is one audited publish: which request identifier a
// capability was published under and when. Persisted as YAML so an
// operator can inspect a broker's recent activity after a restart
// without needing the ephemeral in-memory waiter map.
type RegistrantRecord struct {
	RequestID   uint32 `yaml:"request_id"`
	PublishedAt string `yaml:"published_at"`
}

// Broker matches registrants publishing a capability to clients waiting
// on the same request identifier. Safe for concurrent use.
type Broker struct {
	mu      sync.Mutex
	waiters map[uint32]chan *wire.CapabilityMessage
	log     []RegistrantRecord
	logPath string
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{waiters: make(map[uint32]chan *wire.CapabilityMessage)}
}

// SetLogPath enables the registrant audit log: every Publish appends a
// RegistrantRecord, and SaveLog persists the accumulated list as YAML.
func (b *Broker) SetLogPath(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logPath = path
}

// SaveLog writes the accumulated registrant log to the path set by
// SetLogPath. A no-op if no path has been set.
func (b *Broker) SaveLog() error {
	b.mu.Lock()
	path, log := b.logPath, append([]RegistrantRecord(nil), b.log...)
	b.mu.Unlock()

	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(log)
	if err != nil {
		return fmt.Errorf("capbroker: marshal registrant log: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("capbroker: write registrant log: %w", err)
	}
	return nil
}

// LoadLog reads a previously saved registrant log from path, replacing
// whatever records were accumulated in memory. Used by cpn-server at
// startup to restore the audit trail across restarts; it does not
// restore live waiters, since those are tied to a connection that is
// already gone.
func (b *Broker) LoadLog(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("capbroker: read registrant log: %w", err)
	}
	var log []RegistrantRecord
	if err := yaml.Unmarshal(data, &log); err != nil {
		return fmt.Errorf("capbroker: unmarshal registrant log: %w", err)
	}

	b.mu.Lock()
	b.log = log
	b.logPath = path
	b.mu.Unlock()
	return nil
}

// waiterFor returns the channel a Wait call for requestID will receive
// on, creating it if this is the first party (registrant or waiter) to
// reference that identifier.
func (b *Broker) waiterFor(requestID uint32) chan *wire.CapabilityMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.waiters[requestID]
	if !ok {
		ch = make(chan *wire.CapabilityMessage, 1)
		b.waiters[requestID] = ch
	}
	return ch
}

// Publish delivers cap to whatever Wait call is pending (or will next
// arrive) for requestID. Mirrors relay_capability_for_registrant's
// match-by-requestid-and-forward step, without the erroneous-registrant
// cleanup path — a failed Serve simply returns an error, which the
// protocol engine logs and the channel close unblocks nothing since
// Publish never blocks.
func (b *Broker) Publish(requestID uint32, cap *wire.CapabilityMessage) {
	ch := b.waiterFor(requestID)
	select {
	case ch <- cap:
	default:
		// A capability was already published for this request; the
		// original drops the earlier registrant's channel in this case
		// too (cpn_channel_write_protobuf onto a gone client).
	}

	b.mu.Lock()
	b.log = append(b.log, RegistrantRecord{RequestID: requestID, PublishedAt: time.Now().UTC().Format(time.RFC3339)})
	b.mu.Unlock()
}

// Wait blocks until a capability has been published for requestID or ctx
// is done.
func (b *Broker) Wait(ctx context.Context, requestID uint32) (*wire.CapabilityMessage, error) {
	ch := b.waiterFor(requestID)
	select {
	case cap := <-ch:
		b.mu.Lock()
		delete(b.waiters, requestID)
		b.mu.Unlock()
		return cap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// requestParams is the opaque SessionRequest payload: which role the
// session plays (publish the capability it receives, or wait for one)
// and the shared identifier correlating the two sides.
type requestParams struct {
	Action    string `json:"action"` // "register" or "wait"
	RequestID uint32 `json:"request_id"`
}

// Plugin adapts a Broker to the service.Plugin interface so the
// protocol engine can CONNECT registrants and waiters to it like any
// other service.
type Plugin struct {
	broker *Broker
}

// NewPlugin returns a capbroker service plugin backed by a fresh Broker.
func NewPlugin() *Plugin {
	return &Plugin{broker: New()}
}

// Broker returns the plugin's underlying Broker, so a caller (typically
// cmd/cpn-server at startup) can load or configure persistence on it
// before the plugin starts serving connections.
func (p *Plugin) Broker() *Broker { return p.broker }

func (p *Plugin) Name() string    { return "capbroker" }
func (p *Plugin) Type() string    { return "capbroker" }
func (p *Plugin) Version() string { return "1.0" }

// Parse builds SessionRequest parameters from "--action" (register|wait)
// and "--request-id".
func (p *Plugin) Parse(args []string) ([]byte, error) {
	var rp requestParams
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--action":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("capbroker: --action requires a value")
			}
			i++
			rp.Action = args[i]
		case "--request-id":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("capbroker: --request-id requires a value")
			}
			i++
			var id uint32
			if _, err := fmt.Sscanf(args[i], "%d", &id); err != nil {
				return nil, fmt.Errorf("capbroker: invalid --request-id: %w", err)
			}
			rp.RequestID = id
		}
	}
	if rp.Action != "register" && rp.Action != "wait" {
		return nil, fmt.Errorf("capbroker: --action must be 'register' or 'wait'")
	}
	return json.Marshal(rp)
}

// Serve is CONNECT's entrypoint: a registrant sends a CapabilityMessage
// to publish, or a waiter blocks until one shows up for the same request
// identifier, then receives it.
func (p *Plugin) Serve(ctx context.Context, ch *channel.Channel, remote identity.PublicKey, sess *session.Session, conf service.Config) error {
	var rp requestParams
	if err := json.Unmarshal(sess.Params, &rp); err != nil {
		return fmt.Errorf("capbroker: malformed parameters: %w", err)
	}

	switch rp.Action {
	case "register":
		msg, err := channel.ReadTyped(ch, channel.MaxMessageLen, wire.DecodeCapabilityMessage)
		if err != nil {
			return fmt.Errorf("capbroker: receive capability: %w", err)
		}
		p.broker.Publish(rp.RequestID, msg)
		return nil
	case "wait":
		cap, err := p.broker.Wait(ctx, rp.RequestID)
		if err != nil {
			return fmt.Errorf("capbroker: wait: %w", err)
		}
		return ch.WriteTyped(cap)
	default:
		return fmt.Errorf("capbroker: unknown action %q", rp.Action)
	}
}

// Invoke drives the client side of the waiter role: it reads the relayed
// capability. The register action is not handled here and returns an
// error.
func (p *Plugin) Invoke(ctx context.Context, ch *channel.Channel, args []string, conf service.Config) error {
	params, err := p.Parse(args)
	if err != nil {
		return err
	}
	var rp requestParams
	if err := json.Unmarshal(params, &rp); err != nil {
		return err
	}

	if rp.Action == "wait" {
		_, err := channel.ReadTyped(ch, channel.MaxMessageLen, wire.DecodeCapabilityMessage)
		return err
	}
	return fmt.Errorf("capbroker: invoke only supports --action wait; registration happens via the session's own REQUEST/CONNECT")
}
