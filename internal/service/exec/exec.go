// Package exec implements the "exec" service plugin: it runs a
// whitelisted shell command for the session that requested it, streaming
// the command's live stdout/stderr over the channel CONNECT hands it.
// Session semantics (spawn, pipe, wait) and the live-streaming wire
// behavior are grounded on original_source/lib/services/exec.c's
// handle()/invoke(), which call cpn_channel_relay to forward a forked
// child's output to the peer as it runs rather than buffering it; the
// whitelist check, per-command timeout, and output-size limiting are
// ported from the teacher's internal/rpc.Executor, regenerated to work
// over channel.Channel.Relay instead of a JSON-RPC Request/Response
// pair.
package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/capone-project/cpn/internal/channel"
	"github.com/capone-project/cpn/internal/identity"
	"github.com/capone-project/cpn/internal/service"
	"github.com/capone-project/cpn/internal/session"
)

// MaxOutputSize caps how much stdout/stderr this service will relay
// before silently truncating, the same ceiling internal/rpc.Executor
// applied to JSON-RPC responses.
const MaxOutputSize = 4 * 1024 * 1024

// DefaultTimeout bounds a single command's execution when the session
// parameters carry no positive timeout of their own.
const DefaultTimeout = 60 * time.Second

// params is the parsed form of a SessionRequest's opaque parameter
// bytes: the command to run, its arguments, and an optional timeout
// override.
type params struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Timeout int      `json:"timeout,omitempty"`
}

// Plugin runs allow-listed commands. The whitelist is read from the
// plugin's Config at Serve time so it can be changed by editing the INI
// file without a rebuild.
type Plugin struct{}

// New returns the exec service plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string    { return "exec" }
func (p *Plugin) Type() string    { return "exec" }
func (p *Plugin) Version() string { return "1.0" }

// Parse turns CLI arguments (`--command`, `--arguments`) into the opaque
// parameter bytes a SessionRequest carries.
func (p *Plugin) Parse(args []string) ([]byte, error) {
	var pr params
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--command":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("exec: --command requires a value")
			}
			i++
			pr.Command = args[i]
		case "--arguments":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("exec: --arguments requires a value")
			}
			i++
			pr.Args = strings.Fields(args[i])
		}
	}
	if pr.Command == "" {
		return nil, fmt.Errorf("exec: --command is required")
	}
	return json.Marshal(pr)
}

// isAllowed reports whether command is present in whitelist, honoring
// the "*" wildcard and matching either the full path or its base name —
// identical semantics to internal/rpc.Executor.IsCommandAllowed.
func isAllowed(command string, whitelist []string) bool {
	if len(whitelist) == 0 {
		return false
	}
	for _, w := range whitelist {
		if w == "*" {
			return true
		}
	}
	base := command
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.LastIndex(base, "\\"); idx >= 0 {
		base = base[idx+1:]
	}
	for _, allowed := range whitelist {
		if allowed == base || allowed == command {
			return true
		}
	}
	return false
}

func parseWhitelist(conf service.Config) []string {
	raw, ok := conf["whitelist"]
	if !ok || raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// stdioRelay adapts a separate reader and writer to the single
// io.ReadWriter channel.Channel.Relay expects, so each role (server:
// child output only, client: local stdout only) can leave its unused
// direction inert instead of fabricating a two-way stdio pipe the
// original never had either.
type stdioRelay struct {
	r io.Reader
	w io.Writer
}

func (s stdioRelay) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s stdioRelay) Write(p []byte) (int, error) { return s.w.Write(p) }

// blockingReader never yields data or errors on its own; used to keep
// Relay's local-read goroutine parked instead of exiting, since this
// plugin's client side only ever receives, never sends.
type blockingReader struct{}

func (blockingReader) Read([]byte) (int, error) {
	select {}
}

// Serve is invoked by the protocol engine after CONNECT verified the
// presented capability. It parses sess.Params, checks the whitelist,
// forks the command, and relays its combined stdout/stderr to ch live
// as the process runs — mirroring handle()'s
// cpn_channel_relay(channel, 2, stdout_fds[0], stderr_fds[0]) rather
// than buffering the whole run before replying.
func (p *Plugin) Serve(ctx context.Context, ch *channel.Channel, remote identity.PublicKey, sess *session.Session, conf service.Config) error {
	var pr params
	if err := json.Unmarshal(sess.Params, &pr); err != nil {
		return ch.WriteMessage([]byte("error: malformed parameters"))
	}

	whitelist := parseWhitelist(conf)
	if !isAllowed(pr.Command, whitelist) {
		return ch.WriteMessage([]byte(fmt.Sprintf("error: command %q is not whitelisted", pr.Command)))
	}

	timeout := DefaultTimeout
	if pr.Timeout > 0 {
		timeout = time.Duration(pr.Timeout) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, pr.Command, pr.Args...)

	outR, outW := io.Pipe()
	cmd.Stdout = &limitedWriter{w: outW, limit: MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: outW, limit: MaxOutputSize}

	if err := cmd.Start(); err != nil {
		outW.Close()
		return ch.WriteMessage([]byte(fmt.Sprintf("error: %v", err)))
	}

	relayDone := make(chan error, 1)
	go func() {
		relayDone <- ch.Relay(stdioRelay{r: outR, w: io.Discard})
	}()

	runErr := cmd.Wait()
	outW.Close()
	<-relayDone

	if runErr != nil && execCtx.Err() == context.DeadlineExceeded {
		return ch.WriteMessage([]byte(fmt.Sprintf("command timed out after %v", timeout)))
	}
	return nil
}

// Invoke drives the client side: it relays whatever the server streams
// over ch straight to local stdout, until the server is done and closes
// the connection — mirroring invoke()'s
// cpn_channel_relay(channel, 1, STDOUT_FILENO).
func (p *Plugin) Invoke(ctx context.Context, ch *channel.Channel, args []string, conf service.Config) error {
	err := ch.Relay(stdioRelay{r: blockingReader{}, w: os.Stdout})
	if err != nil && !errors.Is(err, channel.ErrPeerClosed) {
		return fmt.Errorf("exec: relay: %w", err)
	}
	return nil
}

// limitedWriter wraps a writer with a size limit, discarding bytes past
// it rather than erroring — ported from internal/rpc.Executor's writer
// of the same name.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.written >= lw.limit {
		return len(p), nil
	}
	remaining := lw.limit - lw.written
	if len(p) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += n
	return n, err
}
