// Package service defines the plugin contract the protocol engine invokes
// for CONNECT (serve side) and the cpn CLI invokes for REQUEST/CONNECT
// (client side). Grounded on the original source's service vtable
// (lib/service.h's `struct cpn_service { serve, invoke, parse, ... }`)
// and restated as a Go interface the way the teacher expresses its
// internal/service plugin registry.
package service

import (
	"context"

	"github.com/capone-project/cpn/internal/channel"
	"github.com/capone-project/cpn/internal/identity"
	"github.com/capone-project/cpn/internal/session"
)

// Config carries a plugin's per-service configuration, parsed out of its
// INI section by internal/config. The core never interprets these
// values; only the plugin they're addressed to does.
type Config map[string]string

// Plugin is the unit of server-side functionality CONNECT hands a
// channel to, and the unit of client-side functionality the cpn CLI
// invokes to drive a session from the requesting side.
type Plugin interface {
	// Name identifies the plugin for QUERY responses and config lookup
	// (config's service.type selects a Plugin by this name).
	Name() string

	// Type is the service category reported in a QUERY's
	// ServiceDescription (the original's notion of "exec", "capbroker",
	// etc. as a family rather than a specific version).
	Type() string

	// Version is reported verbatim in a QUERY response.
	Version() string

	// Serve runs the server side of a session after CONNECT has verified
	// the presented capability and removed the session from the store.
	// The channel is exclusively owned by this call for its duration;
	// closing it is the caller's (proto.Server's) responsibility.
	Serve(ctx context.Context, ch *channel.Channel, remote identity.PublicKey, sess *session.Session, conf Config) error

	// Invoke runs the client side of a session after CONNECT has
	// succeeded, driving whatever exchange Serve expects.
	Invoke(ctx context.Context, ch *channel.Channel, args []string, conf Config) error

	// Parse turns CLI-style arguments into the opaque parameter bytes a
	// SessionRequest carries; Serve receives these back unchanged via
	// sess.Params.
	Parse(args []string) ([]byte, error)
}
