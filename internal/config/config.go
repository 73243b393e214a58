// Package config loads Capone's INI-style configuration: the core
// section (identity, logging, ACLs, framing/timeout knobs) and a
// repeated service.<name> section per plugin instance the daemon serves.
// Grounded on the teacher's internal/config for the load-once,
// parse-into-a-struct shape, but switched from the teacher's YAML
// (gopkg.in/yaml.v3) to github.com/vaughan0/go-ini, because spec.md §6 is
// explicit that Capone's configuration is INI-style key/value pairs in
// sections — see DESIGN.md.
package config

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	ini "github.com/vaughan0/go-ini"

	"github.com/capone-project/cpn/internal/acl"
	"github.com/capone-project/cpn/internal/identity"
)

// ServiceConfig is one [service.<name>] section: the plugin to load, the
// address it's reachable at, and whatever plugin-specific keys that
// section also carries (passed through to service.Config verbatim).
type ServiceConfig struct {
	Name     string
	Type     string
	Port     string
	Location string

	// Params carries every key in the section, including name/type/port/
	// location — a plugin can read its own keys directly by name without
	// the core having to know them.
	Params map[string]string
}

// Config is the fully parsed, validated configuration for one cpn-server
// process.
type Config struct {
	Name      string
	Identity  *identity.KeyPair
	LogLevel  string
	LogFormat string

	MetricsAddr string

	QueryACL   *acl.ACL
	RequestACL *acl.ACL

	BlockLen         int
	HandshakeTimeout int // seconds

	Services []ServiceConfig
}

// Defaults applied when a core key is absent, matching the teacher's
// pattern of a DefaultConfig() plus override-by-file.
const (
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultBlockLen         = 512
	defaultHandshakeTimeout = 10
)

// Load reads and validates the INI file at path.
func Load(path string) (*Config, error) {
	file, err := ini.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return FromFile(file)
}

// FromFile builds a Config from an already-parsed INI file, split out
// from Load so tests can exercise it without touching the filesystem.
func FromFile(file ini.File) (*Config, error) {
	core := file["core"]

	name, ok := core["name"]
	if !ok || name == "" {
		return nil, fmt.Errorf("config: core.name is required")
	}

	pubHex, ok := core["public_key"]
	if !ok {
		return nil, fmt.Errorf("config: core.public_key is required")
	}
	secHex, ok := core["secret_key"]
	if !ok {
		return nil, fmt.Errorf("config: core.secret_key is required")
	}

	kp, err := keyPairFromHex(pubHex, secHex)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := &Config{
		Name:      name,
		Identity:  kp,
		LogLevel:  valueOr(core, "log_level", defaultLogLevel),
		LogFormat: valueOr(core, "log_format", defaultLogFormat),

		MetricsAddr: core["metrics_addr"],

		BlockLen:         defaultBlockLen,
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	if v, ok := core["block_len"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: core.block_len: %w", err)
		}
		cfg.BlockLen = n
	}
	if v, ok := core["handshake_timeout"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: core.handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = n
	}

	cfg.QueryACL, err = parseACL(core["query_acl"])
	if err != nil {
		return nil, fmt.Errorf("config: core.query_acl: %w", err)
	}
	cfg.RequestACL, err = parseACL(core["request_acl"])
	if err != nil {
		return nil, fmt.Errorf("config: core.request_acl: %w", err)
	}

	for sectionName, section := range file {
		if sectionName == "core" || !strings.HasPrefix(sectionName, "service.") {
			continue
		}
		svc := ServiceConfig{
			Name:     section["name"],
			Type:     section["type"],
			Port:     section["port"],
			Location: section["location"],
			Params:   map[string]string(section),
		}
		if svc.Type == "" {
			return nil, fmt.Errorf("config: section [%s] missing service.type", sectionName)
		}
		cfg.Services = append(cfg.Services, svc)
	}

	return cfg, nil
}

func valueOr(section ini.Section, key, def string) string {
	if v, ok := section[key]; ok && v != "" {
		return v
	}
	return def
}

func keyPairFromHex(pubHex, secHex string) (*identity.KeyPair, error) {
	pub, err := identity.ParsePublicKey(pubHex)
	if err != nil {
		return nil, fmt.Errorf("parse public_key: %w", err)
	}

	secBytes, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(secHex, "0x")))
	if err != nil {
		return nil, fmt.Errorf("parse secret_key: %w", err)
	}
	if len(secBytes) != identity.PrivateKeySize {
		return nil, fmt.Errorf("secret_key must be %d bytes, got %d", identity.PrivateKeySize, len(secBytes))
	}

	kp := &identity.KeyPair{Public: pub}
	copy(kp.Private[:], secBytes)
	return kp, nil
}

// parseACL reads repeated "pubkey_hex=rights" entries, separated by
// commas or newlines since an INI value may only span one physical
// line without continuation syntax this parser supports. An empty value
// yields an empty (deny-all) ACL; the literal key "*" installs a
// wildcard entry.
func parseACL(value string) (*acl.ACL, error) {
	a := acl.New()
	value = strings.TrimSpace(value)
	if value == "" {
		return a, nil
	}

	for _, entry := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == '\n' }) {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idx := strings.LastIndex(entry, "=")
		if idx < 0 {
			return nil, fmt.Errorf("malformed entry %q: expected key=rights", entry)
		}
		keyPart, rightsPart := entry[:idx], entry[idx+1:]

		var key identity.PublicKey
		if keyPart != "*" {
			pk, err := identity.ParsePublicKey(keyPart)
			if err != nil {
				return nil, fmt.Errorf("entry %q: %w", entry, err)
			}
			key = pk
		}

		rights, err := parseRights(rightsPart)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", entry, err)
		}
		a.Add(key, rights)
	}

	return a, nil
}

func parseRights(s string) (acl.Right, error) {
	var r acl.Right
	for _, ch := range s {
		switch ch {
		case 'x':
			r |= acl.RightExec
		case 't':
			r |= acl.RightTerm
		default:
			return 0, fmt.Errorf("unknown rights letter %q", ch)
		}
	}
	if r == 0 {
		return 0, fmt.Errorf("no rights specified")
	}
	return r, nil
}
