// Package main provides the cpn client CLI: identity management plus the
// four protocol verbs (query, request, connect, terminate) driven
// directly against a running cpn-server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/capone-project/cpn/internal/cap"
	"github.com/capone-project/cpn/internal/channel"
	"github.com/capone-project/cpn/internal/identity"
	"github.com/capone-project/cpn/internal/proto"
	"github.com/capone-project/cpn/internal/service/exec"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "cpn",
		Short:   "cpn talks to a Capone session protocol server",
		Version: Version,
	}

	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(terminateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the client's long-term signing identity",
	}
	cmd.AddCommand(identityGenerateCmd())
	cmd.AddCommand(identityPassphraseCmd())
	return cmd
}

func identityGenerateCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new Ed25519 identity",
		Long: `Generate a new Ed25519 keypair and persist it under --data-dir.

You will be prompted for a passphrase; its bcrypt hash is printed
alongside the keypair so it can be stored in a config file and checked
later with 'cpn identity check-passphrase'.
The passphrase itself is never persisted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity.Exists(dataDir) {
				return fmt.Errorf("identity already exists in %s", dataDir)
			}

			kp, _, err := identity.LoadOrCreate(dataDir)
			if err != nil {
				return fmt.Errorf("generate identity: %w", err)
			}

			fmt.Print("Enter a passphrase to protect this identity (optional, empty to skip): ")
			passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("read passphrase: %w", err)
			}

			fmt.Printf("Identity generated in %s\n", dataDir)
			fmt.Printf("Public key: %s\n", kp.Public.String())

			if len(passphrase) > 0 {
				hash, err := bcrypt.GenerateFromPassword(passphrase, bcrypt.DefaultCost)
				if err != nil {
					return fmt.Errorf("hash passphrase: %w", err)
				}
				fmt.Printf("Passphrase hash (store alongside the identity, not the passphrase itself):\n  %s\n", hash)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory to persist the new identity")
	return cmd
}

func identityPassphraseCmd() *cobra.Command {
	var hash string

	cmd := &cobra.Command{
		Use:   "check-passphrase",
		Short: "Verify a passphrase against a previously generated bcrypt hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print("Enter passphrase: ")
			passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("read passphrase: %w", err)
			}
			if err := bcrypt.CompareHashAndPassword([]byte(hash), passphrase); err != nil {
				return fmt.Errorf("passphrase does not match")
			}
			fmt.Println("Passphrase OK")
			return nil
		},
	}

	cmd.Flags().StringVar(&hash, "hash", "", "bcrypt hash produced by 'identity generate'")
	cmd.MarkFlagRequired("hash")
	return cmd
}

// dialClient loads the client's own identity, parses the server's
// expected public key, and dials addr, returning a channel ready for
// proto.Client's handshake. blockLen must match the server's configured
// core.block_len (spec.md §6.4) since both ends frame the wire in fixed
// blocks of that size.
func dialClient(dataDir, serverKeyHex, addr string, blockLen int) (*proto.Client, *channel.Channel, error) {
	kp, err := identity.Load(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load client identity: %w", err)
	}
	serverKey, err := identity.ParsePublicKey(serverKeyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("parse --server-key: %w", err)
	}

	host, portStr, err := splitHostPort(addr)
	if err != nil {
		return nil, nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, nil, fmt.Errorf("parse port %q: %w", portStr, err)
	}

	ch, err := channel.OpenFromHost(host, port, channel.TransportTCP)
	if err != nil {
		return nil, nil, fmt.Errorf("open channel to %s: %w", addr, err)
	}
	if blockLen > 0 {
		if err := ch.SetBlockLen(blockLen); err != nil {
			return nil, nil, fmt.Errorf("set --block-len: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	return &proto.Client{Identity: kp, ServerIdentity: serverKey}, ch, nil
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("address %q must be host:port", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

func addFlags(cmd *cobra.Command, dataDir, serverKey, addr *string, blockLen *int) {
	cmd.Flags().StringVarP(dataDir, "data-dir", "d", "./data", "Directory holding this client's identity")
	cmd.Flags().StringVar(serverKey, "server-key", "", "Hex-encoded public key the server must present")
	cmd.Flags().StringVarP(addr, "address", "a", "127.0.0.1:43273", "Server address (host:port)")
	cmd.Flags().IntVar(blockLen, "block-len", channel.DefaultBlockLen, "Framing block size; must match the server's core.block_len")
	cmd.MarkFlagRequired("server-key")
}

func queryCmd() *cobra.Command {
	var dataDir, serverKey, addr string
	var blockLen int

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Ask a server to describe the service it offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ch, err := dialClient(dataDir, serverKey, addr, blockLen)
			if err != nil {
				return err
			}
			defer ch.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			desc, err := client.Query(ctx, ch)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}

			fmt.Printf("Service:  %s (%s)\n", desc.Name, desc.Type)
			fmt.Printf("Category: %s\n", desc.Category)
			fmt.Printf("Version:  %s\n", desc.Version)
			fmt.Printf("Location: %s:%s\n", desc.Location, desc.Port)
			return nil
		},
	}

	addFlags(cmd, &dataDir, &serverKey, &addr, &blockLen)
	return cmd
}

func requestCmd() *cobra.Command {
	var dataDir, serverKey, addr, command, arguments string
	var blockLen int

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a session, printing its identifier and delegated capability",
		Long: `Request asks the server to create a session for the given service
parameters. The returned identifier and capability string must be passed
to 'cpn connect' (or 'cpn terminate') to act on the session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ch, err := dialClient(dataDir, serverKey, addr, blockLen)
			if err != nil {
				return err
			}
			defer ch.Close()

			var params []byte
			if command != "" {
				plugin := exec.New()
				argv := []string{"--command", command}
				if arguments != "" {
					argv = append(argv, "--arguments", arguments)
				}
				params, err = plugin.Parse(argv)
				if err != nil {
					return fmt.Errorf("build request parameters: %w", err)
				}
			} else {
				params, err = json.Marshal(struct{}{})
				if err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			identifier, capability, err := client.Request(ctx, ch, params)
			if err != nil {
				return fmt.Errorf("request: %w", err)
			}

			fmt.Printf("Session identifier: %d\n", identifier)
			fmt.Printf("Capability:         %s\n", capability.String())
			return nil
		},
	}

	addFlags(cmd, &dataDir, &serverKey, &addr, &blockLen)
	cmd.Flags().StringVar(&command, "command", "", "Command for the exec service (omit for services with no parameters)")
	cmd.Flags().StringVar(&arguments, "arguments", "", "Space-separated arguments for --command")
	return cmd
}

func connectCmd() *cobra.Command {
	var dataDir, serverKey, addr, identifier, capabilityStr string
	var blockLen int

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Consume a session, handing the channel to the service's client side",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ch, err := dialClient(dataDir, serverKey, addr, blockLen)
			if err != nil {
				return err
			}
			defer ch.Close()

			capability, err := cap.Parse(capabilityStr)
			if err != nil {
				return fmt.Errorf("parse --capability: %w", err)
			}
			id, err := parseIdentifier(identifier)
			if err != nil {
				return err
			}

			start := time.Now()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := client.Connect(ctx, ch, id, capability); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			fmt.Printf("Connected, handshake %s\n", humanize.Time(start))

			plugin := exec.New()
			return plugin.Invoke(ctx, ch, nil, nil)
		},
	}

	addFlags(cmd, &dataDir, &serverKey, &addr, &blockLen)
	cmd.Flags().StringVar(&identifier, "identifier", "", "Session identifier returned by 'cpn request'")
	cmd.Flags().StringVar(&capabilityStr, "capability", "", "Capability string returned by 'cpn request'")
	cmd.MarkFlagRequired("identifier")
	cmd.MarkFlagRequired("capability")
	return cmd
}

func terminateCmd() *cobra.Command {
	var dataDir, serverKey, addr, identifier, capabilityStr string
	var blockLen int

	cmd := &cobra.Command{
		Use:   "terminate",
		Short: "Terminate a session early using a capability carrying the TERM right",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ch, err := dialClient(dataDir, serverKey, addr, blockLen)
			if err != nil {
				return err
			}
			defer ch.Close()

			capability, err := cap.Parse(capabilityStr)
			if err != nil {
				return fmt.Errorf("parse --capability: %w", err)
			}
			id, err := parseIdentifier(identifier)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := client.Terminate(ctx, ch, id, capability); err != nil {
				return fmt.Errorf("terminate: %w", err)
			}
			fmt.Println("Terminate sent")
			return nil
		},
	}

	addFlags(cmd, &dataDir, &serverKey, &addr, &blockLen)
	cmd.Flags().StringVar(&identifier, "identifier", "", "Session identifier to terminate")
	cmd.Flags().StringVar(&capabilityStr, "capability", "", "Capability string carrying the TERM right")
	cmd.MarkFlagRequired("identifier")
	cmd.MarkFlagRequired("capability")
	return cmd
}

func parseIdentifier(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse --identifier: %w", err)
	}
	return uint32(n), nil
}
