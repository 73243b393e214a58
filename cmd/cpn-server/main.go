// Package main provides the CLI entry point for the cpn-server daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/capone-project/cpn/internal/channel"
	"github.com/capone-project/cpn/internal/config"
	"github.com/capone-project/cpn/internal/identity"
	"github.com/capone-project/cpn/internal/logging"
	"github.com/capone-project/cpn/internal/metrics"
	"github.com/capone-project/cpn/internal/proto"
	"github.com/capone-project/cpn/internal/recovery"
	"github.com/capone-project/cpn/internal/service"
	"github.com/capone-project/cpn/internal/service/capbroker"
	"github.com/capone-project/cpn/internal/service/exec"
	"github.com/capone-project/cpn/internal/session"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "cpn-server",
		Short:   "cpn-server runs the Capone session protocol daemon",
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a long-term signing identity",
		Long:  "Generate (or display) the Ed25519 identity this server authenticates as during the handshake.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity.Exists(dataDir) {
				kp, err := identity.Load(dataDir)
				if err != nil {
					return fmt.Errorf("load existing identity: %w", err)
				}
				fmt.Printf("Identity already present in %s\n", dataDir)
				fmt.Printf("Public key: %s\n", kp.Public.String())
				return nil
			}

			kp, created, err := identity.LoadOrCreate(dataDir)
			if err != nil {
				return fmt.Errorf("initialize identity: %w", err)
			}
			if created {
				fmt.Printf("Identity generated in %s\n", dataDir)
			}
			fmt.Printf("Public key: %s\n", kp.Public.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for the persisted identity")
	return cmd
}

func runCmd() *cobra.Command {
	var configPath string
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the cpn-server daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

			m := metrics.NewMetrics()
			if cfg.MetricsAddr != "" {
				go serveMetrics(cfg.MetricsAddr, log)
			}

			srv, err := buildServer(cfg, log, m)
			if err != nil {
				return fmt.Errorf("build server: %w", err)
			}

			ln, err := net.Listen("tcp", listenAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listenAddr, err)
			}
			log.Info("cpn-server listening", "address", listenAddr, "public_key", cfg.Identity.Public.ShortString())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go acceptLoop(ctx, ln, srv, log)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			log.Info("received signal, shutting down", "signal", sig.String())

			if cb, ok := srv.Service.(*capbroker.Plugin); ok {
				if err := cb.Broker().SaveLog(); err != nil {
					log.Warn("failed to persist registrant log", "error", err)
				}
			}

			cancel()
			return ln.Close()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./cpn-server.ini", "Path to the INI configuration file")
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", ":43273", "Address to accept connections on")
	return cmd
}

// buildServer wires one service plugin (the first configured service
// section) into a proto.Server. Supporting more than one plugin per
// listener is left for a future cpn-server revision that multiplexes by
// port or by a service-selector in the QUERY response.
func buildServer(cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (*proto.Server, error) {
	var plugin service.Plugin
	var conf service.Config
	var category, location, port string

	if len(cfg.Services) > 0 {
		svc := cfg.Services[0]
		conf = service.Config(svc.Params)
		category, location, port = svc.Type, svc.Location, svc.Port

		switch svc.Type {
		case "exec":
			plugin = exec.New()
		case "capbroker":
			cb := capbroker.NewPlugin()
			if logPath := svc.Params["registrant_log"]; logPath != "" {
				if err := cb.Broker().LoadLog(logPath); err != nil {
					log.Warn("no existing registrant log to restore", "path", logPath, "error", err)
				}
				cb.Broker().SetLogPath(logPath)
			}
			plugin = cb
		default:
			return nil, fmt.Errorf("unknown service type %q", svc.Type)
		}
	} else {
		plugin = exec.New()
	}

	return &proto.Server{
		Identity:   cfg.Identity,
		QueryACL:   cfg.QueryACL,
		RequestACL: cfg.RequestACL,
		Store:      session.NewStore(),
		Service:    plugin,
		Config:     conf,
		Category:   category,
		Location:   location,
		Port:       port,

		HandshakeTimeout: time.Duration(cfg.HandshakeTimeout) * time.Second,
		BlockLen:         cfg.BlockLen,
		Logger:           log,
		Metrics:          m,
	}, nil
}

func acceptLoop(ctx context.Context, ln net.Listener, srv *proto.Server, log *slog.Logger) {
	defer recovery.RecoverWithLog(log, "cpn-server.acceptLoop")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Error("accept failed", "error", err)
			return
		}
		ch := channel.OpenFromFD(conn, conn.RemoteAddr(), channel.TransportTCP)
		if srv.BlockLen > 0 {
			if err := ch.SetBlockLen(srv.BlockLen); err != nil {
				log.Error("invalid configured block_len, closing connection", "block_len", srv.BlockLen, "error", err)
				ch.Close()
				continue
			}
		}
		go srv.HandleConnection(ctx, ch)
	}
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("metrics endpoint listening", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server failed", "error", err)
	}
}
