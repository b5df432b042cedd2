package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nettask/nettaskd/pkg/config"
	"github.com/nettask/nettaskd/pkg/logger"
	"github.com/nettask/nettaskd/pkg/metrics"
	"github.com/nettask/nettaskd/pkg/nms"
	"github.com/nettask/nettaskd/pkg/transport"
	"github.com/nettask/nettaskd/pkg/wire"
)

const version = "1.0.0"

func main() {
	var configPath, serverAddr, identifier string

	root := &cobra.Command{
		Use:           "nettask-agent",
		Short:         "NMS agent: connects to the server over NetTask and receives its tasks",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, serverAddr, identifier)
		},
	}

	var flags *pflag.FlagSet = root.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file (defaults baked in if omitted)")
	flags.StringVar(&serverAddr, "server", "", "override the NetTask server address (host:port)")
	flags.StringVar(&identifier, "identifier", "", "override this agent's identifier (max 32 bytes)")

	if err := root.Execute(); err != nil {
		logger.Fatal("agent: %v", err)
	}
}

func run(configPath, serverAddrFlag, identifierFlag string) error {
	logger.Banner("NetTask Agent", version)

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if serverAddrFlag != "" {
		cfg.ServerAddr = serverAddrFlag
	}
	if identifierFlag != "" {
		cfg.Identifier = identifierFlag
	}
	if cfg.Identifier == "" {
		hostname, _ := os.Hostname()
		cfg.Identifier = hostname
	}

	metricsReg := metrics.New(nil)
	sink := nms.NewLoggingSink(nil)

	serverUDPAddr, err := net.ResolveUDPAddr("udp", cfg.ServerAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return err
	}

	ep, err := transport.New(conn, transport.Options{
		Config:     cfg.Transport,
		Identifier: cfg.Identifier,
		Role:       transport.RoleAgent,
		Metrics:    metricsReg,
		Tasks:      sink,
		OnMessage: func(peer string, typ wire.MessageType, payload []byte) {
			logger.Info("agent: message from %s (type %s, %d bytes)", peer, typ, len(payload))
		},
	})
	if err != nil {
		return err
	}
	ep.AddPeer("server", serverUDPAddr)
	ep.Start()

	if err := ep.SendFirstConnection("server"); err != nil {
		return err
	}
	logger.Success("connected to server at %s as %q", cfg.ServerAddr, cfg.Identifier)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	logger.Info("agent: shutting down")
	if err := ep.SendEndOfConnection("server"); err != nil {
		logger.Warn("agent: %v", err)
	}
	return ep.Shutdown()
}
