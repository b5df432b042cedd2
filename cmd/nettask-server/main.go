package main

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nettask/nettaskd/pkg/alertflow"
	"github.com/nettask/nettaskd/pkg/config"
	"github.com/nettask/nettaskd/pkg/logger"
	"github.com/nettask/nettaskd/pkg/metrics"
	"github.com/nettask/nettaskd/pkg/nms"
	"github.com/nettask/nettaskd/pkg/transport"
	"github.com/nettask/nettaskd/pkg/wire"
)

const version = "1.0.0"

func main() {
	var configPath, udpListen, tcpListen, metricsListen string

	root := &cobra.Command{
		Use:           "nettask-server",
		Short:         "NMS server: NetTask reliable-datagram endpoint plus AlertFlow listener",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, udpListen, tcpListen, metricsListen)
		},
	}

	var flags *pflag.FlagSet = root.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file (defaults baked in if omitted)")
	flags.StringVar(&udpListen, "udp-listen", "", "override the NetTask UDP listen address")
	flags.StringVar(&tcpListen, "tcp-listen", "", "override the AlertFlow TCP listen address")
	flags.StringVar(&metricsListen, "metrics-listen", "", "override the Prometheus /metrics listen address")

	if err := root.Execute(); err != nil {
		logger.Fatal("server: %v", err)
	}
}

func run(configPath, udpListen, tcpListen, metricsListen string) error {
	logger.Banner("NetTask Server", version)

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if udpListen != "" {
		cfg.UDPListen = udpListen
	}
	if tcpListen != "" {
		cfg.TCPListen = tcpListen
	}
	if metricsListen != "" {
		cfg.MetricsListen = metricsListen
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	metricsReg := metrics.New(reg)

	sink := nms.NewLoggingSink(nil)

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.UDPListen)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}

	ep, err := transport.New(conn, transport.Options{
		Config:     cfg.Transport,
		Identifier: "server",
		Role:       transport.RoleServer,
		Metrics:    metricsReg,
		Tasks:      sink,
		OnMessage: func(peer string, typ wire.MessageType, payload []byte) {
			if typ == wire.TypeSendMetrics {
				var decoded map[string]any
				if err := json.Unmarshal(payload, &decoded); err == nil {
					sink.SaveMetrics(peer, decoded)
					return
				}
			}
			logger.Info("server: message from %s (type %s, %d bytes)", peer, typ, len(payload))
		},
	})
	if err != nil {
		return err
	}
	ep.Start()
	logger.Success("NetTask endpoint listening on %s", cfg.UDPListen)

	go func() {
		if err := alertflow.Serve(cfg.TCPListen, sink, metricsReg, nil); err != nil {
			logger.Error("alertflow: %v", err)
		}
	}()
	logger.Success("AlertFlow listener on %s", cfg.TCPListen)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	httpServer := &http.Server{Addr: cfg.MetricsListen, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics: %v", err)
		}
	}()
	logger.Success("Metrics exposed on %s/metrics", cfg.MetricsListen)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	logger.Info("server: shutting down")
	if err := ep.Shutdown(); err != nil {
		logger.Error("server: %v", err)
	}
	_ = httpServer.Close()
	return nil
}
