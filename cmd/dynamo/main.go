package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/api"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/config"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/core"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/factory"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/logger"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/relay"
)

type flagValues struct {
	listen        []int
	tlsPort       int
	surrogate     string
	localhostOnly bool
	documentRoot  string
	handlers      []string
	poller        string
	debug         bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var flags flagValues
	cmd := &cobra.Command{
		Use:           "dynamo",
		Short:         "Embedded HTTP server, forward proxy and CONNECT tunnel",
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			applyFlags(cmd, cfg, flags)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().IntSliceVar(&flags.listen, "listen", nil, "plain HTTP listen ports (overrides LISTEN_PORTS)")
	cmd.Flags().IntVar(&flags.tlsPort, "tls-port", 0, "TLS listen port, 0 disables (overrides TLS_PORT)")
	cmd.Flags().StringVar(&flags.surrogate, "surrogate", "", "relay every TLS connection to this plain HTTP URL")
	cmd.Flags().BoolVar(&flags.localhostOnly, "localhost-only", false, "bind listeners to 127.0.0.1 only")
	cmd.Flags().StringVar(&flags.documentRoot, "document-root", "", "document handler root directory")
	cmd.Flags().StringSliceVar(&flags.handlers, "handlers", nil, "ordered handler chain (logging,connect,proxy,documents,sessions-demo)")
	cmd.Flags().StringVar(&flags.poller, "poller", "", "relay readiness primitive (select or poll)")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "enable debug logging")
	return cmd
}

// applyFlags overrides configuration with the flags that were set
// explicitly.
func applyFlags(cmd *cobra.Command, cfg *config.Config, flags flagValues) {
	set := cmd.Flags().Changed
	if set("listen") {
		cfg.ListenPorts = flags.listen
	}
	if set("tls-port") {
		cfg.TLSPort = flags.tlsPort
	}
	if set("surrogate") {
		cfg.TLSSurrogate = flags.surrogate
	}
	if set("localhost-only") {
		cfg.LocalhostOnly = flags.localhostOnly
	}
	if set("document-root") {
		cfg.DocumentRoot = flags.documentRoot
	}
	if set("handlers") {
		cfg.HandlerChain = flags.handlers
	}
	if set("poller") {
		cfg.RelayPoller = flags.poller
	}
	if set("debug") {
		cfg.Debug = flags.debug
	}
}

func run(cfg *config.Config) error {
	if cfg.Debug {
		os.Setenv("DEBUG", "true")
	}
	logger.Init()
	logger.Info("Starting dynamo...",
		"listen_ports", cfg.ListenPorts,
		"tls_port", cfg.TLSPort,
		"runtime", cfg.Runtime,
		"discovery", cfg.DiscoveryMode,
		"handlers", cfg.HandlerChain)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Start health server
	healthServer := api.NewHealthServer(":"+cfg.HealthServerPort, registry)
	healthServer.Start()

	resolver, clientset, err := factory.NewResolverFactory(cfg).Create(ctx)
	if err != nil {
		logger.Fatal("Failed to create resolver", "error", err)
	}

	poller, err := relay.NewPoller(cfg.RelayPoller)
	if err != nil {
		logger.Fatal("Failed to create relay poller", "error", err)
	}
	scheduler := relay.New(relay.Options{
		PollInterval: cfg.RelayPollInterval,
		ReadAhead:    cfg.RelayReadAhead,
		PacketSize:   cfg.RelayPacketSize,
		Metrics:      relay.NewMetrics(registry),
	}, poller)

	chain, err := factory.NewChainFactory(cfg).Create(resolver, scheduler)
	if err != nil {
		logger.Fatal("Failed to create handler chain", "error", err)
	}
	if chain.Sessions != nil {
		go chain.Sessions.Run(ctx)
	}

	var servers []*core.Server
	for _, port := range cfg.ListenPorts {
		ln := listen(port, cfg.LocalhostOnly)
		server := &core.Server{Listener: ln, Handlers: chain.Handlers}
		servers = append(servers, server)
		go serve(server.Serve)
	}

	if cfg.TLSEnabled() {
		tlsFactory := factory.NewTLSFactory(cfg)
		tlsProvider, err := tlsFactory.Create(ctx, clientset)
		if err != nil {
			logger.Fatal("Failed to create TLS provider", "error", err)
		}
		// Ensure certificate exists (load or generate)
		if err := tlsFactory.EnsureCertificate(ctx, tlsProvider); err != nil {
			logger.Fatal("Failed to ensure certificate", "error", err)
		}

		server := &core.Server{
			Listener:  listen(cfg.TLSPort, cfg.LocalhostOnly),
			Handlers:  chain.Handlers,
			TLSConfig: tlsFactory.ServerConfig(ctx, tlsProvider),
			Surrogate: cfg.TLSSurrogate,
			Resolver:  resolver,
			Relay:     scheduler,
		}
		servers = append(servers, server)
		go serve(server.ServeTLS)
	}

	// Mark as ready
	healthServer.SetReady(true)
	logger.Info("Dynamo is ready to accept connections")

	<-ctx.Done()
	logger.Info("Shutting down")
	healthServer.SetReady(false)
	for _, s := range servers {
		s.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return healthServer.Stop(shutdownCtx)
}

func listen(port int, localhostOnly bool) net.Listener {
	ln, bound, err := core.Listen(port, localhostOnly)
	if err != nil {
		logger.Fatal("Failed to start listener", "port", port, "error", err)
	}
	logger.Info("Listening", "port", bound, "localhost_only", localhostOnly)
	return ln
}

func serve(fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Error("Server error", "error", err)
	}
}
