package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TeoSlayer/drpmesh/pkg/config"
	"github.com/TeoSlayer/drpmesh/pkg/logging"
	"github.com/TeoSlayer/drpmesh/pkg/node"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
	"github.com/TeoSlayer/drpmesh/pkg/rest"
)

func main() {
	configPath := flag.String("config", "", "path to config file (JSON)")
	nodeID := flag.String("id", "", "node ID (default: generated from hostname)")
	roles := flag.String("roles", "Provider", "comma-separated roles (Registry, Broker, Provider, Sidecar)")
	listenAddr := flag.String("listen", "", "HTTP/WebSocket listen address (empty = outbound only)")
	nodeURL := flag.String("url", "", "advertised ws:// URL (default: derived from -listen)")
	registries := flag.String("registry", "", "comma-separated registry URLs")
	zone := flag.String("zone", "", "zone for this node's services")
	hostname := flag.String("hostname", "", "host name used in generated node IDs")
	restRoute := flag.String("rest-route", node.DefaultRestRoute, "HTTP route of the path REST bridge")
	restBase := flag.String("rest-base", "", "path prepended to every REST lookup (slash-separated)")
	corsOrigins := flag.String("cors", "", "comma-separated CORS origins (* allows all)")
	webhookURL := flag.String("webhook", "", "HTTP(S) URL receiving registry events")
	meshKey := flag.String("mesh-key", "", "shared key required on hello")
	withEcho := flag.Bool("with-echo", false, "host the built-in Echo service")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "log format (text, json)")
	flag.Parse()

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		config.ApplyToFlags(cfg)
	}
	config.ApplyEnv(flag.CommandLine, "DRP")

	logging.Setup(*logLevel, *logFormat)

	var nodeRoles []protocol.Role
	for _, name := range config.SplitList(*roles) {
		r, ok := protocol.ParseRole(name)
		if !ok {
			log.Fatalf("unknown role %q", name)
		}
		nodeRoles = append(nodeRoles, r)
	}

	n := node.New(node.Config{
		NodeID:       *nodeID,
		Roles:        nodeRoles,
		ListenAddr:   *listenAddr,
		NodeURL:      *nodeURL,
		RegistryURLs: config.SplitList(*registries),
		Zone:         *zone,
		HostID:       *hostname,
		MeshKey:      *meshKey,
		WebhookURL:   *webhookURL,
		RestRoute:    *restRoute,
		RestBasePath: rest.SplitPath(*restBase),
		CORSOrigins:  config.SplitList(*corsOrigins),
	})
	if *withEcho {
		n.AddService(node.NewEchoService(n.ID()))
	}

	if err := n.Start(); err != nil {
		log.Fatalf("node start: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.Shutdown(ctx); err != nil {
		slog.Warn("shutdown", "error", err)
	}
}
