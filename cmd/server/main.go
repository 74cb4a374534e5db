// Command server runs one broker node of the plexus fabric.
//
// Usage:
//
//	server <broker_dir>                  start as cluster leader
//	server <broker_dir> <ip> <port>      join the leader at ip:port
//	server <broker_dir> -f <path>        join, reading ip= and port= from a
//	                                     key=value properties file
//
// broker_dir is where topics are persisted. When broker_dir contains a
// server.yaml it is loaded for ports, store engine and debug flags;
// otherwise the reference defaults apply (client port 29621, peer port
// 29622, file store).
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/tenzoki/plexus/internal/broker"
	"github.com/tenzoki/plexus/internal/config"
	"github.com/tenzoki/plexus/internal/store"
	"github.com/tenzoki/plexus/internal/topic"
	"github.com/tenzoki/plexus/internal/wire"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <broker_dir> [<ip> <port> | -f <path>]\n", os.Args[0])
	os.Exit(2)
}

func main() {
	if len(os.Args) != 2 && len(os.Args) != 4 {
		usage()
	}

	brokerDir := os.Args[1]
	if fi, err := os.Stat(brokerDir); err != nil || !fi.IsDir() {
		log.Printf("Broker directory %s does not exist", brokerDir)
		os.Exit(1)
	}

	cfg := loadConfig(brokerDir)

	// A third and fourth argument make this node a follower.
	if len(os.Args) == 4 {
		leader, err := leaderEndpoint(os.Args[2], os.Args[3])
		if err != nil {
			log.Printf("Bad leader endpoint: %v", err)
			os.Exit(2)
		}
		cfg.Leader = leader
	}

	dao, err := openStore(cfg, brokerDir)
	if err != nil {
		log.Printf("Opening topic store: %v", err)
		os.Exit(1)
	}
	defer dao.Close()

	manager := topic.NewManager(dao, cfg.Debug)
	if err := manager.Load(); err != nil {
		log.Printf("Loading topics: %v", err)
		os.Exit(1)
	}

	var leaderCI *wire.ConnectionInfo
	if cfg.Leader != nil {
		leaderCI = &wire.ConnectionInfo{Address: cfg.Leader.IP, Port: uint16(cfg.Leader.Port)}
	}
	node := broker.New(broker.Config{
		Address:    cfg.Address,
		ClientPort: uint16(cfg.ClientPort),
		PeerPort:   uint16(cfg.PeerPort),
		Leader:     leaderCI,
		Debug:      cfg.Debug,
	}, manager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down", sig)
		cancel()
	}()

	log.Printf("Starting broker in %s (clients :%d, peers :%d, store %s)",
		brokerDir, cfg.ClientPort, cfg.PeerPort, cfg.Store)
	if err := node.Start(ctx); err != nil {
		log.Printf("Broker failed: %v", err)
		os.Exit(1)
	}
}

// loadConfig reads broker_dir/server.yaml when present and falls back to
// defaults otherwise.
func loadConfig(brokerDir string) *config.Server {
	path := filepath.Join(brokerDir, "server.yaml")
	if _, err := os.Stat(path); err == nil {
		cfg, err := config.LoadServer(path)
		if err != nil {
			log.Printf("Loading %s: %v", path, err)
			os.Exit(1)
		}
		return cfg
	}
	return &config.Server{
		Address:    "localhost",
		ClientPort: broker.DefaultClientPort,
		PeerPort:   broker.DefaultPeerPort,
		Store:      config.StoreFile,
	}
}

// leaderEndpoint parses either "<ip> <port>" or "-f <path>".
func leaderEndpoint(first, second string) (*config.Endpoint, error) {
	if first == "-f" {
		return config.LoadEndpointProperties(second)
	}
	port, err := strconv.Atoi(second)
	if err != nil {
		return nil, fmt.Errorf("port %q is not a number", second)
	}
	ep := &config.Endpoint{IP: first, Port: port}
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	return ep, nil
}

// openStore builds the configured TopicDAO rooted in the broker dir.
func openStore(cfg *config.Server, brokerDir string) (store.TopicDAO, error) {
	switch cfg.Store {
	case config.StoreBadger:
		return store.NewBadgerStore(filepath.Join(brokerDir, "badger"), cfg.Debug)
	default:
		return store.NewFileStore(brokerDir, cfg.Debug)
	}
}
