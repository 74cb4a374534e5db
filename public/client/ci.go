// Package client implements the publisher and consumer halves of a fabric
// client. Every public operation is asynchronous: it runs on its own
// goroutine, opens exactly one TCP connection to the broker that owns the
// topic, performs one protocol exchange, and reports its outcome through
// a completion callback. Topic ownership is resolved once per topic via
// BROKER_DISCOVERY against the default broker and cached for the session.
package client

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/tenzoki/plexus/internal/wire"
)

// CIManager resolves and caches the owning broker per topic. The cache is
// never invalidated during a session; a rebalanced cluster needs fresh
// clients.
type CIManager struct {
	defaultBroker wire.ConnectionInfo
	debug         bool

	mu    sync.Mutex
	cache map[string]wire.ConnectionInfo
}

// NewCIManager creates a resolver that queries the given default broker,
// normally the cluster leader.
func NewCIManager(defaultBroker wire.ConnectionInfo, debug bool) *CIManager {
	return &CIManager{
		defaultBroker: defaultBroker,
		debug:         debug,
		cache:         make(map[string]wire.ConnectionInfo),
	}
}

// OwnerOf returns the broker owning the topic, asking the default broker
// on the first miss.
func (m *CIManager) OwnerOf(topic string) (wire.ConnectionInfo, error) {
	m.mu.Lock()
	ci, ok := m.cache[topic]
	m.mu.Unlock()
	if ok {
		return ci, nil
	}

	conn, err := net.Dial("tcp", m.defaultBroker.String())
	if err != nil {
		return wire.ConnectionInfo{}, fmt.Errorf("discovery dial: %w", err)
	}
	defer conn.Close()

	if err := wire.NewEncoder(conn).Encode(&wire.Message{Type: wire.BrokerDiscovery, Topic: topic}); err != nil {
		return wire.ConnectionInfo{}, fmt.Errorf("discovery request: %w", err)
	}
	owner, err := wire.NewDecoder(conn).DecodeConnectionInfo()
	if err != nil {
		return wire.ConnectionInfo{}, fmt.Errorf("discovery reply: %w", err)
	}

	m.mu.Lock()
	m.cache[topic] = *owner
	m.mu.Unlock()

	if m.debug {
		log.Printf("Client: topic %q owned by %s", topic, owner.String())
	}
	return *owner, nil
}
