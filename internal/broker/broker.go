// Package broker implements one node of the plexus messaging fabric. A
// broker owns the topics the cluster hash assigns to it, accepts client
// connections on one port and peer connections on another, and streams
// posts to every attached consumer of its topics.
//
// Cluster formation is deliberately minimal: the leader starts with an
// empty peer list; each follower dials the leader's peer port once at
// construction and announces its client-facing endpoint, which the leader
// appends to its routing list. There is no heartbeat, no reconnect and no
// peer removal; a dropped peer keeps its routing slot until the cluster is
// restarted.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tenzoki/plexus/internal/cluster"
	"github.com/tenzoki/plexus/internal/store"
	"github.com/tenzoki/plexus/internal/topic"
	"github.com/tenzoki/plexus/internal/wire"
)

// Default listener ports of the reference deployment. Port numbers are not
// part of the protocol; the cluster passes them around as ConnectionInfo.
const (
	DefaultClientPort = 29621
	DefaultPeerPort   = 29622
)

// Config carries the settings a broker node starts with.
type Config struct {
	// Address is the host name advertised to peers and clients.
	Address string
	// ClientPort and PeerPort are the two listener ports.
	ClientPort uint16
	PeerPort   uint16
	// Leader is the leader's peer endpoint. Empty address means this
	// node is the leader.
	Leader *wire.ConnectionInfo
	// Debug enables connection-level logging.
	Debug bool
}

// Broker is one node of the fabric.
type Broker struct {
	cfg     Config
	manager *topic.Manager
	selfCI  wire.ConnectionInfo

	// Peer routing state. Both slices are append-only; routing uses
	// peerCIs, shutdown uses peerConns.
	peersMux  sync.RWMutex
	peerCIs   []wire.ConnectionInfo
	peerConns []net.Conn

	clientLn net.Listener
	peerLn   net.Listener

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a broker over an already-loaded topic manager. Persisted
// topics get their durability hook attached here. A zero port requests an
// ephemeral one, resolved when Listen binds.
func New(cfg Config, manager *topic.Manager) *Broker {
	if cfg.Address == "" {
		cfg.Address = "localhost"
	}

	b := &Broker{
		cfg:     cfg,
		manager: manager,
		selfCI:  wire.ConnectionInfo{Address: cfg.Address, Port: cfg.ClientPort},
		stopped: make(chan struct{}),
	}
	for _, name := range manager.TopicNames() {
		if topicLog, ok := manager.Get(name); ok {
			topicLog.SetPersistHook(b.persistHook(name))
		}
	}
	return b
}

// ClientInfo returns the client-facing endpoint of this broker. Valid
// once Listen has bound the listeners.
func (b *Broker) ClientInfo() wire.ConnectionInfo { return b.selfCI }

// PeerInfo returns the peer-facing endpoint of this broker. Valid once
// Listen has bound the listeners.
func (b *Broker) PeerInfo() wire.ConnectionInfo {
	return wire.ConnectionInfo{Address: b.cfg.Address, Port: b.cfg.PeerPort}
}

// Listen binds both listeners and, when configured as a follower, joins
// the cluster by announcing this node's client endpoint to the leader.
func (b *Broker) Listen() error {
	var err error
	b.clientLn, err = net.Listen("tcp", fmt.Sprintf(":%d", b.cfg.ClientPort))
	if err != nil {
		return fmt.Errorf("client listener: %w", err)
	}
	b.peerLn, err = net.Listen("tcp", fmt.Sprintf(":%d", b.cfg.PeerPort))
	if err != nil {
		b.clientLn.Close()
		return fmt.Errorf("peer listener: %w", err)
	}
	b.cfg.ClientPort = uint16(b.clientLn.Addr().(*net.TCPAddr).Port)
	b.cfg.PeerPort = uint16(b.peerLn.Addr().(*net.TCPAddr).Port)
	b.selfCI = wire.ConnectionInfo{Address: b.cfg.Address, Port: b.cfg.ClientPort}

	if b.cfg.Leader != nil && b.cfg.Leader.Address != "" {
		if err := b.joinCluster(*b.cfg.Leader); err != nil {
			b.clientLn.Close()
			b.peerLn.Close()
			return err
		}
	}

	if b.cfg.Debug {
		log.Printf("Broker: listening on :%d (clients) and :%d (peers)",
			b.cfg.ClientPort, b.cfg.PeerPort)
	}
	return nil
}

// Serve runs both accept loops until the context is cancelled, returning
// after they have drained.
func (b *Broker) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		b.Shutdown()
	}()

	g := new(errgroup.Group)
	g.Go(func() error { return b.acceptLoop(b.clientLn, b.handleClient) })
	g.Go(func() error { return b.acceptLoop(b.peerLn, b.handlePeer) })
	err := g.Wait()

	select {
	case <-b.stopped:
		return nil // orderly shutdown
	default:
		return err
	}
}

// Start is Listen followed by Serve.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.Listen(); err != nil {
		return err
	}
	return b.Serve(ctx)
}

// Shutdown closes both listeners, every tracked consumer socket and every
// peer connection. Safe to call more than once.
func (b *Broker) Shutdown() {
	b.stopOnce.Do(func() {
		close(b.stopped)
		if b.cfg.Debug {
			log.Printf("Broker: shutting down")
		}
		if b.clientLn != nil {
			b.clientLn.Close()
		}
		if b.peerLn != nil {
			b.peerLn.Close()
		}
		b.manager.CloseAll()
		b.peersMux.RLock()
		for _, conn := range b.peerConns {
			conn.Close()
		}
		b.peersMux.RUnlock()
	})
}

// joinCluster dials the leader's peer port once and announces this
// broker's client endpoint. The connection is kept for the lifetime of
// the node.
func (b *Broker) joinCluster(leader wire.ConnectionInfo) error {
	conn, err := net.Dial("tcp", leader.String())
	if err != nil {
		return fmt.Errorf("join leader at %s: %w", leader.String(), err)
	}
	if err := wire.NewEncoder(conn).Encode(&b.selfCI); err != nil {
		conn.Close()
		return fmt.Errorf("announce to leader: %w", err)
	}

	b.peersMux.Lock()
	b.peerConns = append(b.peerConns, conn)
	b.peersMux.Unlock()

	if b.cfg.Debug {
		log.Printf("Broker: joined leader at %s as %s", leader.String(), b.selfCI.String())
	}
	return nil
}

// acceptLoop hands every accepted socket to handler on its own goroutine.
func (b *Broker) acceptLoop(ln net.Listener, handler func(net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-b.stopped:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("Broker: accept error: %v", err)
			continue
		}
		go handler(conn)
	}
}

// handlePeer serves one follower connection on the peer port: it reads the
// follower's client endpoint, appends it to the routing list, and then
// holds the socket open until the peer goes away. Slots are never removed.
func (b *Broker) handlePeer(conn net.Conn) {
	dec := wire.NewDecoder(conn)
	ci, err := dec.DecodeConnectionInfo()
	if err != nil {
		log.Printf("Broker: bad peer announcement: %v", err)
		conn.Close()
		return
	}

	b.peersMux.Lock()
	b.peerCIs = append(b.peerCIs, *ci)
	b.peerConns = append(b.peerConns, conn)
	n := len(b.peerCIs)
	b.peersMux.Unlock()

	if b.cfg.Debug {
		log.Printf("Broker: peer %s joined (cluster size %d)", ci.String(), n+1)
	}

	// Drain until the peer disconnects. Nothing else is expected on this
	// socket; its routing slot survives the disconnect.
	for {
		if _, err := dec.Decode(); err != nil {
			return
		}
	}
}

// owner computes the broker responsible for a topic from this node's view
// of the cluster. On a follower the peer list is empty, so the answer is
// always the follower itself; clients are expected to ask the leader.
func (b *Broker) owner(name string) wire.ConnectionInfo {
	b.peersMux.RLock()
	defer b.peersMux.RUnlock()
	return cluster.Owner(name, b.peerCIs, b.selfCI)
}

// persistHook builds the durability callback for one topic. A failed
// write means the fabric can no longer honour its durability guarantee,
// so the hook initiates an orderly shutdown after logging the fault.
func (b *Broker) persistHook(name string) topic.PersistFunc {
	return func(post *wire.Post) {
		err := b.manager.DAO().WritePost(post, name)
		if err == nil {
			return
		}
		if errors.Is(err, store.ErrNoSuchTopic) {
			// The topic was deleted while the post was streaming in;
			// there is nothing left to be durable for.
			return
		}
		log.Printf("Broker: persisting post %d to topic %s failed: %v",
			post.Info.ID, name, err)
		go b.Shutdown()
	}
}
