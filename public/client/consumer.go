package client

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/tenzoki/plexus/internal/wire"
)

// ErrNotListening is reported for pull or stop on a topic without an open
// stream.
var ErrNotListening = errors.New("client: not listening on topic")

// ErrAlreadyListening is reported when a second stream is requested for a
// topic that already has one.
var ErrAlreadyListening = errors.New("client: already listening on topic")

// Hooks are the consumer's upward edge: one callback per stream outcome.
// The facade translates them into user events.
type Hooks struct {
	// OnPost fires once per completed post, in stream order.
	OnPost func(topic string, post *wire.Post)
	// OnServerDeleted fires when the stream ends with a clean EOF,
	// meaning the topic was deleted on the broker.
	OnServerDeleted func(topic string)
	// OnStopped fires when the stream ends because StopListening closed
	// the socket locally.
	OnStopped func(topic string)
	// OnStreamError fires when the stream dies for any other reason.
	OnStreamError func(topic string, err error)
}

// Consumer manages the long-lived streaming connections of one client.
// Per listened topic it tracks the resume pointer, the socket, and the
// posts buffered since the last pull.
type Consumer struct {
	cis   *CIManager
	hooks Hooks
	debug bool

	mu     sync.Mutex
	topics map[string]*topicState
}

// topicState is the per-topic listening state.
type topicState struct {
	pointer int64
	conn    net.Conn
	stopped bool
	silent  bool // torn down by Close; no hook fires

	pending        *wire.PostInfo
	pendingPackets []*wire.Packet
	buffer         []*wire.Post
}

// NewConsumer creates a consumer reporting through the given hooks.
func NewConsumer(cis *CIManager, hooks Hooks, debug bool) *Consumer {
	return &Consumer{
		cis:    cis,
		hooks:  hooks,
		debug:  debug,
		topics: make(map[string]*topicState),
	}
}

// Listen opens the keep-alive stream for a topic, resuming after
// lastSeenID. done fires once the broker has acknowledged the stream (or
// refused it); posts then arrive through the hooks until the stream ends.
func (c *Consumer) Listen(topic string, lastSeenID int64, done func(error)) {
	go func() { done(c.listen(topic, lastSeenID)) }()
}

func (c *Consumer) listen(topic string, lastSeenID int64) error {
	c.mu.Lock()
	if _, exists := c.topics[topic]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyListening, topic)
	}
	c.mu.Unlock()

	owner, err := c.cis.OwnerOf(topic)
	if err != nil {
		return err
	}
	conn, err := net.Dial("tcp", owner.String())
	if err != nil {
		return fmt.Errorf("dial %s: %w", owner.String(), err)
	}

	enc := wire.NewEncoder(conn)
	dec := wire.NewDecoder(conn)
	token := &wire.TopicToken{Topic: topic, LastSeenID: lastSeenID}
	if err := enc.Encode(&wire.Message{Type: wire.InitialiseConsumer, Topic: topic, Token: token}); err != nil {
		conn.Close()
		return fmt.Errorf("send token: %w", err)
	}
	ok, err := dec.DecodeBool()
	if err != nil {
		conn.Close()
		return fmt.Errorf("listen ack: %w", err)
	}
	if !ok {
		conn.Close()
		return fmt.Errorf("listen on %q: %w", topic, ErrRequestRefused)
	}

	state := &topicState{pointer: lastSeenID, conn: conn}
	c.mu.Lock()
	if _, exists := c.topics[topic]; exists {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: %q", ErrAlreadyListening, topic)
	}
	c.topics[topic] = state
	c.mu.Unlock()

	if c.debug {
		log.Printf("Client: listening on %q from id %d", topic, lastSeenID)
	}
	go c.pullWorker(topic, state, dec)
	return nil
}

// pullWorker follows one streaming connection until it dies. The first
// record is the post count; the keep-alive sentinel announces an endless
// stream, anything else bounds a finite transfer.
func (c *Consumer) pullWorker(topic string, state *topicState, dec *wire.Decoder) {
	count, err := dec.DecodeInt32()
	if err != nil {
		c.streamEnded(topic, state, err)
		return
	}

	received := int32(0)
	for count == wire.KeepAliveCount || received < count {
		rec, err := dec.Decode()
		if err != nil {
			c.streamEnded(topic, state, err)
			return
		}
		switch r := rec.(type) {
		case *wire.PostInfo:
			c.mu.Lock()
			state.pending = r
			state.pendingPackets = nil
			c.mu.Unlock()
		case *wire.Packet:
			if done := c.appendPacket(topic, state, r); done {
				received++
			}
		default:
			c.streamEnded(topic, state, fmt.Errorf("%w: unexpected %T in stream", wire.ErrFrame, rec))
			return
		}
	}
	c.streamEnded(topic, state, io.EOF)
}

// appendPacket buffers one packet and, on the final one, assembles and
// delivers the post. Returns true when a post completed.
func (c *Consumer) appendPacket(topic string, state *topicState, pkt *wire.Packet) bool {
	c.mu.Lock()
	if state.pending == nil || state.pending.ID != pkt.PostID {
		// Packet without a header; skip it. The broker never produces
		// this, so the stream is likely going away.
		c.mu.Unlock()
		return false
	}
	state.pendingPackets = append(state.pendingPackets, pkt)
	if !pkt.Final {
		c.mu.Unlock()
		return false
	}

	post, err := wire.Assemble(*state.pending, state.pendingPackets)
	state.pending = nil
	state.pendingPackets = nil
	if err != nil {
		c.mu.Unlock()
		log.Printf("Client: dropping unassemblable post on %q: %v", topic, err)
		return false
	}
	state.buffer = append(state.buffer, post)
	state.pointer = post.Info.ID
	c.mu.Unlock()

	if c.hooks.OnPost != nil {
		c.hooks.OnPost(topic, post)
	}
	return true
}

// streamEnded tears down one topic's state and reports why the stream is
// gone: a clean EOF is a server-side deletion, a locally closed socket is
// the echo of StopListening, anything else is a transport failure.
func (c *Consumer) streamEnded(topic string, state *topicState, err error) {
	c.mu.Lock()
	stopped, silent := state.stopped, state.silent
	delete(c.topics, topic)
	c.mu.Unlock()
	state.conn.Close()

	switch {
	case silent:
		if c.debug {
			log.Printf("Client: stream on %q closed", topic)
		}
	case stopped:
		if c.debug {
			log.Printf("Client: stopped listening on %q", topic)
		}
		if c.hooks.OnStopped != nil {
			c.hooks.OnStopped(topic)
		}
	case err == io.EOF:
		if c.debug {
			log.Printf("Client: topic %q deleted on broker", topic)
		}
		if c.hooks.OnServerDeleted != nil {
			c.hooks.OnServerDeleted(topic)
		}
	default:
		if c.debug {
			log.Printf("Client: stream on %q failed: %v", topic, err)
		}
		if c.hooks.OnStreamError != nil {
			c.hooks.OnStreamError(topic, fmt.Errorf("connection to server lost: %w", err))
		}
	}
}

// Pull returns the posts buffered since the previous Pull and leaves the
// stream open.
func (c *Consumer) Pull(topic string) ([]*wire.Post, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotListening, topic)
	}
	posts := state.buffer
	state.buffer = nil
	return posts, nil
}

// Pointer returns the current resume pointer for a topic.
func (c *Consumer) Pointer(topic string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.topics[topic]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNotListening, topic)
	}
	return state.pointer, nil
}

// Listening reports whether a stream is open for the topic.
func (c *Consumer) Listening(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

// StopListening closes the recorded streaming socket. Purely local; the
// broker notices the close and drops the push worker.
func (c *Consumer) StopListening(topic string, done func(error)) {
	go func() {
		c.mu.Lock()
		state, ok := c.topics[topic]
		if !ok {
			c.mu.Unlock()
			done(fmt.Errorf("%w: %q", ErrNotListening, topic))
			return
		}
		state.stopped = true
		c.mu.Unlock()
		done(state.conn.Close())
	}()
}

// Close closes every open stream. Used when the client shuts down or the
// user switches profiles.
func (c *Consumer) Close() {
	c.mu.Lock()
	states := make([]*topicState, 0, len(c.topics))
	for _, state := range c.topics {
		state.stopped = true
		state.silent = true
		states = append(states, state)
	}
	c.mu.Unlock()
	for _, state := range states {
		state.conn.Close()
	}
}
