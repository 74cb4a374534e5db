// Package user is the single entry point applications embed. It exposes
// one method per user intent and reports every completed operation as
// exactly one typed event on the bus. A built-in default listener keeps
// the local profile in step with what happened; applications add further
// listeners and receive events after it, in registration order.
package user

import (
	"fmt"
	"sync"

	"github.com/tenzoki/plexus/internal/wire"
)

// Tag classifies a user event. The set is closed; feeding the bus an
// unknown tag is a programmer error and panics.
type Tag int

const (
	MessageSent Tag = iota
	MessageReceived
	TopicCreated
	TopicDeleted
	ServerTopicDeleted
	TopicListened
	TopicLoaded
	TopicListenStopped
)

// String returns the event tag's wire-format name.
func (t Tag) String() string {
	switch t {
	case MessageSent:
		return "MESSAGE_SENT"
	case MessageReceived:
		return "MESSAGE_RECEIVED"
	case TopicCreated:
		return "TOPIC_CREATED"
	case TopicDeleted:
		return "TOPIC_DELETED"
	case ServerTopicDeleted:
		return "SERVER_TOPIC_DELETED"
	case TopicListened:
		return "TOPIC_LISTENED"
	case TopicLoaded:
		return "TOPIC_LOADED"
	case TopicListenStopped:
		return "TOPIC_LISTEN_STOPPED"
	default:
		panic(fmt.Sprintf("user: unknown event tag %d", int(t)))
	}
}

// Event is the outcome of one completed operation.
type Event struct {
	Tag     Tag
	Topic   string
	Success bool
	Cause   error
	// Post is set on MessageReceived events so listeners can store the
	// received post.
	Post *wire.Post
}

// Listener consumes events. Listeners run on the goroutine of the
// operation that completed; slow listeners delay later events.
type Listener func(Event)

// Bus fans each event out to every registered listener in registration
// order. Delivery is serialised, so listeners observe events in the order
// operations complete.
type Bus struct {
	mu        sync.Mutex
	listeners []Listener
}

// AddListener appends a listener. Listeners cannot be removed; they stay
// registered across profile switches.
func (b *Bus) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Fire delivers one event to every listener.
func (b *Bus) Fire(e Event) {
	_ = e.Tag.String() // assert the tag is known before delivery

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.listeners {
		l(e)
	}
}
