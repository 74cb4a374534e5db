package topic

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"

	"github.com/tenzoki/plexus/internal/store"
)

// Registry errors surfaced to request handlers.
var (
	ErrTopicExists = errors.New("topic already exists")
	ErrNoSuchTopic = errors.New("no such topic")
)

// Manager is the broker's thread-safe topic registry. It owns the map of
// topic logs and the set of consumer sockets attached to each topic, and
// drives the TopicDAO for every lifecycle change. The two maps always
// cover the same key set between mutator calls, and the lock order is
// fixed: topics, then consumers, then the DAO.
type Manager struct {
	dao   store.TopicDAO
	debug bool

	topicsMux sync.RWMutex
	topics    map[string]*Log

	consMux   sync.Mutex
	consumers map[string]map[net.Conn]struct{}
}

// NewManager creates an empty registry over the given DAO.
func NewManager(dao store.TopicDAO, debug bool) *Manager {
	return &Manager{
		dao:       dao,
		debug:     debug,
		topics:    make(map[string]*Log),
		consumers: make(map[string]map[net.Conn]struct{}),
	}
}

// AddTopic registers a new topic in memory and in the DAO. The in-memory
// registration is rolled back if the DAO refuses, so a topic either exists
// everywhere or nowhere.
func (m *Manager) AddTopic(name string) (*Log, error) {
	m.topicsMux.Lock()
	if _, exists := m.topics[name]; exists {
		m.topicsMux.Unlock()
		return nil, fmt.Errorf("topic %s: %w", name, ErrTopicExists)
	}
	topicLog := NewLog(name)
	m.topics[name] = topicLog
	m.topicsMux.Unlock()

	m.consMux.Lock()
	m.consumers[name] = make(map[net.Conn]struct{})
	m.consMux.Unlock()

	if err := m.dao.CreateTopic(name); err != nil {
		m.topicsMux.Lock()
		delete(m.topics, name)
		m.topicsMux.Unlock()
		m.consMux.Lock()
		delete(m.consumers, name)
		m.consMux.Unlock()
		if errors.Is(err, store.ErrTopicExists) {
			return nil, fmt.Errorf("topic %s: %w", name, ErrTopicExists)
		}
		return nil, fmt.Errorf("persist topic %s: %w", name, err)
	}

	if m.debug {
		log.Printf("Manager: topic %s created", name)
	}
	return topicLog, nil
}

// RemoveTopic drops a topic: it closes every attached consumer socket,
// forgets the log, and deletes the persisted topic. Socket close failures
// are logged and do not block the removal of the remaining sockets.
func (m *Manager) RemoveTopic(name string) error {
	m.topicsMux.Lock()
	if _, exists := m.topics[name]; !exists {
		m.topicsMux.Unlock()
		return fmt.Errorf("topic %s: %w", name, ErrNoSuchTopic)
	}
	delete(m.topics, name)
	m.topicsMux.Unlock()

	m.consMux.Lock()
	socks := m.consumers[name]
	delete(m.consumers, name)
	m.consMux.Unlock()

	for conn := range socks {
		if err := conn.Close(); err != nil {
			log.Printf("Manager: closing consumer of %s: %v", name, err)
		}
	}

	if err := m.dao.DeleteTopic(name); err != nil {
		if errors.Is(err, store.ErrNoSuchTopic) {
			return nil // already gone on disk
		}
		return fmt.Errorf("unpersist topic %s: %w", name, err)
	}

	if m.debug {
		log.Printf("Manager: topic %s removed (%d consumers dropped)", name, len(socks))
	}
	return nil
}

// Get returns the log of a topic, if registered.
func (m *Manager) Get(name string) (*Log, bool) {
	m.topicsMux.RLock()
	defer m.topicsMux.RUnlock()
	topicLog, ok := m.topics[name]
	return topicLog, ok
}

// TopicNames returns the registered topic names, sorted.
func (m *Manager) TopicNames() []string {
	m.topicsMux.RLock()
	names := make([]string, 0, len(m.topics))
	for name := range m.topics {
		names = append(names, name)
	}
	m.topicsMux.RUnlock()
	sort.Strings(names)
	return names
}

// RegisterConsumer attaches a consumer socket to a topic so that topic
// removal and broker shutdown can close it.
func (m *Manager) RegisterConsumer(name string, conn net.Conn) error {
	m.topicsMux.RLock()
	_, exists := m.topics[name]
	m.topicsMux.RUnlock()
	if !exists {
		return fmt.Errorf("topic %s: %w", name, ErrNoSuchTopic)
	}

	m.consMux.Lock()
	defer m.consMux.Unlock()
	set, ok := m.consumers[name]
	if !ok {
		return fmt.Errorf("topic %s: %w", name, ErrNoSuchTopic)
	}
	set[conn] = struct{}{}
	return nil
}

// UnregisterConsumer detaches a consumer socket, if still attached.
func (m *Manager) UnregisterConsumer(name string, conn net.Conn) {
	m.consMux.Lock()
	defer m.consMux.Unlock()
	if set, ok := m.consumers[name]; ok {
		delete(set, conn)
	}
}

// Load rebuilds the registry from the DAO at broker start. Persisted posts
// are replayed into fresh logs without waking subscribers or the persist
// hook.
func (m *Manager) Load() error {
	topics, err := m.dao.ReadAllTopics()
	if err != nil {
		return fmt.Errorf("load topics: %w", err)
	}

	for _, t := range topics {
		topicLog := NewLog(t.Name)
		for _, post := range t.Posts {
			topicLog.Replay(post)
		}

		m.topicsMux.Lock()
		m.topics[t.Name] = topicLog
		m.topicsMux.Unlock()
		m.consMux.Lock()
		m.consumers[t.Name] = make(map[net.Conn]struct{})
		m.consMux.Unlock()

		if m.debug {
			log.Printf("Manager: topic %s loaded (%d posts)", t.Name, len(t.Posts))
		}
	}
	return nil
}

// CloseAll closes every tracked consumer socket. Used on broker shutdown.
func (m *Manager) CloseAll() {
	m.consMux.Lock()
	defer m.consMux.Unlock()
	for name, set := range m.consumers {
		for conn := range set {
			if err := conn.Close(); err != nil {
				log.Printf("Manager: closing consumer of %s on shutdown: %v", name, err)
			}
		}
		m.consumers[name] = make(map[net.Conn]struct{})
	}
}

// DAO exposes the underlying store for the broker's persistence hook.
func (m *Manager) DAO() store.TopicDAO { return m.dao }
