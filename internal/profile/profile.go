// Package profile keeps a user's local view of the fabric: which topics
// the user listens to and which posts have already been received. A
// profile is a directory of topic subdirectories mirroring the broker's
// file store layout, holding only posts the user actually saw.
package profile

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tenzoki/plexus/internal/store"
	"github.com/tenzoki/plexus/internal/wire"
)

// ErrNoProfile is returned when an operation runs before a profile was
// created or loaded.
var ErrNoProfile = errors.New("profile: no profile selected")

// Store manages the profiles under one root directory. One profile is
// current at a time; switching profiles re-points the underlying file
// store.
type Store struct {
	root  string
	debug bool

	mu      sync.Mutex
	current string
	fs      *store.FileStore
}

// NewStore opens the profile root. The directory must exist.
func NewStore(root string, debug bool) (*Store, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("profile root %s: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("profile root %s is not a directory", root)
	}
	return &Store{root: root, debug: debug}, nil
}

// CreateNewProfile creates an empty profile directory and selects it.
func (s *Store) CreateNewProfile(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, name)
	if err := os.Mkdir(dir, 0755); err != nil {
		return fmt.Errorf("create profile %s: %w", name, err)
	}
	return s.selectLocked(name)
}

// LoadProfile selects an existing profile and returns its topics with the
// locally stored posts, earliest to latest.
func (s *Store) LoadProfile(name string) ([]*store.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.selectLocked(name); err != nil {
		return nil, err
	}
	return s.fs.ReadAllTopics()
}

func (s *Store) selectLocked(name string) error {
	fs, err := store.NewFileStore(filepath.Join(s.root, name), s.debug)
	if err != nil {
		return fmt.Errorf("profile %s: %w", name, err)
	}
	s.current = name
	s.fs = fs
	if s.debug {
		log.Printf("Profile: %s selected", name)
	}
	return nil
}

// CurrentName returns the selected profile's name, or "" if none.
func (s *Store) CurrentName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// CreateTopic adds a topic directory to the current profile.
func (s *Store) CreateTopic(name string) error {
	s.mu.Lock()
	fs := s.fs
	s.mu.Unlock()
	if fs == nil {
		return ErrNoProfile
	}
	return fs.CreateTopic(name)
}

// DeleteTopic drops a topic directory from the current profile.
func (s *Store) DeleteTopic(name string) error {
	s.mu.Lock()
	fs := s.fs
	s.mu.Unlock()
	if fs == nil {
		return ErrNoProfile
	}
	return fs.DeleteTopic(name)
}

// SavePost stores one received post under the topic.
func (s *Store) SavePost(post *wire.Post, topicName string) error {
	s.mu.Lock()
	fs := s.fs
	s.mu.Unlock()
	if fs == nil {
		return ErrNoProfile
	}
	return fs.WritePost(post, topicName)
}

// LastSeenID returns the id of the newest locally stored post of a topic,
// or the fetch-all sentinel when the topic holds nothing yet. This is the
// consumer's resume cursor after a restart.
func (s *Store) LastSeenID(topicName string) int64 {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current == "" {
		return wire.FetchAllID
	}

	head, err := os.ReadFile(filepath.Join(s.root, current, topicName, "HEAD"))
	if err != nil {
		return wire.FetchAllID
	}
	name := strings.TrimSpace(string(head))
	if name == "" {
		return wire.FetchAllID
	}
	info, err := store.ParsePostFileName(name)
	if err != nil {
		return wire.FetchAllID
	}
	return info.ID
}
