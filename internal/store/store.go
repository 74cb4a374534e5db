// Package store provides durable persistence for topics. The broker talks
// to a TopicDAO and never to a concrete engine; two engines ship with the
// fabric, a directory-per-topic file store and a Badger-backed store. Both
// preserve the same abstract semantics: durable, per-topic, ordered,
// crash-consistent at post granularity.
package store

import (
	"errors"

	"github.com/tenzoki/plexus/internal/wire"
)

// Sentinel conditions shared by every engine.
var (
	ErrTopicExists = errors.New("store: topic already exists")
	ErrNoSuchTopic = errors.New("store: no such topic")
	ErrBadFileName = errors.New("store: bad post file name")
)

// Topic is a persisted topic as read back from an engine, posts ordered
// earliest to latest.
type Topic struct {
	Name  string
	Posts []*wire.Post
}

// TopicDAO is the persistence contract the broker calls. Implementations
// serialise their own access; callers treat every method as blocking I/O
// and never invoke them under in-memory locks.
type TopicDAO interface {
	CreateTopic(name string) error
	DeleteTopic(name string) error
	WritePost(post *wire.Post, topicName string) error
	ReadAllTopics() ([]*Topic, error)
	Close() error
}
