package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tenzoki/plexus/internal/wire"
)

// Key layout:
//
//	t:<topic>            -> topic marker, value is the next post sequence
//	p:<topic>:<seq be64> -> msgpack-encoded post record
//
// The big-endian sequence keeps Badger's key order equal to publication
// order, so reading a topic back is a single prefix iteration.
const (
	topicKeyPrefix = "t:"
	postKeyPrefix  = "p:"
)

// postRecord is the stored shape of one post.
type postRecord struct {
	PosterName    string `msgpack:"poster_name"`
	FileExtension string `msgpack:"file_extension"`
	ID            int64  `msgpack:"id"`
	Data          []byte `msgpack:"data"`
}

// BadgerStore is a TopicDAO backed by a Badger key-value store. It keeps
// the same abstract semantics as the file store and is selected through
// the server configuration for deployments that prefer a single database
// file tree over one directory per topic.
type BadgerStore struct {
	db *badger.DB
	mu sync.Mutex
}

// NewBadgerStore opens (or creates) the database under dir.
func NewBadgerStore(dir string, debug bool) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.SyncWrites = true
	if !debug {
		opts.Logger = nil
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func topicKey(name string) []byte {
	return []byte(topicKeyPrefix + name)
}

func postKey(name string, seq uint64) []byte {
	key := make([]byte, 0, len(postKeyPrefix)+len(name)+9)
	key = append(key, postKeyPrefix...)
	key = append(key, name...)
	key = append(key, ':')
	return binary.BigEndian.AppendUint64(key, seq)
}

// CreateTopic inserts the topic marker with a zero sequence.
func (bs *BadgerStore) CreateTopic(name string) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	return bs.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(topicKey(name))
		if err == nil {
			return fmt.Errorf("topic %s: %w", name, ErrTopicExists)
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(topicKey(name), binary.BigEndian.AppendUint64(nil, 0))
	})
}

// DeleteTopic drops the marker and every post key of the topic.
func (bs *BadgerStore) DeleteTopic(name string) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	return bs.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(topicKey(name)); err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("topic %s: %w", name, ErrNoSuchTopic)
			}
			return err
		}
		if err := txn.Delete(topicKey(name)); err != nil {
			return err
		}

		prefix := append([]byte(postKeyPrefix), name+":"...)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			if len(it.Item().Key()) != len(prefix)+8 {
				continue // a different topic sharing the prefix
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// WritePost appends one post under the topic's next sequence number.
func (bs *BadgerStore) WritePost(post *wire.Post, topicName string) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	value, err := msgpack.Marshal(&postRecord{
		PosterName:    post.Info.PosterName,
		FileExtension: post.Info.FileExtension,
		ID:            post.Info.ID,
		Data:          post.Data,
	})
	if err != nil {
		return fmt.Errorf("encode post %d: %w", post.Info.ID, err)
	}

	return bs.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(topicKey(topicName))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("topic %s: %w", topicName, ErrNoSuchTopic)
			}
			return err
		}
		var seq uint64
		if err := item.Value(func(v []byte) error {
			if len(v) == 8 {
				seq = binary.BigEndian.Uint64(v)
			}
			return nil
		}); err != nil {
			return err
		}
		if err := txn.Set(postKey(topicName, seq), value); err != nil {
			return err
		}
		return txn.Set(topicKey(topicName), binary.BigEndian.AppendUint64(nil, seq+1))
	})
}

// ReadAllTopics loads every topic and its posts in publication order.
func (bs *BadgerStore) ReadAllTopics() ([]*Topic, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	var topics []*Topic
	err := bs.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(topicKeyPrefix)})
		var names []string
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(bytes.TrimPrefix(it.Item().Key(), []byte(topicKeyPrefix))))
		}
		it.Close()

		for _, name := range names {
			topic := &Topic{Name: name}
			prefix := append([]byte(postKeyPrefix), name+":"...)
			pit := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
			for pit.Rewind(); pit.Valid(); pit.Next() {
				if len(pit.Item().Key()) != len(prefix)+8 {
					continue
				}
				var rec postRecord
				if err := pit.Item().Value(func(v []byte) error {
					return msgpack.Unmarshal(v, &rec)
				}); err != nil {
					pit.Close()
					return fmt.Errorf("decode post in topic %s: %w", name, err)
				}
				topic.Posts = append(topic.Posts, &wire.Post{
					Info: wire.PostInfo{
						PosterName:    rec.PosterName,
						FileExtension: rec.FileExtension,
						ID:            rec.ID,
					},
					Data: rec.Data,
				})
			}
			pit.Close()
			topics = append(topics, topic)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return topics, nil
}

// Close releases the database.
func (bs *BadgerStore) Close() error {
	return bs.db.Close()
}
