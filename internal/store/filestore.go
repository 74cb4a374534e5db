package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/tenzoki/plexus/internal/wire"
)

// headFile names the per-topic pointer to the most recently written post.
const headFile = "HEAD"

// metaSuffix marks the sidecar holding a post's back-link to its
// predecessor.
const metaSuffix = ".meta"

// postFileName is the authoritative pattern for persisted post files:
// "{id}-{poster}.{ext}".
var postFileName = regexp.MustCompile(`^(?P<id>-?\d+)-(?P<poster>\w+)\.(?P<ext>.*)$`)

// FileStore is the reference TopicDAO: one directory per topic, one file
// per post named "{id}-{poster}.{ext}", a sidecar "{file}.meta" holding
// the name of the previous HEAD, and a HEAD file pointing at the newest
// post. The back-links form a newest-to-oldest chain that ReadAllTopics
// walks and reverses.
type FileStore struct {
	root  string
	debug bool
	mu    sync.Mutex
}

// NewFileStore opens a file store rooted at dir. The directory must exist.
func NewFileStore(dir string, debug bool) (*FileStore, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("store root %s: %w", dir, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("store root %s is not a directory", dir)
	}
	return &FileStore{root: dir, debug: debug}, nil
}

func (fs *FileStore) topicDir(name string) string {
	return filepath.Join(fs.root, name)
}

// CreateTopic creates the topic directory with an empty HEAD.
func (fs *FileStore) CreateTopic(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := fs.topicDir(name)
	if err := os.Mkdir(dir, 0755); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("topic %s: %w", name, ErrTopicExists)
		}
		return fmt.Errorf("create topic %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, headFile), nil, 0644); err != nil {
		return fmt.Errorf("create topic %s: %w", name, err)
	}
	return nil
}

// DeleteTopic removes the topic directory and everything under it.
func (fs *FileStore) DeleteTopic(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := fs.topicDir(name)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("topic %s: %w", name, ErrNoSuchTopic)
		}
		return fmt.Errorf("delete topic %s: %w", name, err)
	}
	return os.RemoveAll(dir)
}

// WritePost persists one completed post: payload file, back-link sidecar,
// then the HEAD update. HEAD is written last so a crash mid-write leaves
// the previous chain intact.
func (fs *FileStore) WritePost(post *wire.Post, topicName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := fs.topicDir(topicName)
	prev, err := os.ReadFile(filepath.Join(dir, headFile))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("topic %s: %w", topicName, ErrNoSuchTopic)
		}
		return fmt.Errorf("write post to %s: %w", topicName, err)
	}

	name := PostFileName(post.Info)
	if err := os.WriteFile(filepath.Join(dir, name), post.Data, 0644); err != nil {
		return fmt.Errorf("write post to %s: %w", topicName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+metaSuffix), prev, 0644); err != nil {
		return fmt.Errorf("write post meta to %s: %w", topicName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, headFile), []byte(name), 0644); err != nil {
		return fmt.Errorf("advance HEAD of %s: %w", topicName, err)
	}
	return nil
}

// ReadAllTopics loads every topic directory under the root. For each, the
// HEAD chain is walked newest to oldest and the result reversed so posts
// come back in publication order. A file name the pattern does not match
// fails the whole directory.
func (fs *FileStore) ReadAllTopics() ([]*Topic, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.root)
	if err != nil {
		return nil, fmt.Errorf("read store root: %w", err)
	}

	var topics []*Topic
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		topic, err := fs.readTopic(entry.Name())
		if err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	return topics, nil
}

func (fs *FileStore) readTopic(name string) (*Topic, error) {
	dir := fs.topicDir(name)
	head, err := os.ReadFile(filepath.Join(dir, headFile))
	if err != nil {
		return nil, fmt.Errorf("topic %s has no HEAD: %w", name, err)
	}

	var posts []*wire.Post
	for current := strings.TrimSpace(string(head)); current != ""; {
		info, err := ParsePostFileName(current)
		if err != nil {
			return nil, fmt.Errorf("topic %s: %w", name, err)
		}
		data, err := os.ReadFile(filepath.Join(dir, current))
		if err != nil {
			return nil, fmt.Errorf("topic %s: read post %s: %w", name, current, err)
		}
		meta, err := os.ReadFile(filepath.Join(dir, current+metaSuffix))
		if err != nil {
			return nil, fmt.Errorf("topic %s: read meta of %s: %w", name, current, err)
		}
		posts = append(posts, &wire.Post{Info: *info, Data: data})
		current = strings.TrimSpace(string(meta))
	}

	// The chain runs newest to oldest; flip to publication order.
	for i, j := 0, len(posts)-1; i < j; i, j = i+1, j-1 {
		posts[i], posts[j] = posts[j], posts[i]
	}
	return &Topic{Name: name, Posts: posts}, nil
}

// Close is a no-op for the file store.
func (fs *FileStore) Close() error { return nil }

// PostFileName renders the on-disk file name of a post.
func PostFileName(info wire.PostInfo) string {
	return fmt.Sprintf("%d-%s.%s", info.ID, info.PosterName, info.FileExtension)
}

// ParsePostFileName recovers a post header from its file name, or reports
// ErrBadFileName for anything outside the pattern.
func ParsePostFileName(name string) (*wire.PostInfo, error) {
	m := postFileName.FindStringSubmatch(name)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrBadFileName, name)
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadFileName, name)
	}
	return &wire.PostInfo{ID: id, PosterName: m[2], FileExtension: m[3]}, nil
}
