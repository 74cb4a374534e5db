package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/plexus/internal/wire"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir(), false)
	require.NoError(t, err)
	return fs
}

func post(id int64, poster, ext, data string) *wire.Post {
	return &wire.Post{
		Info: wire.PostInfo{PosterName: poster, FileExtension: ext, ID: id},
		Data: []byte(data),
	}
}

func TestCreateDeleteTopic(t *testing.T) {
	fs := newTestFileStore(t)

	require.NoError(t, fs.CreateTopic("t"))
	assert.ErrorIs(t, fs.CreateTopic("t"), ErrTopicExists)

	require.NoError(t, fs.DeleteTopic("t"))
	assert.ErrorIs(t, fs.DeleteTopic("t"), ErrNoSuchTopic)
}

func TestWritePostLayout(t *testing.T) {
	fs := newTestFileStore(t)
	require.NoError(t, fs.CreateTopic("t"))

	require.NoError(t, fs.WritePost(post(1, "alice", "txt", "first"), "t"))
	require.NoError(t, fs.WritePost(post(2, "bob", "png", "second"), "t"))

	dir := filepath.Join(fs.root, "t")

	// HEAD points at the newest post.
	head, err := os.ReadFile(filepath.Join(dir, "HEAD"))
	require.NoError(t, err)
	assert.Equal(t, "2-bob.png", string(head))

	// The newest post's meta links back to its predecessor.
	meta, err := os.ReadFile(filepath.Join(dir, "2-bob.png.meta"))
	require.NoError(t, err)
	assert.Equal(t, "1-alice.txt", string(meta))

	// The oldest post's meta is empty: end of the chain.
	meta, err = os.ReadFile(filepath.Join(dir, "1-alice.txt.meta"))
	require.NoError(t, err)
	assert.Empty(t, meta)

	payload, err := os.ReadFile(filepath.Join(dir, "1-alice.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(payload))
}

func TestWritePostToAbsentTopic(t *testing.T) {
	fs := newTestFileStore(t)
	assert.ErrorIs(t, fs.WritePost(post(1, "u", "txt", "x"), "ghost"), ErrNoSuchTopic)
}

func TestReadAllTopicsOrdering(t *testing.T) {
	fs := newTestFileStore(t)
	require.NoError(t, fs.CreateTopic("a"))
	require.NoError(t, fs.CreateTopic("b"))

	require.NoError(t, fs.WritePost(post(1, "u", "txt", "one"), "a"))
	require.NoError(t, fs.WritePost(post(2, "u", "txt", "two"), "a"))
	require.NoError(t, fs.WritePost(post(3, "u", "txt", "three"), "a"))

	topics, err := fs.ReadAllTopics()
	require.NoError(t, err)
	require.Len(t, topics, 2)

	byName := map[string]*Topic{}
	for _, topic := range topics {
		byName[topic.Name] = topic
	}
	require.Contains(t, byName, "a")
	require.Contains(t, byName, "b")

	// Earliest to latest, despite the chain being stored newest-first.
	posts := byName["a"].Posts
	require.Len(t, posts, 3)
	assert.Equal(t, int64(1), posts[0].Info.ID)
	assert.Equal(t, []byte("one"), posts[0].Data)
	assert.Equal(t, int64(3), posts[2].Info.ID)

	assert.Empty(t, byName["b"].Posts)
}

func TestReadAllTopicsRoundTrip(t *testing.T) {
	fs := newTestFileStore(t)
	require.NoError(t, fs.CreateTopic("t"))
	original := post(-5, "carol", "tar.gz", "negative id, dotted extension")
	require.NoError(t, fs.WritePost(original, "t"))

	topics, err := fs.ReadAllTopics()
	require.NoError(t, err)
	require.Len(t, topics, 1)
	require.Len(t, topics[0].Posts, 1)
	assert.Equal(t, original.Info, topics[0].Posts[0].Info)
	assert.Equal(t, original.Data, topics[0].Posts[0].Data)
}

func TestReadAllTopicsBadFileName(t *testing.T) {
	fs := newTestFileStore(t)
	require.NoError(t, fs.CreateTopic("t"))
	dir := filepath.Join(fs.root, "t")

	// Hand-corrupt the chain: HEAD names a file outside the pattern.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "HEAD"), []byte("no-id-here"), 0644))

	_, err := fs.ReadAllTopics()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadFileName)
}

func TestParsePostFileName(t *testing.T) {
	info, err := ParsePostFileName("42-alice.txt")
	require.NoError(t, err)
	assert.Equal(t, &wire.PostInfo{ID: 42, PosterName: "alice", FileExtension: "txt"}, info)

	info, err = ParsePostFileName("-7-bob_2.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, int64(-7), info.ID)
	assert.Equal(t, "bob_2", info.PosterName)
	assert.Equal(t, "tar.gz", info.FileExtension)

	for _, bad := range []string{"HEAD", "alice.txt", "1-.txt", "x1-alice.txt"} {
		_, err := ParsePostFileName(bad)
		assert.ErrorIs(t, err, ErrBadFileName, "name %q", bad)
	}
}

func TestPostFileNameRoundTrip(t *testing.T) {
	info := wire.PostInfo{ID: 123, PosterName: "dave", FileExtension: "md"}
	parsed, err := ParsePostFileName(PostFileName(info))
	require.NoError(t, err)
	assert.Equal(t, &info, parsed)
}
