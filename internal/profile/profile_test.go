package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/plexus/internal/wire"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), false)
	require.NoError(t, err)
	return s
}

func TestCreateAndLoadProfile(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateNewProfile("alice"))
	assert.Equal(t, "alice", s.CurrentName())

	require.NoError(t, s.CreateTopic("news"))
	post := &wire.Post{
		Info: wire.PostInfo{PosterName: "bob", FileExtension: "txt", ID: 7},
		Data: []byte("hello"),
	}
	require.NoError(t, s.SavePost(post, "news"))

	// A fresh store over the same root sees the same state.
	s2, err := NewStore(s.root, false)
	require.NoError(t, err)
	topics, err := s2.LoadProfile("alice")
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "news", topics[0].Name)
	require.Len(t, topics[0].Posts, 1)
	assert.Equal(t, []byte("hello"), topics[0].Posts[0].Data)
}

func TestCreateDuplicateProfile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNewProfile("alice"))
	assert.Error(t, s.CreateNewProfile("alice"))
}

func TestLoadAbsentProfile(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadProfile("ghost")
	assert.Error(t, err)
}

func TestOperationsWithoutProfile(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.CreateTopic("t"), ErrNoProfile)
	assert.ErrorIs(t, s.DeleteTopic("t"), ErrNoProfile)
	assert.ErrorIs(t, s.SavePost(&wire.Post{}, "t"), ErrNoProfile)
	assert.Equal(t, wire.FetchAllID, s.LastSeenID("t"))
}

func TestLastSeenID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNewProfile("alice"))
	require.NoError(t, s.CreateTopic("t"))

	// Empty topic: resume from the start.
	assert.Equal(t, wire.FetchAllID, s.LastSeenID("t"))
	// Unknown topic behaves the same.
	assert.Equal(t, wire.FetchAllID, s.LastSeenID("ghost"))

	for id := int64(1); id <= 3; id++ {
		post := &wire.Post{
			Info: wire.PostInfo{PosterName: "u", FileExtension: "txt", ID: id},
			Data: []byte("x"),
		}
		require.NoError(t, s.SavePost(post, "t"))
	}
	assert.Equal(t, int64(3), s.LastSeenID("t"))
}

func TestDeleteTopicRemovesLocalCopy(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNewProfile("alice"))
	require.NoError(t, s.CreateTopic("t"))
	require.NoError(t, s.DeleteTopic("t"))

	topics, err := s.LoadProfile("alice")
	require.NoError(t, err)
	assert.Empty(t, topics)
}
