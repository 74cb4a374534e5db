package user

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/plexus/internal/broker"
	"github.com/tenzoki/plexus/internal/store"
	"github.com/tenzoki/plexus/internal/topic"
	"github.com/tenzoki/plexus/public/client"
)

func startBroker(t *testing.T) *broker.Broker {
	t.Helper()
	dao, err := store.NewFileStore(t.TempDir(), false)
	require.NoError(t, err)
	manager := topic.NewManager(dao, false)
	require.NoError(t, manager.Load())

	b := broker.New(broker.Config{Address: "127.0.0.1"}, manager)
	require.NoError(t, b.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		b.Shutdown()
		<-done
	})
	return b
}

// newTestUser builds a facade with a fresh profile and an event channel.
func newTestUser(t *testing.T, b *broker.Broker, name string) (*User, chan Event) {
	t.Helper()
	u, err := New(Config{
		DefaultBroker: b.ClientInfo(),
		ProfileRoot:   t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(u.Close)

	events := make(chan Event, 64)
	u.AddListener(func(e Event) { events <- e })
	require.NoError(t, u.SwitchProfile(name, true))
	return u, events
}

// nextEvent waits for the next event with the wanted tag, skipping
// others (concurrent streams may interleave unrelated outcomes).
func nextEvent(t *testing.T, events chan Event, tag Tag) Event {
	t.Helper()
	for {
		select {
		case e := <-events:
			if e.Tag == tag {
				return e
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("no %s event", tag)
		}
	}
}

// nextEvents waits until one event of each wanted tag has arrived, in any
// order, skipping others. The events come back in the order of tags.
func nextEvents(t *testing.T, events chan Event, tags ...Tag) []Event {
	t.Helper()
	got := make([]Event, len(tags))
	found := make([]bool, len(tags))
	for remaining := len(tags); remaining > 0; {
		select {
		case e := <-events:
			for i, tag := range tags {
				if !found[i] && e.Tag == tag {
					got[i], found[i] = e, true
					remaining--
					break
				}
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("missing one of the %v events", tags)
		}
	}
	return got
}

func TestCreatePublishPull(t *testing.T) {
	b := startBroker(t)
	producer, producerEvents := newTestUser(t, b, "alice")
	consumer, consumerEvents := newTestUser(t, b, "bob")

	producer.CreateTopic("t")
	e := nextEvent(t, producerEvents, TopicCreated)
	assert.True(t, e.Success)
	assert.Equal(t, "t", e.Topic)

	consumer.ListenForTopic("t")
	e = nextEvent(t, consumerEvents, TopicListened)
	require.True(t, e.Success)

	producer.Post("t", "txt", []byte("hi"))
	e = nextEvent(t, producerEvents, MessageSent)
	assert.True(t, e.Success)

	e = nextEvent(t, consumerEvents, MessageReceived)
	require.True(t, e.Success)
	require.NotNil(t, e.Post)
	assert.Equal(t, "alice", e.Post.Info.PosterName)
	assert.Equal(t, []byte("hi"), e.Post.Data)

	posts, err := consumer.Pull("t")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, []byte("hi"), posts[0].Data)

	// A second pull drains nothing new.
	posts, err = consumer.Pull("t")
	require.NoError(t, err)
	assert.Empty(t, posts)
}

func TestDuplicateCreateFails(t *testing.T) {
	b := startBroker(t)
	u, events := newTestUser(t, b, "alice")

	u.CreateTopic("t")
	require.True(t, nextEvent(t, events, TopicCreated).Success)

	u.CreateTopic("t")
	e := nextEvent(t, events, TopicCreated)
	assert.False(t, e.Success)
	assert.Error(t, e.Cause)
}

func TestDeleteWhileListening(t *testing.T) {
	b := startBroker(t)
	listener, listenerEvents := newTestUser(t, b, "c1")
	deleter, deleterEvents := newTestUser(t, b, "c2")

	deleter.CreateTopic("t")
	require.True(t, nextEvent(t, deleterEvents, TopicCreated).Success)

	listener.ListenForTopic("t")
	require.True(t, nextEvent(t, listenerEvents, TopicListened).Success)

	deleter.DeleteTopic("t")
	require.True(t, nextEvent(t, deleterEvents, ServerTopicDeleted).Success)

	// The listener's stream sees a clean end-of-stream: the topic was
	// deleted on the broker.
	e := nextEvent(t, listenerEvents, TopicDeleted)
	assert.True(t, e.Success)
	assert.Equal(t, "t", e.Topic)

	// Pulling from the gone topic now fails.
	_, err := listener.Pull("t")
	assert.ErrorIs(t, err, client.ErrNotListening)
}

func TestStopListening(t *testing.T) {
	b := startBroker(t)
	u, events := newTestUser(t, b, "alice")

	u.CreateTopic("t")
	require.True(t, nextEvent(t, events, TopicCreated).Success)
	u.ListenForTopic("t")
	require.True(t, nextEvent(t, events, TopicListened).Success)

	u.StopListeningForTopic("t")
	e := nextEvent(t, events, TopicListenStopped)
	assert.True(t, e.Success)

	_, err := u.Pull("t")
	assert.ErrorIs(t, err, client.ErrNotListening)
}

func TestReceivedPostsSurviveProfileReload(t *testing.T) {
	b := startBroker(t)

	root := t.TempDir()
	u, err := New(Config{DefaultBroker: b.ClientInfo(), ProfileRoot: root})
	require.NoError(t, err)
	events := make(chan Event, 64)
	u.AddListener(func(e Event) { events <- e })
	require.NoError(t, u.SwitchProfile("alice", true))

	u.CreateTopic("t")
	require.True(t, nextEvent(t, events, TopicCreated).Success)
	u.ListenForTopic("t")
	require.True(t, nextEvent(t, events, TopicListened).Success)
	u.Post("t", "txt", []byte("keep me"))
	// The same facade publishes and listens, so its MessageReceived may
	// arrive before or after its MessageSent.
	got := nextEvents(t, events, MessageSent, MessageReceived)
	require.True(t, got[0].Success)
	require.True(t, got[1].Success)
	u.Close()

	// A second facade over the same profile root reloads the topic and
	// resumes after the stored post.
	u2, err := New(Config{DefaultBroker: b.ClientInfo(), ProfileRoot: root})
	require.NoError(t, err)
	defer u2.Close()
	events2 := make(chan Event, 64)
	u2.AddListener(func(e Event) { events2 <- e })
	require.NoError(t, u2.SwitchProfile("alice", false))

	e := nextEvent(t, events2, TopicLoaded)
	assert.Equal(t, "t", e.Topic)

	u2.ListenForTopic("t")
	require.True(t, nextEvent(t, events2, TopicListened).Success)

	// No duplicate delivery of the already-seen post; the next post
	// flows normally.
	u2.Post("t", "txt", []byte("fresh"))
	got = nextEvents(t, events2, MessageSent, MessageReceived)
	require.True(t, got[0].Success)
	e = got[1]
	require.True(t, e.Success)
	assert.Equal(t, []byte("fresh"), e.Post.Data)

	posts, err := u2.Pull("t")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, []byte("fresh"), posts[0].Data)
}

func TestListenOnAbsentTopic(t *testing.T) {
	b := startBroker(t)
	u, events := newTestUser(t, b, "alice")

	u.ListenForTopic("ghost")
	e := nextEvent(t, events, TopicListened)
	assert.False(t, e.Success)
	assert.ErrorIs(t, e.Cause, client.ErrRequestRefused)
}
