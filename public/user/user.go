package user

import (
	"errors"
	"log"

	"github.com/tenzoki/plexus/internal/profile"
	"github.com/tenzoki/plexus/internal/store"
	"github.com/tenzoki/plexus/internal/wire"
	"github.com/tenzoki/plexus/public/client"
)

// Config carries what the facade needs to come up.
type Config struct {
	// DefaultBroker is the endpoint queried for topic ownership,
	// normally the cluster leader.
	DefaultBroker wire.ConnectionInfo
	// ProfileRoot is the directory holding the user's profiles.
	ProfileRoot string
	Debug       bool
}

// User is the application facade. One profile is active at a time; all
// operations run asynchronously and report through the event bus.
type User struct {
	cfg      Config
	bus      *Bus
	profiles *profile.Store
	cis      *client.CIManager

	pub  *client.Publisher
	cons *client.Consumer
}

// New creates a facade with no profile selected. Call SwitchProfile
// before anything else.
func New(cfg Config) (*User, error) {
	profiles, err := profile.NewStore(cfg.ProfileRoot, cfg.Debug)
	if err != nil {
		return nil, err
	}
	u := &User{
		cfg:      cfg,
		bus:      &Bus{},
		profiles: profiles,
		cis:      client.NewCIManager(cfg.DefaultBroker, cfg.Debug),
	}
	u.bus.AddListener(u.bookkeeping)
	return u, nil
}

// AddListener registers an application listener behind the built-in
// bookkeeping listener.
func (u *User) AddListener(l Listener) { u.bus.AddListener(l) }

// SwitchProfile selects (or, with create, first creates) a profile and
// reads back every topic the profile follows. Open streams of the previous
// profile are closed first. One TopicLoaded event fires per topic that
// was read back from the profile store; no stream is reopened for it.
func (u *User) SwitchProfile(name string, create bool) error {
	if u.cons != nil {
		u.cons.Close()
	}

	var topics []*store.Topic
	if create {
		if err := u.profiles.CreateNewProfile(name); err != nil {
			return err
		}
	} else {
		var err error
		topics, err = u.profiles.LoadProfile(name)
		if err != nil {
			return err
		}
	}

	u.pub = client.NewPublisher(name, u.cis, u.cfg.Debug)
	u.cons = client.NewConsumer(u.cis, client.Hooks{
		OnPost: func(topic string, post *wire.Post) {
			u.bus.Fire(Event{Tag: MessageReceived, Topic: topic, Success: true, Post: post})
		},
		OnServerDeleted: func(topic string) {
			u.bus.Fire(Event{Tag: TopicDeleted, Topic: topic, Success: true})
		},
		OnStopped: func(topic string) {
			u.bus.Fire(Event{Tag: TopicListenStopped, Topic: topic, Success: true})
		},
		OnStreamError: func(topic string, err error) {
			u.bus.Fire(Event{Tag: MessageReceived, Topic: topic, Success: false, Cause: err})
		},
	}, u.cfg.Debug)

	for _, t := range topics {
		u.bus.Fire(Event{Tag: TopicLoaded, Topic: t.Name, Success: true})
	}
	return nil
}

// Post publishes data to a topic under the active profile's name.
func (u *User) Post(topic, fileExtension string, data []byte) {
	u.pub.Publish(topic, fileExtension, data, func(post *wire.Post, err error) {
		u.bus.Fire(Event{Tag: MessageSent, Topic: topic, Success: err == nil, Cause: err})
	})
}

// CreateTopic creates a topic on its owning broker.
func (u *User) CreateTopic(topic string) {
	u.pub.CreateTopic(topic, func(err error) {
		u.bus.Fire(Event{Tag: TopicCreated, Topic: topic, Success: err == nil, Cause: err})
	})
}

// DeleteTopic deletes a topic on its owning broker. The acknowledgement
// arrives as a ServerTopicDeleted event; consumers listening on the topic
// observe the deletion separately through their streams as TopicDeleted.
func (u *User) DeleteTopic(topic string) {
	u.pub.DeleteTopic(topic, func(err error) {
		u.bus.Fire(Event{Tag: ServerTopicDeleted, Topic: topic, Success: err == nil, Cause: err})
	})
}

// ListenForTopic opens the streaming connection for a topic, resuming
// after the last post recorded in the profile.
func (u *User) ListenForTopic(topic string) {
	lastSeen := u.profiles.LastSeenID(topic)
	u.cons.Listen(topic, lastSeen, func(err error) {
		u.bus.Fire(Event{Tag: TopicListened, Topic: topic, Success: err == nil, Cause: err})
	})
}

// StopListeningForTopic closes the recorded streaming socket. The
// TopicListenStopped event fires when the stream has wound down.
func (u *User) StopListeningForTopic(topic string) {
	u.cons.StopListening(topic, func(err error) {
		if err != nil {
			u.bus.Fire(Event{Tag: TopicListenStopped, Topic: topic, Success: false, Cause: err})
		}
		// on success the stream teardown fires the event
	})
}

// Pull returns the posts that arrived on a topic since the previous Pull.
func (u *User) Pull(topic string) ([]*wire.Post, error) {
	return u.cons.Pull(topic)
}

// Close shuts the facade down, closing every open stream.
func (u *User) Close() {
	if u.cons != nil {
		u.cons.Close()
	}
}

// bookkeeping is the default listener: it mirrors every confirmed outcome
// into the profile store so a restarted client resumes where it left off.
func (u *User) bookkeeping(e Event) {
	if !e.Success {
		return
	}
	switch e.Tag {
	case MessageReceived:
		if e.Post != nil {
			if err := u.profiles.SavePost(e.Post, e.Topic); err != nil {
				log.Printf("User: saving post %d to %q: %v", e.Post.Info.ID, e.Topic, err)
			}
		}
	case TopicListened:
		if err := u.profiles.CreateTopic(e.Topic); err != nil && !errors.Is(err, store.ErrTopicExists) {
			log.Printf("User: creating local topic %q: %v", e.Topic, err)
		}
	case TopicDeleted, TopicListenStopped:
		if err := u.profiles.DeleteTopic(e.Topic); err != nil && !errors.Is(err, store.ErrNoSuchTopic) {
			log.Printf("User: dropping local topic %q: %v", e.Topic, err)
		}
	case MessageSent, TopicCreated, ServerTopicDeleted, TopicLoaded:
		// nothing to mirror locally
	}
}
