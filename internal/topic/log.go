// Package topic holds the broker-side state of the fabric: the per-topic
// in-memory log with subscriber fan-out, and the thread-safe registry that
// tracks every topic and its attached consumer connections.
package topic

import (
	"fmt"
	"log"
	"sync"

	"github.com/tenzoki/plexus/internal/wire"
)

// Subscriber receives every record appended to a topic log, in append
// order. Implementations must be bounded and non-blocking; the log calls
// them while holding the topic lock to preserve per-subscriber ordering.
// A failing subscriber never prevents the remaining subscribers from being
// notified.
type Subscriber interface {
	OnPostInfo(topic string, info *wire.PostInfo) error
	OnPacket(topic string, pkt *wire.Packet) error
}

// PersistFunc is invoked exactly once per post, at the moment its final
// packet is appended. It runs outside the topic lock so the store may
// perform blocking I/O.
type PersistFunc func(post *wire.Post)

// Log is the append-only in-memory record of one topic: the ordered post
// headers, the packet streams keyed by post id, and the subscribers that
// follow the tail. Position 0 always holds a sentinel header with the
// fetch-all id so that "posts since -1" returns everything.
type Log struct {
	name string

	mu      sync.Mutex
	infos   []*wire.PostInfo
	packets map[int64][]*wire.Packet
	index   map[int64]int // post id -> position in infos
	final   map[int64]bool
	subs    []Subscriber

	persist PersistFunc
}

// NewLog creates the empty log for a topic, seeded with the sentinel
// header.
func NewLog(name string) *Log {
	sentinel := &wire.PostInfo{ID: wire.FetchAllID}
	return &Log{
		name:    name,
		infos:   []*wire.PostInfo{sentinel},
		packets: make(map[int64][]*wire.Packet),
		index:   map[int64]int{wire.FetchAllID: 0},
		final:   make(map[int64]bool),
	}
}

// Name returns the topic name.
func (l *Log) Name() string { return l.name }

// SetPersistHook installs the durability callback. Installed once, before
// the log is reachable from any connection handler.
func (l *Log) SetPersistHook(fn PersistFunc) { l.persist = fn }

// AppendInfo appends a post header and notifies subscribers. The reserved
// fetch-all id is rejected; real posts must not use it.
func (l *Log) AppendInfo(info *wire.PostInfo) error {
	if info.ID == wire.FetchAllID {
		return fmt.Errorf("topic %s: post id %d is reserved", l.name, info.ID)
	}

	l.mu.Lock()
	l.infos = append(l.infos, info)
	l.index[info.ID] = len(l.infos) - 1
	l.notifyInfo(info)
	l.mu.Unlock()
	return nil
}

// AppendPacket appends one packet to its post's stream and notifies
// subscribers. The post header must already be in the log and its stream
// still open; when the final packet arrives the completed post is handed
// to the persistence hook.
func (l *Log) AppendPacket(pkt *wire.Packet) error {
	l.mu.Lock()
	pos, ok := l.index[pkt.PostID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("topic %s: packet for unknown post %d", l.name, pkt.PostID)
	}
	if l.final[pkt.PostID] {
		l.mu.Unlock()
		return fmt.Errorf("topic %s: packet after final for post %d", l.name, pkt.PostID)
	}

	l.packets[pkt.PostID] = append(l.packets[pkt.PostID], pkt)
	l.notifyPacket(pkt)

	var done *wire.Post
	if pkt.Final {
		l.final[pkt.PostID] = true
		if post, err := wire.Assemble(*l.infos[pos], l.packets[pkt.PostID]); err == nil {
			done = post
		} else {
			log.Printf("Topic %s: post %d does not assemble: %v", l.name, pkt.PostID, err)
		}
	}
	persist := l.persist
	l.mu.Unlock()

	if done != nil && persist != nil {
		persist(done)
	}
	return nil
}

// Abort removes an incomplete post from the log. Used when a publisher
// stream dies mid-post so that no half post survives in memory.
func (l *Log) Abort(postID int64) {
	if postID == wire.FetchAllID {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.index[postID]
	if !ok || l.final[postID] {
		return
	}
	l.infos = append(l.infos[:pos], l.infos[pos+1:]...)
	delete(l.index, postID)
	delete(l.packets, postID)
	for i := pos; i < len(l.infos); i++ {
		l.index[l.infos[i].ID] = i
	}
}

// PostsSince returns every header strictly after the post with the given
// id, along with a copy of each post's packet list. An id the log does not
// know (for example after a broker restart) yields an empty result; the
// consumer simply resumes from the ids it learns next.
func (l *Log) PostsSince(id int64) ([]*wire.PostInfo, [][]*wire.Packet) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.index[id]
	if !ok {
		return nil, nil
	}
	var infos []*wire.PostInfo
	var packets [][]*wire.Packet
	for _, info := range l.infos[pos+1:] {
		infos = append(infos, info)
		packets = append(packets, append([]*wire.Packet(nil), l.packets[info.ID]...))
	}
	return infos, packets
}

// SubscribeSince atomically snapshots everything after the post with the
// given id and attaches the subscriber. Records appended from this moment
// on reach the subscriber only through notifications, so backfill plus
// tail covers the append sequence exactly once and in order.
func (l *Log) SubscribeSince(id int64, sub Subscriber) ([]*wire.PostInfo, [][]*wire.Packet) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var infos []*wire.PostInfo
	var packets [][]*wire.Packet
	if pos, ok := l.index[id]; ok {
		for _, info := range l.infos[pos+1:] {
			infos = append(infos, info)
			packets = append(packets, append([]*wire.Packet(nil), l.packets[info.ID]...))
		}
	}
	l.subs = append(l.subs, sub)
	return infos, packets
}

// Posts returns every completed post in publication order.
func (l *Log) Posts() []*wire.Post {
	l.mu.Lock()
	defer l.mu.Unlock()

	var posts []*wire.Post
	for _, info := range l.infos[1:] {
		if !l.final[info.ID] {
			continue
		}
		post, err := wire.Assemble(*info, l.packets[info.ID])
		if err != nil {
			continue
		}
		posts = append(posts, post)
	}
	return posts
}

// Subscribe attaches a subscriber to the tail of the log. Notification
// order follows subscription order.
func (l *Log) Subscribe(sub Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, sub)
}

// Unsubscribe detaches a previously attached subscriber.
func (l *Log) Unsubscribe(sub Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.subs {
		if s == sub {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			return
		}
	}
}

// notifyInfo and notifyPacket run under l.mu. A subscriber error is logged
// and the remaining subscribers are still notified.
func (l *Log) notifyInfo(info *wire.PostInfo) {
	for _, sub := range l.subs {
		if err := sub.OnPostInfo(l.name, info); err != nil {
			log.Printf("Topic %s: subscriber post notify failed: %v", l.name, err)
		}
	}
}

func (l *Log) notifyPacket(pkt *wire.Packet) {
	for _, sub := range l.subs {
		if err := sub.OnPacket(l.name, pkt); err != nil {
			log.Printf("Topic %s: subscriber packet notify failed: %v", l.name, err)
		}
	}
}

// Replay loads an already persisted post into the log without involving
// subscribers or the persistence hook. Used while rebuilding a topic from
// its store at broker start.
func (l *Log) Replay(post *wire.Post) {
	info := post.Info
	packets := wire.Packetize(post, wire.DefaultPacketSize)

	l.mu.Lock()
	defer l.mu.Unlock()
	cp := info
	l.infos = append(l.infos, &cp)
	l.index[info.ID] = len(l.infos) - 1
	l.packets[info.ID] = packets
	l.final[info.ID] = true
}
