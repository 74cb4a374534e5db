package client

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/tenzoki/plexus/internal/wire"
)

// ErrRequestRefused is reported when a broker answers a request with a
// false acknowledgement (duplicate create, missing topic, and so on).
var ErrRequestRefused = errors.New("client: request refused by broker")

// Publisher turns user actions into one-shot protocol exchanges with the
// owning broker. All methods return immediately; the outcome reaches the
// caller through the done callback, exactly once per call.
type Publisher struct {
	poster string
	cis    *CIManager
	debug  bool
}

// NewPublisher creates a publisher acting as the given poster name.
func NewPublisher(poster string, cis *CIManager, debug bool) *Publisher {
	return &Publisher{poster: poster, cis: cis, debug: debug}
}

// NewPostID generates a post id unique across the publishers of a topic:
// the publication time in the high bits, twenty random bits below. The
// broker does not police collisions, so the generator has to make them
// practically impossible.
func NewPostID() int64 {
	u := uuid.New()
	random := int64(binary.BigEndian.Uint32(u[:4])) & 0xFFFFF
	return time.Now().UnixMilli()<<20 | random
}

// CreateTopic asks the owning broker to create a topic.
func (p *Publisher) CreateTopic(topic string, done func(error)) {
	go func() { done(p.oneShot(wire.CreateTopic, topic)) }()
}

// DeleteTopic asks the owning broker to delete a topic.
func (p *Publisher) DeleteTopic(topic string, done func(error)) {
	go func() { done(p.oneShot(wire.DeleteTopic, topic)) }()
}

// Publish sends one post to the topic's owning broker. The post id is
// generated here; the assembled post is handed back through done so the
// caller can do local bookkeeping with the id filled in.
func (p *Publisher) Publish(topic, fileExtension string, data []byte, done func(*wire.Post, error)) {
	post := &wire.Post{
		Info: wire.PostInfo{
			PosterName:    p.poster,
			FileExtension: fileExtension,
			ID:            NewPostID(),
		},
		Data: data,
	}
	go func() { done(post, p.publish(topic, post)) }()
}

// oneShot performs a request that answers with a single bool ack.
func (p *Publisher) oneShot(msgType wire.MessageType, topic string) error {
	owner, err := p.cis.OwnerOf(topic)
	if err != nil {
		return err
	}
	conn, err := net.Dial("tcp", owner.String())
	if err != nil {
		return fmt.Errorf("dial %s: %w", owner.String(), err)
	}
	defer conn.Close()

	if err := wire.NewEncoder(conn).Encode(&wire.Message{Type: msgType, Topic: topic}); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	ok, err := wire.NewDecoder(conn).DecodeBool()
	if err != nil {
		return fmt.Errorf("%s ack: %w", msgType, err)
	}
	if !ok {
		return fmt.Errorf("%s %q: %w", msgType, topic, ErrRequestRefused)
	}
	if p.debug {
		log.Printf("Client: %s %q acknowledged", msgType, topic)
	}
	return nil
}

// publish streams one post to the owning broker and waits for the broker
// to close the connection cleanly. A reset instead of a clean close means
// the broker rejected part of the stream.
func (p *Publisher) publish(topic string, post *wire.Post) error {
	owner, err := p.cis.OwnerOf(topic)
	if err != nil {
		return err
	}
	conn, err := net.Dial("tcp", owner.String())
	if err != nil {
		return fmt.Errorf("dial %s: %w", owner.String(), err)
	}
	defer conn.Close()

	enc := wire.NewEncoder(conn)
	dec := wire.NewDecoder(conn)

	if err := enc.Encode(&wire.Message{Type: wire.DataPacketSend, Topic: topic}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	ok, err := dec.DecodeBool()
	if err != nil {
		return fmt.Errorf("publish ack: %w", err)
	}
	if !ok {
		return fmt.Errorf("publish to %q: %w", topic, ErrRequestRefused)
	}

	if err := enc.Encode(int32(1)); err != nil {
		return fmt.Errorf("send post count: %w", err)
	}
	if err := enc.Encode(&post.Info); err != nil {
		return fmt.Errorf("send post header: %w", err)
	}
	for _, pkt := range wire.Packetize(post, wire.DefaultPacketSize) {
		if err := enc.Encode(pkt); err != nil {
			return fmt.Errorf("send packet %d: %w", pkt.Index, err)
		}
	}

	// The broker closes the socket after consuming the stream. A clean
	// end-of-stream is the success signal; a reset means it bailed out
	// mid-stream.
	if _, err := dec.Decode(); err != io.EOF {
		if err == nil {
			return fmt.Errorf("publish to %q: unexpected record after stream", topic)
		}
		return fmt.Errorf("publish to %q: %w", topic, err)
	}
	if p.debug {
		log.Printf("Client: post %d published to %q", post.Info.ID, topic)
	}
	return nil
}
