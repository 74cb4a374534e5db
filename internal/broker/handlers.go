package broker

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/tenzoki/plexus/internal/topic"
	"github.com/tenzoki/plexus/internal/wire"
)

// handleClient serves one client connection. The first record is always a
// Message naming the request; one-shot requests answer and close, while
// DATA_PACKET_SEND keeps reading the publisher's stream inline and
// INITIALISE_CONSUMER turns the socket over to a keep-alive push worker.
func (b *Broker) handleClient(conn net.Conn) {
	dec := wire.NewDecoder(conn)
	enc := wire.NewEncoder(conn)

	msg, err := dec.DecodeMessage()
	if err != nil {
		if b.cfg.Debug {
			log.Printf("Broker: bad request header: %v", err)
		}
		conn.Close()
		return
	}

	if b.cfg.Debug {
		log.Printf("Broker: %s %q from %s", msg.Type, msg.Topic, conn.RemoteAddr())
	}

	switch msg.Type {
	case wire.BrokerDiscovery:
		owner := b.owner(msg.Topic)
		if err := enc.Encode(&owner); err != nil && b.cfg.Debug {
			log.Printf("Broker: discovery reply failed: %v", err)
		}
		conn.Close()

	case wire.CreateTopic:
		b.handleCreateTopic(conn, enc, msg.Topic)

	case wire.DeleteTopic:
		b.handleDeleteTopic(conn, enc, msg.Topic)

	case wire.DataPacketSend:
		b.handleDataPacketSend(conn, enc, dec, msg.Topic)

	case wire.InitialiseConsumer:
		b.handleInitialiseConsumer(conn, enc, msg.Token)

	default:
		// DecodeMessage already rejects unknown types; reaching this arm
		// is a programmer error.
		log.Printf("Broker: unhandled message type %d", msg.Type)
		conn.Close()
	}
}

func (b *Broker) handleCreateTopic(conn net.Conn, enc *wire.Encoder, name string) {
	defer conn.Close()

	topicLog, err := b.manager.AddTopic(name)
	if err != nil {
		if b.cfg.Debug {
			log.Printf("Broker: create topic %q: %v", name, err)
		}
		enc.Encode(false)
		return
	}
	topicLog.SetPersistHook(b.persistHook(name))
	enc.Encode(true)
}

func (b *Broker) handleDeleteTopic(conn net.Conn, enc *wire.Encoder, name string) {
	defer conn.Close()

	if err := b.manager.RemoveTopic(name); err != nil {
		if b.cfg.Debug {
			log.Printf("Broker: delete topic %q: %v", name, err)
		}
		enc.Encode(false)
		return
	}
	enc.Encode(true)
}

// handleDataPacketSend acknowledges the request and then runs the pull
// loop inline on this accept goroutine: count, then count posts, each a
// header followed by packets up to the final one. Any violation closes
// the socket, which the publisher observes as a reset.
func (b *Broker) handleDataPacketSend(conn net.Conn, enc *wire.Encoder, dec *wire.Decoder, name string) {
	defer conn.Close()

	topicLog, ok := b.manager.Get(name)
	if !ok {
		enc.Encode(false)
		return
	}
	if err := enc.Encode(true); err != nil {
		return
	}

	if err := b.pullLoop(dec, topicLog); err != nil {
		log.Printf("Broker: pull on topic %q aborted: %v", name, err)
		// A zero linger makes the deferred close send a reset, so the
		// publisher never mistakes the abort for a clean end-of-stream.
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}
	}
}

// pullLoop reads one publisher stream into the topic log.
func (b *Broker) pullLoop(dec *wire.Decoder, topicLog *topic.Log) error {
	count, err := dec.DecodeInt32()
	if err != nil {
		return fmt.Errorf("post count: %w", err)
	}

	for i := int32(0); i < count; i++ {
		info, err := dec.DecodePostInfo()
		if err != nil {
			return fmt.Errorf("post header: %w", err)
		}
		if info.ID == wire.FetchAllID {
			return fmt.Errorf("post id %d is reserved", info.ID)
		}
		if err := topicLog.AppendInfo(info); err != nil {
			return err
		}

		for index := uint32(0); ; index++ {
			pkt, err := dec.DecodePacket()
			if err != nil {
				topicLog.Abort(info.ID)
				return fmt.Errorf("packet stream of post %d: %w", info.ID, err)
			}
			if pkt.PostID != info.ID {
				topicLog.Abort(info.ID)
				return fmt.Errorf("foreign packet (post %d) inside post %d", pkt.PostID, info.ID)
			}
			if pkt.Index != index {
				topicLog.Abort(info.ID)
				return fmt.Errorf("packet %d of post %d out of order", pkt.Index, info.ID)
			}
			if err := topicLog.AppendPacket(pkt); err != nil {
				topicLog.Abort(info.ID)
				return err
			}
			if pkt.Final {
				break
			}
		}
	}
	return nil
}

// handleInitialiseConsumer authenticates the resume token, registers the
// socket, and backfills everything after the consumer's last seen id
// before handing the connection to a keep-alive push worker. The worker
// owns the socket until it is closed by topic deletion, broker shutdown
// or the consumer going away.
func (b *Broker) handleInitialiseConsumer(conn net.Conn, enc *wire.Encoder, token *wire.TopicToken) {
	if token == nil {
		enc.Encode(false)
		conn.Close()
		return
	}
	topicLog, ok := b.manager.Get(token.Topic)
	if !ok {
		enc.Encode(false)
		conn.Close()
		return
	}
	if err := b.manager.RegisterConsumer(token.Topic, conn); err != nil {
		enc.Encode(false)
		conn.Close()
		return
	}
	if err := enc.Encode(true); err != nil {
		b.manager.UnregisterConsumer(token.Topic, conn)
		conn.Close()
		return
	}

	worker := newPushWorker(b, topicLog, conn, enc)
	// Snapshot and subscription are atomic: the tail picks up exactly
	// where the backfill ends.
	infos, packets := topicLog.SubscribeSince(token.LastSeenID, worker)
	go worker.run(infos, packets)
}

// pushBuffer bounds how many records may queue for one slow consumer
// before it is detached.
const pushBuffer = 1024

// pushRecord is one queued notification.
type pushRecord struct {
	info *wire.PostInfo
	pkt  *wire.Packet
}

// pushWorker is the per-(topic, consumer) fan-out worker. Notifications
// arrive through a bounded channel filled under the topic lock; a single
// goroutine drains the channel onto the socket, so writes to one consumer
// stay ordered while consumers never block each other.
type pushWorker struct {
	broker   *Broker
	topicLog *topic.Log
	conn     net.Conn
	enc      *wire.Encoder

	records chan pushRecord
	done    chan struct{}
	once    sync.Once
}

func newPushWorker(b *Broker, topicLog *topic.Log, conn net.Conn, enc *wire.Encoder) *pushWorker {
	return &pushWorker{
		broker:   b,
		topicLog: topicLog,
		conn:     conn,
		enc:      enc,
		records:  make(chan pushRecord, pushBuffer),
		done:     make(chan struct{}),
	}
}

// OnPostInfo and OnPacket run under the topic lock; both are bounded
// non-blocking sends. A full buffer means the consumer cannot keep up;
// the worker is told to stop and cleans itself up outside the lock.
func (w *pushWorker) OnPostInfo(_ string, info *wire.PostInfo) error {
	return w.enqueue(pushRecord{info: info})
}

func (w *pushWorker) OnPacket(_ string, pkt *wire.Packet) error {
	return w.enqueue(pushRecord{pkt: pkt})
}

func (w *pushWorker) enqueue(rec pushRecord) error {
	select {
	case <-w.done:
		return nil // already stopping
	default:
	}
	select {
	case w.records <- rec:
		return nil
	default:
		w.stop()
		return fmt.Errorf("push buffer overflow, consumer %s detached", w.conn.RemoteAddr())
	}
}

// stop asks the worker goroutine to exit. It never touches the topic lock
// so it is safe to call from inside a notification.
func (w *pushWorker) stop() {
	w.once.Do(func() { close(w.done) })
}

// run writes the keep-alive announcement and the backfill, then follows
// the record channel until the connection dies. All detachment happens
// here, outside the topic lock.
func (w *pushWorker) run(infos []*wire.PostInfo, packets [][]*wire.Packet) {
	defer func() {
		w.stop()
		w.topicLog.Unsubscribe(w)
		w.broker.manager.UnregisterConsumer(w.topicLog.Name(), w.conn)
		w.conn.Close()
	}()

	// Nothing more is expected from the consumer, so a read can only end
	// with the socket closing: by the consumer hanging up, by topic
	// deletion or by broker shutdown. Either way the worker must go.
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := w.conn.Read(buf); err != nil {
				w.stop()
				return
			}
		}
	}()

	if err := w.enc.Encode(wire.KeepAliveCount); err != nil {
		return
	}
	for i, info := range infos {
		if err := w.enc.Encode(info); err != nil {
			return
		}
		for _, pkt := range packets[i] {
			if err := w.enc.Encode(pkt); err != nil {
				return
			}
		}
	}

	for {
		select {
		case rec := <-w.records:
			var err error
			if rec.info != nil {
				err = w.enc.Encode(rec.info)
			} else {
				err = w.enc.Encode(rec.pkt)
			}
			if err != nil {
				if w.broker.cfg.Debug {
					log.Printf("Broker: push to %s failed: %v", w.conn.RemoteAddr(), err)
				}
				return
			}
		case <-w.done:
			return
		}
	}
}
