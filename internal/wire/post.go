package wire

import "fmt"

// Post is the logical unit of publication: a header plus the reassembled
// payload bytes.
type Post struct {
	Info PostInfo
	Data []byte
}

// DefaultPacketSize is the payload size packets are cut to when a post is
// packetized for transport.
const DefaultPacketSize = 64 << 10

// Packetize splits a post's payload into ordered packets of at most size
// bytes. The last packet carries the Final flag; an empty payload yields a
// single empty Final packet so that every post closes with exactly one
// Final marker.
func Packetize(p *Post, size int) []*Packet {
	if size <= 0 {
		size = DefaultPacketSize
	}
	data := p.Data
	var packets []*Packet
	for index := uint32(0); ; index++ {
		n := len(data)
		if n > size {
			n = size
		}
		chunk := make([]byte, n)
		copy(chunk, data[:n])
		data = data[n:]
		packets = append(packets, &Packet{
			PostID:  p.Info.ID,
			Index:   index,
			Final:   len(data) == 0,
			Payload: chunk,
		})
		if len(data) == 0 {
			return packets
		}
	}
}

// Assemble rebuilds a post from its header and packet sequence. The packets
// must all carry the header's id, arrive in index order and close with one
// Final packet; anything else is rejected.
func Assemble(info PostInfo, packets []*Packet) (*Post, error) {
	if len(packets) == 0 {
		return nil, fmt.Errorf("wire: post %d has no packets", info.ID)
	}
	var data []byte
	for i, pkt := range packets {
		if pkt.PostID != info.ID {
			return nil, fmt.Errorf("wire: packet for post %d inside post %d", pkt.PostID, info.ID)
		}
		if pkt.Index != uint32(i) {
			return nil, fmt.Errorf("wire: packet index %d out of order for post %d", pkt.Index, info.ID)
		}
		if pkt.Final != (i == len(packets)-1) {
			return nil, fmt.Errorf("wire: misplaced final flag in post %d", info.ID)
		}
		data = append(data, pkt.Payload...)
	}
	return &Post{Info: info, Data: data}, nil
}
