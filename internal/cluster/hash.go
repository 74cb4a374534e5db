// Package cluster provides the topic-to-broker assignment shared by every
// node and client of the fabric. Ownership is a pure function of the topic
// name and the cluster membership list, so any party that knows the
// membership computes the same owner without coordination.
package cluster

import (
	"crypto/md5"

	"github.com/tenzoki/plexus/internal/wire"
)

// fold width: an MD5 digest is striped into 4 groups of 4 bytes.
const foldGroups = 4

// HashTopic hashes a topic name to a signed 32-bit value. The digest of the
// UTF-8 name is XOR-striped to 4 bytes and read as a big-endian two's
// complement integer. Brokers and clients must agree on this function
// bit-for-bit; golden values are pinned in the tests.
func HashTopic(name string) int32 {
	sum := md5.Sum([]byte(name))
	d := len(sum) / foldGroups
	var folded int32
	for i := 0; i < foldGroups; i++ {
		var b byte
		for j := 0; j < d; j++ {
			b ^= sum[i*d+j]
		}
		folded = folded<<8 | int32(b)
	}
	return folded
}

// Owner selects the broker responsible for a topic. peers is the leader's
// ordered list of follower client endpoints and self the leader's own client
// endpoint; an index equal to len(peers) means the leader itself owns the
// topic.
func Owner(name string, peers []wire.ConnectionInfo, self wire.ConnectionInfo) wire.ConnectionInfo {
	idx := HashTopic(name) % int32(len(peers)+1)
	if idx < 0 {
		idx = -idx
	}
	if int(idx) == len(peers) {
		return self
	}
	return peers[idx]
}
