// Package atlas decides, for a key at a given moment, which peers form
// the replica set and which subsets of that set count as a quorum. It is
// an external collaborator the Paxos core and the scan director both
// consult but never implement themselves — placement and quorum policy
// can vary per key and change over time.
//
// This is a generalization of the majority test every wired Paxos agent
// in the retrieved examples hand-rolls inline (e.g. dyv-paxos's
// Agent.Quorum, which just compares len(voted) against len(addrToPeer)/2+1)
// into a pluggable, versioned object.
package atlas

import "github.com/basaltdb/paxoscore/internal/cluster"

// Atlas answers placement and quorum questions for one key. Production
// atlases are versioned and can change the replica set over time; this
// package provides Static, a fixed-membership atlas sufficient for a
// single-cluster deployment and for tests.
type Atlas interface {
	// Peers returns the full replica set responsible for key.
	Peers(key []byte) []cluster.PeerID

	// Quorum reports whether have — a set of peers that have already
	// responded or contributed — forms a quorum for key.
	Quorum(key []byte, have map[cluster.PeerID]bool) bool

	// Awaiting returns the peers in Peers(key) that are not yet present
	// in have, i.e. the peers a rouse/retry should (re)contact.
	Awaiting(key []byte, have map[cluster.PeerID]bool) []cluster.PeerID
}

// Static is an Atlas with a fixed peer set and a fixed majority quorum
// rule, independent of the key. It is the right atlas for a single
// non-resharding cluster, and is what cmd/demo and the package tests use.
type Static struct {
	peers []cluster.PeerID
}

// NewStatic builds a Static atlas over peers.
func NewStatic(peers []cluster.PeerID) *Static {
	cp := make([]cluster.PeerID, len(peers))
	copy(cp, peers)
	return &Static{peers: cp}
}

func (s *Static) Peers(_ []byte) []cluster.PeerID {
	cp := make([]cluster.PeerID, len(s.peers))
	copy(cp, s.peers)
	return cp
}

// Quorum for a Static atlas is a strict majority of the full peer set.
func (s *Static) Quorum(_ []byte, have map[cluster.PeerID]bool) bool {
	n := 0
	for _, p := range s.peers {
		if have[p] {
			n++
		}
	}
	return n >= len(s.peers)/2+1
}

func (s *Static) Awaiting(key []byte, have map[cluster.PeerID]bool) []cluster.PeerID {
	var out []cluster.PeerID
	for _, p := range s.peers {
		if !have[p] {
			out = append(out, p)
		}
	}
	return out
}
