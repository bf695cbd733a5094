package paxos

import (
	"github.com/basaltdb/paxoscore/internal/atlas"
	"github.com/basaltdb/paxoscore/internal/cluster"
)

// QuorumSet is a set-builder a Proposer phase consults to ask "have
// enough peers replied yet": a plain set of peer ids plus an atlas
// snapshot, matching the no-global-counter quorum tracker every phase
// owns independently, generalized from dyv-paxos's Agent.Quorum inline
// majority test into a reusable, atlas-backed tracker.
type QuorumSet struct {
	key   []byte
	atl   atlas.Atlas
	peers map[cluster.PeerID]bool
}

// NewQuorumSet starts an empty tracker for key, consulting atl for the
// quorum test.
func NewQuorumSet(key []byte, atl atlas.Atlas) *QuorumSet {
	return &QuorumSet{key: key, atl: atl, peers: make(map[cluster.PeerID]bool)}
}

// Add records that peer has contributed to this phase.
func (q *QuorumSet) Add(peer cluster.PeerID) { q.peers[peer] = true }

// Has reports whether peer has already contributed.
func (q *QuorumSet) Has(peer cluster.PeerID) bool { return q.peers[peer] }

// Quorum reports whether the peers added so far form a quorum for key
// under the atlas's current policy.
func (q *QuorumSet) Quorum() bool { return q.atl.Quorum(q.key, q.peers) }

// Clear empties the tracker, the way a refuse or a backoff firing resets
// a phase's quorum progress without touching any other phase's.
func (q *QuorumSet) Clear() { q.peers = make(map[cluster.PeerID]bool) }

// Len reports how many peers have contributed so far.
func (q *QuorumSet) Len() int { return len(q.peers) }
