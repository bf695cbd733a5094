// Package paxos implements the per-key single-decree Paxos core: the
// durable Acceptor and the retrying Proposer, generalized from the
// teacher's internal/paxos (proposal.go's ProposalNumber, acceptor.go's
// promise/accept rules, proposer.go's Phase-1/Phase-2 driver) into a
// full reactive state machine for both roles.
package paxos

import (
	"fmt"

	"github.com/basaltdb/paxoscore/internal/cluster"
	"github.com/basaltdb/paxoscore/internal/kv"
)

// BallotNumber totally orders proposals: lexicographically by (Ordinal,
// HostID), the way the teacher's ProposalNumber orders by
// (Round, ProposerID) — renamed to this domain's vocabulary and with
// HostID typed as a cluster.PeerID so a ballot can be compared against
// the message envelope it arrived on without a conversion.
type BallotNumber struct {
	Ordinal uint64
	HostID  cluster.PeerID
}

// Zero is the lowest possible ballot, less than every real ballot ever
// cast by a proposer with a non-empty HostID.
var Zero = BallotNumber{}

func (b BallotNumber) IsZero() bool { return b.Ordinal == 0 && b.HostID == "" }

// Less reports whether b sorts strictly before o.
func (b BallotNumber) Less(o BallotNumber) bool {
	if b.Ordinal != o.Ordinal {
		return b.Ordinal < o.Ordinal
	}
	return b.HostID < o.HostID
}

func (b BallotNumber) Equal(o BallotNumber) bool { return b == o }

func (b BallotNumber) String() string {
	return fmt.Sprintf("(%d,%s)", b.Ordinal, b.HostID)
}

// Proposal is an acceptor's highest accepted (ballot, value) pair, or the
// zero value if nothing has been accepted yet. Defined distinguishes
// "accepted nothing" from "accepted the zero value".
type Proposal struct {
	Ballot  BallotNumber
	Value   kv.Value
	Defined bool
}

// Max returns whichever of a and b carries the higher ballot, preferring
// a on a tie and treating an undefined proposal as dominated by any
// defined one.
func Max(a, b Proposal) Proposal {
	if !b.Defined {
		return a
	}
	if !a.Defined {
		return b
	}
	if a.Ballot.Less(b.Ballot) {
		return b
	}
	return a
}
