package paxos

import "github.com/basaltdb/paxoscore/internal/kv"

// Wire ids are stable 64-bit constants framing every message exchanged
// between a Proposer and an Acceptor; never renumber one once it has
// shipped, the same discipline record.Kind's 32-bit ids follow on disk.
const (
	WireQuery   uint64 = 1
	WirePropose uint64 = 2
	WireChoose  uint64 = 3

	WireRefuse  uint64 = 4
	WirePromise uint64 = 5
	WireAccept  uint64 = 6
	WireChosen  uint64 = 7
)

// Query is Phase-1 of a decree: a proposer asking an acceptor to promise
// not to accept anything below ballot-ordinal, adopting proposer.id as
// the ballot's tiebreak.
type Query struct {
	Key     kv.Key
	Time    kv.Time
	Ballot  uint64
	Default kv.Value
}

func (Query) Kind() uint64 { return WireQuery }

// Propose is Phase-2 of a decree: asking an acceptor that promised to
// accept value under ballot-ordinal.
type Propose struct {
	Key    kv.Key
	Time   kv.Time
	Ballot uint64
	Value  kv.Value
}

func (Propose) Kind() uint64 { return WirePropose }

// Choose tells an acceptor that value has been decided for key, so it
// can commit to the archive and stop deliberating.
type Choose struct {
	Key   kv.Key
	Time  kv.Time
	Value kv.Value
}

func (Choose) Kind() uint64 { return WireChoose }

// Refuse is an acceptor telling a proposer that its ballot lost to one
// already promised; Ballot carries the acceptor's current ballot so the
// proposer can skip past it.
type Refuse struct {
	Key    kv.Key
	Time   kv.Time
	Ballot uint64
}

func (Refuse) Kind() uint64 { return WireRefuse }

// Promise is an acceptor's Phase-1 reply: it will not accept anything
// below Ballot, and reports the highest proposal it has already
// accepted, if any.
type Promise struct {
	Key            kv.Key
	Time           kv.Time
	Ballot         uint64
	HasProposal    bool
	ProposalBallot uint64
	ProposalHostID string
	ProposalValue  kv.Value
}

func (Promise) Kind() uint64 { return WirePromise }

// Accept is an acceptor's Phase-2 reply: it has durably accepted a value
// under Ballot.
type Accept struct {
	Key    kv.Key
	Time   kv.Time
	Ballot uint64
}

func (Accept) Kind() uint64 { return WireAccept }

// Chosen tells a proposer, or a late straggler, the decree's outcome.
type Chosen struct {
	Key   kv.Key
	Time  kv.Time
	Value kv.Value
}

func (Chosen) Kind() uint64 { return WireChosen }
