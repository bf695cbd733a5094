package paxos

import (
	"sync"
	"time"

	"github.com/basaltdb/paxoscore/internal/atlas"
	"github.com/basaltdb/paxoscore/internal/backoff"
	"github.com/basaltdb/paxoscore/internal/cluster"
	"github.com/basaltdb/paxoscore/internal/kv"
)

type proposerPhase int

const (
	proposerOpening proposerPhase = iota
	proposerOpen
	proposerClosed
	proposerShutdown
)

// Proposer drives one decree for (key, time) to completion: Phase-1
// query, collect promises, Phase-2 propose, collect accepts, broadcast
// choose — retrying with randomized, capped exponential backoff when a
// ballot is refused or simply times out. Generalized from the teacher's
// Proposer (a fixed-peer-count Phase-1/Phase-2 driver blocking inside
// Propose) into a fiber-based state machine that reacts to messages
// instead of blocking a caller's goroutine on transport.Receive.
type Proposer struct {
	*fiber

	key  kv.Key
	time kv.Time
	self cluster.PeerID
	clu  cluster.Cluster
	atl  atlas.Atlas
	bo   backoff.Config

	phase proposerPhase

	ballot   BallotNumber
	value    kv.Value
	refused  uint64
	proposed Proposal
	promised *QuorumSet
	accepted *QuorumSet

	schedule *backoff.Schedule
	timer    *time.Timer

	agreedValue kv.Value
	learners    []Learner
	closedTimer *time.Timer

	openedMu sync.Mutex
	opened   bool

	closedLifetime time.Duration

	// OnEvict, if set before Open, is called once after closedLifetime
	// elapses in Closed — the hook a registry uses to remove this
	// Proposer. Left nil for a Proposer nobody needs to evict from a
	// table (e.g. a throwaway demo decree).
	OnEvict func()
}

// NewProposer builds a Proposer for one (key, time) decree. closedLifetime
// is how long the Proposer lingers in Closed, answering gossip and late
// learn requests, before a caller should remove it from its registry.
func NewProposer(key kv.Key, t kv.Time, self cluster.PeerID, clu cluster.Cluster, atl atlas.Atlas, bo backoff.Config, closedLifetime time.Duration) *Proposer {
	p := &Proposer{
		fiber:          newFiber(64),
		key:            key,
		time:           t,
		self:           self,
		clu:            clu,
		atl:            atl,
		bo:             bo,
		closedLifetime: closedLifetime,
		promised:       NewQuorumSet(key, atl),
		accepted:       NewQuorumSet(key, atl),
	}
	p.fiber.start()
	return p
}

// Key returns the key this Proposer is driving a decree for.
func (p *Proposer) Key() kv.Key { return p.key }

// Time returns the decree's snapshot time.
func (p *Proposer) Time() kv.Time { return p.time }

// ErrIllegalState is returned by Learn when called before Open — the
// decree has not started and there is nothing yet to learn.
var ErrIllegalState = newIllegalStateError()

func newIllegalStateError() error { return illegalStateError{} }

type illegalStateError struct{}

func (illegalStateError) Error() string { return "paxos: illegal state: decree not yet open" }

// Open begins the decree with the given initial ballot ordinal and
// preferred value. An ordinal of zero is the implicit "ballot zero"
// shortcut: the Proposer sends propose directly instead of first
// running Phase-1.
func (p *Proposer) Open(ordinal uint64, value kv.Value) {
	p.openedMu.Lock()
	p.opened = true
	p.openedMu.Unlock()
	p.enqueue(func() { p.handleOpen(ordinal, value) })
}

// Learn registers l to be notified once this decree resolves. It is an
// error to call Learn before Open.
func (p *Proposer) Learn(l Learner) error {
	p.openedMu.Lock()
	opened := p.opened
	p.openedMu.Unlock()
	if !opened {
		return ErrIllegalState
	}
	p.enqueue(func() { p.handleLearn(l) })
	return nil
}

// Deliver routes one wire reply addressed to this Proposer. from is the
// acceptor that sent msg.
func (p *Proposer) Deliver(from cluster.PeerID, msg cluster.Message) {
	switch m := msg.(type) {
	case Refuse:
		p.enqueue(func() { p.handleRefuse(from, m.Ballot) })
	case Promise:
		p.enqueue(func() { p.handlePromise(from, m) })
	case Accept:
		p.enqueue(func() { p.handleAccept(from, m.Ballot) })
	case Chosen:
		p.enqueue(func() { p.handleChosen(m.Value) })
	}
}

func (p *Proposer) handleOpen(ordinal uint64, value kv.Value) {
	if p.phase != proposerOpening {
		return
	}
	p.value = value
	p.ballot = BallotNumber{Ordinal: ordinal, HostID: p.self}
	p.refused = ordinal
	p.proposed = Proposal{}
	p.promised.Clear()
	p.accepted.Clear()
	p.phase = proposerOpen
	p.schedule = backoff.New(p.bo)
	if ordinal == 0 {
		p.sendPropose(value)
	} else {
		p.sendQuery()
	}
	p.armTimeout(p.bo.Min)
}

func (p *Proposer) handleChosen(value kv.Value) {
	switch p.phase {
	case proposerOpening:
		p.ballot = BallotNumber{}
		p.agreedValue = value
		p.phase = proposerClosed
		p.notifyLearners(value)
		p.armClosedLifetime()
	case proposerOpen:
		p.stopTimeout()
		p.agreedValue = value
		p.phase = proposerClosed
		p.notifyLearners(value)
		p.armClosedLifetime()
	case proposerClosed:
		if !p.agreedValue.Equal(value) {
			panic("paxos: fatal disagreement: proposer closed with one value but told chosen of another")
		}
	}
}

func (p *Proposer) handleRefuse(from cluster.PeerID, ballot uint64) {
	if p.phase == proposerClosed {
		if ballot == p.ballot.Ordinal {
			p.gossip(from)
		}
		return
	}
	if p.phase != proposerOpen {
		return
	}
	if ballot > p.refused {
		p.refused = ballot
	}
	p.promised.Clear()
	p.accepted.Clear()
}

func (p *Proposer) handlePromise(from cluster.PeerID, m Promise) {
	if p.phase == proposerClosed {
		if m.Ballot == p.ballot.Ordinal {
			p.gossip(from)
		}
		return
	}
	if p.phase != proposerOpen || m.Ballot != p.ballot.Ordinal {
		return
	}
	p.promised.Add(from)
	if m.HasProposal {
		p.proposed = Max(p.proposed, Proposal{
			Ballot:  BallotNumber{Ordinal: m.ProposalBallot, HostID: cluster.PeerID(m.ProposalHostID)},
			Value:   m.ProposalValue,
			Defined: true,
		})
	}
	if p.promised.Quorum() {
		p.sendPropose(p.agreement())
	}
}

func (p *Proposer) handleAccept(from cluster.PeerID, ballot uint64) {
	if p.phase == proposerClosed {
		if ballot == p.ballot.Ordinal {
			p.gossip(from)
		}
		return
	}
	if p.phase != proposerOpen || ballot != p.ballot.Ordinal {
		return
	}
	p.accepted.Add(from)
	if p.accepted.Quorum() {
		agreed := p.agreement()
		p.clu.Broadcast(p.atl.Peers(p.key), p.key, Choose{Key: p.key, Time: p.time, Value: agreed})
		p.stopTimeout()
		p.agreedValue = agreed
		p.phase = proposerClosed
		p.notifyLearners(agreed)
		p.armClosedLifetime()
	}
}

func (p *Proposer) handleLearn(l Learner) {
	if p.phase == proposerClosed {
		l.Chosen(p.agreedValue)
		return
	}
	p.learners = append(p.learners, l)
}

// agreement returns the value this Proposer must now propose: the
// highest-ballot value any acceptor already reported accepting, or its
// own preferred value if none did.
func (p *Proposer) agreement() kv.Value {
	if p.proposed.Defined {
		return p.proposed.Value
	}
	return p.value
}

func (p *Proposer) sendQuery() {
	p.clu.Broadcast(p.atl.Peers(p.key), p.key, Query{
		Key: p.key, Time: p.time, Ballot: p.ballot.Ordinal, Default: p.value,
	})
}

func (p *Proposer) sendPropose(value kv.Value) {
	p.clu.Broadcast(p.atl.Peers(p.key), p.key, Propose{
		Key: p.key, Time: p.time, Ballot: p.ballot.Ordinal, Value: value,
	})
}

func (p *Proposer) gossip(to cluster.PeerID) {
	p.clu.Send(to, p.key, Chosen{Key: p.key, Time: p.time, Value: p.agreedValue})
}

func (p *Proposer) armTimeout(d time.Duration) {
	p.timer = time.AfterFunc(d, func() { p.enqueue(p.handleTimeout) })
}

func (p *Proposer) stopTimeout() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Proposer) handleTimeout() {
	if p.phase != proposerOpen {
		return
	}
	d, ok := p.schedule.Next()
	if !ok {
		p.phase = proposerShutdown
		p.failLearners()
		return
	}
	p.ballot = BallotNumber{Ordinal: p.refused + uint64(backoff.Jitter(17)), HostID: p.self}
	p.refused = p.ballot.Ordinal
	p.promised.Clear()
	p.accepted.Clear()
	p.sendQuery()
	p.armTimeout(d)
}

func (p *Proposer) notifyLearners(v kv.Value) {
	for _, l := range p.learners {
		l.Chosen(v)
	}
	p.learners = nil
}

func (p *Proposer) failLearners() {
	for _, l := range p.learners {
		l.Timeout()
	}
	p.learners = nil
}

func (p *Proposer) armClosedLifetime() {
	if p.closedLifetime <= 0 {
		return
	}
	p.closedTimer = time.AfterFunc(p.closedLifetime, func() { p.enqueue(p.evict) })
}

func (p *Proposer) evict() {
	if p.phase != proposerClosed {
		return
	}
	if p.OnEvict != nil {
		p.OnEvict()
	}
}

// Shutdown terminates the Proposer; all further inputs are ignored.
func (p *Proposer) Shutdown() {
	p.enqueue(func() {
		if p.phase == proposerShutdown {
			return
		}
		p.phase = proposerShutdown
		p.stopTimeout()
		if p.closedTimer != nil {
			p.closedTimer.Stop()
		}
	})
}
