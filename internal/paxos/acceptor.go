package paxos

import (
	"fmt"
	"log"
	"time"

	"github.com/basaltdb/paxoscore/internal/archive"
	"github.com/basaltdb/paxoscore/internal/atlas"
	"github.com/basaltdb/paxoscore/internal/backoff"
	"github.com/basaltdb/paxoscore/internal/cluster"
	"github.com/basaltdb/paxoscore/internal/kv"
	"github.com/basaltdb/paxoscore/internal/record"
	"github.com/basaltdb/paxoscore/internal/walog"
)

type acceptorPhase int

const (
	phaseOpening acceptorPhase = iota
	phaseRestoring
	phaseDeliberating
	phaseClosed
	phaseShutdown
	phasePanicked
)

// StatusKind tags the variant held by an ActiveStatus checkpoint.
type StatusKind int

const (
	StatusRestoring StatusKind = iota
	StatusDeliberating
	StatusClosed
)

// ActiveStatus is an Acceptor's checkpoint: a snapshot usable for
// migration or recovery, tagged by which phase produced it.
type ActiveStatus struct {
	Kind     StatusKind
	Key      kv.Key
	Default  kv.Value // Restoring, Deliberating
	Ballot   BallotNumber
	Proposal Proposal
	Chosen   kv.Value // Closed
}

// EffectiveDefault returns the value a fresh Restoring acceptor would
// adopt from this snapshot: the chosen value once Closed, otherwise the
// recorded default.
func (s ActiveStatus) EffectiveDefault() kv.Value {
	if s.Kind == StatusClosed {
		return s.Chosen
	}
	return s.Default
}

// ErrIllegalStateAcceptor is returned by Checkpoint when called before
// any input has arrived, or after Shutdown/Panicked.
var ErrIllegalStateAcceptor = illegalStateError{}

// ProposerRegistrar lets an Acceptor's self-initiated decree — fired by
// deliberatingTimeout — receive wire replies the same way any ordinary
// Proposer does: the owning Node registers and unregisters it in its
// per-(key,time) table so inbound Refuse/Promise/Accept/Chosen messages
// reach it.
type ProposerRegistrar interface {
	Register(p *Proposer)
	Unregister(p *Proposer)
}

// AcceptorConfig bundles an Acceptor's external collaborators and
// timing parameters. Log, Archive, and Cluster are required; Atlas and
// Registrar are required only if DeliberatingTimeout is positive.
type AcceptorConfig struct {
	Log     walog.Log
	Archive archive.Archive
	Cluster cluster.Cluster
	Atlas   atlas.Atlas

	DeliberatingTimeout time.Duration
	ClosedLifetime      time.Duration
	Backoff             backoff.Config
	Registrar           ProposerRegistrar

	// OnEvict is called once after ClosedLifetime elapses in Closed. A
	// caller backed by a registry wires this to a get-or-create map's
	// idempotent delete.
	OnEvict func()
}

// Acceptor is the durable Paxos acceptor for one key: it persists
// ballot/proposal commitments via a walog.Log, commits the final value
// to an archive.Archive, and exchanges Query/Propose/Choose/Refuse/
// Promise/Accept/Chosen messages with Proposers over a cluster.Cluster.
//
// All mutation happens on Acceptor's own fiber; every exported method
// either enqueues a job onto it or, for Checkpoint, round-trips through
// it via a reply channel. Generalized from the teacher's Acceptor
// scaffold (HighestPromised/AcceptedProposal/AcceptedValue guarded by a
// mutex) into the full Opening/Restoring/Deliberating/Closed/Shutdown/
// Panicked machine, replacing the mutex with fiber serialization the way
// internal/node's single message-consuming goroutine already does.
type Acceptor struct {
	*fiber

	key kv.Key
	log walog.Log
	arc archive.Archive
	clu cluster.Cluster
	atl atlas.Atlas
	bo  backoff.Config

	deliberatingTimeout time.Duration
	closedLifetime      time.Duration
	registrar           ProposerRegistrar
	onEvict             func()

	phase acceptorPhase

	time      kv.Time
	def       kv.Value
	ballot    BallotNumber
	proposal  Proposal
	proposers map[cluster.PeerID]bool

	pendingRestore  *pendingFlush
	archiveNotFound bool
	restoreReplay   *replayResult
	outstanding     *logJob
	queued          *logJob

	closedValue kv.Value

	deliberatingTimer *time.Timer
	closedTimer       *time.Timer
}

// NewAcceptor builds an Acceptor for key, Opening, idle until its first
// input arrives.
func NewAcceptor(key kv.Key, cfg AcceptorConfig) *Acceptor {
	a := &Acceptor{
		fiber:               newFiber(256),
		key:                 key,
		log:                 cfg.Log,
		arc:                 cfg.Archive,
		clu:                 cfg.Cluster,
		atl:                 cfg.Atlas,
		bo:                  cfg.Backoff,
		deliberatingTimeout: cfg.DeliberatingTimeout,
		closedLifetime:      cfg.ClosedLifetime,
		registrar:           cfg.Registrar,
		onEvict:             cfg.OnEvict,
		phase:               phaseOpening,
	}
	a.fiber.start()
	return a
}

// Query is Phase-1 of a decree, delivered from a proposer identified by
// from.
func (a *Acceptor) Query(from cluster.PeerID, t kv.Time, ballot uint64, def kv.Value) {
	a.enqueue(func() { a.handleQuery(from, t, ballot, def) })
}

// Propose is Phase-2 of a decree, delivered from a proposer identified
// by from.
func (a *Acceptor) Propose(from cluster.PeerID, t kv.Time, ballot uint64, value kv.Value) {
	a.enqueue(func() { a.handlePropose(from, t, ballot, value) })
}

// Choose notifies the acceptor that value has been decided.
func (a *Acceptor) Choose(t kv.Time, value kv.Value) {
	a.enqueue(func() { a.handleChoose(t, value) })
}

// Shutdown is terminal and idempotent; all further inputs become no-ops.
func (a *Acceptor) Shutdown() {
	a.enqueue(func() {
		if a.phase == phaseShutdown {
			return
		}
		a.phase = phaseShutdown
		a.stopDeliberatingTimer()
		a.stopClosedTimer()
	})
}

// Checkpoint snapshots the acceptor's active status for migration or
// recovery. It returns ErrIllegalStateAcceptor if called on Opening,
// Shutdown, or Panicked, none of which have a meaningful snapshot.
func (a *Acceptor) Checkpoint() (ActiveStatus, error) {
	reply := make(chan checkpointResult, 1)
	a.enqueue(func() { reply <- a.doCheckpoint() })
	r := <-reply
	return r.status, r.err
}

type checkpointResult struct {
	status ActiveStatus
	err    error
}

func (a *Acceptor) doCheckpoint() checkpointResult {
	switch a.phase {
	case phaseRestoring:
		return checkpointResult{status: ActiveStatus{Kind: StatusRestoring, Key: a.key, Default: a.def}}
	case phaseDeliberating:
		return checkpointResult{status: ActiveStatus{
			Kind: StatusDeliberating, Key: a.key, Default: a.def, Ballot: a.ballot, Proposal: a.proposal,
		}}
	case phaseClosed:
		return checkpointResult{status: ActiveStatus{Kind: StatusClosed, Key: a.key, Chosen: a.closedValue}}
	default:
		return checkpointResult{err: ErrIllegalStateAcceptor}
	}
}

func (a *Acceptor) handleQuery(from cluster.PeerID, t kv.Time, ordinal uint64, def kv.Value) {
	switch a.phase {
	case phaseOpening:
		a.time = t
		a.proposers = map[cluster.PeerID]bool{from: true}
		a.enterRestoring(def)
		a.bufferOrApply(a.decideQuery(from, ordinal))
	case phaseRestoring:
		a.proposers[from] = true
		a.bufferOrApply(a.decideQuery(from, ordinal))
	case phaseDeliberating:
		a.proposers[from] = true
		a.commitOrReply(a.decideQuery(from, ordinal))
	case phaseClosed:
		a.send(from, Chosen{Key: a.key, Time: a.time, Value: a.closedValue})
	}
}

func (a *Acceptor) handlePropose(from cluster.PeerID, t kv.Time, ordinal uint64, value kv.Value) {
	switch a.phase {
	case phaseOpening:
		a.time = t
		a.proposers = map[cluster.PeerID]bool{from: true}
		// A bare propose carries no separate default (only query does);
		// the proposed value doubles as the default this key opens with.
		a.enterRestoring(value)
		a.bufferOrApply(a.decidePropose(from, ordinal, value))
	case phaseRestoring:
		a.proposers[from] = true
		a.bufferOrApply(a.decidePropose(from, ordinal, value))
	case phaseDeliberating:
		a.proposers[from] = true
		a.commitOrReply(a.decidePropose(from, ordinal, value))
	case phaseClosed:
		a.send(from, Chosen{Key: a.key, Time: a.time, Value: a.closedValue})
	}
}

func (a *Acceptor) handleChoose(t kv.Time, value kv.Value) {
	switch a.phase {
	case phaseOpening:
		a.time = t
		a.proposers = map[cluster.PeerID]bool{}
		a.enterRestoring(value)
		a.pendingRestore = &pendingFlush{isClose: true, closeValue: value}
	case phaseRestoring:
		a.pendingRestore = &pendingFlush{isClose: true, closeValue: value}
	case phaseDeliberating:
		a.commitChoose(value)
	case phaseClosed:
		if !a.closedValue.Equal(value) {
			panic(fmt.Sprintf("paxos: fatal disagreement on key %q: closed with %q, told chosen %q", a.key, a.closedValue, value))
		}
	}
}

// decision is what an Acceptor's promise/accept rule concludes: the
// ballot/proposal it should now hold, the durable record (if any) that
// must land before replying, and the reply itself.
type decision struct {
	ballot   BallotNumber
	proposal Proposal
	rec      *record.Record
	reply    func(a *Acceptor)
}

func (a *Acceptor) decideQuery(from cluster.PeerID, ordinal uint64) decision {
	b := BallotNumber{Ordinal: ordinal, HostID: from}
	if b.Less(a.ballot) {
		cur := a.ballot
		return decision{
			ballot: a.ballot, proposal: a.proposal,
			reply: func(a *Acceptor) { a.send(from, Refuse{Key: a.key, Time: a.time, Ballot: cur.Ordinal}) },
		}
	}
	rec := record.Promise(a.key, toWireBallot(b))
	prop := a.proposal
	return decision{
		ballot: b, proposal: a.proposal, rec: &rec,
		reply: func(a *Acceptor) { a.send(from, promiseMessage(a.key, a.time, ordinal, prop)) },
	}
}

func (a *Acceptor) decidePropose(from cluster.PeerID, ordinal uint64, value kv.Value) decision {
	b := BallotNumber{Ordinal: ordinal, HostID: from}
	if b.Less(a.ballot) {
		cur := a.ballot
		return decision{
			ballot: a.ballot, proposal: a.proposal,
			reply: func(a *Acceptor) { a.send(from, Refuse{Key: a.key, Time: a.time, Ballot: cur.Ordinal}) },
		}
	}
	var rec record.Record
	if a.proposal.Defined && a.proposal.Value.Equal(value) {
		rec = record.Reaccept(a.key, toWireBallot(b))
	} else {
		rec = record.Accept(a.key, toWireBallot(b), value)
	}
	return decision{
		ballot: b, proposal: Proposal{Ballot: b, Value: value, Defined: true}, rec: &rec,
		reply: func(a *Acceptor) { a.send(from, Accept{Key: a.key, Time: a.time, Ballot: ordinal}) },
	}
}

// bufferOrApply applies d's ballot/proposal in memory immediately. A
// refusal needs no durable record and replies right away; anything else
// becomes the sole pending post Restoring flushes once the archive
// lookup resolves, superseding whatever was buffered before.
func (a *Acceptor) bufferOrApply(d decision) {
	a.ballot = d.ballot
	a.proposal = d.proposal
	if d.rec == nil {
		d.reply(a)
		return
	}
	a.pendingRestore = &pendingFlush{rec: *d.rec, reply: d.reply}
}

// commitOrReply applies d's ballot/proposal in memory and either replies
// immediately (refusal) or posts the record to the log, replying once
// durable.
func (a *Acceptor) commitOrReply(d decision) {
	a.ballot = d.ballot
	a.proposal = d.proposal
	if d.rec == nil {
		d.reply(a)
		return
	}
	a.post(*d.rec, func() { d.reply(a) })
}

// pendingFlush is the at-most-one buffered commitment Restoring holds:
// either a promise/accept record with its reply, or a close.
type pendingFlush struct {
	isClose    bool
	closeValue kv.Value
	rec        record.Record
	reply      func(a *Acceptor)
}

// replayResult is the outcome of the log.Replay Restoring races against
// arc.Get.
type replayResult struct {
	recs []record.Record
}

// enterRestoring races a durable record replay against an archive
// lookup: the archive wins outright if it already holds a chosen value.
// Otherwise the replayed promise/accept/reaccept history for key is
// folded into a.ballot/a.proposal as soon as it arrives — merged with
// Max against whatever a query buffered in the meantime, never simply
// overwritten — so a restart never forgets a ballot it already promised
// or a value it already accepted, and no in-flight decision is lost to
// a replay that resolves after it.
func (a *Acceptor) enterRestoring(def kv.Value) {
	a.phase = phaseRestoring
	a.def = def
	a.archiveNotFound = false
	a.restoreReplay = nil
	go func() {
		recs, err := a.log.Replay(a.key)
		a.enqueue(func() { a.handleReplayResult(recs, err) })
	}()
	go func() {
		v, ok, err := a.arc.Get(a.key)
		a.enqueue(func() { a.handleArchiveResult(v, ok, err) })
	}()
}

func (a *Acceptor) handleReplayResult(recs []record.Record, err error) {
	if a.phase != phaseRestoring {
		return
	}
	if err != nil {
		a.panicked(err)
		return
	}
	a.foldReplayedHistory(recs)
	a.restoreReplay = &replayResult{recs: recs}
	a.tryFinishRestoring()
}

func (a *Acceptor) handleArchiveResult(v kv.Value, ok bool, err error) {
	if a.phase != phaseRestoring {
		return
	}
	if err != nil {
		a.panicked(err)
		return
	}
	if ok {
		a.phase = phaseClosed
		a.closedValue = v
		a.pendingRestore = nil
		a.notifyAllProposersChosen()
		a.armClosedLifetime()
		return
	}
	a.archiveNotFound = true
	a.tryFinishRestoring()
}

// tryFinishRestoring moves Restoring to Deliberating once both the
// archive lookup (found nothing) and the record replay have reported
// in. The open record is written only when replay found no prior
// history for the key — a recovered Acceptor already has one.
func (a *Acceptor) tryFinishRestoring() {
	if !a.archiveNotFound || a.restoreReplay == nil {
		return
	}
	rep := a.restoreReplay
	a.restoreReplay = nil
	a.phase = phaseDeliberating
	a.armDeliberatingTimeout()
	if len(rep.recs) == 0 {
		a.post(record.Open(a.key, a.def), func() { a.flushPending() })
		return
	}
	a.flushPending()
}

// foldReplayedHistory recovers a.ballot and a.proposal from key's prior
// record history, the way a freshly restarted Acceptor must before it
// can honor ballot monotonicity or hand back an already-accepted value.
// Ballot only ever rises; proposal is merged with Max rather than
// assigned, so a decision already buffered from a query that arrived
// during Restoring survives a replay that resolves after it.
func (a *Acceptor) foldReplayedHistory(recs []record.Record) {
	for _, r := range recs {
		switch r.Kind {
		case record.KindPromise:
			b := fromWireBallot(r.Ballot)
			if a.ballot.Less(b) {
				a.ballot = b
			}
		case record.KindAccept:
			b := fromWireBallot(r.Ballot)
			if a.ballot.Less(b) {
				a.ballot = b
			}
			a.proposal = Max(a.proposal, Proposal{Ballot: b, Value: r.Value, Defined: true})
		case record.KindReaccept:
			b := fromWireBallot(r.Ballot)
			if a.ballot.Less(b) {
				a.ballot = b
			}
			if a.proposal.Defined {
				a.proposal = Max(a.proposal, Proposal{Ballot: b, Value: a.proposal.Value, Defined: true})
			}
		}
	}
}

func (a *Acceptor) flushPending() {
	p := a.pendingRestore
	a.pendingRestore = nil
	if p == nil {
		return
	}
	if p.isClose {
		a.commitChoose(p.closeValue)
		return
	}
	a.post(p.rec, func() { p.reply(a) })
}

func (a *Acceptor) commitChoose(value kv.Value) {
	go func() {
		gen, err := a.arc.Put(a.key, value)
		a.enqueue(func() {
			if err != nil {
				a.panicked(err)
				return
			}
			rec := record.Close(a.key, value, gen)
			a.post(rec, func() {
				a.phase = phaseClosed
				a.closedValue = value
				a.stopDeliberatingTimer()
				a.notifyAllProposersChosen()
				a.armClosedLifetime()
			})
		})
	}()
}

func (a *Acceptor) notifyAllProposersChosen() {
	for from := range a.proposers {
		a.send(from, Chosen{Key: a.key, Time: a.time, Value: a.closedValue})
	}
	a.proposers = nil
}

// logJob is one in-flight or queued durable record write, paired with
// the continuation to run once it lands.
type logJob struct {
	rec  record.Record
	done func()
}

// post enforces "at most one outstanding record, at most one queued":
// if nothing is in flight, rec is issued immediately; otherwise it
// replaces whatever was queued, and that superseded post is dropped
// without ever calling its continuation — its proposer will retry.
func (a *Acceptor) post(rec record.Record, done func()) {
	job := &logJob{rec: rec, done: done}
	if a.outstanding == nil {
		a.outstanding = job
		a.issue(job)
		return
	}
	a.queued = job
}

func (a *Acceptor) issue(job *logJob) {
	go func() {
		err := a.log.Append(job.rec)
		a.enqueue(func() { a.logComplete(job, err) })
	}()
}

func (a *Acceptor) logComplete(job *logJob, err error) {
	if err != nil {
		a.panicked(err)
		return
	}
	job.done()
	a.outstanding = nil
	if a.queued != nil {
		next := a.queued
		a.queued = nil
		a.outstanding = next
		a.issue(next)
	}
}

func (a *Acceptor) fireDeliberatingTimeout() {
	if a.phase != phaseDeliberating {
		return
	}
	if a.registrar == nil || a.atl == nil {
		return
	}
	selfHost := cluster.PeerID(string(a.clu.Self()) + "#deliberating")
	p := NewProposer(a.key, a.time, selfHost, a.clu, a.atl, a.bo, a.closedLifetime)
	a.registrar.Register(p)
	p.Open(0, a.def)
	p.Learn(FuncLearner{
		OnChosen: func(v kv.Value) {
			a.registrar.Unregister(p)
			a.enqueue(func() { a.handleChoose(a.time, v) })
		},
		OnTimeout: func() {
			a.registrar.Unregister(p)
		},
	})
}

func (a *Acceptor) armDeliberatingTimeout() {
	if a.deliberatingTimeout <= 0 {
		return
	}
	a.stopDeliberatingTimer()
	a.deliberatingTimer = time.AfterFunc(a.deliberatingTimeout, func() {
		a.enqueue(a.fireDeliberatingTimeout)
	})
}

func (a *Acceptor) stopDeliberatingTimer() {
	if a.deliberatingTimer != nil {
		a.deliberatingTimer.Stop()
		a.deliberatingTimer = nil
	}
}

func (a *Acceptor) armClosedLifetime() {
	if a.closedLifetime <= 0 {
		return
	}
	a.closedTimer = time.AfterFunc(a.closedLifetime, func() { a.enqueue(a.evict) })
}

func (a *Acceptor) stopClosedTimer() {
	if a.closedTimer != nil {
		a.closedTimer.Stop()
		a.closedTimer = nil
	}
}

func (a *Acceptor) evict() {
	if a.phase != phaseClosed {
		return
	}
	if a.onEvict != nil {
		a.onEvict()
	}
}

func (a *Acceptor) panicked(err error) {
	if a.phase == phasePanicked || a.phase == phaseShutdown {
		return
	}
	a.phase = phasePanicked
	a.stopDeliberatingTimer()
	a.stopClosedTimer()
	log.Printf("paxos: acceptor for key %q panicked: %v", a.key, err)
}

func (a *Acceptor) send(to cluster.PeerID, msg cluster.Message) {
	_ = a.clu.Send(to, a.key, msg)
}

func toWireBallot(b BallotNumber) record.Ballot {
	return record.Ballot{Ordinal: b.Ordinal, HostID: string(b.HostID)}
}

func fromWireBallot(b record.Ballot) BallotNumber {
	return BallotNumber{Ordinal: b.Ordinal, HostID: cluster.PeerID(b.HostID)}
}

func promiseMessage(key kv.Key, t kv.Time, ordinal uint64, prop Proposal) Promise {
	m := Promise{Key: key, Time: t, Ballot: ordinal}
	if prop.Defined {
		m.HasProposal = true
		m.ProposalBallot = prop.Ballot.Ordinal
		m.ProposalHostID = string(prop.Ballot.HostID)
		m.ProposalValue = prop.Value
	}
	return m
}
