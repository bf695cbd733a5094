package paxos

import (
	"sync"
	"testing"
	"time"

	"github.com/basaltdb/paxoscore/internal/archive"
	"github.com/basaltdb/paxoscore/internal/cluster"
	"github.com/basaltdb/paxoscore/internal/kv"
	"github.com/basaltdb/paxoscore/internal/record"
	"github.com/basaltdb/paxoscore/internal/walog"
)

// recordingCluster captures every Send/Broadcast without any real
// delivery, so a test can assert on what an Acceptor or Proposer said
// without standing up a whole Hub.
type recordingCluster struct {
	self cluster.PeerID

	mu  sync.Mutex
	out []sentMsg
}

type sentMsg struct {
	to  cluster.PeerID
	msg cluster.Message
}

func newRecordingCluster(self cluster.PeerID) *recordingCluster {
	return &recordingCluster{self: self}
}

func (c *recordingCluster) Self() cluster.PeerID { return c.self }

func (c *recordingCluster) Send(to cluster.PeerID, _ []byte, msg cluster.Message) error {
	c.mu.Lock()
	c.out = append(c.out, sentMsg{to: to, msg: msg})
	c.mu.Unlock()
	return nil
}

func (c *recordingCluster) Broadcast(to []cluster.PeerID, key []byte, msg cluster.Message) error {
	for _, p := range to {
		c.Send(p, key, msg)
	}
	return nil
}

func (c *recordingCluster) Inbox() <-chan cluster.Envelope { return nil }
func (c *recordingCluster) Close() error                  { return nil }

func (c *recordingCluster) last() (sentMsg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.out) == 0 {
		return sentMsg{}, false
	}
	return c.out[len(c.out)-1], true
}

func (c *recordingCluster) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.out)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// gatedArchive blocks every Get until release is closed, giving a test
// deterministic control over how long an Acceptor stays Restoring.
type gatedArchive struct {
	archive.Archive
	release chan struct{}
}

func newGatedArchive() *gatedArchive {
	return &gatedArchive{Archive: archive.NewMemory(), release: make(chan struct{})}
}

func (g *gatedArchive) Get(key kv.Key) (kv.Value, bool, error) {
	<-g.release
	return g.Archive.Get(key)
}

func TestRestoringSupersedesBufferedPostWithoutReplyingToIt(t *testing.T) {
	clu := newRecordingCluster("n1")
	key := kv.Key("k1")
	arc := newGatedArchive()
	a := NewAcceptor(key, AcceptorConfig{
		Log:     walog.NewMemoryLog(),
		Archive: arc,
		Cluster: clu,
	})

	// The first query arrives while Restoring is still blocked on the
	// archive lookup; it gets buffered. A second, higher-ballot query
	// arrives before the lookup resolves and must supersede it outright.
	a.Query("p1", 1, 1, kv.Value("def"))
	a.Query("p2", 1, 2, kv.Value("def"))

	close(arc.release)

	waitFor(t, time.Second, func() bool { return clu.count() >= 1 })
	time.Sleep(20 * time.Millisecond) // let any (wrongly) queued second reply land

	if got := clu.count(); got != 1 {
		t.Fatalf("expected exactly one reply (the superseding query's), got %d", got)
	}
	sent, _ := clu.last()
	promise, ok := sent.msg.(Promise)
	if !ok || promise.Ballot != 2 {
		t.Fatalf("expected the surviving reply to answer ballot 2, got %+v", sent.msg)
	}
}

// TestAcceptorRecoversBallotAndProposalFromLogOnRestart covers crash
// recovery mid-accept: a brand-new Acceptor constructed over a log that
// already holds a promise and an accept for key, with nothing yet in
// the archive, must resume Deliberating at the promised ballot with the
// accepted proposal intact rather than starting over from zero — and
// must not append a second open record alongside the one already
// there.
func TestAcceptorRecoversBallotAndProposalFromLogOnRestart(t *testing.T) {
	clu := newRecordingCluster("n1")
	key := kv.Key("k1")
	log := walog.NewMemoryLog()
	ballot := record.Ballot{Ordinal: 7, HostID: "p"}
	if err := log.Append(record.Open(key, kv.Value("def"))); err != nil {
		t.Fatalf("seed open: %v", err)
	}
	if err := log.Append(record.Promise(key, ballot)); err != nil {
		t.Fatalf("seed promise: %v", err)
	}
	if err := log.Append(record.Accept(key, ballot, kv.Value("A"))); err != nil {
		t.Fatalf("seed accept: %v", err)
	}

	a := NewAcceptor(key, AcceptorConfig{
		Log:     log,
		Archive: archive.NewMemory(),
		Cluster: clu,
	})

	// Any input reaching Opening starts Restoring; a query from a third
	// proposer exercises recovery without itself claiming the ballot.
	a.Query("late", 1, 0, kv.Value("def"))

	var status ActiveStatus
	waitFor(t, time.Second, func() bool {
		s, err := a.Checkpoint()
		if err != nil || s.Kind != StatusDeliberating {
			return false
		}
		status = s
		return true
	})

	if status.Ballot != (BallotNumber{Ordinal: 7, HostID: "p"}) {
		t.Fatalf("expected the recovered ballot (7,p), got %+v", status.Ballot)
	}
	if !status.Proposal.Defined || !status.Proposal.Value.Equal(kv.Value("A")) || status.Proposal.Ballot != (BallotNumber{Ordinal: 7, HostID: "p"}) {
		t.Fatalf("expected the recovered proposal Some((7,p),\"A\"), got %+v", status.Proposal)
	}

	recs, err := log.Replay(key)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	opens := 0
	for _, r := range recs {
		if r.Kind == record.KindOpen {
			opens++
		}
	}
	if opens != 1 {
		t.Fatalf("expected exactly one open record to survive recovery, got %d in %+v", opens, recs)
	}
}

func newTestAcceptor(key kv.Key, clu cluster.Cluster) (*Acceptor, walog.Log, archive.Archive) {
	log := walog.NewMemoryLog()
	arc := archive.NewMemory()
	a := NewAcceptor(key, AcceptorConfig{
		Log:     log,
		Archive: arc,
		Cluster: clu,
	})
	return a, log, arc
}

func TestAcceptorPromisesFirstQueryAndPersistsOpen(t *testing.T) {
	clu := newRecordingCluster("n1")
	key := kv.Key("k1")
	a, log, _ := newTestAcceptor(key, clu)

	a.Query("p1", 1, 5, kv.Value("def"))

	waitFor(t, time.Second, func() bool { return clu.count() >= 1 })
	sent, ok := clu.last()
	if !ok {
		t.Fatal("expected a reply")
	}
	promise, ok := sent.msg.(Promise)
	if !ok || promise.Ballot != 5 || promise.HasProposal {
		t.Fatalf("expected a bare promise at ballot 5, got %+v ok=%v", sent.msg, ok)
	}

	waitFor(t, time.Second, func() bool {
		recs, err := log.Replay(key)
		return err == nil && len(recs) >= 1
	})
}

func TestAcceptorRefusesLowerBallot(t *testing.T) {
	clu := newRecordingCluster("n1")
	key := kv.Key("k1")
	a, _, _ := newTestAcceptor(key, clu)

	a.Query("p1", 1, 10, kv.Value("def"))
	waitFor(t, time.Second, func() bool { return clu.count() >= 1 })

	a.Query("p2", 1, 3, kv.Value("def"))
	waitFor(t, time.Second, func() bool { return clu.count() >= 2 })

	sent, _ := clu.last()
	refuse, ok := sent.msg.(Refuse)
	if !ok || refuse.Ballot != 10 {
		t.Fatalf("expected a refuse carrying the higher ballot, got %+v", sent.msg)
	}
}

func TestAcceptorClosedReportsChosenToLateQuery(t *testing.T) {
	clu := newRecordingCluster("n1")
	key := kv.Key("k1")
	a, _, arc := newTestAcceptor(key, clu)

	a.Choose(1, kv.Value("final"))
	waitFor(t, time.Second, func() bool {
		v, ok, err := arc.Get(key)
		return err == nil && ok && v.Equal(kv.Value("final"))
	})

	a.Query("p1", 1, 0, kv.Value("def"))
	waitFor(t, time.Second, func() bool { return clu.count() >= 1 })

	sent, _ := clu.last()
	chosen, ok := sent.msg.(Chosen)
	if !ok || !chosen.Value.Equal(kv.Value("final")) {
		t.Fatalf("expected Chosen(final), got %+v", sent.msg)
	}
}

func TestAcceptorCheckpointReflectsPhase(t *testing.T) {
	clu := newRecordingCluster("n1")
	key := kv.Key("k1")
	a, _, _ := newTestAcceptor(key, clu)

	if _, err := a.Checkpoint(); err != ErrIllegalStateAcceptor {
		t.Fatalf("expected illegal state before any input, got %v", err)
	}

	a.Query("p1", 1, 1, kv.Value("def"))
	waitFor(t, time.Second, func() bool {
		s, err := a.Checkpoint()
		return err == nil && s.Kind == StatusDeliberating
	})

	a.Choose(1, kv.Value("final"))
	waitFor(t, time.Second, func() bool {
		s, err := a.Checkpoint()
		return err == nil && s.Kind == StatusClosed && s.Chosen.Equal(kv.Value("final"))
	})
}

func TestAcceptorSecondAcceptOfSameValueIsReaccept(t *testing.T) {
	// Two Propose calls with the same ballot and value should each commit
	// without the acceptor ever refusing itself.
	clu := newRecordingCluster("n1")
	key := kv.Key("k1")
	a, log, _ := newTestAcceptor(key, clu)

	a.Propose("p1", 1, 0, kv.Value("v"))
	waitFor(t, time.Second, func() bool { return clu.count() >= 1 })
	a.Propose("p1", 1, 0, kv.Value("v"))
	waitFor(t, time.Second, func() bool { return clu.count() >= 2 })

	waitFor(t, time.Second, func() bool {
		recs, err := log.Replay(key)
		if err != nil {
			return false
		}
		found := 0
		for _, r := range recs {
			if r.Kind.String() == "reaccept" {
				found++
			}
		}
		return found >= 1
	})
}
