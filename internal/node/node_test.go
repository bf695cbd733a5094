package node

import (
	"context"
	"testing"
	"time"

	"github.com/basaltdb/paxoscore/internal/archive"
	"github.com/basaltdb/paxoscore/internal/atlas"
	"github.com/basaltdb/paxoscore/internal/backoff"
	"github.com/basaltdb/paxoscore/internal/cluster"
	"github.com/basaltdb/paxoscore/internal/kv"
	"github.com/basaltdb/paxoscore/internal/paxos"
	"github.com/basaltdb/paxoscore/internal/walog"
)

func newCluster(hub *cluster.Hub, peers []cluster.PeerID) []*Node {
	atl := atlas.NewStatic(peers)
	var nodes []*Node
	for _, id := range peers {
		n := NewNode(Config{
			Log:                 walog.NewMemoryLog(),
			Archive:             archive.NewMemory(),
			Cluster:             hub.Join(id),
			Atlas:               atl,
			Backoff:             backoff.DefaultProposing(),
			DeliberatingTimeout: 50 * time.Millisecond,
			ClosedLifetime:      2 * time.Second,
		})
		if err := n.Start(); err != nil {
			panic(err)
		}
		nodes = append(nodes, n)
	}
	return nodes
}

func TestProposeReachesConsensusAcrossNodes(t *testing.T) {
	hub := cluster.NewHub()
	peers := []cluster.PeerID{"n1", "n2", "n3"}
	nodes := newCluster(hub, peers)
	defer func() {
		for _, n := range nodes {
			n.Stop()
		}
	}()

	learner := paxos.NewChanLearner()
	p := nodes[0].Propose(kv.Key("widgets/alpha"), 1, 0, kv.Value("forty-two"))
	if err := p.Learn(learner); err != nil {
		t.Fatalf("learn: %v", err)
	}

	select {
	case res := <-learner.C:
		if res.TimedOut || !res.Value.Equal(kv.Value("forty-two")) {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("decree never resolved")
	}

	for _, n := range nodes {
		deadline := time.Now().Add(time.Second)
		for {
			s, err := n.Checkpoint(kv.Key("widgets/alpha"))
			if err == nil && s.Kind == paxos.StatusClosed && s.Chosen.Equal(kv.Value("forty-two")) {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("node never converged on the chosen value: %+v err=%v", s, err)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestRunScanMergesAcrossNodesAfterConsensus(t *testing.T) {
	hub := cluster.NewHub()
	peers := []cluster.PeerID{"n1", "n2", "n3"}
	nodes := newCluster(hub, peers)
	defer func() {
		for _, n := range nodes {
			n.Stop()
		}
	}()

	for _, kv2 := range []struct {
		key, val string
	}{
		{"a", "a-value"},
		{"b", "b-value"},
	} {
		learner := paxos.NewChanLearner()
		p := nodes[0].Propose(kv.Key(kv2.key), 1, 0, kv.Value(kv2.val))
		if err := p.Learn(learner); err != nil {
			t.Fatalf("learn: %v", err)
		}
		select {
		case res := <-learner.C:
			if res.TimedOut {
				t.Fatalf("decree for %q timed out", kv2.key)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("decree for %q never resolved", kv2.key)
		}
	}

	// Give every node's archive a moment to durably commit before
	// scanning; the decree's own learner only proves the proposer's node
	// observed consensus, not that every acceptor has finished its Choose.
	time.Sleep(100 * time.Millisecond)

	var got []kv.Cell
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := nodes[1].RunScan(ctx, kv.Key(""), kv.Key(""), kv.MaxTime, func(cells []kv.Cell) error {
		got = append(got, cells...)
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 || string(got[0].Key) != "a" || string(got[1].Key) != "b" {
		t.Fatalf("unexpected scan result: %+v", got)
	}

	var windowed []kv.Cell
	ctx2, cancel2 := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel2()
	err = nodes[1].RunScan(ctx2, kv.Key(""), kv.Key("b"), kv.MaxTime, func(cells []kv.Cell) error {
		windowed = append(windowed, cells...)
		return nil
	})
	if err != nil {
		t.Fatalf("windowed scan: %v", err)
	}
	if len(windowed) != 1 || string(windowed[0].Key) != "a" {
		t.Fatalf("expected the window to exclude %q, got %+v", "b", windowed)
	}
}

func TestAcceptorForIsGetOrCreate(t *testing.T) {
	hub := cluster.NewHub()
	n := NewNode(Config{
		Log:     walog.NewMemoryLog(),
		Archive: archive.NewMemory(),
		Cluster: hub.Join("n1"),
		Atlas:   atlas.NewStatic([]cluster.PeerID{"n1"}),
		Backoff: backoff.DefaultProposing(),
	})
	a1 := n.acceptorFor(kv.Key("k"))
	a2 := n.acceptorFor(kv.Key("k"))
	if a1 != a2 {
		t.Fatal("expected the same Acceptor instance for the same key")
	}
}

func TestRegisterUnregisterIsIdempotent(t *testing.T) {
	hub := cluster.NewHub()
	n := NewNode(Config{
		Log:     walog.NewMemoryLog(),
		Archive: archive.NewMemory(),
		Cluster: hub.Join("n1"),
		Atlas:   atlas.NewStatic([]cluster.PeerID{"n1"}),
		Backoff: backoff.DefaultProposing(),
	})
	p := paxos.NewProposer(kv.Key("k"), 1, "n1", hub.Join("ghost"), atlas.NewStatic([]cluster.PeerID{"n1"}), backoff.DefaultProposing(), 0)
	n.Register(p)
	n.Unregister(p)
	n.Unregister(p) // must not panic the second time
}
