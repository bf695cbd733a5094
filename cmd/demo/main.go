// Command demo wires a five-node in-memory cluster and exercises both
// halves of the core: a client decree driven to consensus through the
// Acceptor/Proposer pair, and a quorum-merged range scan over what each
// node's archive has chosen.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/basaltdb/paxoscore/internal/archive"
	"github.com/basaltdb/paxoscore/internal/atlas"
	"github.com/basaltdb/paxoscore/internal/backoff"
	"github.com/basaltdb/paxoscore/internal/cluster"
	"github.com/basaltdb/paxoscore/internal/kv"
	"github.com/basaltdb/paxoscore/internal/node"
	"github.com/basaltdb/paxoscore/internal/paxos"
	"github.com/basaltdb/paxoscore/internal/walog"
)

func main() {
	peers := []cluster.PeerID{"node-0", "node-1", "node-2", "node-3", "node-4"}
	hub := cluster.NewHub()
	atl := atlas.NewStatic(peers)
	bo := backoff.DefaultProposing()

	nodes := make([]*node.Node, len(peers))
	for i, id := range peers {
		clu := hub.Join(id)
		n := node.NewNode(node.Config{
			Log:                 walog.NewMemoryLog(),
			Archive:             archive.NewMemory(),
			Cluster:             clu,
			Atlas:               atl,
			Backoff:             bo,
			DeliberatingTimeout: 50 * time.Millisecond,
			ClosedLifetime:      2 * time.Second,
		})
		if err := n.Start(); err != nil {
			log.Fatalf("start %s: %v", id, err)
		}
		nodes[i] = n
	}
	defer func() {
		for _, n := range nodes {
			n.Stop()
		}
	}()

	fmt.Println("== decree ==")
	runDecree(nodes[0], "widgets/alpha", "forty-two")
	runDecree(nodes[1], "widgets/beta", "hello, paxos")

	time.Sleep(50 * time.Millisecond)
	fmt.Println("\n== scan ==")
	runScan(nodes[2], kv.Key(""), kv.Key(""))

	fmt.Println("\n== windowed scan ==")
	runScan(nodes[2], kv.Key("widgets/"), kv.Key("widgets/b"))
}

func runDecree(n *node.Node, key, value string) {
	learner := paxos.NewChanLearner()
	p := n.Propose(kv.Key(key), kv.Time(1), 0, kv.Value(value))
	if err := p.Learn(learner); err != nil {
		log.Fatalf("learn: %v", err)
	}
	select {
	case r := <-learner.C:
		if r.TimedOut {
			fmt.Printf("decree %q timed out\n", key)
			return
		}
		fmt.Printf("decree %q chosen: %q\n", key, r.Value)
	case <-time.After(5 * time.Second):
		fmt.Printf("decree %q: no response\n", key)
	}
}

func runScan(n *node.Node, from, window kv.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := n.RunScan(ctx, from, window, kv.MaxTime, func(cells []kv.Cell) error {
		for _, c := range cells {
			fmt.Printf("scan: %s = %q (t=%d)\n", c.Key, c.Value, c.Time)
		}
		return nil
	})
	if err != nil {
		fmt.Printf("scan failed: %v\n", err)
	}
}
