// Package node wires one cluster member's Acceptor and Proposer
// registries to a cluster.Cluster inbox and routes every arriving
// message to the fiber responsible for it.
//
// Grounded directly on the teacher's internal/node/node.go (NewNode,
// Start/Stop, handleMessages, routeMessage), generalized from a single
// fixed Paxos instance per process into a concurrent-map registry of
// per-key Acceptors and per-(key,time) Proposers, each get-or-created on
// first message and idempotently removed on eviction.
package node

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/basaltdb/paxoscore/internal/archive"
	"github.com/basaltdb/paxoscore/internal/atlas"
	"github.com/basaltdb/paxoscore/internal/backoff"
	"github.com/basaltdb/paxoscore/internal/cluster"
	"github.com/basaltdb/paxoscore/internal/kv"
	"github.com/basaltdb/paxoscore/internal/paxos"
	"github.com/basaltdb/paxoscore/internal/scan"
	"github.com/basaltdb/paxoscore/internal/walog"
)

// scanPageSize bounds how many cells this node returns per ScanRequest
// page, the way a real deputy would cap a single RPC response.
const scanPageSize = 64

// Config bundles one node's durable storage and cluster policy. Every
// Acceptor and self-initiated Proposer this node creates shares it.
type Config struct {
	Log     walog.Log
	Archive archive.Archive
	Cluster cluster.Cluster
	Atlas   atlas.Atlas
	Backoff backoff.Config

	DeliberatingTimeout time.Duration
	ClosedLifetime      time.Duration
}

// Node owns one cluster member's Acceptor registry (one per key) and
// Proposer registry (one per (key, time) decree in flight), and pumps
// its cluster.Cluster inbox, routing each envelope to the fiber it
// addresses.
type Node struct {
	cfg Config

	mu        sync.Mutex
	acceptors map[string]*paxos.Acceptor
	proposers map[proposerKey]*paxos.Proposer

	scanMu    sync.Mutex
	scanPorts map[uint64]func(scan.Page)
	nextPort  uint64

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type proposerKey struct {
	key  string
	time kv.Time
}

// NewNode builds a Node over cfg. Call Start to begin pumping cfg.Cluster's
// inbox.
func NewNode(cfg Config) *Node {
	return &Node{
		cfg:       cfg,
		acceptors: make(map[string]*paxos.Acceptor),
		proposers: make(map[proposerKey]*paxos.Proposer),
		scanPorts: make(map[uint64]func(scan.Page)),
	}
}

// Start begins routing cfg.Cluster's inbox in a background goroutine.
// Idempotent: calling Start twice is a no-op.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}
	n.running = true
	n.stopCh = make(chan struct{})
	n.wg.Add(1)
	go n.handleMessages()
	return nil
}

// Stop halts the inbox pump and waits for it to exit. Idempotent.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	close(n.stopCh)
	n.mu.Unlock()
	n.wg.Wait()
	return nil
}

func (n *Node) handleMessages() {
	defer n.wg.Done()
	inbox := n.cfg.Cluster.Inbox()
	for {
		select {
		case <-n.stopCh:
			return
		case e, ok := <-inbox:
			if !ok {
				return
			}
			n.routeMessage(e)
		}
	}
}

// routeMessage dispatches one envelope by its payload's wire kind:
// Query/Propose/Choose address the key's Acceptor (get-or-created on
// first arrival); Refuse/Promise/Accept/Chosen address whichever
// Proposer is registered for that (key, time).
func (n *Node) routeMessage(e cluster.Envelope) {
	switch m := e.Msg.(type) {
	case paxos.Query:
		n.acceptorFor(e.Key).Query(e.From, m.Time, m.Ballot, m.Default)
	case paxos.Propose:
		n.acceptorFor(e.Key).Propose(e.From, m.Time, m.Ballot, m.Value)
	case paxos.Choose:
		n.acceptorFor(e.Key).Choose(m.Time, m.Value)
	case paxos.Refuse:
		n.deliverToProposer(e.Key, m.Time, e.From, m)
	case paxos.Promise:
		n.deliverToProposer(e.Key, m.Time, e.From, m)
	case paxos.Accept:
		n.deliverToProposer(e.Key, m.Time, e.From, m)
	case paxos.Chosen:
		n.deliverToProposer(e.Key, m.Time, e.From, m)
	case scan.ScanRequest:
		n.serveScanRequest(e.From, m)
	case scan.ScanReply:
		n.deliverScanReply(e.From, m)
	default:
		log.Printf("node: unroutable message type %T", e.Msg)
	}
}

// serveScanRequest answers a deputy read against this node's own
// archive: the terminal store every key's Acceptor commits a choose to.
func (n *Node) serveScanRequest(from cluster.PeerID, req scan.ScanRequest) {
	cells, next, hasNext, err := n.cfg.Archive.Range(req.From, req.Window, scanPageSize)
	if err != nil {
		log.Printf("node: scan range failed for %q: %v", req.Key, err)
		return
	}
	_ = n.cfg.Cluster.Send(from, req.Key, scan.ScanReply{Port: req.Port, Cells: cells, Next: next, HasNext: hasNext})
}

func (n *Node) deliverScanReply(from cluster.PeerID, reply scan.ScanReply) {
	n.scanMu.Lock()
	recv, ok := n.scanPorts[reply.Port]
	delete(n.scanPorts, reply.Port)
	n.scanMu.Unlock()
	if !ok {
		return
	}
	recv(scan.Page{From: from, Cells: reply.Cells, Next: reply.Next, HasNext: reply.HasNext})
}

// Scan implements scan.Deputy: it addresses peer over the cluster and
// correlates the eventual ScanReply back to recv via an ephemeral port,
// the RPC shape the scan deputy contract calls for.
func (n *Node) Scan(peer cluster.PeerID, key kv.Key, t kv.Time, from, window kv.Key, recv func(scan.Page)) {
	n.scanMu.Lock()
	n.nextPort++
	port := n.nextPort
	n.scanPorts[port] = recv
	n.scanMu.Unlock()
	_ = n.cfg.Cluster.Send(peer, key, scan.ScanRequest{Port: port, Key: key, Time: t, From: from, Window: window})
}

// RunScan fans a range query over [key, window) at time t out to the
// atlas-selected peers and feeds ordered, de-duplicated batches to body
// until the scan completes, fails, or ctx is canceled. An empty window
// scans to the end of the keyspace.
func (n *Node) RunScan(ctx context.Context, key, window kv.Key, t kv.Time, body scan.Body) error {
	return scan.Run(ctx, scan.Params{Key: key, Window: window, Time: t, Atlas: n.cfg.Atlas, Backoff: n.cfg.Backoff}, n, body)
}

func (n *Node) deliverToProposer(key []byte, t kv.Time, from cluster.PeerID, msg cluster.Message) {
	n.mu.Lock()
	p, ok := n.proposers[proposerKey{key: string(key), time: t}]
	n.mu.Unlock()
	if !ok {
		return
	}
	p.Deliver(from, msg)
}

// acceptorFor returns key's Acceptor, creating it on first reference.
// The Acceptor's eviction hook removes it from the registry once it has
// sat in Closed for cfg.ClosedLifetime, so a key revisited long after
// being chosen starts a fresh Restoring lookup rather than reusing stale
// state — Restoring's archive read will simply find the value again.
func (n *Node) acceptorFor(key kv.Key) *paxos.Acceptor {
	k := string(key)
	n.mu.Lock()
	defer n.mu.Unlock()
	if a, ok := n.acceptors[k]; ok {
		return a
	}
	a := paxos.NewAcceptor(key, paxos.AcceptorConfig{
		Log:                 n.cfg.Log,
		Archive:             n.cfg.Archive,
		Cluster:             n.cfg.Cluster,
		Atlas:               n.cfg.Atlas,
		DeliberatingTimeout: n.cfg.DeliberatingTimeout,
		ClosedLifetime:      n.cfg.ClosedLifetime,
		Backoff:             n.cfg.Backoff,
		Registrar:           n,
		OnEvict:             func() { n.removeAcceptor(k) },
	})
	n.acceptors[k] = a
	return a
}

func (n *Node) removeAcceptor(k string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.acceptors, k)
}

// Register implements paxos.ProposerRegistrar: it adds p to the
// (key, time) registry so Deliver can find it. Used both for the
// Acceptor's self-initiated deliberatingTimeout decree and for client
// decrees opened through Propose below.
func (n *Node) Register(p *paxos.Proposer) {
	n.mu.Lock()
	n.proposers[proposerKey{key: string(p.Key()), time: p.Time()}] = p
	n.mu.Unlock()
}

// Unregister implements paxos.ProposerRegistrar. Idempotent.
func (n *Node) Unregister(p *paxos.Proposer) {
	n.mu.Lock()
	delete(n.proposers, proposerKey{key: string(p.Key()), time: p.Time()})
	n.mu.Unlock()
}

// Propose opens a client decree for (key, time): a Proposer is created,
// registered, and opened with the given initial ordinal (0 to skip
// straight to Phase-2) and preferred value. The returned Proposer can be
// given a Learner via Learn to discover the outcome; the registry
// evicts it automatically cfg.ClosedLifetime after it closes.
func (n *Node) Propose(key kv.Key, t kv.Time, ordinal uint64, value kv.Value) *paxos.Proposer {
	p := paxos.NewProposer(key, t, n.cfg.Cluster.Self(), n.cfg.Cluster, n.cfg.Atlas, n.cfg.Backoff, n.cfg.ClosedLifetime)
	n.Register(p)
	p.OnEvict = func() { n.Unregister(p) }
	p.Open(ordinal, value)
	return p
}

// Checkpoint reads back key's Acceptor status, creating the Acceptor if
// it does not yet exist (which immediately starts its Restoring archive
// lookup).
func (n *Node) Checkpoint(key kv.Key) (paxos.ActiveStatus, error) {
	return n.acceptorFor(key).Checkpoint()
}
