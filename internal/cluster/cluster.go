// Package cluster abstracts peer identity and message delivery. The
// Paxos core and the scan director only ever see the Cluster interface;
// they never know whether messages cross a process boundary.
//
// The shape follows the teacher's internal/transport (a Transport
// interface plus an in-memory channel-backed implementation) generalized
// with the envelope/broadcast conventions dyv-paxos's Peer/Agent use for
// routing Paxos messages to the right peer and back.
package cluster

import (
	"errors"
	"sync"
)

// PeerID identifies one cluster member. In production this would be
// carried alongside a network address; for this core it is opaque.
type PeerID string

// Message is the common interface every wire message carries so the
// transport can be generic over payload type while framing stays
// bit-exact (Kind returns the message's stable wire id).
type Message interface {
	Kind() uint64
}

// Envelope is one delivered message: who it is to/from, which key's
// fiber it routes to, and the payload itself.
type Envelope struct {
	To, From PeerID
	Key      []byte
	Msg      Message
}

// ErrUnknownPeer is returned by Send/Broadcast when the destination is
// not a member of the cluster.
var ErrUnknownPeer = errors.New("cluster: unknown peer")

// ErrClosed is returned by Send/Broadcast once the cluster handle has
// been closed.
var ErrClosed = errors.New("cluster: closed")

// Cluster is this node's handle onto the cluster transport: it can send
// to (or broadcast to) named peers, and it exposes an inbox of messages
// addressed to this node.
type Cluster interface {
	// Self returns this node's own peer id.
	Self() PeerID

	// Send delivers msg, addressed to key's fiber, to peer "to". Delivery
	// is best-effort: Send may return nil even if the message is later
	// dropped, matching an asynchronous, lossy network.
	Send(to PeerID, key []byte, msg Message) error

	// Broadcast sends msg to every peer in to.
	Broadcast(to []PeerID, key []byte, msg Message) error

	// Inbox returns the channel of envelopes addressed to this node.
	Inbox() <-chan Envelope

	// Close shuts the handle down. Idempotent.
	Close() error
}

// Hub is a shared, in-process switchboard connecting MemoryCluster
// handles by PeerID, the way the teacher's transport.Network and
// dyv-paxos's addrToPeer registry both do — except here delivery is a
// single shared struct rather than each peer knowing every other peer's
// address directly.
type Hub struct {
	mu    sync.RWMutex
	boxes map[PeerID]chan Envelope
}

// NewHub creates an empty switchboard.
func NewHub() *Hub {
	return &Hub{boxes: make(map[PeerID]chan Envelope)}
}

// Join registers id with the hub and returns its Cluster handle. Calling
// Join twice with the same id panics: peer identity must be unique.
func (h *Hub) Join(id PeerID) *MemoryCluster {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.boxes[id]; ok {
		panic("cluster: peer already joined: " + string(id))
	}
	box := make(chan Envelope, 256)
	h.boxes[id] = box
	return &MemoryCluster{hub: h, self: id, inbox: box}
}

func (h *Hub) deliver(e Envelope) error {
	h.mu.RLock()
	box, ok := h.boxes[e.To]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}
	select {
	case box <- e:
		return nil
	default:
		// Buffer full: the asynchronous network is allowed to drop
		// messages, and the Proposer/Acceptor retry loops assume it can.
		return nil
	}
}

func (h *Hub) leave(id PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if box, ok := h.boxes[id]; ok {
		close(box)
		delete(h.boxes, id)
	}
}

// MemoryCluster is the Cluster implementation backing a single process's
// demo/test cluster: all peers run in the same process and exchange
// messages over a Hub's channels, mirroring the teacher's
// transport.MemoryTransport.
type MemoryCluster struct {
	hub    *Hub
	self   PeerID
	inbox  chan Envelope
	once   sync.Once
	closed bool
	mu     sync.Mutex
}

func (c *MemoryCluster) Self() PeerID { return c.self }

func (c *MemoryCluster) Send(to PeerID, key []byte, msg Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.hub.deliver(Envelope{To: to, From: c.self, Key: key, Msg: msg})
}

// Broadcast addresses every peer in to, including this node's own peer
// id if present: a node's Proposer and Acceptor for a key are distinct
// fibers even when co-located, so a self-addressed message still has to
// make the same round trip through the inbox as any other.
func (c *MemoryCluster) Broadcast(to []PeerID, key []byte, msg Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	var first error
	for _, p := range to {
		if err := c.hub.deliver(Envelope{To: p, From: c.self, Key: key, Msg: msg}); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *MemoryCluster) Inbox() <-chan Envelope { return c.inbox }

func (c *MemoryCluster) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.hub.leave(c.self)
	})
	return nil
}

func (c *MemoryCluster) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
