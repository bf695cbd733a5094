package paxos

import "github.com/basaltdb/paxoscore/internal/kv"

// Learner is registered on a Proposer via Learn and is notified once the
// decree it is driving resolves, one way or the other. A Proposer may
// carry several learners; each is notified exactly once.
type Learner interface {
	// Chosen is called with the agreed value once the decree closes,
	// whether or not it matches the value this Learner's registrant
	// originally wanted proposed.
	Chosen(value kv.Value)

	// Timeout is called if the Proposer exhausts its retry budget
	// without reaching quorum.
	Timeout()
}

// FuncLearner adapts two plain functions to the Learner interface, the
// way a caller that only cares about one outcome can avoid defining a
// named type — used internally by the Acceptor's deliberatingTimeout
// self-proposal, which only wants to feed the result back into choose.
type FuncLearner struct {
	OnChosen  func(kv.Value)
	OnTimeout func()
}

func (f FuncLearner) Chosen(v kv.Value) {
	if f.OnChosen != nil {
		f.OnChosen(v)
	}
}

func (f FuncLearner) Timeout() {
	if f.OnTimeout != nil {
		f.OnTimeout()
	}
}

// ChanLearner delivers the decree's outcome over a channel, for callers
// that want to block until a value is known rather than supply a
// callback. Result is sent exactly once, whichever of Chosen/Timeout
// fires first.
type ChanLearner struct {
	C chan LearnResult
}

// NewChanLearner returns a ChanLearner with a buffered channel of
// capacity one, so Chosen/Timeout never blocks on a slow receiver.
func NewChanLearner() *ChanLearner {
	return &ChanLearner{C: make(chan LearnResult, 1)}
}

// LearnResult is the single outcome a ChanLearner delivers.
type LearnResult struct {
	Value    kv.Value
	TimedOut bool
}

func (c *ChanLearner) Chosen(v kv.Value) { c.C <- LearnResult{Value: v} }
func (c *ChanLearner) Timeout()          { c.C <- LearnResult{TimedOut: true} }
