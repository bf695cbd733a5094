package scan

import "github.com/basaltdb/paxoscore/internal/kv"

// Wire ids for the scan deputy RPC, continuing the paxos package's
// numbering (1-7) in its own namespace.
const (
	WireScanRequest uint64 = 8
	WireScanReply   uint64 = 9
)

// ScanRequest asks a deputy for key's cells at time, in the range
// [From, Window) — an empty Window means no upper bound — replying with
// Port so the caller can correlate the reply to the right Director
// without a shared connection.
type ScanRequest struct {
	Port   uint64
	Key    kv.Key
	Time   kv.Time
	From   kv.Key
	Window kv.Key
}

func (ScanRequest) Kind() uint64 { return WireScanRequest }

// ScanReply answers one ScanRequest: the page of cells found (possibly
// empty) and a continuation key if more remains beyond it.
type ScanReply struct {
	Port    uint64
	Cells   []kv.Cell
	Next    kv.Key
	HasNext bool
}

func (ScanReply) Kind() uint64 { return WireScanReply }
