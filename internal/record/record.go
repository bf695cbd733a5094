// Package record defines the Acceptor's write-ahead log records and
// their durable, bit-exact wire pickling.
//
// Each record kind carries a stable 32-bit id, preserved bit-exact
// across versions, and the full record set round-trips through
// Encode/Decode. Encoding uses github.com/bford/cofo/cbe (compact binary
// encoding), the same library dedis-tlc's go/model/qscod/fs/casfs/state.go
// uses to pickle its own durable register-version files: one
// cbe.Encode/Decode call per field, appended in a fixed order.
package record

import (
	"errors"
	"fmt"

	"github.com/bford/cofo/cbe"

	"github.com/basaltdb/paxoscore/internal/kv"
)

// Kind identifies a durable record's type. Values are stable 32-bit ids;
// never renumber an existing Kind once it has shipped.
type Kind uint32

const (
	KindOpen     Kind = 1
	KindPromise  Kind = 2
	KindAccept   Kind = 3
	KindReaccept Kind = 4
	KindClose    Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindPromise:
		return "promise"
	case KindAccept:
		return "accept"
	case KindReaccept:
		return "reaccept"
	case KindClose:
		return "close"
	default:
		return fmt.Sprintf("record.Kind(%d)", uint32(k))
	}
}

// Ballot is the wire-level representation of a ballot number: an ordinal
// plus the proposer host-id tiebreak. Kept free of any dependency on the
// paxos package so record stays a leaf package.
type Ballot struct {
	Ordinal uint64
	HostID  string
}

// Record is one durable log entry. Not every field is meaningful for
// every Kind — see the open/promise/accept/reaccept/close constructors
// below, which are the only supported way to build a valid Record.
type Record struct {
	Kind    Kind
	Key     kv.Key
	Default kv.Value // open
	Ballot  Ballot   // promise, accept, reaccept, close(unused)
	Value   kv.Value // accept, close
	ArchGen int64    // close
}

func Open(key kv.Key, def kv.Value) Record {
	return Record{Kind: KindOpen, Key: key, Default: def}
}

func Promise(key kv.Key, b Ballot) Record {
	return Record{Kind: KindPromise, Key: key, Ballot: b}
}

func Accept(key kv.Key, b Ballot, v kv.Value) Record {
	return Record{Kind: KindAccept, Key: key, Ballot: b, Value: v}
}

func Reaccept(key kv.Key, b Ballot) Record {
	return Record{Kind: KindReaccept, Key: key, Ballot: b}
}

func Close(key kv.Key, chosen kv.Value, archiveGen int64) Record {
	return Record{Kind: KindClose, Key: key, Value: chosen, ArchGen: archiveGen}
}

// ErrCorrupt is returned by Decode when the encoded bytes cannot be
// parsed as a Record.
var ErrCorrupt = errors.New("record: corrupt encoding")

// Encode pickles r, appending to buf (which may be nil) and returning
// the extended slice, matching the cbe append convention
// (cbe.Encode(buf, data) []byte) used throughout dedis-tlc's casfs state
// pickling.
func Encode(buf []byte, r Record) []byte {
	buf = cbe.Encode(buf, kindBytes(r.Kind))
	buf = cbe.Encode(buf, r.Key)
	switch r.Kind {
	case KindOpen:
		buf = cbe.Encode(buf, r.Default)
	case KindPromise:
		buf = encodeBallot(buf, r.Ballot)
	case KindAccept:
		buf = encodeBallot(buf, r.Ballot)
		buf = cbe.Encode(buf, r.Value)
	case KindReaccept:
		buf = encodeBallot(buf, r.Ballot)
	case KindClose:
		buf = cbe.Encode(buf, r.Value)
		buf = cbe.Encode(buf, encodeInt64(r.ArchGen))
	}
	return buf
}

// Decode parses one Record from the front of b, returning the record and
// the remaining unparsed bytes.
func Decode(b []byte) (Record, []byte, error) {
	kb, b, err := cbe.Decode(b)
	if err != nil || len(kb) != 4 {
		return Record{}, b, ErrCorrupt
	}
	k := Kind(decodeUint32(kb))

	keyb, b, err := cbe.Decode(b)
	if err != nil {
		return Record{}, b, ErrCorrupt
	}
	r := Record{Kind: k, Key: kv.Key(keyb)}

	switch k {
	case KindOpen:
		def, rest, err := cbe.Decode(b)
		if err != nil {
			return Record{}, b, ErrCorrupt
		}
		r.Default = kv.Value(def)
		b = rest
	case KindPromise:
		bal, rest, err := decodeBallot(b)
		if err != nil {
			return Record{}, b, err
		}
		r.Ballot = bal
		b = rest
	case KindAccept:
		bal, rest, err := decodeBallot(b)
		if err != nil {
			return Record{}, b, err
		}
		r.Ballot = bal
		val, rest2, err := cbe.Decode(rest)
		if err != nil {
			return Record{}, b, ErrCorrupt
		}
		r.Value = kv.Value(val)
		b = rest2
	case KindReaccept:
		bal, rest, err := decodeBallot(b)
		if err != nil {
			return Record{}, b, err
		}
		r.Ballot = bal
		b = rest
	case KindClose:
		val, rest, err := cbe.Decode(b)
		if err != nil {
			return Record{}, b, ErrCorrupt
		}
		r.Value = kv.Value(val)
		genb, rest2, err := cbe.Decode(rest)
		if err != nil || len(genb) != 8 {
			return Record{}, b, ErrCorrupt
		}
		r.ArchGen = decodeInt64(genb)
		b = rest2
	default:
		return Record{}, b, ErrCorrupt
	}
	return r, b, nil
}

func encodeBallot(buf []byte, b Ballot) []byte {
	buf = cbe.Encode(buf, encodeUint64(b.Ordinal))
	buf = cbe.Encode(buf, []byte(b.HostID))
	return buf
}

func decodeBallot(b []byte) (Ballot, []byte, error) {
	ob, rest, err := cbe.Decode(b)
	if err != nil || len(ob) != 8 {
		return Ballot{}, b, ErrCorrupt
	}
	hb, rest2, err := cbe.Decode(rest)
	if err != nil {
		return Ballot{}, b, ErrCorrupt
	}
	return Ballot{Ordinal: decodeUint64(ob), HostID: string(hb)}, rest2, nil
}

func kindBytes(k Kind) []byte { return encodeUint32(uint32(k)) }

func encodeUint32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
func decodeUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
func encodeUint64(v uint64) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(v >> uint(56-8*i))
	}
	return out
}
func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
func encodeInt64(v int64) []byte { return encodeUint64(uint64(v)) }
func decodeInt64(b []byte) int64 { return int64(decodeUint64(b)) }
