// Package walog is the on-disk record log the Acceptor delegates all
// durability to: append, then replay on recovery. The Acceptor never
// touches a file or a mutex directly — it only ever calls Log.Append and
// Log.Replay, and treats completion of either as a suspension point.
//
// Grounded on dyv-paxos's log.go (MsgLog/ValueLog: an append-only,
// replay-on-recovery log keyed by entry). FileLog appends every record to
// one file and fsyncs after each append; it does not write to a temp path
// or rename files into place.
package walog

import (
	"io"
	"os"
	"sync"

	"github.com/basaltdb/paxoscore/internal/kv"
	"github.com/basaltdb/paxoscore/internal/record"
)

// Log is the durable append/replay contract for one acceptor's records.
// Implementations need not be fast; they must be durable: Append must
// not return success until the record would survive a crash.
type Log interface {
	// Append durably persists r. It blocks until the record is durable
	// or a storage failure occurs.
	Append(r record.Record) error

	// Replay returns every record previously appended for key, in
	// append order.
	Replay(key kv.Key) ([]record.Record, error)

	Close() error
}

// MemoryLog is a Log backed by an in-process slice. It is durable only
// across Append/Replay calls within the same process — exactly the
// "not for production" in-memory storage the teacher's
// internal/storage/memory.go documents, generalized from one promise/
// accept pair to an ordered record history.
type MemoryLog struct {
	mu      sync.Mutex
	records []record.Record
}

func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (l *MemoryLog) Append(r record.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
	return nil
}

func (l *MemoryLog) Replay(key kv.Key) ([]record.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []record.Record
	for _, r := range l.records {
		if r.Key.Equal(key) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *MemoryLog) Close() error { return nil }

// FileLog is a Log backed by a single append-only file of concatenated,
// self-framed record.Encode output. Every record for every key in the
// process shares one file, the way dyv-paxos's MsgLog shares one file
// across all agents' sent messages.
type FileLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenFileLog opens (creating if needed) the log file at path.
func OpenFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLog{path: path, f: f}, nil
}

func (l *FileLog) Append(r record.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := record.Encode(nil, r)
	if _, err := l.f.Write(buf); err != nil {
		return err
	}
	return l.f.Sync()
}

// Replay returns every record previously appended for key. A trailing
// partial write left by a crash mid-append decodes as an error and is
// treated as end-of-log rather than propagated.
func (l *FileLog) Replay(key kv.Key) ([]record.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Seek(0, 0); err != nil {
		return nil, err
	}
	b, err := io.ReadAll(l.f)
	if err != nil {
		return nil, err
	}
	var out []record.Record
	for len(b) > 0 {
		r, rest, err := record.Decode(b)
		if err != nil {
			break
		}
		if r.Key.Equal(key) {
			out = append(out, r)
		}
		b = rest
	}
	if _, err := l.f.Seek(0, 2); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
