package archive

import (
	"testing"

	"github.com/basaltdb/paxoscore/internal/kv"
)

func TestGetMissingReturnsNotOK(t *testing.T) {
	m := NewMemory()
	_, ok, err := m.Get(kv.Key("nope"))
	if err != nil || ok {
		t.Fatalf("expected missing key to report not-ok, got ok=%v err=%v", ok, err)
	}
}

func TestPutThenGet(t *testing.T) {
	m := NewMemory()
	gen, err := m.Put(kv.Key("k"), kv.Value("v"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if gen != 1 {
		t.Fatalf("expected first generation to be 1, got %d", gen)
	}
	v, ok, err := m.Get(kv.Key("k"))
	if err != nil || !ok || !v.Equal(kv.Value("v")) {
		t.Fatalf("get: v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestRangeOrdersByKeyAndPaginates(t *testing.T) {
	m := NewMemory()
	for _, k := range []string{"c", "a", "b"} {
		if _, err := m.Put(kv.Key(k), kv.Value(k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	cells, next, hasNext, err := m.Range(kv.Key(""), kv.Key(""), 2)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(cells) != 2 || string(cells[0].Key) != "a" || string(cells[1].Key) != "b" {
		t.Fatalf("unexpected first page: %+v", cells)
	}
	if !hasNext || string(next) != "c" {
		t.Fatalf("expected continuation at c, got next=%q hasNext=%v", next, hasNext)
	}

	cells2, _, hasNext2, err := m.Range(next, kv.Key(""), 2)
	if err != nil {
		t.Fatalf("second range: %v", err)
	}
	if len(cells2) != 1 || string(cells2[0].Key) != "c" || hasNext2 {
		t.Fatalf("unexpected second page: %+v hasNext=%v", cells2, hasNext2)
	}
}

func TestRangeRespectsUpperBound(t *testing.T) {
	m := NewMemory()
	for _, k := range []string{"a", "b", "c"} {
		if _, err := m.Put(kv.Key(k), kv.Value(k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	cells, next, hasNext, err := m.Range(kv.Key(""), kv.Key("c"), 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if hasNext || string(next) != "" {
		t.Fatalf("expected no continuation within the window, got next=%q hasNext=%v", next, hasNext)
	}
	if len(cells) != 2 || string(cells[0].Key) != "a" || string(cells[1].Key) != "b" {
		t.Fatalf("expected the window to exclude %q, got %+v", "c", cells)
	}
}
