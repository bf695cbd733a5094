package kv

import "testing"

func TestKeyEqual(t *testing.T) {
	if !Key("a").Equal(Key("a")) {
		t.Fatal("expected equal keys to compare equal")
	}
	if Key("a").Equal(Key("b")) {
		t.Fatal("expected different keys to compare unequal")
	}
}

func TestKeyLess(t *testing.T) {
	if !Key("a").Less(Key("b")) {
		t.Fatal("expected a < b")
	}
	if Key("b").Less(Key("a")) {
		t.Fatal("expected b not < a")
	}
}

func TestCompareOrdersByKeyThenTimeDescending(t *testing.T) {
	a := Cell{Key: Key("k1"), Time: 5}
	b := Cell{Key: Key("k1"), Time: 10}
	c := Cell{Key: Key("k2"), Time: 1}

	if !Less(b, a) {
		t.Fatal("expected newer time to sort first within the same key")
	}
	if !Less(a, c) {
		t.Fatal("expected k1 to sort before k2 regardless of time")
	}
	if Compare(a, a) != 0 {
		t.Fatal("expected a cell to compare equal to itself")
	}
}
