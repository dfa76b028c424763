package conntable

import "testing"

func TestMemTablePutGetRemove(t *testing.T) {
	tbl := NewMemTable()
	key := Key{Remote: "10.0.0.1:7000", Ordered: true, Shared: false, IsReceiver: false}

	if _, found := tbl.Get(key); found {
		t.Fatal("expected not found before put")
	}

	tbl.Put(key, "entry-1")
	if tbl.Len() != 1 {
		t.Fatalf("expected len=1, got=%d", tbl.Len())
	}

	got, found := tbl.Get(key)
	if !found || got != "entry-1" {
		t.Fatalf("got=%v found=%t", got, found)
	}

	tbl.Remove(key)
	if tbl.Len() != 0 {
		t.Fatalf("expected len=0 after remove, got=%d", tbl.Len())
	}
}

func TestMemTableDistinguishesKeysByAllFields(t *testing.T) {
	tbl := NewMemTable()
	base := Key{Remote: "peer-a"}

	tbl.Put(base, "a")
	tbl.Put(Key{Remote: "peer-a", Ordered: true}, "b")
	tbl.Put(Key{Remote: "peer-a", Shared: true}, "c")
	tbl.Put(Key{Remote: "peer-a", IsReceiver: true}, "d")

	if tbl.Len() != 4 {
		t.Fatalf("expected 4 distinct entries, got=%d", tbl.Len())
	}
}
