package storage

import (
	"bytes"
	"testing"
)

// testBatch exercises the read-your-writes contract every Batch
// implementation must satisfy.
func testBatch(t *testing.T, db DB) {
	t.Helper()
	batcher, ok := db.(Batcher)
	if !ok {
		t.Fatalf("%T does not implement Batcher", db)
	}

	if err := db.Put([]byte("existing"), []byte("old")); err != nil {
		t.Fatalf("seed Put() error: %v", err)
	}

	b := batcher.NewBatch()
	if err := b.Put([]byte("new"), []byte("v1")); err != nil {
		t.Fatalf("batch Put() error: %v", err)
	}
	if err := b.Delete([]byte("existing")); err != nil {
		t.Fatalf("batch Delete() error: %v", err)
	}

	// Batch-local reads observe the staged write immediately.
	v, err := b.Get([]byte("new"))
	if err != nil {
		t.Fatalf("batch Get(new) error: %v", err)
	}
	if !bytes.Equal(v, []byte("v1")) {
		t.Errorf("batch Get(new) = %q, want v1", v)
	}

	// Batch-local reads see the staged deletion, hiding the backing value.
	if has, _ := b.Has([]byte("existing")); has {
		t.Error("batch Has(existing) = true after staged delete, want false")
	}

	// Nothing is visible in the backing store before Commit.
	if has, _ := db.Has([]byte("new")); has {
		t.Error("db Has(new) = true before Commit, want false")
	}
	if v, _ := db.Get([]byte("existing")); !bytes.Equal(v, []byte("old")) {
		t.Errorf("db Get(existing) = %q before Commit, want old (unchanged)", v)
	}

	if err := b.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	if v, err := db.Get([]byte("new")); err != nil || !bytes.Equal(v, []byte("v1")) {
		t.Errorf("db Get(new) after Commit = (%q, %v), want v1", v, err)
	}
	if has, _ := db.Has([]byte("existing")); has {
		t.Error("db Has(existing) = true after Commit, want false")
	}
}

func TestMemoryDB_Batch(t *testing.T) {
	testBatch(t, NewMemory())
}

func TestPrefixDB_Batch_Atomic(t *testing.T) {
	testBatch(t, NewPrefixDB(NewMemory(), []byte("ns/")))
}
