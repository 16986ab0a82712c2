package ckptstore

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/dreamware/torua/internal/shard"
)

func TestWriteReadSnapshotRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	entries := []shard.Entry{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}

	if err := store.WriteSnapshot("run1", 1, 0, 4, entries); err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}

	got, err := store.ReadSnapshot("run1", 1, 0, 4)
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}

	if len(got) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(got))
	}
	for i := range entries {
		if !bytes.Equal(got[i].Key, entries[i].Key) || !bytes.Equal(got[i].Value, entries[i].Value) {
			t.Errorf("entry %d mismatch: want %+v got %+v", i, entries[i], got[i])
		}
	}
}

func TestSnapshotFileNaming(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFile(dir)

	_ = store.WriteSnapshot("ckpt", 1, 3, 10, []shard.Entry{{Key: []byte("k"), Value: []byte("v")}})

	wantPath := filepath.Join(dir, "ckpt.00003-of-00010")
	if _, err := readEntries(wantPath); err != nil {
		t.Errorf("expected snapshot at %s, got error: %v", wantPath, err)
	}
}

func TestWriteDeltaAppendsAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFile(dir)

	if err := store.WriteDelta("run1", 1, 0, 4, []shard.Entry{{Key: []byte("a"), Value: []byte("1")}}); err != nil {
		t.Fatalf("first WriteDelta failed: %v", err)
	}
	if err := store.WriteDelta("run1", 1, 0, 4, []shard.Entry{{Key: []byte("b"), Value: []byte("2")}}); err != nil {
		t.Fatalf("second WriteDelta failed: %v", err)
	}

	got, err := store.ReadDelta("run1", 1, 0, 4)
	if err != nil {
		t.Fatalf("ReadDelta failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 accumulated delta entries, got %d", len(got))
	}
	if string(got[0].Key) != "a" || string(got[1].Key) != "b" {
		t.Errorf("expected delta entries in write order [a, b], got %v", got)
	}
}

func TestReadDeltaOnMissingFileReturnsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFile(dir)

	got, err := store.ReadDelta("never-written", 1, 0, 4)
	if err != nil {
		t.Fatalf("expected no error for a missing delta file, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no entries, got %d", len(got))
	}
}

func TestDeltaEntryWithNilValueRoundTripsAsTombstone(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFile(dir)

	if err := store.WriteDelta("run1", 1, 0, 4, []shard.Entry{{Key: []byte("gone"), Value: nil}}); err != nil {
		t.Fatalf("WriteDelta failed: %v", err)
	}

	got, err := store.ReadDelta("run1", 1, 0, 4)
	if err != nil {
		t.Fatalf("ReadDelta failed: %v", err)
	}
	if len(got) != 1 || got[0].Value != nil {
		t.Errorf("expected a single tombstone entry with nil value, got %+v", got)
	}
}

func TestManifestRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFile(dir)

	m := Manifest{
		Epoch:  7,
		Tables: []uint32{1, 2},
		Params: map[string]string{"lambda": "0.5"},
	}

	if err := store.WriteManifest("run1", m); err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}

	got, err := store.ReadManifest("run1")
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}
	if got.Epoch != m.Epoch || len(got.Tables) != 2 || got.Params["lambda"] != "0.5" {
		t.Errorf("manifest mismatch: want %+v got %+v", m, got)
	}
}
