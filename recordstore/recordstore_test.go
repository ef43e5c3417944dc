package recordstore_test

import (
	"testing"
	"time"

	"github.com/dhtcore/kaddht/kadid"
	"github.com/dhtcore/kaddht/recordstore"
)

func TestPutThenGet(t *testing.T) {
	store := recordstore.New(time.Hour, nil)

	if err := store.PutValue(kadid.Key("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	value, _, err := store.GetValue(kadid.Key("k"))
	if err != nil {
		t.Fatal(err)
	}
	if string(value) != "v" {
		t.Fatalf("expected %q, got %q", "v", value)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	store := recordstore.New(time.Hour, nil)

	if _, _, err := store.GetValue(kadid.Key("missing")); err != recordstore.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutValueRejectsOversizedValue(t *testing.T) {
	store := recordstore.New(time.Hour, nil)
	oversized := make([]byte, recordstore.MaxValueSize+1)

	if err := store.PutValue(kadid.Key("k"), oversized); err != recordstore.ErrValueTooLarge {
		t.Fatalf("expected ErrValueTooLarge, got %v", err)
	}
}

func TestExpiredRecordIsInvisible(t *testing.T) {
	now := time.Unix(1000, 0)
	store := recordstore.New(time.Minute, func() time.Time { return now })

	if err := store.PutValue(kadid.Key("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Minute)

	if _, _, err := store.GetValue(kadid.Key("k")); err != recordstore.ErrNotFound {
		t.Fatalf("expected expired record to be invisible, got %v", err)
	}
}

func TestGCRemovesOnlyExpiredRecords(t *testing.T) {
	now := time.Unix(1000, 0)
	store := recordstore.New(time.Minute, func() time.Time { return now })

	store.PutValue(kadid.Key("expired"), []byte("v"))
	now = now.Add(2 * time.Minute)
	store.PutValue(kadid.Key("fresh"), []byte("v"))

	removed := store.GC()
	if removed != 1 {
		t.Fatalf("expected to remove exactly 1 expired record, removed %d", removed)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 record left, got %d", store.Len())
	}
}
