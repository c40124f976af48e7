package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/wattvault/wattvault/pkg/storage"
)

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	b := New()

	if _, err := b.Get(ctx, []byte("missing")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := b.Put(ctx, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := b.Put(ctx, []byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := b.Get(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("got %q, want v2", got)
	}

	if err := b.Delete(ctx, []byte("k")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := b.Get(ctx, []byte("k")); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting again is a no-op.
	if err := b.Delete(ctx, []byte("k")); err != nil {
		t.Errorf("repeated Delete failed: %v", err)
	}
}

func TestScanPrefixOrdering(t *testing.T) {
	ctx := context.Background()
	b := New()

	for _, k := range []string{"a|3", "a|1", "b|1", "a|2"} {
		if err := b.Put(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	var seen []string
	err := b.Scan(ctx, []byte("a|"), func(key, _ []byte) error {
		seen = append(seen, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	want := []string{"a|1", "a|2", "a|3"}
	if len(seen) != len(want) {
		t.Fatalf("scanned %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("scanned %v, want %v", seen, want)
		}
	}
}

func TestApplyBatch(t *testing.T) {
	ctx := context.Background()
	b := New()
	if err := b.Put(ctx, []byte("old"), []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	err := b.Apply(ctx, storage.Batch{
		Puts: []storage.KV{
			{Key: []byte("n1"), Value: []byte("1")},
			{Key: []byte("n2"), Value: []byte("2")},
		},
		Deletes: [][]byte{[]byte("old")},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if _, err := b.Get(ctx, []byte("old")); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("batched delete not applied: %v", err)
	}
	for _, k := range []string{"n1", "n2"} {
		if _, err := b.Get(ctx, []byte(k)); err != nil {
			t.Errorf("batched put %s not applied: %v", k, err)
		}
	}
}

func TestValueIsolation(t *testing.T) {
	ctx := context.Background()
	b := New()

	buf := []byte("original")
	if err := b.Put(ctx, []byte("k"), buf); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	copy(buf, "mutated!")

	got, err := b.Get(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "original" {
		t.Errorf("stored value aliased caller buffer: %q", got)
	}
}
