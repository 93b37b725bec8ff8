// Package offsetstest provides a conformance suite for offsets.Store
// implementations.
package offsetstest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/offsets"
)

// StoreFactory creates a fresh store for one test.
type StoreFactory func(t *testing.T) offsets.Store

// RunStoreTests runs the complete suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("SaveAndGet", func(t *testing.T) {
		testSaveAndGet(t, factory(t))
	})
	t.Run("GetMissing", func(t *testing.T) {
		testGetMissing(t, factory(t))
	})
	t.Run("TTL", func(t *testing.T) {
		testTTL(t, factory(t))
	})
	t.Run("DeleteGroup", func(t *testing.T) {
		testDeleteGroup(t, factory(t))
	})
	t.Run("DeletePrefix", func(t *testing.T) {
		testDeletePrefix(t, factory(t))
	})
	t.Run("EmptyGroup", func(t *testing.T) {
		testEmptyGroup(t, factory(t))
	})
}

func pos(off ...int64) cursor.Position {
	var p cursor.Position
	for i, o := range off {
		p = p.With(cursor.Cursor{Topic: "orders", Partition: int32(i), Offset: o})
	}
	return p
}

func testSaveAndGet(t *testing.T, s offsets.Store) {
	ctx := context.Background()
	want := pos(3, 9)
	if err := s.Save(ctx, "api|client|orders", want); err != nil {
		t.Fatalf("save: %v", err)
	}
	item, err := s.Get(ctx, "api|client|orders")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item == nil {
		t.Fatalf("expected saved item")
	}
	if !item.Position.Equal(want) {
		t.Fatalf("unexpected position: want %v got %v", want, item.Position)
	}
	if item.SavedAt.IsZero() {
		t.Fatalf("expected SavedAt to be set")
	}

	// Overwrite replaces rather than merges.
	if err := s.Save(ctx, "api|client|orders", pos(1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	item, _ = s.Get(ctx, "api|client|orders")
	if !item.Position.Equal(pos(1)) {
		t.Fatalf("unexpected position after overwrite: %v", item.Position)
	}
}

func testGetMissing(t *testing.T, s offsets.Store) {
	item, err := s.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
}

func testTTL(t *testing.T, s offsets.Store) {
	ctx := context.Background()
	if err := s.Save(ctx, "short", pos(1), offsets.WithTTL(time.Second)); err != nil {
		t.Fatalf("save: %v", err)
	}
	item, err := s.Get(ctx, "short")
	if err != nil || item == nil {
		t.Fatalf("expected item before expiry: %v", err)
	}
	if item.ExpiresAt == nil {
		t.Fatalf("expected ExpiresAt to be set")
	}
	time.Sleep(1100 * time.Millisecond)
	item, err = s.Get(ctx, "short")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item != nil {
		t.Fatalf("expected expired item to be gone")
	}
}

func testDeleteGroup(t *testing.T, s offsets.Store) {
	ctx := context.Background()
	_ = s.Save(ctx, "a", pos(1))
	_ = s.Save(ctx, "b", pos(2))
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if item, _ := s.Get(ctx, "a"); item != nil {
		t.Fatalf("expected a to be deleted")
	}
	if item, _ := s.Get(ctx, "b"); item == nil {
		t.Fatalf("expected b to survive")
	}
}

func testDeletePrefix(t *testing.T, s offsets.Store) {
	ctx := context.Background()
	_ = s.Save(ctx, "api-1|c1|t", pos(1))
	_ = s.Save(ctx, "api-1|c2|t", pos(2))
	_ = s.Save(ctx, "api-2|c1|t", pos(3))
	if err := s.Delete(ctx, "api-1|", offsets.WithPrefix()); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	for _, g := range []string{"api-1|c1|t", "api-1|c2|t"} {
		if item, _ := s.Get(ctx, g); item != nil {
			t.Fatalf("expected %s to be deleted", g)
		}
	}
	if item, _ := s.Get(ctx, "api-2|c1|t"); item == nil {
		t.Fatalf("expected api-2 group to survive")
	}
}

func testEmptyGroup(t *testing.T, s offsets.Store) {
	if err := s.Save(context.Background(), "", pos(1)); err == nil {
		t.Fatalf("expected error for empty group")
	}
}
