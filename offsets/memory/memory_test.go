package memory

import (
	"testing"

	"github.com/ggoodman/pullgate/offsets"
	"github.com/ggoodman/pullgate/offsets/offsetstest"
)

func TestMemoryStore(t *testing.T) {
	offsetstest.RunStoreTests(t, func(t *testing.T) offsets.Store {
		s, err := New(100)
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStoreEvictsLeastRecentlyUsed(t *testing.T) {
	s, err := New(2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	ctx := t.Context()
	_ = s.Save(ctx, "a", nil)
	_ = s.Save(ctx, "b", nil)
	_, _ = s.Get(ctx, "a")
	_ = s.Save(ctx, "c", nil)

	if item, _ := s.Get(ctx, "b"); item != nil {
		t.Fatalf("expected b to be evicted")
	}
	if item, _ := s.Get(ctx, "a"); item == nil {
		t.Fatalf("expected a to survive")
	}
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatalf("expected error for zero size")
	}
}
