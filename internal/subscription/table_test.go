package subscription

import (
	"errors"
	"testing"

	"github.com/hightec/v120irqd/internal/wire"
)

func TestInsertRejectsInvalidFields(t *testing.T) {
	tbl := New()
	sel := wire.Selector{Crate: 1, IRQ: 0x02, Vector: 0x1234}

	if err := tbl.Insert(sel, 0); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("zero token: err = %v, want ErrInvalidToken", err)
	}
	if err := tbl.Insert(wire.Selector{Crate: 0, IRQ: 0x02}, 1); !errors.Is(err, ErrInvalidCrate) {
		t.Errorf("zero crate: err = %v, want ErrInvalidCrate", err)
	}
	if err := tbl.Insert(wire.Selector{Crate: 1, IRQ: 0}, 1); !errors.Is(err, ErrInvalidIRQ) {
		t.Errorf("zero irq: err = %v, want ErrInvalidIRQ", err)
	}
	if err := tbl.Insert(wire.Selector{Crate: 1, IRQ: 0x01}, 1); !errors.Is(err, ErrInvalidIRQ) {
		t.Errorf("reserved irq bit 0: err = %v, want ErrInvalidIRQ", err)
	}
}

// Scenario S1: specific registered first, then a wildcard covering it, both
// must succeed and both coexist; the specific registration wins the tie.
func TestSpecificThenWildcardBothSucceed(t *testing.T) {
	tbl := New()
	specific := wire.Selector{Crate: 0x0001, IRQ: 0x20, Vector: 0xDEADBEEF}
	wildcard := wire.Selector{Crate: 0x0001, IRQ: wire.AnyIRQ, Vector: wire.AnyVector}

	if err := tbl.Insert(specific, 10); err != nil {
		t.Fatalf("insert specific: %v", err)
	}
	if err := tbl.Insert(wildcard, 20); err != nil {
		t.Fatalf("insert wildcard after specific: %v", err)
	}
	if tbl.Count() != 2 {
		t.Fatalf("count = %d, want 2", tbl.Count())
	}

	owner, _, ok := tbl.Match(wire.Selector{Crate: 0x0001, IRQ: 0x20, Vector: 0xDEADBEEF})
	if !ok || owner != 10 {
		t.Errorf("match on concrete point = (%v, %v), want (10, true)", owner, ok)
	}
	owner, _, ok = tbl.Match(wire.Selector{Crate: 0x0001, IRQ: 0x04, Vector: 0x11111111})
	if !ok || owner != 20 {
		t.Errorf("match falls through to wildcard = (%v, %v), want (20, true)", owner, ok)
	}
}

// Scenario S2: wildcard registered first, then a specific request that
// falls within its coverage must be rejected.
func TestWildcardThenSpecificRejected(t *testing.T) {
	tbl := New()
	wildcard := wire.Selector{Crate: 0x0001, IRQ: wire.AnyIRQ, Vector: wire.AnyVector}
	specific := wire.Selector{Crate: 0x0001, IRQ: 0x20, Vector: 0xDEADBEEF}

	if err := tbl.Insert(wildcard, 20); err != nil {
		t.Fatalf("insert wildcard: %v", err)
	}
	if err := tbl.Insert(specific, 10); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("insert specific after wildcard: err = %v, want ErrAlreadyRegistered", err)
	}
}

func TestInsertRejectsExactDuplicate(t *testing.T) {
	tbl := New()
	sel := wire.Selector{Crate: 1, IRQ: 0x02, Vector: 0x1234}
	if err := tbl.Insert(sel, 1); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := tbl.Insert(sel, 2); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("duplicate insert: err = %v, want ErrAlreadyRegistered", err)
	}
}

func TestReleaseRequiresExactMatchAndOwner(t *testing.T) {
	tbl := New()
	sel := wire.Selector{Crate: 1, IRQ: 0x02, Vector: 0x1234}
	if err := tbl.Insert(sel, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := tbl.Release(wire.Selector{Crate: 1, IRQ: 0x02, Vector: 0x9999}, 1); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("release non-matching selector: err = %v, want ErrNotRegistered", err)
	}
	if err := tbl.Release(sel, 2); !errors.Is(err, ErrWrongOwner) {
		t.Errorf("release wrong owner: err = %v, want ErrWrongOwner", err)
	}
	if err := tbl.Release(sel, 1); err != nil {
		t.Fatalf("release: %v", err)
	}
	if tbl.Count() != 0 {
		t.Errorf("count after release = %d, want 0", tbl.Count())
	}
}

func TestReleaseCompactsPreservingOrder(t *testing.T) {
	tbl := New()
	sels := []wire.Selector{
		{Crate: 1, IRQ: 0x02, Vector: 1},
		{Crate: 1, IRQ: 0x04, Vector: 2},
		{Crate: 1, IRQ: 0x08, Vector: 3},
	}
	for i, s := range sels {
		if err := tbl.Insert(s, Token(i+1)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := tbl.Release(sels[1], 2); err != nil {
		t.Fatalf("release middle: %v", err)
	}
	if tbl.Count() != 2 {
		t.Fatalf("count = %d, want 2", tbl.Count())
	}
	owner, _, ok := tbl.Match(sels[0])
	if !ok || owner != 1 {
		t.Errorf("first entry survives: (%v, %v), want (1, true)", owner, ok)
	}
	owner, _, ok = tbl.Match(sels[2])
	if !ok || owner != 3 {
		t.Errorf("third entry survives: (%v, %v), want (3, true)", owner, ok)
	}
}

func TestReleaseAllRemovesOnlyOwnedEntries(t *testing.T) {
	tbl := New()
	_ = tbl.Insert(wire.Selector{Crate: 1, IRQ: 0x02, Vector: 1}, 1)
	_ = tbl.Insert(wire.Selector{Crate: 1, IRQ: 0x04, Vector: 2}, 2)
	_ = tbl.Insert(wire.Selector{Crate: 1, IRQ: 0x08, Vector: 3}, 1)

	tbl.ReleaseAll(1)
	if tbl.Count() != 1 {
		t.Fatalf("count = %d, want 1", tbl.Count())
	}
	owner, _, ok := tbl.Match(wire.Selector{Crate: 1, IRQ: 0x04, Vector: 2})
	if !ok || owner != 2 {
		t.Errorf("surviving entry = (%v, %v), want (2, true)", owner, ok)
	}
}

func TestMatchReturnsFirstRegisteredOnOverlap(t *testing.T) {
	tbl := New()
	broad := wire.Selector{Crate: 0x000F, IRQ: wire.AnyIRQ, Vector: wire.AnyVector}
	if err := tbl.Insert(broad, 1); err != nil {
		t.Fatalf("insert broad: %v", err)
	}

	// A second, narrower registration nested entirely within an existing
	// broad one is rejected outright (the broad entry covers the narrower
	// request, since the narrower request's bits are a subset of the broad
	// one's).
	narrow := wire.Selector{Crate: 0x0001, IRQ: 0x02, Vector: 5}
	if err := tbl.Insert(narrow, 2); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("insert narrow nested in broad: err = %v, want ErrAlreadyRegistered", err)
	}

	owner, payload, ok := tbl.Match(wire.Selector{Crate: 0x0001, IRQ: 0x02, Vector: 5})
	if !ok || owner != 1 {
		t.Errorf("match = (%v, %v, %v), want (1, _, true)", owner, payload, ok)
	}
}

func TestSnapshotAggregatesPerCrate(t *testing.T) {
	tbl := New()
	_ = tbl.Insert(wire.Selector{Crate: 0x0003, IRQ: 0x02, Vector: wire.AnyVector}, 1)
	_ = tbl.Insert(wire.Selector{Crate: 0x0001, IRQ: 0x08, Vector: wire.AnyVector}, 2)

	snap := tbl.Snapshot()
	if snap[0] != 0x02|0x08 {
		t.Errorf("crate 0 mask = %#x, want %#x", snap[0], 0x02|0x08)
	}
	if snap[1] != 0x02 {
		t.Errorf("crate 1 mask = %#x, want %#x", snap[1], 0x02)
	}
	for c := 2; c < 16; c++ {
		if snap[c] != 0 {
			t.Errorf("crate %d mask = %#x, want 0", c, snap[c])
		}
	}
}
