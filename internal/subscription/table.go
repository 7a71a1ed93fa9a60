// Package subscription implements the dispatcher's interrupt subscription
// table: the map from a (possibly wildcarded) crate/IRQ/vector selector to
// the client that should be notified when a concrete event matches it.
//
// The table is stored as a single dense slice, grown in fixed chunks and
// compacted on deletion, exactly mirroring the original server's flat
// array of entries. It is designed to be touched only from the dispatcher
// goroutine; nothing here is safe for concurrent use, by construction,
// since the daemon has exactly one goroutine that owns subscription state.
package subscription

import (
	"errors"
	"fmt"

	"github.com/hightec/v120irqd/internal/wire"
)

// Token identifies the owner of a subscription. In the dispatcher it is
// the client connection's file descriptor; it is opaque to the table
// itself. Token(0) is never a valid owner.
type Token int32

// growthChunk is the number of entries the backing slice grows by at a
// time, matching INTERRUPT_VECTOR_INCR in the original implementation.
// The table never shrinks its backing array; compaction only moves
// entries down within the already-allocated capacity.
const growthChunk = 32

var (
	ErrInvalidToken      = errors.New("subscription: token must be non-zero")
	ErrInvalidCrate      = errors.New("subscription: crate mask must be non-zero")
	ErrInvalidIRQ        = errors.New("subscription: irq mask must be non-zero and within bit 1-7")
	ErrAlreadyRegistered = errors.New("subscription: overlaps an existing registration")
	ErrNotRegistered     = errors.New("subscription: no matching registration")
	ErrWrongOwner        = errors.New("subscription: registration owned by a different client")
)

type entry struct {
	sel   wire.Selector
	owner Token
}

// Table is the subscription table. The zero value is ready to use.
type Table struct {
	entries []entry
}

// New returns an empty table with its backing array pre-sized to one
// growth chunk, matching the original's lazy-allocate-on-first-insert
// behavior closely enough in spirit while avoiding a nil/non-nil split in
// Go that the C implementation needed for realloc bookkeeping.
func New() *Table {
	return &Table{entries: make([]entry, 0, growthChunk)}
}

// coveredBy reports whether sel, the coverage of an existing registration,
// fully covers req: every bit set in req's crate and irq masks is also set
// in sel's, and sel's vector is either the wildcard or identical to req's.
// This is the exact one-directional test the original server used to
// detect a conflicting prior registration (hashmatch in
// irq_vector_table.c); it is intentionally asymmetric; see Insert.
func coveredBy(sel, req wire.Selector) bool {
	if sel.Crate&req.Crate != req.Crate {
		return false
	}
	if sel.IRQ&req.IRQ != req.IRQ {
		return false
	}
	return sel.Vector == wire.AnyVector || sel.Vector == req.Vector
}

func exactlyEqual(a, b wire.Selector) bool {
	return a.Crate == b.Crate && a.IRQ == b.IRQ && a.Vector == b.Vector
}

// locate returns the index of the first registered entry whose coverage
// includes req, or -1.
func (t *Table) locate(req wire.Selector) int {
	for i := range t.entries {
		if coveredBy(t.entries[i].sel, req) {
			return i
		}
	}
	return -1
}

func validateIRQ(irq uint8) bool {
	return irq != 0 && irq&^wire.AnyIRQ == 0
}

// Insert registers sel as owned by owner.
//
// It is rejected if owner is zero, if sel.Crate is zero, if sel.IRQ is
// zero or sets any bit outside AnyIRQ, or if an existing registration
// already covers every concrete point sel could match (the check is
// one-directional: a broader registration made *after* a narrower,
// already-registered one is permitted, which is why a client intending
// both a specific and a wildcard subscription must register the specific
// one first).
func (t *Table) Insert(sel wire.Selector, owner Token) error {
	if owner == 0 {
		return ErrInvalidToken
	}
	if sel.Crate == 0 {
		return ErrInvalidCrate
	}
	if !validateIRQ(sel.IRQ) {
		return ErrInvalidIRQ
	}
	if i := t.locate(sel); i >= 0 {
		return fmt.Errorf("%w: %04x:%02x:%08x already covered by %04x:%02x:%08x",
			ErrAlreadyRegistered, sel.Crate, sel.IRQ, sel.Vector,
			t.entries[i].sel.Crate, t.entries[i].sel.IRQ, t.entries[i].sel.Vector)
	}
	if len(t.entries) == cap(t.entries) {
		grown := make([]entry, len(t.entries), cap(t.entries)+growthChunk)
		copy(grown, t.entries)
		t.entries = grown
	}
	t.entries = append(t.entries, entry{sel: sel, owner: owner})
	return nil
}

// Release removes the exact registration (sel, owner). sel's crate, irq and
// vector must equal those of a previously Inserted selector (the payload is
// not compared); an overlapping but non-equal selector is not enough,
// matching hasheq in the original table.
func (t *Table) Release(sel wire.Selector, owner Token) error {
	for i := range t.entries {
		if !exactlyEqual(t.entries[i].sel, sel) {
			continue
		}
		if t.entries[i].owner != owner {
			return ErrWrongOwner
		}
		t.removeAt(i)
		return nil
	}
	return ErrNotRegistered
}

// removeAt deletes the entry at index i by compaction, preserving the
// relative order of all other entries (and therefore first-registered-wins
// tie-break semantics for the entries that remain).
func (t *Table) removeAt(i int) {
	copy(t.entries[i:], t.entries[i+1:])
	t.entries = t.entries[:len(t.entries)-1]
}

// ReleaseAll removes every registration owned by owner, used when a client
// connection closes.
func (t *Table) ReleaseAll(owner Token) {
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.owner == owner {
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
}

// Match looks up the owner and payload for a concrete event (exactly one
// bit set in Crate and IRQ, Vector the real fetched value). It returns the
// first-registered entry whose coverage includes concrete, implementing
// the table's tie-break rule: when multiple registrations could both
// match the same concrete event, the one registered first wins.
func (t *Table) Match(concrete wire.Selector) (owner Token, payload uint32, ok bool) {
	i := t.locate(concrete)
	if i < 0 {
		return 0, 0, false
	}
	return t.entries[i].owner, t.entries[i].sel.Payload, true
}

// Count returns the number of live registrations.
func (t *Table) Count() int {
	return len(t.entries)
}

// Snapshot returns, for each of the 16 crates, the bitwise-OR of the IRQ
// masks of every registration covering that crate. It is used to compute
// each crate's enable mask.
func (t *Table) Snapshot() (perCrate [16]uint8) {
	for _, e := range t.entries {
		for crate := 0; crate < 16; crate++ {
			if e.sel.Crate&(1<<uint(crate)) != 0 {
				perCrate[crate] |= e.sel.IRQ
			}
		}
	}
	return perCrate
}
