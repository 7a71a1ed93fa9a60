// Package crate defines the hardware-facing side of the dispatcher: the
// six operations needed to wait for, acknowledge, and mask VME crate
// interrupts, and two implementations of that interface.
package crate

import "errors"

// ErrNoSuchCrate is returned by Open when crate n has no backing device.
var ErrNoSuchCrate = errors.New("crate: no such crate")

// Adapter is the six-operation interface the dispatcher drives one
// instance of per attached crate. A real implementation wraps a VME
// bridge's memory-mapped interrupt controller; the fake implementation
// used by tests is driven entirely by software.
type Adapter interface {
	// InterruptFD returns a descriptor that becomes readable when the
	// crate has a pending interrupt to report. It participates in the
	// dispatcher's single multiplexed wait alongside the listener and
	// client descriptors.
	InterruptFD() int

	// Consume drains whatever made InterruptFD readable (e.g. one byte
	// on a notification pipe, or an eventfd counter) so the descriptor
	// goes back to not-ready until the next real event.
	Consume() error

	// Pending returns the raw IRQ1-7 pending bitmask (bit n set means
	// VMEbus IRQ(n) is currently asserted), independent of the enable
	// mask.
	Pending() (uint8, error)

	// EnableGet returns the current IRQ1-7 enable bitmask.
	EnableGet() (uint8, error)

	// EnableSet replaces the IRQ1-7 enable bitmask.
	EnableSet(mask uint8) error

	// FetchVector performs the bus-acknowledge cycle for the given IRQ
	// line (1-7) and returns the 32-bit vector reported by the
	// interrupting module, with unused high bits padded with ones.
	FetchVector(irq uint) (uint32, error)

	// Close releases any resources (device handles, mappings) held by
	// the adapter.
	Close() error
}

// Number identifies a crate by its 0-15 slot, used to compute the
// selector crate bitmask (1 << Number).
type Number int
