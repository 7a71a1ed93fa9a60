package crate

import (
	"fmt"
	"os"
)

// Fake is an in-memory Adapter with no hardware backing, used by the test
// suite. Interrupts are raised by calling Inject. It is not attached by
// --no-vme (which attaches no crate at all), and the dispatcher's
// --fake-ok path (a client's own SIGNAL frame) delivers its synthetic
// event directly without going through any Adapter.
type Fake struct {
	pending uint8
	enable  uint8
	vectors [8]uint32 // indexed 1-7; index 0 unused

	notifyR *os.File
	notifyW *os.File
}

// NewFake returns a ready-to-use Fake adapter. Every IRQ line defaults to
// a vector of 0xFFFFFF00|n, matching the idle-high padding convention for
// an 8-bit-wide test interrupter.
func NewFake() (*Fake, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("crate: fake adapter: %w", err)
	}
	f := &Fake{notifyR: r, notifyW: w}
	for irq := 1; irq <= 7; irq++ {
		f.vectors[irq] = 0xFFFFFF00 | uint32(irq)
	}
	return f, nil
}

func (f *Fake) InterruptFD() int { return int(f.notifyR.Fd()) }

func (f *Fake) Consume() error {
	var b [1]byte
	_, err := f.notifyR.Read(b[:])
	return err
}

func (f *Fake) Pending() (uint8, error) { return f.pending, nil }

func (f *Fake) EnableGet() (uint8, error) { return f.enable, nil }

func (f *Fake) EnableSet(mask uint8) error {
	f.enable = mask
	return nil
}

func (f *Fake) FetchVector(irq uint) (uint32, error) {
	if irq < 1 || irq > 7 {
		return 0, fmt.Errorf("crate: irq %d out of range", irq)
	}
	// A real bus-acknowledge cycle clears the line; the fake adapter
	// does the same so repeated sweeps don't re-deliver the same event.
	f.pending &^= 1 << irq
	return f.vectors[irq], nil
}

// SetVector configures the vector FetchVector will report for irq, for
// tests that care about a specific value.
func (f *Fake) SetVector(irq uint, vector uint32) {
	if irq >= 1 && irq <= 7 {
		f.vectors[irq] = vector
	}
}

// Inject marks irq pending and wakes anyone waiting on InterruptFD.
func (f *Fake) Inject(irq uint) error {
	if irq < 1 || irq > 7 {
		return fmt.Errorf("crate: irq %d out of range", irq)
	}
	f.pending |= 1 << irq
	_, err := f.notifyW.Write([]byte{1})
	return err
}

func (f *Fake) Close() error {
	f.notifyW.Close()
	f.notifyR.Close()
	return nil
}
