package crate

import "errors"

// attach opens the real Adapter for crate n on platforms that support it.
// It is implemented per-build-tag: linux.go supplies the mmap-backed
// version, other.go stubs it out everywhere else.
var attach func(Number) (Adapter, error) = attachPlatform

// Entry pairs a crate's 0-15 slot number with its open Adapter.
type Entry struct {
	Number  Number
	Adapter Adapter
}

// AttachAll probes crates 0 through 15 and returns an Entry for every one
// that responds. A crate that reports ErrNoSuchCrate is simply absent and
// not included; any other error aborts enumeration, since it likely
// indicates a systemic problem (permissions, a driver that's present but
// broken) rather than an empty slot.
func AttachAll() ([]Entry, error) {
	var entries []Entry
	for n := Number(0); n < 16; n++ {
		a, err := attach(n)
		if errors.Is(err, ErrNoSuchCrate) {
			continue
		}
		if err != nil {
			for _, e := range entries {
				e.Adapter.Close()
			}
			return nil, err
		}
		entries = append(entries, Entry{Number: n, Adapter: a})
	}
	return entries, nil
}
