//go:build !linux

package crate

// attachPlatform reports every crate as absent on platforms without a
// real V120 adapter implementation. Only the Fake adapter (constructed
// explicitly by tests) is available on such platforms.
func attachPlatform(Number) (Adapter, error) {
	return nil, ErrNoSuchCrate
}
