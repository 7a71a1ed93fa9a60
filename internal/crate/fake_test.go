package crate

import "testing"

func TestFakeInjectAndFetch(t *testing.T) {
	f, err := NewFake()
	if err != nil {
		t.Fatalf("NewFake: %v", err)
	}
	defer f.Close()

	if err := f.EnableSet(0x02 | 0x80); err != nil {
		t.Fatalf("EnableSet: %v", err)
	}
	f.SetVector(7, 0xFFFF0007)

	if err := f.Inject(7); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	pending, err := f.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending&0x80 == 0 {
		t.Fatalf("pending = %#x, want bit 7 set", pending)
	}

	vec, err := f.FetchVector(7)
	if err != nil {
		t.Fatalf("FetchVector: %v", err)
	}
	if vec != 0xFFFF0007 {
		t.Errorf("vector = %#x, want 0xFFFF0007", vec)
	}

	pending, _ = f.Pending()
	if pending&0x80 != 0 {
		t.Errorf("pending bit 7 should clear after FetchVector, got %#x", pending)
	}

	if err := f.Consume(); err != nil {
		t.Fatalf("Consume: %v", err)
	}
}

func TestAttachAllOnPlatformWithoutRealCrates(t *testing.T) {
	entries, err := AttachAll()
	if err != nil {
		t.Fatalf("AttachAll: %v", err)
	}
	for _, e := range entries {
		e.Adapter.Close()
	}
}
