package partition

import (
	"fmt"
	"testing"

	"github.com/flashnvs/nvs/pkg/entry"
	"github.com/flashnvs/nvs/pkg/flash"
	"github.com/flashnvs/nvs/pkg/page"
)

func newBlankDevice(t *testing.T, pages int) flash.Device {
	t.Helper()
	return flash.NewMemDevice(uint32(pages) * flash.SectorSize)
}

func mustOpen(t *testing.T, dev flash.Device, pages int) *Manager {
	t.Helper()
	m, err := Open(dev, pages, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return m
}

func TestOpenFormatsFreshPartition(t *testing.T) {
	dev := newBlankDevice(t, 4)
	m := mustOpen(t, dev, 4)

	if m.ActiveIndex() != 0 {
		t.Fatalf("ActiveIndex() = %d, want 0", m.ActiveIndex())
	}
	if m.reserveIdx != 3 {
		t.Fatalf("reserveIdx = %d, want 3 (highest-index uninitialized page)", m.reserveIdx)
	}
	if m.PageState(0) != page.StateActive {
		t.Fatalf("PageState(0) = %v, want ACTIVE", m.PageState(0))
	}
}

func TestOpenRejectsTooFewPages(t *testing.T) {
	dev := newBlankDevice(t, 2)
	if _, err := Open(dev, 2, nil); err != ErrTooFewPages {
		t.Fatalf("Open with 2 pages = %v, want ErrTooFewPages", err)
	}
}

func TestPutAndFindRoundTrip(t *testing.T) {
	dev := newBlankDevice(t, 4)
	m := mustOpen(t, dev, 4)

	e, err := entry.NewPrimitive(1, entry.TypeU32, "counter", 99)
	if err != nil {
		t.Fatalf("NewPrimitive: %v", err)
	}
	if _, err := m.Put(e, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	found := m.Find(1, "counter", entry.NoChunk)
	if len(found) != 1 {
		t.Fatalf("Find returned %d locations, want 1", len(found))
	}
	if found[0].Entry.Primitive() != 99 {
		t.Fatalf("found value = %d, want 99", found[0].Entry.Primitive())
	}
}

func TestPutOverwriteErasesOldCopy(t *testing.T) {
	dev := newBlankDevice(t, 4)
	m := mustOpen(t, dev, 4)

	e1, _ := entry.NewPrimitive(1, entry.TypeU8, "k", 1)
	e2, _ := entry.NewPrimitive(1, entry.TypeU8, "k", 2)
	if _, err := m.Put(e1, nil); err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	if _, err := m.Put(e2, nil); err != nil {
		t.Fatalf("Put 2: %v", err)
	}

	found := m.Find(1, "k", entry.NoChunk)
	if len(found) != 1 {
		t.Fatalf("Find returned %d locations, want exactly 1 after overwrite", len(found))
	}
	if found[0].Entry.Primitive() != 2 {
		t.Fatalf("surviving value = %d, want 2 (the newer write)", found[0].Entry.Primitive())
	}
}

func TestRotationPromotesReserveFreePage(t *testing.T) {
	dev := newBlankDevice(t, 4)
	m := mustOpen(t, dev, 4)

	// Fill page 0 completely so the next Put must rotate to page 1.
	for i := 0; i < page.Slots; i++ {
		e, err := entry.NewPrimitive(1, entry.TypeU8, "k", uint64(i))
		if err != nil {
			t.Fatalf("NewPrimitive(%d): %v", i, err)
		}
		if _, err := m.Put(e, nil); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	if m.PageState(0) != page.StateFull {
		t.Fatalf("PageState(0) = %v, want FULL", m.PageState(0))
	}

	// Page 0 became FULL on the last write above but rotation is lazy:
	// it only happens when the next write actually can't land. One more
	// Put should trigger it.
	extra, _ := entry.NewPrimitive(1, entry.TypeU8, "another", 1)
	if _, err := m.Put(extra, nil); err != nil {
		t.Fatalf("Put triggering rotation: %v", err)
	}
	if m.ActiveIndex() == 0 {
		t.Fatal("ActiveIndex() still 0 after a write forced rotation")
	}
}

func TestGCReclaimsEraseSpace(t *testing.T) {
	dev := newBlankDevice(t, 3) // minimum geometry: 1 usable rotation target + reserve
	m := mustOpen(t, dev, 3)

	// Overwrite the same key enough times to fill two full pages worth
	// of slots (rotating from page 0 to page 1 along the way), leaving
	// page 0 entirely erased garbage behind a single surviving record on
	// page 1. A further write then has no spare UNINITIALIZED page, so
	// it must GC before it can land.
	const writes = page.Slots * 2
	var last uint64
	for i := 0; i < writes; i++ {
		e, err := entry.NewPrimitive(1, entry.TypeU8, "k", uint64(i))
		if err != nil {
			t.Fatalf("NewPrimitive(%d): %v", i, err)
		}
		if _, err := m.Put(e, nil); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
		last = uint64(i)
	}

	e, _ := entry.NewPrimitive(1, entry.TypeU8, "other", 1)
	if _, err := m.Put(e, nil); err != nil {
		t.Fatalf("Put after forcing GC: %v", err)
	}

	found := m.Find(1, "k", entry.NoChunk)
	if len(found) != 1 || found[0].Entry.Primitive() != last {
		t.Fatalf("Find(k) after GC = %+v, want the last written value (%d) surviving", found, last)
	}
	found2 := m.Find(1, "other", entry.NoChunk)
	if len(found2) != 1 {
		t.Fatalf("Find(other) after GC = %+v, want 1", found2)
	}
}

func TestFindIndexStaysConsistentAcrossGC(t *testing.T) {
	dev := newBlankDevice(t, 3)
	m := mustOpen(t, dev, 3)

	const writes = page.Slots * 2
	for i := 0; i < writes; i++ {
		e, err := entry.NewPrimitive(1, entry.TypeU8, "k", uint64(i))
		if err != nil {
			t.Fatalf("NewPrimitive(%d): %v", i, err)
		}
		if _, err := m.Put(e, nil); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		e, err := entry.NewPrimitive(2, entry.TypeU16, fmt.Sprintf("extra%d", i), uint64(i))
		if err != nil {
			t.Fatalf("NewPrimitive extra %d: %v", i, err)
		}
		if _, err := m.Put(e, nil); err != nil {
			t.Fatalf("Put extra %d: %v", i, err)
		}
	}

	// Every live record AllLocations reports must be reachable through
	// Find's index lookup by the same identity, and nothing stale must
	// linger in a bucket after GC rewrote pages out from under it.
	for _, loc := range m.AllLocations() {
		found := m.Find(loc.Entry.NamespaceIndex, loc.Entry.Key, loc.Entry.ChunkIndex)
		if len(found) == 0 {
			t.Fatalf("Find(%d, %q, %d) returned nothing, but AllLocations reports it live",
				loc.Entry.NamespaceIndex, loc.Entry.Key, loc.Entry.ChunkIndex)
		}
	}
	for d, bucket := range m.index {
		for _, loc := range bucket {
			want := identityDigest(loc.Entry.NamespaceIndex, loc.Entry.Key, loc.Entry.ChunkIndex)
			if want != d {
				t.Fatalf("index bucket %d holds a Location whose own identity digest is %d", d, want)
			}
		}
	}
}

func TestEraseRemovesAllChunksOfAKey(t *testing.T) {
	dev := newBlankDevice(t, 3)
	m := mustOpen(t, dev, 3)

	header, _ := entry.NewBlobIndex(1, "blob", 10, 2, 0)
	c0, _ := entry.NewBlobData(1, "blob", 0, 5, flash.CRC32Standard([]byte("hello")), 2)
	c1, _ := entry.NewBlobData(1, "blob", 1, 5, flash.CRC32Standard([]byte("world")), 2)

	if _, err := m.Put(header, nil); err != nil {
		t.Fatalf("Put header: %v", err)
	}
	if _, err := m.Put(c0, []byte("hello")); err != nil {
		t.Fatalf("Put chunk 0: %v", err)
	}
	if _, err := m.Put(c1, []byte("world")); err != nil {
		t.Fatalf("Put chunk 1: %v", err)
	}

	if len(m.FindAllByKey(1, "blob")) != 3 {
		t.Fatalf("FindAllByKey before erase = %d, want 3", len(m.FindAllByKey(1, "blob")))
	}
	if err := m.Erase(1, "blob"); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if len(m.FindAllByKey(1, "blob")) != 0 {
		t.Fatalf("FindAllByKey after erase = %d, want 0", len(m.FindAllByKey(1, "blob")))
	}
}

func TestOpenResolvesDuplicatesLeftByACrash(t *testing.T) {
	dev := newBlankDevice(t, 4)
	m := mustOpen(t, dev, 4)

	e1, _ := entry.NewPrimitive(1, entry.TypeU8, "k", 1)
	if _, err := m.Put(e1, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Simulate a crash that wrote a newer copy (later slot, same page,
	// same sequence) without erasing the old one: write directly through
	// the page so Manager's own erase-old-after-new-write step is
	// bypassed, reproducing what Open must clean up on its own.
	active := m.pages[m.ActiveIndex()]
	e2, _ := entry.NewPrimitive(1, entry.TypeU8, "k", 2)
	if _, err := active.WriteEntry(e2); err != nil {
		t.Fatalf("direct WriteEntry: %v", err)
	}

	reopened, err := Open(dev, 4, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	found := reopened.Find(1, "k", entry.NoChunk)
	if len(found) != 1 {
		t.Fatalf("Find after reopen = %d locations, want 1", len(found))
	}
	if found[0].Entry.Primitive() != 2 {
		t.Fatalf("surviving value after reopen = %d, want 2 (the later slot)", found[0].Entry.Primitive())
	}
}

func TestOpenReclaimsCorruptedPage(t *testing.T) {
	dev := newBlankDevice(t, 4)
	{
		m := mustOpen(t, dev, 4)
		e, _ := entry.NewPrimitive(1, entry.TypeU8, "k", 1)
		if _, err := m.Put(e, nil); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	// Corrupt page 0's header CRC-covered region directly on the device.
	dev.Write(4, []byte{0, 0, 0, 0})

	m, err := Open(dev, 4, nil)
	if err != nil {
		t.Fatalf("reopen after corruption: %v", err)
	}
	if m.PageState(0) != page.StateUninitialized {
		t.Fatalf("PageState(0) after reopen = %v, want UNINITIALIZED (reclaimed)", m.PageState(0))
	}
}
