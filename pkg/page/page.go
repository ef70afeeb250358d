// Package page implements the fixed 4096-byte flash page: a 32-byte
// header, a 32-byte entry-state bitmap, and 126 32-byte entry slots. It is
// the unit the partition manager allocates, fills, rotates and garbage
// collects.
package page

import (
	"errors"
	"fmt"

	"github.com/flashnvs/nvs/pkg/entry"
	"github.com/flashnvs/nvs/pkg/flash"
)

// Slots is the number of entry slots a page holds. HeaderSize + BitmapSize
// + Slots*entry.Size must equal flash.SectorSize; this is checked in init.
const Slots = 126

const (
	HeaderSize = 32
	BitmapSize = 32
)

func init() {
	if HeaderSize+BitmapSize+Slots*entry.Size != flash.SectorSize {
		panic("page: header + bitmap + slots does not fill a sector")
	}
}

// version is the page-format version byte ESP-IDF's NVS v2 layout uses.
const version = 0xFE

var (
	ErrCorruptHeader = errors.New("page: header CRC mismatch")
	ErrBadVersion    = errors.New("page: unrecognized version byte")
	ErrPageFull      = errors.New("page: no free slot run of the requested length")
	ErrSpanTooLarge  = errors.New("page: span exceeds slots per page")
	ErrNotActive     = errors.New("page: page does not accept writes in its current state")
)

// State is the page's lifecycle stage, encoded as a cumulative bit-clear
// over an all-ones starting word: once a bit is cleared it never comes
// back until the page is erased.
type State uint32

const (
	StateUninitialized State = 0xFFFFFFFF
	StateActive        State = StateUninitialized &^ 0x1
	StateFull          State = StateActive &^ 0x2
	StateFreeing       State = StateFull &^ 0x4
	// StateCorrupted is not reached by clearing another bit out of
	// StateFreeing (that would land on 0xFFFFFFF0, not the vendor
	// format's reserved corrupt-state word): the on-flash format fixes
	// it at the distinct literal 0x00000000.
	StateCorrupted State = 0x00000000
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateActive:
		return "ACTIVE"
	case StateFull:
		return "FULL"
	case StateFreeing:
		return "FREEING"
	case StateCorrupted:
		return "CORRUPTED"
	default:
		return fmt.Sprintf("State(%#08x)", uint32(s))
	}
}

// Header is the decoded 32-byte page header.
type Header struct {
	State    State
	Sequence uint32
	Version  uint8
	CRC      uint32
}

func decodeHeader(buf []byte) Header {
	return Header{
		State:    State(le32(buf[0:4])),
		Sequence: le32(buf[4:8]),
		Version:  buf[8],
		CRC:      le32(buf[28:32]),
	}
}

func (h Header) encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	putLE32(buf[0:4], uint32(h.State))
	putLE32(buf[4:8], h.Sequence)
	buf[8] = h.Version
	for i := 9; i < 28; i++ {
		buf[i] = 0xFF
	}
	putLE32(buf[28:32], h.CRC)
	return buf
}

// headerCRC computes the header checksum over bytes 4..28, the same
// convention entry.Entry uses for its own CRC field: seed 0xFFFFFFFF,
// final XOR 0xFFFFFFFF, skipping the state word (so a full-marking
// overwrite of just the state field doesn't invalidate the stored CRC).
func headerCRC(h Header) uint32 {
	buf := h.encode()
	return headerCRCRaw(buf[:])
}

// headerCRCRaw computes the same checksum directly from a 32-byte header
// buffer as actually read off flash, rather than from a reconstructed
// Header value. Load uses this form so corruption in the reserved bytes
// (which Header doesn't otherwise retain) is still caught.
func headerCRCRaw(buf []byte) uint32 {
	return flash.CRC32Standard(buf[4:28])
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// EntryState is the 2-bit lifecycle of one slot.
type EntryState uint8

const (
	ESTEmpty EntryState = 0b11
	// ESTWritten marks a slot holding live data. Reached directly from
	// ESTEmpty by a single AND-write (clearing one bit); there is no
	// separate in-flight marker, since the only other bit pattern
	// reachable from ESTEmpty by a single clear (ESTReserved, 0b01) is
	// bitwise incompatible with ESTWritten (0b10) under the one-way
	// bit-flip rule — going from 0b01 to 0b10 needs a bit set, which
	// flash can't do without an erase. ESTReserved is therefore never
	// written deliberately; it only shows up as a recovery artifact of a
	// torn bitmap write and is treated as erased when found.
	ESTWritten  EntryState = 0b10
	ESTErased   EntryState = 0b00
	ESTReserved EntryState = 0b01
)

// Record describes one logical record recovered from a page's slots: its
// starting slot, the number of slots it spans, and its decoded entry
// header (the payload, for multi-slot records, follows in the raw slot
// bytes immediately after).
type Record struct {
	Slot  uint8
	Span  uint8
	Entry entry.Entry
}

// Page is a page manager bound to one region of a flash.Device. It keeps
// the header, entry-state bitmap and a recovered record index in memory,
// mirroring exactly what has been durably written.
type Page struct {
	dev     flash.Device
	base    uint32
	header  Header
	bitmap  [BitmapSize]byte
	records []Record
	used    uint8
	erased  uint8
}

// Base returns the page's byte offset on its device.
func (p *Page) Base() uint32 { return p.base }

// Header returns the page's current header.
func (p *Page) Header() Header { return p.header }

// State returns the page's current lifecycle state.
func (p *Page) State() State { return p.header.State }

// Sequence returns the page's sequence number, used for wear-leveling
// ordering and tie-breaking between pages written around the same time.
func (p *Page) Sequence() uint32 { return p.header.Sequence }

// Records returns the recovered logical records, in slot order.
func (p *Page) Records() []Record { return p.records }

func entryOffset(base uint32, slot uint8) uint32 {
	return base + HeaderSize + BitmapSize + uint32(slot)*entry.Size
}

func bitmapOffset(base uint32) uint32 {
	return base + HeaderSize
}

// Init formats an uninitialized page region as Active with the given
// sequence number, ready to accept writes. Callers must first Erase the
// underlying sector.
func Init(dev flash.Device, base uint32, sequence uint32) (*Page, error) {
	h := Header{State: StateActive, Sequence: sequence, Version: version}
	h.CRC = headerCRC(h)
	buf := h.encode()
	if err := dev.Write(base, buf[:]); err != nil {
		return nil, fmt.Errorf("page: init @%#x: %w", base, err)
	}
	var bitmap [BitmapSize]byte
	for i := range bitmap {
		bitmap[i] = 0xFF
	}
	return &Page{dev: dev, base: base, header: h, bitmap: bitmap}, nil
}

// Load reads and validates the page at base, recovering its logical
// record index from the entry-state bitmap and slot contents. A page
// whose header is all-0xFF is reported as StateUninitialized without
// error; a page whose header CRC doesn't validate is reported as
// StateCorrupted without error (the caller decides whether to reclaim
// it). Read I/O failures are the only error return.
func Load(dev flash.Device, base uint32) (*Page, error) {
	raw := make([]byte, flash.SectorSize)
	if err := dev.Read(base, raw); err != nil {
		return nil, fmt.Errorf("page: load @%#x: %w", base, err)
	}

	if entry.IsEmptySlot(raw[:HeaderSize]) {
		return &Page{dev: dev, base: base, header: Header{State: StateUninitialized}, bitmap: fullBitmap()}, nil
	}

	h := decodeHeader(raw[:HeaderSize])
	p := &Page{dev: dev, base: base, header: h}
	copy(p.bitmap[:], raw[HeaderSize:HeaderSize+BitmapSize])

	switch h.State {
	case StateCorrupted:
		return p, nil
	case StateActive, StateFull, StateFreeing:
		// fall through to CRC check and scan below
	default:
		p.header.State = StateCorrupted
		return p, nil
	}

	if headerCRCRaw(raw[:HeaderSize]) != h.CRC {
		p.header.State = StateCorrupted
		return p, nil
	}
	if h.Version != version {
		p.header.State = StateCorrupted
		return p, nil
	}

	p.scan(raw)
	return p, nil
}

func fullBitmap() [BitmapSize]byte {
	var b [BitmapSize]byte
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

// scan walks the slot region classifying each slot by its bitmap state
// and, for slots that look written but weren't yet marked so (a crash
// between the data write and the bitmap update), by re-validating the
// entry's own CRC. Slots whose stored CRC doesn't match are treated as
// erased so a subsequent GC pass reclaims them.
func (p *Page) scan(raw []byte) {
	slot := uint8(0)
	for int(slot) < Slots {
		st := p.entryState(slot)
		off := HeaderSize + BitmapSize + int(slot)*entry.Size
		slotBuf := raw[off : off+entry.Size]

		switch st {
		case ESTErased, ESTReserved:
			p.erased++
			slot++
			continue
		case ESTEmpty:
			if entry.IsEmptySlot(slotBuf) {
				slot++
				continue
			}
			e, err := entry.Decode(slotBuf)
			if err != nil {
				p.erased++
				slot++
				continue
			}
			span := e.Span
			if span == 0 || int(slot)+int(span) > Slots {
				slot++
				continue
			}
			p.records = append(p.records, Record{Slot: slot, Span: span, Entry: e})
			p.used += span
			slot += span
			continue
		case ESTWritten:
			e, err := entry.Decode(slotBuf)
			if err != nil {
				// CRC mismatch on a slot the bitmap says is written: the
				// write was interrupted mid-flight. Treat as erased.
				p.erased++
				slot++
				continue
			}
			span := e.Span
			if span == 0 || int(slot)+int(span) > Slots {
				span = 1
			}
			p.records = append(p.records, Record{Slot: slot, Span: span, Entry: e})
			p.used += span
			slot += span
			continue
		}
		slot++
	}
}

func (p *Page) entryState(slot uint8) EntryState {
	idx := slot / 4
	b := p.bitmap[idx]
	bits := (b >> ((slot % 4) * 2)) & 0b11
	return EntryState(bits)
}

func (p *Page) setEntryStateRange(start, span uint8, st EntryState) error {
	for i := start; i < start+span; i++ {
		idx := i / 4
		shift := (i % 4) * 2
		mask := byte(0b11) << shift
		bits := byte(st) << shift
		p.bitmap[idx] = p.bitmap[idx]&^mask | bits
	}

	startByte := start / 4
	endByte := (start + span - 1) / 4
	off := bitmapOffset(p.base) + uint32(startByte)
	length := uint32(endByte-startByte) + 1

	// flash writes must be 4-byte aligned; round the touched byte range
	// out to the nearest aligned window.
	alignedStart := off &^ (flash.WriteAlign - 1)
	alignedEnd := (off + length + flash.WriteAlign - 1) &^ (flash.WriteAlign - 1)
	lo := alignedStart - bitmapOffset(p.base)
	hi := alignedEnd - bitmapOffset(p.base)
	if hi > BitmapSize {
		hi = BitmapSize
	}

	if err := p.dev.Write(bitmapOffset(p.base)+lo, p.bitmap[lo:hi]); err != nil {
		return fmt.Errorf("page: update entry-state bitmap @%#x: %w", p.base, err)
	}
	return nil
}

// FreeSlotCount returns how many of the page's 126 slots have never been
// written or erased into since the page was last formatted.
func (p *Page) FreeSlotCount() uint8 {
	return uint8(Slots) - p.used - p.erased
}

// UsedSlotCount returns the number of slots currently holding live data.
func (p *Page) UsedSlotCount() uint8 { return p.used }

// ErasedSlotCount returns the number of slots marked erased (reclaimable
// only by a full-page erase).
func (p *Page) ErasedSlotCount() uint8 { return p.erased }

func (p *Page) nextFreeSlot() uint8 {
	return p.used + p.erased
}

// WriteEntry appends a single-slot entry (a primitive value or a blob
// index record) to the page. It returns the slot the entry landed in.
func (p *Page) WriteEntry(e entry.Entry) (uint8, error) {
	return p.writeSpan(e, nil)
}

// WriteSizedEntry appends a header entry followed by its variable-length
// payload, occupying e.Span consecutive slots. payload is padded up to a
// flash.WriteAlign boundary with 0xFF before being written; e.Span must
// already account for ceil(len(payload)/entry.Size) data slots plus the
// header slot.
func (p *Page) WriteSizedEntry(e entry.Entry, payload []byte) (uint8, error) {
	return p.writeSpan(e, payload)
}

func (p *Page) writeSpan(e entry.Entry, payload []byte) (uint8, error) {
	if p.header.State != StateActive {
		return 0, ErrNotActive
	}
	span := e.Span
	if span == 0 {
		span = 1
	}
	if int(span) > Slots {
		return 0, ErrSpanTooLarge
	}
	if int(p.nextFreeSlot())+int(span) > Slots {
		return 0, ErrPageFull
	}

	start := p.nextFreeSlot()
	headerBuf := e.Encode()
	if err := p.dev.Write(entryOffset(p.base, start), headerBuf[:]); err != nil {
		return 0, fmt.Errorf("page: write entry @%#x[%d]: %w", p.base, start, err)
	}

	if len(payload) > 0 {
		padded := padToAlign(payload)
		if err := p.dev.Write(entryOffset(p.base, start+1), padded); err != nil {
			return 0, fmt.Errorf("page: write entry payload @%#x[%d]: %w", p.base, start+1, err)
		}
	}

	if err := p.setEntryStateRange(start, span, ESTWritten); err != nil {
		return 0, err
	}
	p.used += span
	p.records = append(p.records, Record{Slot: start, Span: span, Entry: e})

	if p.nextFreeSlot() == Slots {
		if err := p.MarkFull(); err != nil {
			return start, err
		}
	}

	return start, nil
}

func padToAlign(buf []byte) []byte {
	rem := len(buf) % flash.WriteAlign
	if rem == 0 {
		return buf
	}
	out := make([]byte, len(buf)+(flash.WriteAlign-rem))
	copy(out, buf)
	for i := len(buf); i < len(out); i++ {
		out[i] = 0xFF
	}
	return out
}

// MarkFull transitions the page into the FULL state. The partition
// manager calls this explicitly when an allocation fails because the
// requested span doesn't fit in the page's remaining free slots, even
// though the page isn't completely exhausted (fragmentation); WriteEntry
// and WriteSizedEntry call it automatically when a write exactly
// exhausts the last slot.
func (p *Page) MarkFull() error {
	if p.header.State != StateActive {
		return nil
	}
	h := p.header
	h.State = StateFull
	word := make([]byte, 4)
	putLE32(word, uint32(StateFull))
	if err := p.dev.Write(p.base, word); err != nil {
		return fmt.Errorf("page: mark full @%#x: %w", p.base, err)
	}
	p.header = h
	return nil
}

// MarkFreeing transitions the page into the FREEING state, signaling that
// garbage collection has chosen it as a copy source.
func (p *Page) MarkFreeing() error {
	word := make([]byte, 4)
	putLE32(word, uint32(StateFreeing))
	if err := p.dev.Write(p.base, word); err != nil {
		return fmt.Errorf("page: mark freeing @%#x: %w", p.base, err)
	}
	p.header.State = StateFreeing
	return nil
}

// ReadPayload reads the rec.Span-1 slots following rec's header slot and
// trims the result to the size recorded in the header's Sized field.
func (p *Page) ReadPayload(rec Record) ([]byte, error) {
	sized := rec.Entry.Sized()
	if rec.Span < 2 {
		return nil, fmt.Errorf("page: record at slot %d has no payload slots", rec.Slot)
	}
	buf := make([]byte, int(rec.Span-1)*entry.Size)
	if err := p.dev.Read(entryOffset(p.base, rec.Slot+1), buf); err != nil {
		return nil, fmt.Errorf("page: read payload @%#x[%d]: %w", p.base, rec.Slot+1, err)
	}
	if int(sized.Size) > len(buf) {
		return nil, fmt.Errorf("page: stored size %d exceeds %d allocated payload bytes", sized.Size, len(buf))
	}
	payload := buf[:sized.Size]
	if got := flash.CRC32Standard(payload); got != sized.CRC {
		return nil, fmt.Errorf("%w: payload CRC got %#08x, want %#08x", entry.ErrCorruptEntry, got, sized.CRC)
	}
	return payload, nil
}

// EraseRecord marks rec's slots as erased. The space is not reclaimable
// until the whole page is erased by the partition manager's GC.
func (p *Page) EraseRecord(rec Record) error {
	if err := p.setEntryStateRange(rec.Slot, rec.Span, ESTErased); err != nil {
		return err
	}
	p.used -= rec.Span
	p.erased += rec.Span
	for i, r := range p.records {
		if r.Slot == rec.Slot {
			p.records = append(p.records[:i], p.records[i+1:]...)
			break
		}
	}
	return nil
}
