// Package partition owns a whole run of pages: it classifies and recovers
// them on open, rotates the active page when it fills, runs garbage
// collection to reclaim erased slots, and resolves the duplicate records
// that crash recovery or chunked-blob overwrites can leave behind. It is
// the layer pkg/nvs calls to actually place an entry somewhere on flash.
package partition

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flashnvs/nvs/pkg/common/log"
	"github.com/flashnvs/nvs/pkg/entry"
	"github.com/flashnvs/nvs/pkg/flash"
	"github.com/flashnvs/nvs/pkg/page"
	"github.com/flashnvs/nvs/pkg/telemetry"
)

var (
	// ErrOutOfSpace is returned when no page can accept an entry even
	// after a garbage collection pass.
	ErrOutOfSpace = errors.New("partition: no space left, even after GC")
	// ErrTooFewPages is returned by Open when pageCount is below the
	// minimum geometry (two usable pages plus one GC reserve).
	ErrTooFewPages = errors.New("partition: at least 3 pages are required (2 usable + 1 GC reserve)")
)

// MinPages is the smallest page count Open accepts: two usable pages plus
// the one page permanently held back as the GC destination.
const MinPages = 3

// Location pins one logical record to its physical home: which page,
// which sequence that page was formatted with, which slot it starts at.
// pkg/nvs passes Locations returned by Find back to EraseLocation and
// ReadPayload to act on that exact record.
type Location struct {
	PageIndex int
	Sequence  uint32
	Slot      uint8
	Span      uint8
	Entry     entry.Entry
}

func (l Location) less(o Location) bool {
	if l.Sequence != o.Sequence {
		return l.Sequence < o.Sequence
	}
	return l.Slot < o.Slot
}

// Manager owns every page of one partition and arbitrates allocation,
// rotation and GC across them.
type Manager struct {
	dev    flash.Device
	pages  []*page.Page
	logger log.Logger

	activeIdx   int // -1 if no page currently accepts writes
	reserveIdx  int // the page permanently held back as the GC destination
	nextSeq     uint32
	eraseCounts []uint32
	tel         telemetry.Telemetry

	// index accelerates Find by namespace+key+chunk_index identity: each
	// bucket is keyed by identityDigest, so a lookup hashes the query
	// identity once instead of string-comparing it against every live
	// record on every page. Buckets hold every Location sharing a digest,
	// almost always exactly one; the digest is re-checked against the
	// full identity on read to stay correct through a hash collision.
	index map[uint64][]Location
}

// identityDigest fingerprints a record's namespace+key+chunk_index
// identity for the RAM lookup index.
func identityDigest(ns uint8, key string, chunk uint8) uint64 {
	buf := make([]byte, 0, 2+len(key))
	buf = append(buf, ns)
	buf = append(buf, key...)
	buf = append(buf, chunk)
	return xxhash.Sum64(buf)
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	tel telemetry.Telemetry
}

// WithTelemetry records page writes, erases and GC cycles to tel instead
// of discarding them.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *openOptions) { o.tel = tel }
}

// Open scans every page of dev (pageCount pages of flash.SectorSize each,
// starting at offset 0), recovers from whatever crash state it finds, and
// returns a Manager ready to serve reads and writes.
func Open(dev flash.Device, pageCount int, logger log.Logger, opts ...Option) (*Manager, error) {
	if pageCount < MinPages {
		return nil, ErrTooFewPages
	}
	if logger == nil {
		logger = log.NewStandardLogger(log.WithLevel(log.LevelWarn))
	}
	if uint64(pageCount)*flash.SectorSize > uint64(dev.Size()) {
		return nil, fmt.Errorf("partition: device size %d too small for %d pages", dev.Size(), pageCount)
	}

	o := &openOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.tel == nil {
		o.tel = telemetry.NewNoop()
	}

	m := &Manager{
		dev:         dev,
		pages:       make([]*page.Page, pageCount),
		logger:      logger,
		activeIdx:   -1,
		reserveIdx:  -1,
		eraseCounts: make([]uint32, pageCount),
		tel:         o.tel,
	}

	var activeIdxs, freeingIdxs, uninitIdxs, corruptIdxs []int
	var maxSeq uint32
	for i := 0; i < pageCount; i++ {
		p, err := page.Load(dev, uint32(i)*flash.SectorSize)
		if err != nil {
			return nil, fmt.Errorf("partition: load page %d: %w", i, err)
		}
		m.pages[i] = p
		if p.Sequence() > maxSeq {
			maxSeq = p.Sequence()
		}
		switch p.State() {
		case page.StateActive:
			activeIdxs = append(activeIdxs, i)
		case page.StateFreeing:
			freeingIdxs = append(freeingIdxs, i)
		case page.StateUninitialized:
			uninitIdxs = append(uninitIdxs, i)
		case page.StateCorrupted:
			corruptIdxs = append(corruptIdxs, i)
		}
	}
	m.nextSeq = maxSeq + 1

	// Two ACTIVE pages at once should never happen under correct
	// operation, but a page can only move forward in its state machine:
	// the extra ones are demoted to FULL (a legal forward transition)
	// rather than treated as an unrecoverable error, keeping the oldest
	// sequence as the real active page.
	if len(activeIdxs) > 1 {
		sort.Slice(activeIdxs, func(a, b int) bool {
			return m.pages[activeIdxs[a]].Sequence() < m.pages[activeIdxs[b]].Sequence()
		})
		for _, idx := range activeIdxs[1:] {
			if err := m.pages[idx].MarkFull(); err != nil {
				return nil, fmt.Errorf("partition: demote extra active page %d: %w", idx, err)
			}
			logger.Warn("demoted extra ACTIVE page %d to FULL during recovery", idx)
		}
		activeIdxs = activeIdxs[:1]
	}

	for _, idx := range corruptIdxs {
		if err := m.reclaim(idx); err != nil {
			return nil, fmt.Errorf("partition: reclaim corrupted page %d: %w", idx, err)
		}
		uninitIdxs = append(uninitIdxs, idx)
		logger.Warn("erased CORRUPTED page %d back to UNINITIALIZED", idx)
	}

	// Designate the GC reserve: the highest-index page that's currently
	// UNINITIALIZED. The rest of the uninitialized pool is eligible for
	// ordinary promotion. On a fresh, all-blank partition this reserves
	// the last page and promotes page 0, matching the written recovery
	// rule ("promote the lowest-index UNINITIALIZED page") while
	// satisfying the geometry note that N>=3 buys one page held back
	// purely as a GC destination.
	if len(uninitIdxs) > 0 {
		sort.Ints(uninitIdxs)
		m.reserveIdx = uninitIdxs[len(uninitIdxs)-1]
		uninitIdxs = uninitIdxs[:len(uninitIdxs)-1]
	}

	if len(activeIdxs) == 1 {
		m.activeIdx = activeIdxs[0]
	} else if len(uninitIdxs) > 0 {
		dest := m.pickUninitialized(uninitIdxs)
		if err := m.promote(dest); err != nil {
			return nil, fmt.Errorf("partition: promote page %d: %w", dest, err)
		}
	}

	if len(freeingIdxs) > 0 {
		if err := m.resumeGC(freeingIdxs[0]); err != nil {
			return nil, fmt.Errorf("partition: resume GC from page %d: %w", freeingIdxs[0], err)
		}
	}

	if err := m.resolveDuplicatesAll(); err != nil {
		return nil, fmt.Errorf("partition: resolve duplicates on open: %w", err)
	}

	m.rebuildIndex()

	return m, nil
}

// rebuildIndex recomputes the identity lookup index from every page's
// current records. Called after Open's recovery pass and after a GC
// cycle, since both rewrite records at new Locations without going
// through writeNew/eraseLocation's incremental index maintenance.
func (m *Manager) rebuildIndex() {
	idx := make(map[uint64][]Location)
	for _, loc := range m.AllLocations() {
		d := identityDigest(loc.Entry.NamespaceIndex, loc.Entry.Key, loc.Entry.ChunkIndex)
		idx[d] = append(idx[d], loc)
	}
	m.index = idx
}

func (m *Manager) addToIndex(loc Location) {
	d := identityDigest(loc.Entry.NamespaceIndex, loc.Entry.Key, loc.Entry.ChunkIndex)
	m.index[d] = append(m.index[d], loc)
}

func (m *Manager) removeFromIndex(loc Location) {
	d := identityDigest(loc.Entry.NamespaceIndex, loc.Entry.Key, loc.Entry.ChunkIndex)
	bucket := m.index[d]
	for i, cand := range bucket {
		if cand.PageIndex == loc.PageIndex && cand.Slot == loc.Slot {
			m.index[d] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// recordKey identifies one logical record regardless of which page or
// slot it currently lives at: namespace, key and chunk index together
// are the record's identity. Chunk index folds the blob-chunk staleness
// rule into the same mechanism as ordinary key overwrite resolution,
// since a stale chunk is just an old record under this same identity.
type recordKey struct {
	ns    uint8
	key   string
	chunk uint8
}

func keyOf(e entry.Entry) recordKey {
	return recordKey{ns: e.NamespaceIndex, key: e.Key, chunk: e.ChunkIndex}
}

// AllLocations returns every live record across every page, in no
// particular order.
func (m *Manager) AllLocations() []Location {
	var out []Location
	for i, p := range m.pages {
		for _, rec := range p.Records() {
			out = append(out, Location{
				PageIndex: i,
				Sequence:  p.Sequence(),
				Slot:      rec.Slot,
				Span:      rec.Span,
				Entry:     rec.Entry,
			})
		}
	}
	return out
}

// resolveDuplicatesAll groups every live record by identity and erases
// every copy but the newest (highest sequence, then highest slot). This
// implements both the "newest (seq,slot) wins" crash-recovery rule for
// plain key overwrites and the blob-chunk staleness rule, since a blob
// chunk's identity already includes its chunk index.
func (m *Manager) resolveDuplicatesAll() error {
	groups := make(map[recordKey][]Location)
	for _, loc := range m.AllLocations() {
		groups[keyOf(loc.Entry)] = append(groups[keyOf(loc.Entry)], loc)
	}
	for _, locs := range groups {
		if len(locs) < 2 {
			continue
		}
		sort.Slice(locs, func(a, b int) bool { return locs[a].less(locs[b]) })
		for _, stale := range locs[:len(locs)-1] {
			if err := m.eraseLocation(stale); err != nil {
				return err
			}
		}
	}
	return nil
}

// EraseLocation erases exactly the record loc points at, without
// touching any other record sharing its namespace or key. pkg/nvs uses
// this to clean up a blob chunk that has no counterpart in a new,
// smaller generation and so is never visited by Put's own same-identity
// erase-old step.
func (m *Manager) EraseLocation(loc Location) error {
	return m.eraseLocation(loc)
}

// eraseLocation erases the record at loc from its page's record index.
func (m *Manager) eraseLocation(loc Location) error {
	p := m.pages[loc.PageIndex]
	for _, rec := range p.Records() {
		if rec.Slot == loc.Slot {
			if err := p.EraseRecord(rec); err != nil {
				return err
			}
			m.removeFromIndex(loc)
			m.tel.RecordCounter(context.Background(), telemetry.OpTypeErase, 1,
				attribute.String(telemetry.AttrComponent, telemetry.ComponentPage))
			return nil
		}
	}
	return nil // already gone; resumed GC or an earlier pass beat us to it
}

// Find returns every live record matching namespace, key and chunk
// index, newest first. Callers that want "the" current value take [0].
// entry.NoChunk is not a wildcard here: it matches only records whose
// chunk index is NoChunk. FindAllByKey gathers every chunk of a blob.
//
// Lookup goes through the identity index rather than scanning every
// page's records, so the cost of one Find doesn't grow with however
// much unrelated data the partition holds.
func (m *Manager) Find(ns uint8, key string, chunk uint8) []Location {
	d := identityDigest(ns, key, chunk)
	var out []Location
	for _, loc := range m.index[d] {
		if loc.Entry.NamespaceIndex == ns && loc.Entry.Key == key && loc.Entry.ChunkIndex == chunk {
			out = append(out, loc)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[b].less(out[a]) })
	return out
}

// FindAllByKey returns every live record matching namespace and key
// regardless of chunk index: the header/value entry for a scalar, or
// every BLOB_DATA chunk plus the BLOB_IDX for a blob.
func (m *Manager) FindAllByKey(ns uint8, key string) []Location {
	var out []Location
	for _, loc := range m.AllLocations() {
		if loc.Entry.NamespaceIndex == ns && loc.Entry.Key == key {
			out = append(out, loc)
		}
	}
	return out
}

// ReadPayload reads the variable-length payload following loc's header
// slot.
func (m *Manager) ReadPayload(loc Location) ([]byte, error) {
	p := m.pages[loc.PageIndex]
	for _, rec := range p.Records() {
		if rec.Slot == loc.Slot {
			return p.ReadPayload(rec)
		}
	}
	return nil, fmt.Errorf("partition: record at page %d slot %d is no longer present", loc.PageIndex, loc.Slot)
}

// Put writes e (with payload, if any) to the active page, rotating or
// garbage collecting as needed to make room, then erases every other
// live record sharing e's identity. Writing the new copy before erasing
// the old one means a crash mid-operation always leaves at least one
// valid copy behind.
func (m *Manager) Put(e entry.Entry, payload []byte) (Location, error) {
	loc, err := m.writeNew(e, payload)
	if err != nil {
		return Location{}, err
	}
	for _, other := range m.Find(e.NamespaceIndex, e.Key, e.ChunkIndex) {
		if other.PageIndex == loc.PageIndex && other.Slot == loc.Slot {
			continue
		}
		if err := m.eraseLocation(other); err != nil {
			return loc, err
		}
	}
	return loc, nil
}

func (m *Manager) writeNew(e entry.Entry, payload []byte) (Location, error) {
	attempts := 0
	for {
		attempts++
		if attempts > len(m.pages)+2 {
			return Location{}, ErrOutOfSpace
		}
		if m.activeIdx < 0 {
			if err := m.rotate(); err != nil {
				return Location{}, err
			}
			continue
		}
		active := m.pages[m.activeIdx]
		var slot uint8
		var err error
		if len(payload) > 0 {
			slot, err = active.WriteSizedEntry(e, payload)
		} else {
			slot, err = active.WriteEntry(e)
		}
		if err == nil {
			m.tel.RecordCounter(context.Background(), telemetry.OpTypeSet, 1,
				attribute.String(telemetry.AttrComponent, telemetry.ComponentPage))
			loc := Location{
				PageIndex: m.activeIdx,
				Sequence:  active.Sequence(),
				Slot:      slot,
				Span:      e.Span,
				Entry:     e,
			}
			m.addToIndex(loc)
			return loc, nil
		}
		if errors.Is(err, page.ErrPageFull) || errors.Is(err, page.ErrNotActive) {
			if err := m.rotate(); err != nil {
				return Location{}, err
			}
			continue
		}
		return Location{}, err
	}
}

// Erase removes every live record for namespace+key (every chunk, plus
// the blob index, for a blob).
func (m *Manager) Erase(ns uint8, key string) error {
	for _, loc := range m.FindAllByKey(ns, key) {
		if err := m.eraseLocation(loc); err != nil {
			return err
		}
	}
	return nil
}

// rotate retires the current active page (marking it FULL if it wasn't
// already) and brings a new page online: an available UNINITIALIZED page
// if one exists outside the GC reserve, otherwise a GC pass that frees
// one up.
func (m *Manager) rotate() error {
	if m.activeIdx >= 0 {
		if err := m.pages[m.activeIdx].MarkFull(); err != nil {
			return fmt.Errorf("partition: mark page %d full: %w", m.activeIdx, err)
		}
		m.activeIdx = -1
	}

	var uninit []int
	for i, p := range m.pages {
		if i == m.reserveIdx {
			continue
		}
		if p.State() == page.StateUninitialized {
			uninit = append(uninit, i)
		}
		if p.State() == page.StateCorrupted {
			if err := m.reclaim(i); err != nil {
				return err
			}
			uninit = append(uninit, i)
		}
	}
	if len(uninit) > 0 {
		return m.promote(m.pickUninitialized(uninit))
	}

	return m.runGC()
}

// pickUninitialized chooses among candidate UNINITIALIZED page indices by
// lowest erase count, breaking ties by ascending physical index, so wear
// spreads evenly across pages instead of always reusing the same one.
func (m *Manager) pickUninitialized(candidates []int) int {
	best := candidates[0]
	for _, idx := range candidates[1:] {
		if m.eraseCounts[idx] < m.eraseCounts[best] {
			best = idx
		}
	}
	return best
}

func (m *Manager) promote(idx int) error {
	p, err := page.Init(m.dev, uint32(idx)*flash.SectorSize, m.nextSeq)
	if err != nil {
		return fmt.Errorf("partition: init page %d: %w", idx, err)
	}
	m.nextSeq++
	m.pages[idx] = p
	m.activeIdx = idx
	return nil
}

// PageCount returns the number of pages the partition manages.
func (m *Manager) PageCount() int { return len(m.pages) }

// PageState returns the current lifecycle state of page idx.
func (m *Manager) PageState(idx int) page.State { return m.pages[idx].State() }

// ActiveIndex returns the index of the page currently accepting writes,
// or -1 if none does (immediately before a rotation completes).
func (m *Manager) ActiveIndex() int { return m.activeIdx }

// EraseCount returns how many times page idx's sector has been erased
// since this Manager was opened, for wear-leveling inspection. The count
// is kept in RAM only and starts at zero on every Open.
func (m *Manager) EraseCount(idx int) uint32 { return m.eraseCounts[idx] }

// reclaim erases a CORRUPTED (or otherwise abandoned) page back to
// UNINITIALIZED and bumps its wear count.
func (m *Manager) reclaim(idx int) error {
	base := uint32(idx) * flash.SectorSize
	if err := m.dev.Erase(base, flash.SectorSize); err != nil {
		return fmt.Errorf("partition: erase page %d: %w", idx, err)
	}
	m.eraseCounts[idx]++
	p, err := page.Load(m.dev, base)
	if err != nil {
		return err
	}
	m.pages[idx] = p
	return nil
}
