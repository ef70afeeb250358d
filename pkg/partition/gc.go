package partition

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flashnvs/nvs/pkg/entry"
	"github.com/flashnvs/nvs/pkg/page"
	"github.com/flashnvs/nvs/pkg/telemetry"
)

// digestOf fingerprints a record's identity and content for the
// crash-resume dedup check below: namespace, key and the entry's own
// stored CRC (which already covers the record's data field) are enough
// to tell "already copied" apart from "distinct record".
func digestOf(e entry.Entry) uint64 {
	buf := make([]byte, 0, 1+len(e.Key)+4)
	buf = append(buf, e.NamespaceIndex)
	buf = append(buf, e.Key...)
	buf = append(buf, byte(e.CRC), byte(e.CRC>>8), byte(e.CRC>>16), byte(e.CRC>>24))
	return xxhash.Sum64(buf)
}

// runGC selects the FULL page with the worst erased:written ratio as the
// copy source, promotes the GC reserve to be the copy destination, moves
// every live record across in slot order, and finally erases the source
// sector, which becomes the new reserve.
func (m *Manager) runGC() error {
	start := time.Now()
	sourceIdx, ok := m.pickGCSource()
	if !ok {
		return ErrOutOfSpace
	}
	if m.reserveIdx < 0 {
		return ErrOutOfSpace
	}
	destIdx := m.reserveIdx

	if err := m.pages[sourceIdx].MarkFreeing(); err != nil {
		return fmt.Errorf("partition: mark page %d freeing: %w", sourceIdx, err)
	}
	if err := m.promote(destIdx); err != nil {
		return fmt.Errorf("partition: promote GC destination page %d: %w", destIdx, err)
	}
	if err := m.copyLiveRecords(sourceIdx, destIdx); err != nil {
		return fmt.Errorf("partition: copy page %d into %d: %w", sourceIdx, destIdx, err)
	}
	if err := m.reclaim(sourceIdx); err != nil {
		return fmt.Errorf("partition: erase GC source page %d: %w", sourceIdx, err)
	}
	m.reserveIdx = sourceIdx
	m.rebuildIndex()
	telemetry.RecordDuration(context.Background(), m.tel, telemetry.OpTypeGC, start,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentPartition))
	m.logger.Info("garbage collected page %d into %d, %d is the new reserve", sourceIdx, destIdx, sourceIdx)
	return nil
}

// resumeGC finishes a GC pass that was interrupted mid-copy: freeingIdx
// is the source a previous run already marked FREEING. The destination
// is whatever page Open has already settled on as ACTIVE (either the
// page that was already active, or one just promoted from the
// UNINITIALIZED pool); copyLiveRecords' digest check means records the
// interrupted run already copied are skipped rather than duplicated.
func (m *Manager) resumeGC(freeingIdx int) error {
	start := time.Now()
	if m.activeIdx < 0 {
		if m.reserveIdx < 0 {
			return ErrOutOfSpace
		}
		if err := m.promote(m.reserveIdx); err != nil {
			return err
		}
	}
	destIdx := m.activeIdx
	if err := m.copyLiveRecords(freeingIdx, destIdx); err != nil {
		return fmt.Errorf("partition: resume copy from page %d into %d: %w", freeingIdx, destIdx, err)
	}
	if err := m.reclaim(freeingIdx); err != nil {
		return fmt.Errorf("partition: erase resumed GC source page %d: %w", freeingIdx, err)
	}
	m.reserveIdx = freeingIdx
	m.rebuildIndex()
	telemetry.RecordDuration(context.Background(), m.tel, telemetry.OpTypeGC, start,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentPartition),
		attribute.String(telemetry.AttrReason, "resumed"))
	m.logger.Info("resumed GC: erased page %d, now the reserve", freeingIdx)
	return nil
}

func (m *Manager) copyLiveRecords(sourceIdx, destIdx int) error {
	source := m.pages[sourceIdx]
	dest := m.pages[destIdx]

	seen := make(map[uint64]bool)
	for _, rec := range dest.Records() {
		seen[digestOf(rec.Entry)] = true
	}

	for _, rec := range source.Records() {
		d := digestOf(rec.Entry)
		if seen[d] {
			continue
		}
		if rec.Span > 1 {
			payload, err := source.ReadPayload(rec)
			if err != nil {
				return err
			}
			if _, err := dest.WriteSizedEntry(rec.Entry, payload); err != nil {
				return err
			}
		} else {
			if _, err := dest.WriteEntry(rec.Entry); err != nil {
				return err
			}
		}
		seen[d] = true
	}
	return nil
}

// pickGCSource returns the FULL page with the highest erased:written
// ratio, the one whose reclaim buys back the most space. Pages that are
// ACTIVE, FREEING, UNINITIALIZED or the GC reserve are never sources.
func (m *Manager) pickGCSource() (int, bool) {
	best := -1
	var bestRatio float64
	for i, p := range m.pages {
		if i == m.reserveIdx || p.State() != page.StateFull {
			continue
		}
		used := float64(p.UsedSlotCount())
		erased := float64(p.ErasedSlotCount())
		var ratio float64
		if used == 0 {
			ratio = erased + 1 // an all-erased FULL page is the best possible source
		} else {
			ratio = erased / used
		}
		if best == -1 || ratio > bestRatio {
			best = i
			bestRatio = ratio
		}
	}
	return best, best != -1
}
