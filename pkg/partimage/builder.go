package partimage

import (
	"fmt"

	"github.com/flashnvs/nvs/pkg/entry"
	"github.com/flashnvs/nvs/pkg/flash"
	"github.com/flashnvs/nvs/pkg/page"
)

// BlobChunkSize is the largest payload one BLOB_DATA entry carries in an
// offline image, matching the runtime store's chunk size (pkg/nvs's
// BlobChunkSize): 125 payload slots at 32 bytes each.
const BlobChunkSize = 125 * entry.Size

// maxNamespaceIndex is the highest namespace index Build will assign.
const maxNamespaceIndex = 255

// Build lays entries into a totalSize-byte image of sequential pages,
// filling each one before advancing to the next, in the order entries
// were declared. Unlike the runtime store, Build never rotates pages for
// garbage collection and never revisits an earlier page: this is a single
// pass over a fresh, fully-erased partition.
func Build(entries []Entry, totalSize uint32) ([]byte, error) {
	if totalSize == 0 || totalSize%flash.SectorSize != 0 {
		return nil, fmt.Errorf("partimage: size %d is not a positive multiple of the page size %d", totalSize, flash.SectorSize)
	}
	pageCount := int(totalSize / flash.SectorSize)

	dev := flash.NewMemDevice(totalSize)
	w, err := newPageWriter(dev, pageCount)
	if err != nil {
		return nil, err
	}

	nsIndex := make(map[string]uint8)
	nextNS := uint8(1)
	var currentNS uint8
	haveNS := false

	for _, e := range entries {
		if e.Kind == KindNamespace {
			if _, exists := nsIndex[e.Namespace]; exists {
				return nil, fmt.Errorf("partimage: namespace %q declared twice", e.Namespace)
			}
			if nextNS == 0 || int(nextNS) > maxNamespaceIndex {
				return nil, fmt.Errorf("partimage: namespace index space exhausted")
			}
			idx := nextNS
			nextNS++
			nsIndex[e.Namespace] = idx
			currentNS = idx
			haveNS = true

			reg, err := entry.NewPrimitive(0, entry.TypeU8, e.Namespace, uint64(idx))
			if err != nil {
				return nil, fmt.Errorf("partimage: namespace %q: %w", e.Namespace, err)
			}
			if err := w.writeEntry(reg); err != nil {
				return nil, fmt.Errorf("partimage: namespace %q: %w", e.Namespace, err)
			}
			continue
		}

		if !haveNS {
			return nil, fmt.Errorf("partimage: key %q has no preceding namespace row", e.Key)
		}

		if err := writeValue(w, currentNS, e); err != nil {
			return nil, fmt.Errorf("partimage: key %q: %w", e.Key, err)
		}
	}

	return dev.Snapshot(), nil
}

func writeValue(w *pageWriter, ns uint8, e Entry) error {
	if e.Encoding.IsPrimitive() {
		typ, err := primitiveType(e.Encoding)
		if err != nil {
			return err
		}
		prim, err := entry.NewPrimitive(ns, typ, e.Key, e.Value.(uint64))
		if err != nil {
			return err
		}
		return w.writeEntry(prim)
	}

	if e.Encoding == EncodingString {
		payload := []byte(e.Value.(string))
		return writeSizedValue(w, ns, e.Key, payload)
	}

	if e.Encoding.IsBlob() {
		return writeBlob(w, ns, e.Key, e.Value.([]byte))
	}

	return fmt.Errorf("unhandled encoding %v", e.Encoding)
}

func primitiveType(enc Encoding) (entry.Type, error) {
	switch enc {
	case EncodingU8:
		return entry.TypeU8, nil
	case EncodingI8:
		return entry.TypeI8, nil
	case EncodingU16:
		return entry.TypeU16, nil
	case EncodingI16:
		return entry.TypeI16, nil
	case EncodingU32:
		return entry.TypeU32, nil
	case EncodingI32:
		return entry.TypeI32, nil
	case EncodingU64:
		return entry.TypeU64, nil
	case EncodingI64:
		return entry.TypeI64, nil
	default:
		return 0, fmt.Errorf("encoding %v is not a primitive", enc)
	}
}

func sizedSpan(payloadLen int) uint8 {
	slots := (payloadLen + entry.Size - 1) / entry.Size
	return uint8(1 + slots)
}

func writeSizedValue(w *pageWriter, ns uint8, key string, payload []byte) error {
	crc := flash.CRC32Standard(payload)
	span := sizedSpan(len(payload))
	e, err := entry.NewSized(ns, key, len(payload), crc, span)
	if err != nil {
		return err
	}
	return w.writeSized(e, payload)
}

// writeBlob splits data across one or more BLOB_DATA chunks followed by a
// commit BLOB_IDX, mirroring the runtime store's layout but always
// starting chunk numbering at 0: an offline image has no prior generation
// to distinguish itself from, so the chunk-index toggle the runtime uses
// to avoid stale-chunk collisions on overwrite has nothing to do here.
func writeBlob(w *pageWriter, ns uint8, key string, data []byte) error {
	chunkCount := (len(data) + BlobChunkSize - 1) / BlobChunkSize
	if chunkCount == 0 && len(data) > 0 {
		chunkCount = 1
	}

	for i := 0; i < chunkCount; i++ {
		lo := i * BlobChunkSize
		hi := lo + BlobChunkSize
		if hi > len(data) {
			hi = len(data)
		}
		chunk := data[lo:hi]
		crc := flash.CRC32Standard(chunk)
		span := sizedSpan(len(chunk))
		e, err := entry.NewBlobData(ns, key, uint8(i), len(chunk), crc, span)
		if err != nil {
			return err
		}
		if err := w.writeSized(e, chunk); err != nil {
			return err
		}
	}

	idx, err := entry.NewBlobIndex(ns, key, uint32(len(data)), uint8(chunkCount), 0)
	if err != nil {
		return err
	}
	return w.writeEntry(idx)
}

// pageWriter fills pages strictly in order: once the current page can't
// fit the next entry, it's marked FULL and a fresh ACTIVE page is
// initialized after it. There is no reserve page and no GC; a Build whose
// entries don't fit in totalSize simply runs out of pages.
type pageWriter struct {
	dev       flash.Device
	pageCount int
	cur       *page.Page
	curIdx    int
	seq       uint32
}

func newPageWriter(dev flash.Device, pageCount int) (*pageWriter, error) {
	w := &pageWriter{dev: dev, pageCount: pageCount}
	if err := w.advance(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *pageWriter) advance() error {
	if w.curIdx >= w.pageCount {
		return fmt.Errorf("partimage: ran out of pages (have %d)", w.pageCount)
	}
	w.seq++
	base := uint32(w.curIdx) * flash.SectorSize
	p, err := page.Init(w.dev, base, w.seq)
	if err != nil {
		return fmt.Errorf("partimage: init page %d: %w", w.curIdx, err)
	}
	w.cur = p
	w.curIdx++
	return nil
}

func (w *pageWriter) writeEntry(e entry.Entry) error {
	return w.writeSpan(e, nil)
}

func (w *pageWriter) writeSized(e entry.Entry, payload []byte) error {
	return w.writeSpan(e, payload)
}

func (w *pageWriter) writeSpan(e entry.Entry, payload []byte) error {
	span := e.Span
	if span == 0 {
		span = 1
	}
	if int(span) > page.Slots {
		return page.ErrSpanTooLarge
	}

	if int(w.cur.UsedSlotCount())+int(span) > page.Slots {
		if err := w.cur.MarkFull(); err != nil {
			return err
		}
		if err := w.advance(); err != nil {
			return err
		}
	}

	var err error
	if payload != nil {
		_, err = w.cur.WriteSizedEntry(e, payload)
	} else {
		_, err = w.cur.WriteEntry(e)
	}
	return err
}
