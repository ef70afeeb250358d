package nvs

import (
	"fmt"
	"time"

	"github.com/flashnvs/nvs/pkg/entry"
	"github.com/flashnvs/nvs/pkg/flash"
	"github.com/flashnvs/nvs/pkg/partition"
	"github.com/flashnvs/nvs/pkg/stats"
)

// BlobChunkSize is the largest payload one BLOB_DATA entry carries: 125
// payload slots (126 slots per page minus the header slot) at 32 bytes
// each. A blob larger than this is split across multiple BLOB_DATA entries.
const BlobChunkSize = 125 * entry.Size

// genV0 and genV1 are the two chunk_index bases a blob's chunks alternate
// between across generations, so an overwrite's new chunks never share an
// identity with the generation they're replacing even when the chunk
// count is unchanged. A crash between writing the new generation and
// erasing the old one therefore always leaves one complete generation
// intact under its own identity.
const (
	genV0 uint8 = 0x00
	genV1 uint8 = 0x80
)

func invertGeneration(g uint8) uint8 {
	if g == genV0 {
		return genV1
	}
	return genV0
}

// SetBlob stores data, chunked across one or more BLOB_DATA entries plus a
// commit BLOB_IDX, under ns+key. Chunks of the new generation are written
// before the BLOB_IDX, and the BLOB_IDX before the old generation's stale
// chunks are erased, so a crash at any point leaves exactly one complete
// generation live.
func (s *Store) SetBlob(ns uint8, key string, data []byte) error {
	if err := entry.ValidateKey(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	start := time.Now()

	oldGen, oldCount, hadOld := s.blobGeneration(ns, key)
	newGen := genV0
	if hadOld {
		newGen = invertGeneration(oldGen)
	}

	chunkCount := (len(data) + BlobChunkSize - 1) / BlobChunkSize
	if chunkCount == 0 && len(data) > 0 {
		chunkCount = 1
	}
	if int(newGen)+chunkCount > 0xFF {
		return fmt.Errorf("%w: blob needs %d chunks, exceeds the per-generation chunk_index range", ErrInvalidArgument, chunkCount)
	}

	for i := 0; i < chunkCount; i++ {
		lo := i * BlobChunkSize
		hi := lo + BlobChunkSize
		if hi > len(data) {
			hi = len(data)
		}
		chunk := data[lo:hi]
		chunkCRC := flash.CRC32Standard(chunk)
		span := sizedSpan(len(chunk))
		chunkIdx := newGen + uint8(i)
		e, err := entry.NewBlobData(ns, key, chunkIdx, len(chunk), chunkCRC, span)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		if _, err := s.part.Put(e, chunk); err != nil {
			return wrapPutErr(err)
		}
	}

	idx, err := entry.NewBlobIndex(ns, key, uint32(len(data)), uint8(chunkCount), newGen)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if _, err := s.part.Put(idx, nil); err != nil {
		return wrapPutErr(err)
	}

	if hadOld {
		if err := s.eraseBlobChunks(ns, key, oldGen, oldCount); err != nil {
			return err
		}
	}

	s.stats.TrackOperationWithLatency(stats.OpSetBlob, uint64(time.Since(start).Nanoseconds()))
	return nil
}

// eraseBlobChunks erases every BLOB_DATA chunk of the given generation. It
// retires a superseded generation in SetBlob, and cleans up the orphaned
// chunks left behind when a type switch away from blob (SetPrimitive,
// SetString) replaces the BLOB_IDX with a scalar or string entry.
func (s *Store) eraseBlobChunks(ns uint8, key string, gen, count uint8) error {
	for i := uint8(0); i < count; i++ {
		for _, loc := range s.part.Find(ns, key, gen+i) {
			if err := s.part.EraseLocation(loc); err != nil {
				return fmt.Errorf("%w: %v", ErrFlashIo, err)
			}
		}
	}
	return nil
}

// blobGeneration returns the chunk_index base and chunk count of ns+key's
// current blob generation, if any.
func (s *Store) blobGeneration(ns uint8, key string) (gen uint8, count uint8, ok bool) {
	locs := s.part.Find(ns, key, entry.NoChunk)
	for _, loc := range locs {
		if loc.Entry.Type != entry.TypeBlobIdx {
			continue
		}
		idx := loc.Entry.BlobIndex()
		return idx.ChunkStart, idx.ChunkCount, true
	}
	return 0, 0, false
}

// GetBlob reassembles and returns the current generation of the blob
// stored under ns+key. Every chunk's own CRC is verified by the page
// layer as it's read; GetBlob additionally verifies the reassembled
// length against the BLOB_IDX's recorded size, since the on-flash data
// field has no room left for a separate whole-blob checksum once size,
// chunk_count and chunk_start are packed into it.
func (s *Store) GetBlob(ns uint8, key string) ([]byte, error) {
	start := time.Now()

	locs := s.part.Find(ns, key, entry.NoChunk)
	var idxLoc partition.Location
	found := false
	for _, loc := range locs {
		if loc.Entry.Type == entry.TypeBlobIdx {
			idxLoc = loc
			found = true
			break
		}
	}
	if !found {
		return nil, ErrNotFound
	}

	idx := idxLoc.Entry.BlobIndex()
	out := make([]byte, 0, idx.Size)
	for i := uint8(0); i < idx.ChunkCount; i++ {
		chunkLocs := s.part.Find(ns, key, idx.ChunkStart+i)
		if len(chunkLocs) == 0 {
			return nil, fmt.Errorf("%w: missing chunk %d of %d", ErrCorruptBlob, i, idx.ChunkCount)
		}
		payload, err := s.part.ReadPayload(chunkLocs[0])
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrCorruptBlob, i, err)
		}
		out = append(out, payload...)
	}

	if uint32(len(out)) != idx.Size {
		return nil, fmt.Errorf("%w: reassembled %d bytes, index records %d", ErrCorruptBlob, len(out), idx.Size)
	}

	s.stats.TrackOperationWithLatency(stats.OpGetBlob, uint64(time.Since(start).Nanoseconds()))
	return out, nil
}
