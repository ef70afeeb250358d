package partimage

import (
	"fmt"
	"sort"

	"github.com/flashnvs/nvs/pkg/entry"
	"github.com/flashnvs/nvs/pkg/flash"
	"github.com/flashnvs/nvs/pkg/page"
)

type blobKey struct {
	ns  uint8
	key string
}

type blobChunk struct {
	index uint8
	data  []byte
}

type blobInfo struct {
	size  uint32
	count uint8
}

// Parse reads a partition image (as produced by Build, or by the runtime
// store's flash.MemDevice.Snapshot) and recovers its entries in on-flash
// order. FREEING and UNINITIALIZED pages are skipped, matching a reader
// that only cares about committed state; a CORRUPTED page is an error,
// since an offline tool has no recovery strategy to fall back on.
func Parse(image []byte) ([]Entry, error) {
	if len(image) == 0 || len(image)%flash.SectorSize != 0 {
		return nil, fmt.Errorf("partimage: image size %d is not a positive multiple of the page size %d", len(image), flash.SectorSize)
	}
	dev := flash.NewMemDeviceFromImage(image)
	pageCount := len(image) / flash.SectorSize

	namespaceNames := make(map[uint8]string)
	var entries []Entry
	blobChunks := make(map[blobKey][]blobChunk)
	blobInfos := make(map[blobKey]blobInfo)
	blobPos := make(map[blobKey]int)

	for i := 0; i < pageCount; i++ {
		base := uint32(i) * flash.SectorSize
		p, err := page.Load(dev, base)
		if err != nil {
			return nil, fmt.Errorf("partimage: load page %d: %w", i, err)
		}

		switch p.State() {
		case page.StateUninitialized, page.StateFreeing:
			continue
		case page.StateCorrupted:
			return nil, fmt.Errorf("partimage: page %d is corrupted", i)
		}

		for _, rec := range p.Records() {
			e := rec.Entry
			switch {
			case e.Type == entry.TypeU8 && e.NamespaceIndex == 0:
				nsIdx := uint8(e.Primitive())
				if existing, ok := namespaceNames[nsIdx]; ok {
					return nil, fmt.Errorf("partimage: page %d: namespace index %d registered twice (%q and %q)", i, nsIdx, existing, e.Key)
				}
				namespaceNames[nsIdx] = e.Key
				entries = append(entries, Entry{Namespace: e.Key, Kind: KindNamespace})

			case e.Type.IsPrimitive():
				ns, err := resolveNamespace(namespaceNames, e.NamespaceIndex)
				if err != nil {
					return nil, fmt.Errorf("partimage: page %d, key %q: %w", i, e.Key, err)
				}
				entries = append(entries, Entry{Namespace: ns, Key: e.Key, Kind: KindData, Encoding: encodingForType(e.Type), Value: e.Primitive()})

			case e.Type == entry.TypeSized:
				ns, err := resolveNamespace(namespaceNames, e.NamespaceIndex)
				if err != nil {
					return nil, fmt.Errorf("partimage: page %d, key %q: %w", i, e.Key, err)
				}
				payload, err := p.ReadPayload(rec)
				if err != nil {
					return nil, fmt.Errorf("partimage: page %d, key %q: %w", i, e.Key, err)
				}
				entries = append(entries, Entry{Namespace: ns, Key: e.Key, Kind: KindData, Encoding: EncodingString, Value: string(payload)})

			case e.Type == entry.TypeBlob:
				ns, err := resolveNamespace(namespaceNames, e.NamespaceIndex)
				if err != nil {
					return nil, fmt.Errorf("partimage: page %d, key %q: %w", i, e.Key, err)
				}
				payload, err := p.ReadPayload(rec)
				if err != nil {
					return nil, fmt.Errorf("partimage: page %d, key %q: %w", i, e.Key, err)
				}
				entries = append(entries, Entry{Namespace: ns, Key: e.Key, Kind: KindData, Encoding: EncodingBase64, Value: payload})

			case e.Type == entry.TypeBlobIdx:
				k := blobKey{ns: e.NamespaceIndex, key: e.Key}
				idx := e.BlobIndex()
				if _, exists := blobInfos[k]; exists {
					return nil, fmt.Errorf("partimage: page %d: duplicate BLOB_IDX for key %q", i, e.Key)
				}
				blobInfos[k] = blobInfo{size: idx.Size, count: idx.ChunkCount}
				blobPos[k] = len(entries)
				entries = append(entries, Entry{Kind: KindData, Encoding: EncodingBase64})

			case e.Type == entry.TypeBlobData:
				k := blobKey{ns: e.NamespaceIndex, key: e.Key}
				payload, err := p.ReadPayload(rec)
				if err != nil {
					return nil, fmt.Errorf("partimage: page %d, key %q: %w", i, e.Key, err)
				}
				blobChunks[k] = append(blobChunks[k], blobChunk{index: e.ChunkIndex, data: payload})

			default:
				return nil, fmt.Errorf("partimage: page %d: unrecognized entry type %v for key %q", i, e.Type, e.Key)
			}
		}
	}

	if err := assembleBlobs(entries, blobInfos, blobChunks, blobPos, namespaceNames); err != nil {
		return nil, err
	}

	return entries, nil
}

func assembleBlobs(entries []Entry, infos map[blobKey]blobInfo, chunks map[blobKey][]blobChunk, pos map[blobKey]int, namespaceNames map[uint8]string) error {
	for k, info := range infos {
		cs := chunks[k]
		delete(chunks, k)

		if len(cs) != int(info.count) {
			return fmt.Errorf("partimage: BLOB_IDX for key %q expects %d chunks but %d were found", k.key, info.count, len(cs))
		}

		sort.Slice(cs, func(a, b int) bool { return cs[a].index < cs[b].index })

		data := make([]byte, 0, info.size)
		for _, c := range cs {
			data = append(data, c.data...)
		}
		if uint32(len(data)) < info.size {
			return fmt.Errorf("partimage: key %q: reassembled %d bytes, index records %d", k.key, len(data), info.size)
		}
		data = data[:info.size]

		ns, err := resolveNamespace(namespaceNames, k.ns)
		if err != nil {
			return fmt.Errorf("partimage: key %q: %w", k.key, err)
		}

		entries[pos[k]] = Entry{Namespace: ns, Key: k.key, Kind: KindData, Encoding: EncodingBase64, Value: data}
	}

	if len(chunks) > 0 {
		for k := range chunks {
			return fmt.Errorf("partimage: BLOB_DATA chunks for key %q have no matching BLOB_IDX", k.key)
		}
	}

	return nil
}

func resolveNamespace(names map[uint8]string, idx uint8) (string, error) {
	name, ok := names[idx]
	if !ok {
		return "", fmt.Errorf("unknown namespace index %d", idx)
	}
	return name, nil
}

func encodingForType(t entry.Type) Encoding {
	switch t {
	case entry.TypeU8:
		return EncodingU8
	case entry.TypeI8:
		return EncodingI8
	case entry.TypeU16:
		return EncodingU16
	case entry.TypeI16:
		return EncodingI16
	case entry.TypeU32:
		return EncodingU32
	case entry.TypeI32:
		return EncodingI32
	case entry.TypeU64:
		return EncodingU64
	case entry.TypeI64:
		return EncodingI64
	default:
		panic(fmt.Sprintf("partimage: encodingForType called with non-primitive type %v", t))
	}
}
