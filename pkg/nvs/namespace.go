package nvs

import (
	"fmt"

	"github.com/flashnvs/nvs/pkg/entry"
	"github.com/flashnvs/nvs/pkg/stats"
)

// namespaceReserved is the partition-wide namespace index that stores the
// name→index registry itself. A key is never registered under it directly.
const namespaceReserved uint8 = 0

// maxNamespaceIndex is the highest assignable namespace index; indices run
// 1..255, one byte wide.
const maxNamespaceIndex = 255

// namespaceRegistry caches the name→index mapping recovered from namespace
// 0 at Open, so repeated GetNamespace calls don't rescan the partition.
type namespaceRegistry struct {
	byName map[string]uint8
	used   map[uint8]bool
}

func (s *Store) loadNamespaceRegistry() error {
	reg := &namespaceRegistry{
		byName: make(map[string]uint8),
		used:   make(map[uint8]bool),
	}
	for _, loc := range s.part.AllLocations() {
		if loc.Entry.NamespaceIndex != namespaceReserved {
			continue
		}
		idx := uint8(loc.Entry.Primitive())
		reg.byName[loc.Entry.Key] = idx
		reg.used[idx] = true
	}
	s.namespaces = reg
	return nil
}

// GetNamespace resolves name to its 1-byte index, registering it under
// namespace 0 with the next free index if it has never been seen before.
// Registration is append-only: once assigned, a name's index never changes
// for the lifetime of the partition.
func (s *Store) GetNamespace(name string) (uint8, error) {
	if err := entry.ValidateKey(name); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	if idx, ok := s.namespaces.byName[name]; ok {
		return idx, nil
	}

	idx, ok := s.nextFreeNamespaceIndex()
	if !ok {
		return 0, ErrNamespaceExhausted
	}

	e, err := entry.NewPrimitive(namespaceReserved, entry.TypeU8, name, uint64(idx))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if _, err := s.part.Put(e, nil); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFlashIo, err)
	}

	s.namespaces.byName[name] = idx
	s.namespaces.used[idx] = true
	s.stats.TrackOperation(stats.OpSet)
	return idx, nil
}

func (s *Store) nextFreeNamespaceIndex() (uint8, bool) {
	for i := 1; i <= maxNamespaceIndex; i++ {
		if !s.namespaces.used[uint8(i)] {
			return uint8(i), true
		}
	}
	return 0, false
}
