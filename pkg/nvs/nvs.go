// Package nvs is the typed key-value facade over the partition manager: it
// owns the namespace registry, dispatches get/set/erase across the twelve
// on-flash type tags, and chunks/reassembles values too large for one
// entry. It is the layer application code actually calls.
package nvs

import (
	"errors"
	"fmt"
	"time"

	"github.com/flashnvs/nvs/pkg/common/log"
	"github.com/flashnvs/nvs/pkg/entry"
	"github.com/flashnvs/nvs/pkg/flash"
	"github.com/flashnvs/nvs/pkg/page"
	"github.com/flashnvs/nvs/pkg/partition"
	"github.com/flashnvs/nvs/pkg/stats"
	"github.com/flashnvs/nvs/pkg/telemetry"
)

// Store is a single partition opened for typed key-value access. One Store
// owns its partition.Manager exclusively; callers must not share a Store
// across concurrent goroutines without their own external locking, matching
// the single-threaded-cooperative model the on-flash format assumes.
type Store struct {
	part       *partition.Manager
	namespaces *namespaceRegistry
	stats      stats.Collector
	logger     log.Logger
}

// Option configures Open.
type Option func(*storeOptions)

type storeOptions struct {
	logger log.Logger
	stats  stats.Collector
	tel    telemetry.Telemetry
}

// WithLogger overrides the default logger used for recovery and GC
// diagnostics.
func WithLogger(logger log.Logger) Option {
	return func(o *storeOptions) { o.logger = logger }
}

// WithStats overrides the default statistics collector.
func WithStats(c stats.Collector) Option {
	return func(o *storeOptions) { o.stats = c }
}

// WithTelemetry records page writes, erases and GC cycles to tel instead
// of discarding them.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *storeOptions) { o.tel = tel }
}

// Open scans dev as a pageCount-page partition, recovers from any crash
// state it finds, and returns a Store ready to serve get/set/erase calls.
func Open(dev flash.Device, pageCount int, opts ...Option) (*Store, error) {
	o := &storeOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = log.NewStandardLogger(log.WithLevel(log.LevelWarn))
	}
	if o.stats == nil {
		o.stats = stats.NewAtomicCollector()
	}
	if o.tel == nil {
		o.tel = telemetry.NewNoop()
	}

	recoveryStart := o.stats.StartRecovery()

	part, err := partition.Open(dev, pageCount, o.logger, partition.WithTelemetry(o.tel))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFlashIo, err)
	}

	s := &Store{
		part:   part,
		stats:  o.stats,
		logger: o.logger,
	}
	if err := s.loadNamespaceRegistry(); err != nil {
		return nil, err
	}

	entriesRecovered := uint64(len(part.AllLocations()))
	o.stats.FinishRecovery(recoveryStart, entriesRecovered, 0, 0)

	return s, nil
}

// Stats returns the store's statistics collector, for callers that want to
// inspect operation counts, page wear or the last recovery's outcome.
func (s *Store) Stats() stats.Collector { return s.stats }

// resolve finds the single live entry for ns+key, wrapping lookup failures
// into the facade's error kinds.
func (s *Store) resolve(ns uint8, key string) (partition.Location, error) {
	if err := entry.ValidateKey(key); err != nil {
		return partition.Location{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	locs := s.part.Find(ns, key, entry.NoChunk)
	if len(locs) == 0 {
		return partition.Location{}, ErrNotFound
	}
	return locs[0], nil
}

// SetPrimitive stores a fixed-width scalar under ns+key, overwriting
// whatever was there before (scalar, string or blob).
func (s *Store) SetPrimitive(ns uint8, key string, typ entry.Type, value uint64) error {
	if !typ.IsPrimitive() {
		return fmt.Errorf("%w: %v is not a primitive type", ErrInvalidArgument, typ)
	}
	oldGen, oldCount, hadBlob := s.blobGeneration(ns, key)
	e, err := entry.NewPrimitive(ns, typ, key, value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	start := time.Now()
	if _, err := s.part.Put(e, nil); err != nil {
		return wrapPutErr(err)
	}
	if hadBlob {
		if err := s.eraseBlobChunks(ns, key, oldGen, oldCount); err != nil {
			return err
		}
	}
	s.stats.TrackOperationWithLatency(stats.OpSet, uint64(time.Since(start).Nanoseconds()))
	return nil
}

// GetPrimitive reads a fixed-width scalar previously stored with typ. It
// returns ErrTypeMismatch if the stored entry has a different type.
func (s *Store) GetPrimitive(ns uint8, key string, typ entry.Type) (uint64, error) {
	start := time.Now()
	loc, err := s.resolve(ns, key)
	if err != nil {
		return 0, err
	}
	if loc.Entry.Type != typ {
		return 0, fmt.Errorf("%w: stored as %v, requested %v", ErrTypeMismatch, loc.Entry.Type, typ)
	}
	s.stats.TrackOperationWithLatency(stats.OpGet, uint64(time.Since(start).Nanoseconds()))
	return loc.Entry.Primitive(), nil
}

// SetString stores a variable-length string under ns+key.
func (s *Store) SetString(ns uint8, key, value string) error {
	oldGen, oldCount, hadBlob := s.blobGeneration(ns, key)
	payload := []byte(value)
	payloadCRC := flash.CRC32Standard(payload)
	span := sizedSpan(len(payload))
	e, err := entry.NewSized(ns, key, len(payload), payloadCRC, span)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	start := time.Now()
	if _, err := s.part.Put(e, payload); err != nil {
		return wrapPutErr(err)
	}
	if hadBlob {
		if err := s.eraseBlobChunks(ns, key, oldGen, oldCount); err != nil {
			return err
		}
	}
	s.stats.TrackOperationWithLatency(stats.OpSet, uint64(time.Since(start).Nanoseconds()))
	return nil
}

// GetString reads a string previously stored with SetString.
func (s *Store) GetString(ns uint8, key string) (string, error) {
	start := time.Now()
	loc, err := s.resolve(ns, key)
	if err != nil {
		return "", err
	}
	if loc.Entry.Type != entry.TypeSized {
		return "", fmt.Errorf("%w: stored as %v, requested SIZED", ErrTypeMismatch, loc.Entry.Type)
	}
	payload, err := s.part.ReadPayload(loc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	s.stats.TrackOperationWithLatency(stats.OpGet, uint64(time.Since(start).Nanoseconds()))
	return string(payload), nil
}

// Erase removes whatever value (scalar, string or blob) is stored under
// ns+key. Erasing an absent key is not an error.
func (s *Store) Erase(ns uint8, key string) error {
	if err := entry.ValidateKey(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := s.part.Erase(ns, key); err != nil {
		return fmt.Errorf("%w: %v", ErrFlashIo, err)
	}
	s.stats.TrackOperation(stats.OpErase)
	return nil
}

// EraseNamespace removes every key registered under ns.
func (s *Store) EraseNamespace(ns uint8) error {
	seen := make(map[string]bool)
	for _, loc := range s.part.AllLocations() {
		if loc.Entry.NamespaceIndex != ns || seen[loc.Entry.Key] {
			continue
		}
		seen[loc.Entry.Key] = true
		if err := s.part.Erase(ns, loc.Entry.Key); err != nil {
			return fmt.Errorf("%w: %v", ErrFlashIo, err)
		}
	}
	s.stats.TrackOperation(stats.OpEraseNamespace)
	return nil
}

func sizedSpan(payloadLen int) uint8 {
	slots := (payloadLen + entry.Size - 1) / entry.Size
	return uint8(1 + slots)
}

func wrapPutErr(err error) error {
	if errors.Is(err, partition.ErrOutOfSpace) {
		return fmt.Errorf("%w: %v", ErrOutOfSpace, err)
	}
	if errors.Is(err, page.ErrSpanTooLarge) {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return fmt.Errorf("%w: %v", ErrFlashIo, err)
}
