// Package flash provides the low-level read/write/erase primitives that
// the page and partition managers build on. It models the contract a real
// NOR flash part exposes: writes may only flip bits from 1 to 0, and only
// a sector erase can flip bits back to 1.
package flash

import (
	"errors"
	"fmt"
)

// SectorSize is the erase granularity of the simulated flash part, and
// therefore the fixed size of an NVS page.
const SectorSize = 4096

// WriteAlign is the minimum alignment required for read/write offsets and
// lengths.
const WriteAlign = 4

var (
	// ErrMisaligned is returned when an offset or length violates the
	// transport's alignment contract.
	ErrMisaligned = errors.New("flash: misaligned access")
	// ErrOutOfRange is returned when an access falls outside the device.
	ErrOutOfRange = errors.New("flash: access out of range")
	// ErrBus is returned for a simulated bus/transport failure.
	ErrBus = errors.New("flash: bus error")
)

// Device is the capability a host must provide: raw read/write/erase
// access to the backing storage. Callers guarantee alignment;
// implementations must not silently truncate or round accesses.
type Device interface {
	// Read copies len(buf) bytes starting at offset into buf.
	Read(offset uint32, buf []byte) error
	// Write programs len(buf) bytes starting at offset. Only 1→0 bit
	// transitions are guaranteed; callers must not expect a write to
	// clear bits that are already 0 without an intervening erase.
	Write(offset uint32, buf []byte) error
	// Erase resets length bytes starting at offset to all-ones (0xFF).
	// offset and length must be SectorSize-aligned.
	Erase(offset uint32, length uint32) error
	// Size returns the total addressable length of the device.
	Size() uint32
}

// CRC32 computes the IEEE 802.3 CRC (polynomial 0xEDB88320) over bytes
// using seed as the running register value. Callers control the initial
// seed and final XOR themselves, matching the raw CRC primitive the
// on-flash format is built from; CRC32Standard below is the conventional
// seed/final-XOR pairing used throughout this repo.
func CRC32(seed uint32, bytes []byte) uint32 {
	return crc32Update(seed, bytes)
}

// CRC32Standard runs the conventional seed=0xFFFFFFFF, final-XOR=0xFFFFFFFF
// convention used for whole-buffer checksums (page headers, blob payloads).
func CRC32Standard(bytes []byte) uint32 {
	return crc32Update(0xFFFFFFFF, bytes) ^ 0xFFFFFFFF
}

func checkAlign(offset uint32, length int) error {
	if offset%WriteAlign != 0 || length%WriteAlign != 0 {
		return fmt.Errorf("%w: offset=%d length=%d", ErrMisaligned, offset, length)
	}
	return nil
}

func checkRange(size, offset uint32, length int) error {
	if uint64(offset)+uint64(length) > uint64(size) {
		return fmt.Errorf("%w: offset=%d length=%d size=%d", ErrOutOfRange, offset, length, size)
	}
	return nil
}
