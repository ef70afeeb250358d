package nvs

import "errors"

// The error kinds the facade can return. Every error it returns wraps
// exactly one of these, so callers can branch with errors.Is regardless
// of which lower layer actually raised it.
var (
	ErrFlashIo            = errors.New("nvs: flash transport error")
	ErrCorruptHeader      = errors.New("nvs: page header CRC mismatch")
	ErrCorruptEntry       = errors.New("nvs: entry CRC mismatch")
	ErrCorruptBlob        = errors.New("nvs: blob reassembly failed")
	ErrNotFound           = errors.New("nvs: key not found")
	ErrTypeMismatch       = errors.New("nvs: stored type does not match requested type")
	ErrKeyTooLong         = errors.New("nvs: key exceeds 15 bytes")
	ErrOutOfSpace         = errors.New("nvs: no page can accept the entry even after garbage collection")
	ErrInvalidArgument    = errors.New("nvs: misaligned, oversize or malformed input")
	ErrNamespaceExhausted = errors.New("nvs: all 255 namespace indices are in use")
)
