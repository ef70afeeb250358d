// Package partimage builds and parses whole NVS partition images offline,
// the way a build system stamps a device's initial key-value state into a
// flash image before it's ever flashed: no garbage collector, no wear
// leveling, no recovery from a crash mid-write — entries are laid down once,
// in CSV order, filling each page before moving to the next.
package partimage

import "fmt"

// Kind is the row shape a CSV line describes.
type Kind int

const (
	// KindNamespace declares a namespace name and assigns it the next free
	// namespace index. The Key column holds the name; Encoding and Value
	// are unused.
	KindNamespace Kind = iota
	// KindData gives a literal value for Key under the namespace most
	// recently declared by a KindNamespace row above it.
	KindData
	// KindFile resolves Value as a path, relative to the CSV file's own
	// directory, whose contents become the stored value once decoded per
	// Encoding.
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindNamespace:
		return "namespace"
	case KindData:
		return "data"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "namespace":
		return KindNamespace, nil
	case "data":
		return KindData, nil
	case "file":
		return KindFile, nil
	default:
		return 0, fmt.Errorf("partimage: unrecognized row type %q", s)
	}
}

// Encoding is the value column's textual representation and the on-flash
// shape it maps to.
type Encoding int

const (
	EncodingU8 Encoding = iota
	EncodingI8
	EncodingU16
	EncodingI16
	EncodingU32
	EncodingI32
	EncodingU64
	EncodingI64
	EncodingString
	EncodingHex2Bin
	EncodingBase64
	EncodingBinary
)

func (e Encoding) String() string {
	switch e {
	case EncodingU8:
		return "u8"
	case EncodingI8:
		return "i8"
	case EncodingU16:
		return "u16"
	case EncodingI16:
		return "i16"
	case EncodingU32:
		return "u32"
	case EncodingI32:
		return "i32"
	case EncodingU64:
		return "u64"
	case EncodingI64:
		return "i64"
	case EncodingString:
		return "string"
	case EncodingHex2Bin:
		return "hex2bin"
	case EncodingBase64:
		return "base64"
	case EncodingBinary:
		return "binary"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// IsPrimitive reports whether e is one of the eight fixed-width integer
// encodings, as opposed to a string or one of the binary-blob encodings.
func (e Encoding) IsPrimitive() bool {
	switch e {
	case EncodingU8, EncodingI8, EncodingU16, EncodingI16, EncodingU32, EncodingI32, EncodingU64, EncodingI64:
		return true
	}
	return false
}

// IsBlob reports whether e's value stores as chunked binary data rather
// than a string or a primitive scalar.
func (e Encoding) IsBlob() bool {
	switch e {
	case EncodingHex2Bin, EncodingBase64, EncodingBinary:
		return true
	}
	return false
}

func parseEncoding(s string) (Encoding, error) {
	switch s {
	case "u8":
		return EncodingU8, nil
	case "i8":
		return EncodingI8, nil
	case "u16":
		return EncodingU16, nil
	case "i16":
		return EncodingI16, nil
	case "u32":
		return EncodingU32, nil
	case "i32":
		return EncodingI32, nil
	case "u64":
		return EncodingU64, nil
	case "i64":
		return EncodingI64, nil
	case "string":
		return EncodingString, nil
	case "hex2bin":
		return EncodingHex2Bin, nil
	case "base64":
		return EncodingBase64, nil
	case "binary":
		return EncodingBinary, nil
	default:
		return 0, fmt.Errorf("partimage: unrecognized encoding %q", s)
	}
}

// Entry is one resolved CSV row, ready to write to a partition image, or
// one record recovered from a partition image, ready to write back out as
// CSV. Namespace rows carry only Namespace and Kind; every other field is
// zero.
type Entry struct {
	Namespace string
	Key       string
	Kind      Kind
	Encoding  Encoding
	// Value holds a uint64 for primitive encodings (reinterpret per
	// Encoding's signedness and width), a string for EncodingString, and a
	// []byte for EncodingHex2Bin, EncodingBase64 and EncodingBinary.
	Value any
}
