package entry

import (
	"errors"
	"testing"
)

func TestPrimitiveRoundTrip(t *testing.T) {
	cases := []struct {
		typ   Type
		value uint64
	}{
		{TypeU8, 0x42},
		{TypeI8, 0xFF},
		{TypeU16, 0x1234},
		{TypeI16, 0xFFFF},
		{TypeU32, 0xDEADBEEF},
		{TypeI32, 0x7FFFFFFF},
		{TypeU64, 0x0123456789ABCDEF},
		{TypeI64, 0xFFFFFFFFFFFFFFFF},
	}

	for _, c := range cases {
		e, err := NewPrimitive(1, c.typ, "k", c.value)
		if err != nil {
			t.Fatalf("NewPrimitive(%v): %v", c.typ, err)
		}
		buf := e.Encode()
		decoded, err := Decode(buf[:])
		if err != nil {
			t.Fatalf("Decode(%v): %v", c.typ, err)
		}
		if decoded.Primitive() != c.value {
			t.Fatalf("%v: got %#x, want %#x", c.typ, decoded.Primitive(), c.value)
		}
		if decoded.Key != "k" || decoded.Type != c.typ {
			t.Fatalf("%v: metadata mismatch: %+v", c.typ, decoded)
		}
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	e, err := NewPrimitive(1, TypeU32, "counter", 100)
	if err != nil {
		t.Fatalf("NewPrimitive: %v", err)
	}
	buf := e.Encode()
	buf[24] ^= 0xFF // flip a data byte without fixing up the CRC

	if _, err := Decode(buf[:]); !errors.Is(err, ErrCorruptEntry) {
		t.Fatalf("Decode corrupted entry: got %v, want ErrCorruptEntry", err)
	}
}

func TestValidateKey(t *testing.T) {
	cases := []struct {
		key     string
		wantErr error
	}{
		{"", ErrKeyEmpty},
		{"123456789012345", nil}, // exactly 15 bytes
		{"1234567890123456", ErrKeyTooLong},
		{"bad\x00key", ErrKeyNotASCII},
	}
	for _, c := range cases {
		err := ValidateKey(c.key)
		if c.wantErr == nil && err != nil {
			t.Errorf("ValidateKey(%q) = %v, want nil", c.key, err)
		}
		if c.wantErr != nil && !errors.Is(err, c.wantErr) {
			t.Errorf("ValidateKey(%q) = %v, want %v", c.key, err, c.wantErr)
		}
	}
}

func TestNewPrimitiveRejectsLongKey(t *testing.T) {
	_, err := NewPrimitive(1, TypeU8, "this-key-is-way-too-long", 1)
	if !errors.Is(err, ErrKeyTooLong) {
		t.Fatalf("got %v, want ErrKeyTooLong", err)
	}
}

func TestSizedRoundTrip(t *testing.T) {
	e, err := NewSized(2, "blobname", 4000, 0xCAFEBABE, 3)
	if err != nil {
		t.Fatalf("NewSized: %v", err)
	}
	buf := e.Encode()
	decoded, err := Decode(buf[:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	sized := decoded.Sized()
	if sized.Size != 4000 || sized.Reserved != 0xFFFF || sized.CRC != 0xCAFEBABE {
		t.Fatalf("Sized() = %+v", sized)
	}
	if decoded.Span != 3 || decoded.Type != TypeSized {
		t.Fatalf("metadata mismatch: %+v", decoded)
	}
}

func TestBlobDataRoundTrip(t *testing.T) {
	e, err := NewBlobData(3, "bigblob", 2, 3000, 0x11223344, 4)
	if err != nil {
		t.Fatalf("NewBlobData: %v", err)
	}
	buf := e.Encode()
	decoded, err := Decode(buf[:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != TypeBlobData || decoded.ChunkIndex != 2 {
		t.Fatalf("metadata mismatch: %+v", decoded)
	}
	sized := decoded.Sized()
	if sized.Size != 3000 || sized.CRC != 0x11223344 {
		t.Fatalf("Sized() = %+v", sized)
	}
}

func TestBlobIndexRoundTrip(t *testing.T) {
	e, err := NewBlobIndex(4, "bigblob", 12345, 4, 0)
	if err != nil {
		t.Fatalf("NewBlobIndex: %v", err)
	}
	buf := e.Encode()
	decoded, err := Decode(buf[:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	idx := decoded.BlobIndex()
	if idx.Size != 12345 || idx.ChunkCount != 4 || idx.ChunkStart != 0 {
		t.Fatalf("BlobIndex() = %+v", idx)
	}
	if decoded.Type != TypeBlobIdx || decoded.ChunkIndex != NoChunk {
		t.Fatalf("metadata mismatch: %+v", decoded)
	}
}

func TestIsEmptySlot(t *testing.T) {
	empty := make([]byte, Size)
	for i := range empty {
		empty[i] = 0xFF
	}
	if !IsEmptySlot(empty) {
		t.Fatal("all-0xFF slot should be empty")
	}

	e, _ := NewPrimitive(1, TypeU8, "k", 1)
	buf := e.Encode()
	if IsEmptySlot(buf[:]) {
		t.Fatal("written slot should not be empty")
	}
}

func TestTypeString(t *testing.T) {
	if TypeBlobData.String() != "BLOB_DATA" {
		t.Fatalf("TypeBlobData.String() = %q", TypeBlobData.String())
	}
	if Type(0x99).String() == "" {
		t.Fatal("unknown type should still format")
	}
}
