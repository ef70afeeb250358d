package partimage

import (
	"encoding/base64"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// csvHeader is the fixed four-column header every partition CSV starts
// with, matching the column order Build and the values WriteCSV emits use.
var csvHeader = []string{"key", "type", "encoding", "value"}

// ReadCSV parses a partition CSV from r. File rows (Kind == KindFile) are
// resolved immediately: Value is read relative to baseDir (typically the
// CSV's own directory) and decoded per Encoding, so everything downstream
// of ReadCSV only ever sees KindNamespace or KindData entries.
func ReadCSV(r io.Reader, baseDir string) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("partimage: read csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("partimage: csv has no rows")
	}
	if err := checkHeader(rows[0]); err != nil {
		return nil, err
	}

	var entries []Entry
	currentNS := ""
	haveNS := false

	for i, row := range rows[1:] {
		lineno := i + 2
		if len(row) != 4 {
			return nil, fmt.Errorf("partimage: line %d: expected 4 columns, got %d", lineno, len(row))
		}
		key, kindStr, encStr, value := row[0], row[1], row[2], row[3]

		kind, err := parseKind(kindStr)
		if err != nil {
			return nil, fmt.Errorf("partimage: line %d: %w", lineno, err)
		}

		if kind == KindNamespace {
			currentNS = key
			haveNS = true
			entries = append(entries, Entry{Namespace: currentNS, Kind: KindNamespace})
			continue
		}

		if !haveNS {
			return nil, fmt.Errorf("partimage: line %d: key %q has no namespace row above it", lineno, key)
		}

		enc, err := parseEncoding(encStr)
		if err != nil {
			return nil, fmt.Errorf("partimage: line %d: %w", lineno, err)
		}

		if kind == KindFile {
			resolved, err := resolveFile(baseDir, value, enc)
			if err != nil {
				return nil, fmt.Errorf("partimage: line %d: %w", lineno, err)
			}
			entries = append(entries, Entry{Namespace: currentNS, Key: key, Kind: KindData, Encoding: enc, Value: resolved})
			continue
		}

		decoded, err := decodeValue(enc, value)
		if err != nil {
			return nil, fmt.Errorf("partimage: line %d: %w", lineno, err)
		}
		entries = append(entries, Entry{Namespace: currentNS, Key: key, Kind: KindData, Encoding: enc, Value: decoded})
	}

	return entries, nil
}

func checkHeader(row []string) error {
	if len(row) != len(csvHeader) {
		return fmt.Errorf("partimage: header has %d columns, want %d", len(row), len(csvHeader))
	}
	for i, want := range csvHeader {
		if strings.TrimSpace(strings.ToLower(row[i])) != want {
			return fmt.Errorf("partimage: header column %d is %q, want %q", i, row[i], want)
		}
	}
	return nil
}

// resolveFile reads path (relative to baseDir) and decodes its contents
// per enc, the way a KindData row's value column would have been decoded
// had the bytes been inlined in the CSV instead of referenced by file.
func resolveFile(baseDir, relPath string, enc Encoding) (any, error) {
	full := relPath
	if !filepath.IsAbs(relPath) {
		full = filepath.Join(baseDir, relPath)
	}
	raw, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read file %q: %w", relPath, err)
	}

	switch enc {
	case EncodingString:
		return string(raw), nil
	case EncodingHex2Bin:
		return hex.DecodeString(strings.TrimSpace(string(raw)))
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	case EncodingBinary:
		return raw, nil
	default:
		return nil, fmt.Errorf("file rows only support string, hex2bin, base64 or binary encoding, got %v", enc)
	}
}

// decodeValue converts a literal CSV value column into its Go
// representation per enc.
func decodeValue(enc Encoding, value string) (any, error) {
	switch enc {
	case EncodingU8:
		v, err := strconv.ParseUint(value, 10, 8)
		return v, err
	case EncodingI8:
		v, err := strconv.ParseInt(value, 10, 8)
		return uint64(uint8(v)), err
	case EncodingU16:
		v, err := strconv.ParseUint(value, 10, 16)
		return v, err
	case EncodingI16:
		v, err := strconv.ParseInt(value, 10, 16)
		return uint64(uint16(v)), err
	case EncodingU32:
		v, err := strconv.ParseUint(value, 10, 32)
		return v, err
	case EncodingI32:
		v, err := strconv.ParseInt(value, 10, 32)
		return uint64(uint32(v)), err
	case EncodingU64:
		v, err := strconv.ParseUint(value, 10, 64)
		return v, err
	case EncodingI64:
		v, err := strconv.ParseInt(value, 10, 64)
		return uint64(v), err
	case EncodingString:
		return value, nil
	case EncodingHex2Bin:
		return hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(value), " ", ""))
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	case EncodingBinary:
		return []byte(value), nil
	default:
		return nil, fmt.Errorf("partimage: unhandled encoding %v", enc)
	}
}

// WriteCSV writes entries (as recovered by Parse) back out in the four-
// column partition CSV format. Every blob and string is emitted inline as
// a KindData row; WriteCSV never reconstructs a KindFile row, since a
// parsed partition image retains no memory of which values originally
// came from a referenced file.
func WriteCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for _, e := range entries {
		if e.Kind == KindNamespace {
			if err := cw.Write([]string{e.Namespace, "namespace", "", ""}); err != nil {
				return err
			}
			continue
		}
		value, err := formatValue(e.Encoding, e.Value)
		if err != nil {
			return fmt.Errorf("partimage: key %q: %w", e.Key, err)
		}
		if err := cw.Write([]string{e.Key, "data", e.Encoding.String(), value}); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatValue(enc Encoding, value any) (string, error) {
	switch enc {
	case EncodingU8, EncodingU16, EncodingU32, EncodingU64:
		return strconv.FormatUint(value.(uint64), 10), nil
	case EncodingI8:
		return strconv.FormatInt(int64(int8(value.(uint64))), 10), nil
	case EncodingI16:
		return strconv.FormatInt(int64(int16(value.(uint64))), 10), nil
	case EncodingI32:
		return strconv.FormatInt(int64(int32(value.(uint64))), 10), nil
	case EncodingI64:
		return strconv.FormatInt(int64(value.(uint64)), 10), nil
	case EncodingString:
		return value.(string), nil
	case EncodingHex2Bin:
		return hex.EncodeToString(value.([]byte)), nil
	case EncodingBase64, EncodingBinary:
		return base64.StdEncoding.EncodeToString(value.([]byte)), nil
	default:
		return "", fmt.Errorf("unhandled encoding %v", enc)
	}
}
