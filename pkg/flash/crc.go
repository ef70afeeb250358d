package flash

import "hash/crc32"

// ieeeTable is the standard IEEE 802.3 CRC-32 table (polynomial 0xEDB88320,
// reflected 0x04C11DB7), the polynomial the on-flash format is defined
// against. The stdlib's hash/crc32 package already implements exactly
// this polynomial, so there is no library gap to fill with a third-party
// CRC package here.
var ieeeTable = crc32.MakeTable(crc32.IEEE)

func crc32Update(seed uint32, bytes []byte) uint32 {
	// crc32.Update inverts the register on entry and exit; undo both so
	// seed and result are the raw register the CRC32 contract describes.
	return ^crc32.Update(^seed, ieeeTable, bytes)
}
