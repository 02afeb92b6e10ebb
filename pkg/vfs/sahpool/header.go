package sahpool

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/embedql/vfskit/pkg/vfs"
)

// Persisted slot layout
// =====================
//
// Every slot object starts with a fixed-size header region followed by the
// raw file content:
//
//	[0, headerCorpusSize)          XDR-encoded slotHeader, zero padded
//	[headerCorpusSize, +4)         CRC-32 of the corpus region (big endian)
//	[HeaderSize, ...)              file content
//
// The header is the only record of the filename-to-slot binding, so a slot
// whose digest or magic does not check out is treated as unbound at
// bootstrap rather than trusted. Re-running bootstrap against an unchanged
// container therefore always reconstructs the same mapping.

const (
	// HeaderSize is where slot content begins. It doubles as the sector
	// size the backend reports, matching the alignment of the region.
	HeaderSize = 4096

	// MaxPathSize bounds the client filename stored in a header.
	MaxPathSize = 512

	headerCorpusSize = 1024
	headerDigestOff  = headerCorpusSize
	headerRegionSize = headerCorpusSize + 4

	slotMagic uint32 = 0x53414831 // "SAH1"
)

// errBadHeader marks a slot whose header failed validation. Bootstrap
// resets such slots to the free set instead of failing.
var errBadHeader = errors.New("slot header invalid")

// slotHeader is the fixed-format header bound to every slot object.
//
// Size records the logical file size at the last durability point; the
// physical handle size is authoritative while the pool is live, so a stale
// Size after a crash is expected and harmless.
type slotHeader struct {
	Magic uint32
	Flags uint32
	Size  int64
	Path  string
}

// encodeHeader serializes h into a fresh header region buffer.
func encodeHeader(h *slotHeader) ([]byte, error) {
	if len(h.Path) > MaxPathSize {
		return nil, fmt.Errorf("path too long (%d bytes): %w", len(h.Path), vfs.ErrInvalidState)
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, h); err != nil {
		return nil, fmt.Errorf("encode slot header: %w", err)
	}
	if buf.Len() > headerCorpusSize {
		return nil, fmt.Errorf("slot header overflows corpus region: %w", vfs.ErrInvalidState)
	}

	region := make([]byte, headerRegionSize)
	copy(region, buf.Bytes())
	digest := crc32.ChecksumIEEE(region[:headerCorpusSize])
	binary.BigEndian.PutUint32(region[headerDigestOff:], digest)
	return region, nil
}

// decodeHeader parses and validates a header region read from a slot.
// Any validation failure returns errBadHeader.
func decodeHeader(region []byte) (*slotHeader, error) {
	if len(region) < headerRegionSize {
		return nil, fmt.Errorf("header region truncated (%d bytes): %w", len(region), errBadHeader)
	}

	want := binary.BigEndian.Uint32(region[headerDigestOff:headerRegionSize])
	if got := crc32.ChecksumIEEE(region[:headerCorpusSize]); got != want {
		return nil, fmt.Errorf("header digest mismatch: %w", errBadHeader)
	}

	var h slotHeader
	if _, err := xdr.Unmarshal(bytes.NewReader(region[:headerCorpusSize]), &h); err != nil {
		return nil, fmt.Errorf("decode slot header: %w", errBadHeader)
	}
	if h.Magic != slotMagic {
		return nil, fmt.Errorf("bad header magic %#x: %w", h.Magic, errBadHeader)
	}
	if len(h.Path) > MaxPathSize {
		return nil, fmt.Errorf("header path too long: %w", errBadHeader)
	}
	return &h, nil
}

// readHeader loads and validates the header of an acquired handle.
func readHeader(handle AccessHandle) (*slotHeader, error) {
	region := make([]byte, headerRegionSize)
	n, err := handle.ReadAt(region, 0)
	if err != nil {
		return nil, err
	}
	if n < headerRegionSize {
		// A brand-new slot object has no header yet.
		return nil, fmt.Errorf("short header read (%d bytes): %w", n, errBadHeader)
	}
	return decodeHeader(region)
}

// writeHeader persists h to the header region of handle and flushes it.
func writeHeader(handle AccessHandle, h *slotHeader) error {
	region, err := encodeHeader(h)
	if err != nil {
		return err
	}
	if _, err := handle.WriteAt(region, 0); err != nil {
		return err
	}
	return handle.Flush()
}
