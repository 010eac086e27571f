package metastore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/colorfulnotion/vmcore/vmerrors"
)

// On-disk layout of the file backend, all little endian:
//
//	header  "VMCM" | version u32 | count u64
//	records count x {block_addr u64, ir_hash u64, size u64, last_compiled u64 (unix nanos), compile_count u32}
//	trailer xxhash64 of the record bytes
//
// The key-value backends store the same record encoding under recordKey.
const (
	FormatVersion uint32 = 1
	RecordSize           = 36
	headerSize           = 16
	trailerSize          = 8
)

var fileMagic = []byte("VMCM")

// Record is one block's metadata together with its address.
type Record struct {
	Addr types.GuestAddress `json:"block_addr"`
	types.CompiledBlockMetadata
}

func appendRecord(buf []byte, r Record) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Addr))
	buf = binary.LittleEndian.AppendUint64(buf, r.IRHash)
	buf = binary.LittleEndian.AppendUint64(buf, r.CodeSize)
	var nanos uint64
	if !r.LastCompiled.IsZero() {
		nanos = uint64(r.LastCompiled.UnixNano())
	}
	buf = binary.LittleEndian.AppendUint64(buf, nanos)
	return binary.LittleEndian.AppendUint32(buf, r.CompileCount)
}

func decodeRecord(b []byte) (Record, error) {
	if len(b) != RecordSize {
		return Record{}, fmt.Errorf("%w: record is %d bytes", vmerrors.ErrCorruptedMetadata, len(b))
	}
	r := Record{Addr: types.GuestAddress(binary.LittleEndian.Uint64(b[0:]))}
	r.IRHash = binary.LittleEndian.Uint64(b[8:])
	r.CodeSize = binary.LittleEndian.Uint64(b[16:])
	if nanos := binary.LittleEndian.Uint64(b[24:]); nanos != 0 {
		r.LastCompiled = time.Unix(0, int64(nanos)).UTC()
	}
	r.CompileCount = binary.LittleEndian.Uint32(b[32:])
	return r, nil
}

// EncodeFile serializes records in the file backend layout.
func EncodeFile(records []Record) []byte {
	buf := make([]byte, 0, headerSize+RecordSize*len(records)+trailerSize)
	buf = append(buf, fileMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, FormatVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(records)))
	for _, r := range records {
		buf = appendRecord(buf, r)
	}
	return binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf[headerSize:]))
}

// DecodeFile parses a file written by EncodeFile. A foreign version yields
// ErrVersionMismatch, any structural problem ErrCorruptedMetadata; no partial
// result is returned in either case.
func DecodeFile(data []byte) ([]Record, error) {
	if len(data) < headerSize+trailerSize || !bytes.Equal(data[:4], fileMagic) {
		return nil, fmt.Errorf("%w: bad header", vmerrors.ErrCorruptedMetadata)
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != FormatVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", vmerrors.ErrVersionMismatch, v, FormatVersion)
	}
	n := binary.LittleEndian.Uint64(data[8:])
	body := data[headerSize : len(data)-trailerSize]
	if n > uint64(len(body))/RecordSize || uint64(len(body)) != n*RecordSize {
		return nil, fmt.Errorf("%w: %d records in %d bytes", vmerrors.ErrCorruptedMetadata, n, len(body))
	}
	if sum := binary.LittleEndian.Uint64(data[len(data)-trailerSize:]); sum != xxhash.Sum64(body) {
		return nil, fmt.Errorf("%w: checksum mismatch", vmerrors.ErrCorruptedMetadata)
	}
	out := make([]Record, 0, n)
	for off := 0; off < len(body); off += RecordSize {
		r, err := decodeRecord(body[off : off+RecordSize])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

var (
	versionKey   = []byte("meta/version")
	recordPrefix = []byte("blk/")
)

// recordKey sorts records by address.
func recordKey(addr types.GuestAddress) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), recordPrefix...), uint64(addr))
}

func versionValue() []byte {
	return binary.LittleEndian.AppendUint32(nil, FormatVersion)
}

// checkVersion validates a stored version value. present=false means the key
// was missing.
func checkVersion(v []byte, present, hasRecords bool) (fresh bool, err error) {
	if !present {
		if hasRecords {
			return false, fmt.Errorf("%w: records without version", vmerrors.ErrCorruptedMetadata)
		}
		return true, nil
	}
	if len(v) != 4 {
		return false, fmt.Errorf("%w: bad version value", vmerrors.ErrCorruptedMetadata)
	}
	if got := binary.LittleEndian.Uint32(v); got != FormatVersion {
		return false, fmt.Errorf("%w: version %d, want %d", vmerrors.ErrVersionMismatch, got, FormatVersion)
	}
	return false, nil
}
