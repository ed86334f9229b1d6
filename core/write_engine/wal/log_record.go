package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/golang/snappy"

	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
)

// LSN is the strictly increasing sequence number assigned at append time.
type LSN = pagestore.LSN

const InvalidLSN = pagestore.InvalidLSN

// LogRecordType defines the kind of operation logged.
type LogRecordType uint8

const (
	LogRecordTypeBegin LogRecordType = iota + 1
	LogRecordTypeCommit
	LogRecordTypeAbort
	LogRecordTypeUpdate          // page mutation with before/after images
	LogRecordTypeCompensation    // written during undo; redo-only
	LogRecordTypeNewPage         // page allocated by a transaction
	LogRecordTypeFreePage        // page returned to the free list
	LogRecordTypeHashResize      // hash index doubled its bucket count
	LogRecordTypeCheckpointStart // all dirty pages about to be flushed
	LogRecordTypeCheckpointEnd   // carries the active-transaction table
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordTypeBegin:
		return "BEGIN"
	case LogRecordTypeCommit:
		return "COMMIT"
	case LogRecordTypeAbort:
		return "ABORT"
	case LogRecordTypeUpdate:
		return "UPDATE"
	case LogRecordTypeCompensation:
		return "CLR"
	case LogRecordTypeNewPage:
		return "NEW_PAGE"
	case LogRecordTypeFreePage:
		return "FREE_PAGE"
	case LogRecordTypeHashResize:
		return "HASH_RESIZE"
	case LogRecordTypeCheckpointStart:
		return "CHECKPOINT_START"
	case LogRecordTypeCheckpointEnd:
		return "CHECKPOINT_END"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Flag bits carried by a record.
const (
	flagBeforeCompressed byte = 1 << 0
	flagAfterCompressed  byte = 1 << 1
	// FlagRedoOnly marks records that undo must skip: system-page images
	// (free list, file header) shared between transactions, and
	// compensation records.
	FlagRedoOnly byte = 1 << 2
)

// Images at or above this size are snappy-compressed on disk.
const compressThreshold = 512

// LogRecord is one entry in the write-ahead log.
//
// Before and After hold full page images (the page is the unit of recovery).
// Images are captured before the record's own LSN is stamped on the page, so
// whoever reapplies an image stamps the applying record's LSN afterwards.
type LogRecord struct {
	LSN     LSN
	PrevLSN LSN // previous record of the same transaction
	TxnID   uint64
	Type    LogRecordType
	Flags   byte
	PageID  pagestore.PageID
	// UndoNextLSN is set on compensation records: the PrevLSN of the record
	// just undone, i.e. where undo resumes after a crash.
	UndoNextLSN LSN
	Before      []byte
	After       []byte
}

// RedoOnly reports whether undo must skip this record.
func (r *LogRecord) RedoOnly() bool { return r.Flags&FlagRedoOnly != 0 }

// fixed header inside the payload: lsn + prevLSN + txnID + type + flags +
// pageID + undoNextLSN + two u32 image lengths interleaved with the images.
const recordFixedSize = 8 + 8 + 8 + 1 + 1 + 8 + 8

// encode serializes the record payload, compressing large images. The
// on-disk framing (length prefix and trailing checksum) is added by the
// manager when writing and stripped by the reader.
func (r *LogRecord) encode() []byte {
	before, after := r.Before, r.After
	flags := r.Flags &^ (flagBeforeCompressed | flagAfterCompressed)
	if len(before) >= compressThreshold {
		before = snappy.Encode(nil, before)
		flags |= flagBeforeCompressed
	}
	if len(after) >= compressThreshold {
		after = snappy.Encode(nil, after)
		flags |= flagAfterCompressed
	}

	buf := make([]byte, recordFixedSize+4+len(before)+4+len(after))
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.LSN))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.PrevLSN))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.TxnID)
	off += 8
	buf[off] = byte(r.Type)
	off++
	buf[off] = flags
	off++
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.PageID))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.UndoNextLSN))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(before)))
	off += 4
	off += copy(buf[off:], before)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(after)))
	off += 4
	copy(buf[off:], after)
	return buf
}

// DecodeLogRecord parses a record payload produced by encode, decompressing
// images as needed.
func DecodeLogRecord(data []byte) (*LogRecord, error) {
	if len(data) < recordFixedSize+8 {
		return nil, fmt.Errorf("%w: record payload %d bytes too short", dberror.ErrWALCorrupted, len(data))
	}
	r := &LogRecord{}
	off := 0
	r.LSN = LSN(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	r.PrevLSN = LSN(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	r.TxnID = binary.LittleEndian.Uint64(data[off:])
	off += 8
	r.Type = LogRecordType(data[off])
	off++
	r.Flags = data[off]
	off++
	r.PageID = pagestore.PageID(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	r.UndoNextLSN = LSN(binary.LittleEndian.Uint64(data[off:]))
	off += 8

	readImage := func(compressed bool) ([]byte, error) {
		if off+4 > len(data) {
			return nil, fmt.Errorf("%w: image length truncated", dberror.ErrWALCorrupted)
		}
		n := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if off+n > len(data) {
			return nil, fmt.Errorf("%w: image of %d bytes truncated", dberror.ErrWALCorrupted, n)
		}
		img := data[off : off+n]
		off += n
		if n == 0 {
			return nil, nil
		}
		if compressed {
			out, err := snappy.Decode(nil, img)
			if err != nil {
				return nil, fmt.Errorf("%w: snappy decode: %v", dberror.ErrWALCorrupted, err)
			}
			return out, nil
		}
		out := make([]byte, n)
		copy(out, img)
		return out, nil
	}

	var err error
	if r.Before, err = readImage(r.Flags&flagBeforeCompressed != 0); err != nil {
		return nil, err
	}
	if r.After, err = readImage(r.Flags&flagAfterCompressed != 0); err != nil {
		return nil, err
	}
	r.Flags &^= flagBeforeCompressed | flagAfterCompressed
	return r, nil
}

// checksumRecord is the trailing CRC32 (IEEE) computed over the encoded
// payload.
func checksumRecord(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}
