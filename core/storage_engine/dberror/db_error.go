package dberror

import "errors"

// Sentinel errors shared across the storage engine. Callers wrap these with
// fmt.Errorf("%w: ...") and match with errors.Is.
var (
	ErrIO               = errors.New("i/o error")
	ErrChecksumMismatch = errors.New("page checksum mismatch, data corruption suspected")
	ErrWALCorrupted     = errors.New("write-ahead log corrupted")

	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyAlreadyExists = errors.New("key already exists (for strict insert)")

	ErrSchemaViolation = errors.New("row does not match table schema")
	ErrTableNotFound   = errors.New("table not found")
	ErrTableExists     = errors.New("table already exists")
	ErrIndexNotFound   = errors.New("index not found")
	ErrIndexExists     = errors.New("index already exists")

	ErrDeadlock        = errors.New("lock wait timeout exceeded, transaction aborted")
	ErrTxnNotFound     = errors.New("transaction not found")
	ErrTxnInvalidState = errors.New("transaction is in an invalid state for this operation")

	ErrPageNotFound   = errors.New("page not found in buffer pool")
	ErrBufferPoolFull = errors.New("buffer pool is full and no pages can be evicted")
	ErrPagePinned     = errors.New("page is pinned and cannot be evicted")
	ErrInvalidPageID  = errors.New("invalid page id")

	ErrSerialization        = errors.New("error during serialization")
	ErrDeserialization      = errors.New("error during deserialization")
	ErrValueTooLargeForPage = errors.New("value too large to fit in page with metadata")

	ErrInvalidOrder   = errors.New("btree order must be at least 3")
	ErrNilKeyOrder    = errors.New("keyOrder function must be provided")
	ErrIteratorClosed = errors.New("iterator is closed or exhausted")

	ErrLogRecordTooLarge = errors.New("log record too large for log buffer")
	ErrLogFileError      = errors.New("log file operation error")

	ErrEngineClosed = errors.New("engine is closed")
)
