package wal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/granitedb/granite/core/storage_engine/common"
	"github.com/granitedb/granite/core/storage_engine/dberror"
)

const (
	// DefaultSegmentSize is the roll-over threshold for a log segment file.
	DefaultSegmentSize = 16 * 1024 * 1024
	// DefaultBufferSize is the in-memory append buffer size before an
	// automatic write-out to the current segment.
	DefaultBufferSize = 64 * 1024
	// DefaultFlushInterval drives the background flusher.
	DefaultFlushInterval = 50 * time.Millisecond

	segmentPattern = "wal-*.log"
	segmentFormat  = "wal-%020d.log"

	// frameOverhead is the length prefix plus the trailing checksum.
	frameOverhead = 8

	// MaxRecordSize bounds a single encoded record payload.
	MaxRecordSize = 64 * 1024 * 1024
)

// Config carries the tunables for the log manager.
type Config struct {
	Dir           string
	ArchiveDir    string // empty disables archiving, truncated segments are removed
	SegmentSize   int64
	BufferSize    int
	FlushInterval time.Duration
	// ArchiveRateLimit throttles segment archiving in bytes/sec. Zero means
	// unthrottled.
	ArchiveRateLimit int64
}

func (c *Config) applyDefaults() {
	if c.SegmentSize <= 0 {
		c.SegmentSize = DefaultSegmentSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
}

type segmentInfo struct {
	path     string
	firstLSN LSN
}

// LogManager is a segmented write-ahead log. Records are appended to an
// in-memory buffer, written out to the current segment when the buffer
// fills, and made durable by Force/Sync. Segment files are named after the
// LSN of their first record so the set of files orders itself
// lexicographically.
type LogManager struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	file     *os.File
	fileSize int64
	buffer   bytes.Buffer
	segments []segmentInfo // ascending by firstLSN, last one is the open segment

	nextLSN      LSN // LSN handed to the next appended record
	lastAppended LSN // highest LSN in buffer or on disk
	lastWritten  LSN // highest LSN handed to the OS
	flushedLSN   LSN // highest LSN known durable (fsynced)

	closed  bool
	stopCh  chan struct{}
	flushWg sync.WaitGroup
}

// NewLogManager opens (or creates) the log directory, scans existing
// segments, validates the tail of the last one and positions the manager to
// append after the highest durable record. A torn record at the very end of
// the last segment is discarded; a checksum failure anywhere else is
// reported as corruption.
func NewLogManager(cfg Config, logger *zap.Logger) (*LogManager, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create log dir %s: %v", dberror.ErrLogFileError, cfg.Dir, err)
	}
	if cfg.ArchiveDir != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create archive dir %s: %v", dberror.ErrLogFileError, cfg.ArchiveDir, err)
		}
	}

	lm := &LogManager{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	segments, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}

	if len(segments) == 0 {
		lm.nextLSN = 1
		if err := lm.openSegment(lm.nextLSN); err != nil {
			return nil, err
		}
	} else {
		lm.segments = segments
		last := segments[len(segments)-1]
		lastLSN, validSize, err := scanSegmentTail(last, logger)
		if err != nil {
			return nil, err
		}
		if lastLSN == 0 {
			// Empty segment, likely created by a roll right before a crash.
			lm.nextLSN = last.firstLSN
		} else {
			lm.nextLSN = lastLSN + 1
		}
		lm.lastAppended = lm.nextLSN - 1
		lm.lastWritten = lm.lastAppended
		lm.flushedLSN = lm.lastAppended

		f, err := os.OpenFile(last.path, os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("%w: open segment %s: %v", dberror.ErrLogFileError, last.path, err)
		}
		if err := f.Truncate(validSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: truncate torn tail of %s: %v", dberror.ErrLogFileError, last.path, err)
		}
		if _, err := f.Seek(validSize, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: seek segment %s: %v", dberror.ErrLogFileError, last.path, err)
		}
		lm.file = f
		lm.fileSize = validSize
	}

	lm.flushWg.Add(1)
	go lm.periodicFlush()

	logger.Info("Log manager started",
		zap.String("dir", cfg.Dir),
		zap.Int("segments", len(lm.segments)),
		zap.Uint64("next_lsn", uint64(lm.nextLSN)))
	return lm, nil
}

func listSegments(dir string) ([]segmentInfo, error) {
	matches, err := filepath.Glob(filepath.Join(dir, segmentPattern))
	if err != nil {
		return nil, fmt.Errorf("%w: list segments: %v", dberror.ErrLogFileError, err)
	}
	segments := make([]segmentInfo, 0, len(matches))
	for _, path := range matches {
		var first uint64
		if _, err := fmt.Sscanf(filepath.Base(path), segmentFormat, &first); err != nil {
			continue // not one of ours
		}
		segments = append(segments, segmentInfo{path: path, firstLSN: LSN(first)})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].firstLSN < segments[j].firstLSN })
	return segments, nil
}

// scanSegmentTail walks the frames of the last segment and returns the
// highest record LSN and the byte offset where the valid prefix ends. A
// partial frame at the end is treated as a torn write from a crash.
func scanSegmentTail(seg segmentInfo, logger *zap.Logger) (LSN, int64, error) {
	f, err := os.Open(seg.path)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: open segment %s: %v", dberror.ErrLogFileError, seg.path, err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 256*1024)
	var (
		lastLSN   LSN
		validSize int64
		expected  = seg.firstLSN
	)
	for {
		rec, frameLen, err := readFrame(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Warn("Discarding torn record at end of log",
					zap.String("segment", seg.path),
					zap.Int64("valid_size", validSize))
				break
			}
			return 0, 0, err
		}
		if rec.LSN != expected {
			return 0, 0, fmt.Errorf("%w: segment %s: record LSN %d, expected %d",
				dberror.ErrWALCorrupted, seg.path, rec.LSN, expected)
		}
		expected = rec.LSN + 1
		lastLSN = rec.LSN
		validSize += frameLen
	}
	return lastLSN, validSize, nil
}

// readFrame reads one length-prefixed frame, verifies its checksum and
// decodes the record. io.ErrUnexpectedEOF means the frame was cut short.
func readFrame(br *bufio.Reader) (*LogRecord, int64, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	payloadLen := binary.LittleEndian.Uint32(lenBuf[:])
	if payloadLen < recordFixedSize || payloadLen > MaxRecordSize {
		// A nonsense length prefix is indistinguishable from garbage left
		// behind by a torn multi-chunk write.
		return nil, 0, io.ErrUnexpectedEOF
	}
	body := make([]byte, int(payloadLen)+4)
	if _, err := io.ReadFull(br, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	payload := body[:payloadLen]
	stored := binary.LittleEndian.Uint32(body[payloadLen:])
	if checksumRecord(payload) != stored {
		return nil, 0, fmt.Errorf("%w: record checksum mismatch", dberror.ErrWALCorrupted)
	}
	rec, err := DecodeLogRecord(payload)
	if err != nil {
		return nil, 0, err
	}
	return rec, int64(payloadLen) + frameOverhead, nil
}

func (lm *LogManager) openSegment(firstLSN LSN) error {
	path := filepath.Join(lm.cfg.Dir, fmt.Sprintf(segmentFormat, uint64(firstLSN)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: create segment %s: %v", dberror.ErrLogFileError, path, err)
	}
	lm.file = f
	lm.fileSize = 0
	lm.segments = append(lm.segments, segmentInfo{path: path, firstLSN: firstLSN})
	lm.logger.Info("Opened log segment", zap.String("segment", path), zap.Uint64("first_lsn", uint64(firstLSN)))
	return nil
}

// Append assigns the next LSN to rec, frames and buffers it. The record is
// not durable until Force (or Sync) returns for its LSN.
func (lm *LogManager) Append(rec *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return InvalidLSN, fmt.Errorf("%w: log manager is closed", dberror.ErrLogFileError)
	}

	rec.LSN = lm.nextLSN
	payload := rec.encode()
	if len(payload) > MaxRecordSize {
		return InvalidLSN, fmt.Errorf("%w: encoded size %d", dberror.ErrLogRecordTooLarge, len(payload))
	}

	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], uint32(len(payload)))
	lm.buffer.Write(word[:])
	lm.buffer.Write(payload)
	binary.LittleEndian.PutUint32(word[:], checksumRecord(payload))
	lm.buffer.Write(word[:])

	lm.nextLSN++
	lm.lastAppended = rec.LSN

	if lm.buffer.Len() >= lm.cfg.BufferSize {
		if err := lm.writeOutLocked(); err != nil {
			return InvalidLSN, err
		}
	}
	return rec.LSN, nil
}

// writeOutLocked drains the append buffer into the current segment and
// rolls to a fresh segment once the size threshold is crossed. Callers hold
// lm.mu.
func (lm *LogManager) writeOutLocked() error {
	if lm.buffer.Len() == 0 {
		return nil
	}
	n, err := lm.file.Write(lm.buffer.Bytes())
	if err != nil {
		return fmt.Errorf("%w: write segment: %v", dberror.ErrLogFileError, err)
	}
	lm.fileSize += int64(n)
	lm.buffer.Reset()
	lm.lastWritten = lm.lastAppended

	if lm.fileSize >= lm.cfg.SegmentSize {
		return lm.rollLocked()
	}
	return nil
}

// rollLocked seals the current segment (sync and close) and opens a new one
// named for the LSN its first record will carry.
func (lm *LogManager) rollLocked() error {
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync segment: %v", dberror.ErrLogFileError, err)
	}
	lm.flushedLSN = lm.lastWritten
	if err := lm.file.Close(); err != nil {
		return fmt.Errorf("%w: close segment: %v", dberror.ErrLogFileError, err)
	}
	return lm.openSegment(lm.nextLSN)
}

// Force blocks until the record with the given LSN (and everything before
// it) is durable. A no-op when it already is.
func (lm *LogManager) Force(lsn LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lsn <= lm.flushedLSN {
		return nil
	}
	return lm.syncLocked()
}

// Sync makes every appended record durable.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.syncLocked()
}

func (lm *LogManager) syncLocked() error {
	if err := lm.writeOutLocked(); err != nil {
		return err
	}
	if lm.lastWritten == lm.flushedLSN {
		return nil
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync segment: %v", dberror.ErrLogFileError, err)
	}
	lm.flushedLSN = lm.lastWritten
	return nil
}

// FlushedLSN reports the highest durable LSN.
func (lm *LogManager) FlushedLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushedLSN
}

// CurrentLSN reports the highest LSN handed out so far, durable or not.
func (lm *LogManager) CurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.lastAppended
}

// FirstRetainedLSN reports the first LSN of the oldest segment still on
// disk. Replay from any point at or after it is possible.
func (lm *LogManager) FirstRetainedLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if len(lm.segments) == 0 {
		return lm.nextLSN
	}
	return lm.segments[0].firstLSN
}

// periodicFlush syncs the log on a fixed cadence so large appenders do not
// accumulate an unbounded undurable window.
func (lm *LogManager) periodicFlush() {
	defer lm.flushWg.Done()
	ticker := time.NewTicker(lm.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := lm.Sync(); err != nil {
				lm.logger.Error("Periodic log flush failed", zap.Error(err))
			}
		case <-lm.stopCh:
			return
		}
	}
}

// Replay returns a Reader positioned at the first record with LSN at or
// above fromLSN. Buffered records are written out first so the reader sees
// everything appended so far.
func (lm *LogManager) Replay(fromLSN LSN) (*Reader, error) {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return nil, fmt.Errorf("%w: log manager is closed", dberror.ErrLogFileError)
	}
	if err := lm.writeOutLocked(); err != nil {
		lm.mu.Unlock()
		return nil, err
	}
	segments := make([]segmentInfo, len(lm.segments))
	copy(segments, lm.segments)
	lm.mu.Unlock()

	// Drop whole segments that end before fromLSN.
	start := 0
	for i := 0; i+1 < len(segments); i++ {
		if segments[i+1].firstLSN <= fromLSN {
			start = i + 1
		}
	}
	return &Reader{segments: segments[start:], fromLSN: fromLSN}, nil
}

// Reader iterates the log in LSN order. Next returns io.EOF at the end of
// the valid log; a torn record at the very tail also ends iteration.
type Reader struct {
	segments []segmentInfo
	idx      int
	file     *os.File
	br       *bufio.Reader
	expected LSN
	fromLSN  LSN
	done     bool
}

// Next returns the next record, skipping those before the requested start
// LSN. Frame checksums and LSN sequencing are validated as it goes.
func (r *Reader) Next() (*LogRecord, error) {
	if r.done {
		return nil, io.EOF
	}
	for {
		if r.br == nil {
			if r.idx >= len(r.segments) {
				r.done = true
				return nil, io.EOF
			}
			seg := r.segments[r.idx]
			f, err := os.Open(seg.path)
			if err != nil {
				return nil, fmt.Errorf("%w: open segment %s: %v", dberror.ErrLogFileError, seg.path, err)
			}
			r.file = f
			r.br = bufio.NewReaderSize(f, 256*1024)
		}

		rec, _, err := readFrame(r.br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.closeCurrent()
				r.idx++
				continue
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// A torn tail is only legitimate on the last segment; earlier
				// ones were sealed by a roll and must be whole.
				if r.idx == len(r.segments)-1 {
					r.closeCurrent()
					r.done = true
					return nil, io.EOF
				}
				path := r.segments[r.idx].path
				r.closeCurrent()
				return nil, fmt.Errorf("%w: truncated record inside sealed segment %s",
					dberror.ErrWALCorrupted, path)
			}
			r.closeCurrent()
			return nil, err
		}

		if r.expected != 0 && rec.LSN != r.expected {
			r.closeCurrent()
			return nil, fmt.Errorf("%w: record LSN %d, expected %d", dberror.ErrWALCorrupted, rec.LSN, r.expected)
		}
		r.expected = rec.LSN + 1

		if rec.LSN < r.fromLSN {
			continue
		}
		return rec, nil
	}
}

func (r *Reader) closeCurrent() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
		r.br = nil
	}
}

// Close releases the reader's file handle.
func (r *Reader) Close() error {
	r.closeCurrent()
	r.done = true
	return nil
}

// Truncate archives and removes sealed segments whose records all fall
// below beforeLSN. The open segment is never removed. Archiving uses a
// throttled copy so housekeeping stays out of the foreground's way.
func (lm *LogManager) Truncate(beforeLSN LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return fmt.Errorf("%w: log manager is closed", dberror.ErrLogFileError)
	}

	removable := 0
	for removable+1 < len(lm.segments) && lm.segments[removable+1].firstLSN <= beforeLSN {
		removable++
	}
	if removable == 0 {
		return nil
	}

	for _, seg := range lm.segments[:removable] {
		if lm.cfg.ArchiveDir != "" {
			dst := filepath.Join(lm.cfg.ArchiveDir, filepath.Base(seg.path))
			if err := common.CopyThrottled(context.Background(), seg.path, dst, lm.cfg.ArchiveRateLimit); err != nil {
				return fmt.Errorf("%w: archive segment %s: %v", dberror.ErrLogFileError, seg.path, err)
			}
		}
		if err := os.Remove(seg.path); err != nil {
			return fmt.Errorf("%w: remove segment %s: %v", dberror.ErrLogFileError, seg.path, err)
		}
		lm.logger.Info("Truncated log segment",
			zap.String("segment", seg.path),
			zap.Bool("archived", lm.cfg.ArchiveDir != ""))
	}
	lm.segments = append([]segmentInfo(nil), lm.segments[removable:]...)
	return nil
}

// Close stops the background flusher, makes the log durable and closes the
// current segment.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return nil
	}
	lm.closed = true
	lm.mu.Unlock()

	close(lm.stopCh)
	lm.flushWg.Wait()

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if err := lm.syncLocked(); err != nil {
		return err
	}
	if err := lm.file.Close(); err != nil {
		return fmt.Errorf("%w: close segment: %v", dberror.ErrLogFileError, err)
	}
	lm.logger.Info("Log manager stopped", zap.Uint64("flushed_lsn", uint64(lm.flushedLSN)))
	return nil
}
