package pagestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/granitedb/granite/core/storage_engine/dberror"
)

// DiskManager performs raw page I/O against the single backing file. It is
// the only component that touches the file; everything above it works in
// whole pages. Checksums are stamped on write and verified on read.
type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewDiskManager opens the backing file, creating it when absent. The second
// return value reports whether the file was newly created and still needs
// formatting.
func NewDiskManager(filePath string, pageSize int, logger *zap.Logger) (*DiskManager, bool, error) {
	if pageSize <= PageHeaderSize {
		return nil, false, fmt.Errorf("page size %d too small, must exceed header size %d", pageSize, PageHeaderSize)
	}
	_, statErr := os.Stat(filePath)
	created := os.IsNotExist(statErr)

	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("%w: open %s: %v", dberror.ErrIO, filePath, err)
	}

	dm := &DiskManager{
		filePath: filePath,
		file:     file,
		pageSize: pageSize,
		logger:   logger.Named("disk"),
	}
	dm.logger.Info("Opened database file",
		zap.String("path", filePath),
		zap.Int("page_size", pageSize),
		zap.Bool("created", created),
	)
	return dm, created, nil
}

// GetPageSize returns the fixed page size of the backing file.
func (dm *DiskManager) GetPageSize() int { return dm.pageSize }

// ReadPage reads the page into buf, which must be exactly one page long. The
// stored checksum is verified; a mismatch means on-disk corruption. An
// all-zero image is accepted: it is a freshly extended page that has never
// been written back.
func (dm *DiskManager) ReadPage(pageID PageID, buf []byte) error {
	if len(buf) != dm.pageSize {
		return fmt.Errorf("%w: read buffer is %d bytes, want %d", dberror.ErrDeserialization, len(buf), dm.pageSize)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()

	offset := int64(pageID) * int64(dm.pageSize)
	n, err := dm.file.ReadAt(buf, offset)
	if err != nil && n != dm.pageSize {
		return fmt.Errorf("%w: read page %d at offset %d: %v", dberror.ErrIO, pageID, offset, err)
	}
	if !VerifyChecksum(buf) && !IsZeroPage(buf) {
		dm.logger.Error("Checksum mismatch on page read", zap.Uint64("page_id", uint64(pageID)))
		return fmt.Errorf("%w: page %d", dberror.ErrChecksumMismatch, pageID)
	}
	return nil
}

// ReadPageUnchecked reads the raw page image without checksum verification.
// A page beyond the current end of file comes back all zeroes. Recovery uses
// this: a torn or missing page is about to be overwritten by a logged image,
// so its current content only matters for the LSN comparison.
func (dm *DiskManager) ReadPageUnchecked(pageID PageID, buf []byte) error {
	if len(buf) != dm.pageSize {
		return fmt.Errorf("%w: read buffer is %d bytes, want %d", dberror.ErrDeserialization, len(buf), dm.pageSize)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()

	offset := int64(pageID) * int64(dm.pageSize)
	n, err := dm.file.ReadAt(buf, offset)
	if err != nil {
		if errors.Is(err, io.EOF) {
			for i := n; i < len(buf); i++ {
				buf[i] = 0
			}
			return nil
		}
		return fmt.Errorf("%w: read page %d at offset %d: %v", dberror.ErrIO, pageID, offset, err)
	}
	return nil
}

// WritePage stamps the checksum into the image and writes it at the page's
// offset. Writing past the current end of file extends it.
func (dm *DiskManager) WritePage(pageID PageID, data []byte) error {
	if len(data) != dm.pageSize {
		return fmt.Errorf("%w: page image is %d bytes, want %d", dberror.ErrSerialization, len(data), dm.pageSize)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()

	StampChecksum(data)
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: write page %d at offset %d: %v", dberror.ErrIO, pageID, offset, err)
	}
	return nil
}

// NumFilePages reports how many whole pages the backing file currently holds.
func (dm *DiskManager) NumFilePages() (uint64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	info, err := dm.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", dberror.ErrIO, dm.filePath, err)
	}
	return uint64(info.Size()) / uint64(dm.pageSize), nil
}

// Sync forces all written pages to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", dberror.ErrIO, dm.filePath, err)
	}
	return nil
}

// Close syncs and closes the backing file.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.file.Close()
		dm.file = nil
		return fmt.Errorf("%w: sync on close: %v", dberror.ErrIO, err)
	}
	if err := dm.file.Close(); err != nil {
		dm.file = nil
		return fmt.Errorf("%w: close: %v", dberror.ErrIO, err)
	}
	dm.file = nil
	dm.logger.Info("Closed database file", zap.String("path", dm.filePath))
	return nil
}
