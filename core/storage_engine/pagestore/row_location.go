package pagestore

import (
	"encoding/binary"
	"fmt"

	"github.com/granitedb/granite/core/storage_engine/dberror"
)

// RowLocation is the physical address of a row: the heap page holding it
// and the slot within that page. Index entries reference locations; the
// table that wrote the row owns them.
type RowLocation struct {
	PageID PageID
	Slot   uint16
}

// RowLocationSize is the encoded size of a RowLocation.
const RowLocationSize = 10

func (l RowLocation) String() string {
	return fmt.Sprintf("(%d,%d)", uint64(l.PageID), l.Slot)
}

// EncodeRowLocation appends the fixed 10-byte encoding to dst.
func EncodeRowLocation(dst []byte, l RowLocation) []byte {
	var buf [RowLocationSize]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(l.PageID))
	binary.LittleEndian.PutUint16(buf[8:], l.Slot)
	return append(dst, buf[:]...)
}

// DecodeRowLocation parses one location from the front of data.
func DecodeRowLocation(data []byte) (RowLocation, error) {
	if len(data) < RowLocationSize {
		return RowLocation{}, fmt.Errorf("%w: row location needs %d bytes, have %d",
			dberror.ErrDeserialization, RowLocationSize, len(data))
	}
	return RowLocation{
		PageID: PageID(binary.LittleEndian.Uint64(data[0:])),
		Slot:   binary.LittleEndian.Uint16(data[8:]),
	}, nil
}
