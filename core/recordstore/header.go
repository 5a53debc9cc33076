package recordstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the fixed size of the table header.
	HeaderSize = 64

	// Version is the only table format version this package reads.
	Version = 1

	journalEntryIDSize = 4
)

var (
	tableMagic   = []byte("timmy!")
	journalMagic = []byte("TIMMY!")
)

// header describes the binary layout of the table metadata.
//
// Binary layout (64 bytes, big-endian):
//
//	Offset  Size  Field
//	0       6     magic       "timmy!"
//	6       1     version
//	7       4     nextRowID   (int32) - committed row count
//	11      4     recordSize  (int32)
//	15      1     corrupt     (0 or 1)
//	16      48    reserved
type header struct {
	NextRowID  int32
	RecordSize int32
	Corrupt    bool
}

func (h *header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	copy(buf[0:6], tableMagic)
	buf[6] = Version
	binary.BigEndian.PutUint32(buf[7:11], uint32(h.NextRowID))
	binary.BigEndian.PutUint32(buf[11:15], uint32(h.RecordSize))
	if h.Corrupt {
		buf[15] = 1
	}
	return buf, nil
}

func (h *header) UnmarshalBinary(data []byte) error {
	if len(data) != HeaderSize {
		return fmt.Errorf("%w: header is %d bytes", ErrCorrupt, len(data))
	}
	if !bytes.Equal(data[0:6], tableMagic) {
		return fmt.Errorf("%w: bad table magic", ErrCorrupt)
	}
	if data[6] != Version {
		return fmt.Errorf("%w: version %d", ErrVersionMismatch, data[6])
	}
	h.NextRowID = int32(binary.BigEndian.Uint32(data[7:11]))
	h.RecordSize = int32(binary.BigEndian.Uint32(data[11:15]))
	h.Corrupt = data[15] != 0
	if h.NextRowID < 0 || h.RecordSize <= 0 {
		return fmt.Errorf("%w: header fields out of range", ErrCorrupt)
	}
	return nil
}

// Info is a read-only snapshot of a table's header, used by fsck tooling.
type Info struct {
	Path       string
	NextRowID  int32
	RecordSize int
	Corrupt    bool
	InTx       bool
}
