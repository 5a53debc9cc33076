// Package recordstore implements fixed-record-length table files with
// crash-safe transactions.
//
// Two journal strategies are provided. RollForwardTable records new row
// images in a sidecar journal that is replayed into the table on commit.
// RollBackTable records undo images before rows are overwritten in place,
// which lets large batched writes be staged with a single journal fsync per
// soft commit. Database groups tables in one directory and commits them
// atomically behind a marker file.
//
// Table file format:
//
//	[Header: 64B][Row0: recordSize][Row1: recordSize]...
//
// Outside of a transaction the file length is always
// HeaderSize + recordSize*NextRowID.
package recordstore
