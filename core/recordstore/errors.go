package recordstore

import "errors"

// Storage invariant violations. Every error wrapping ErrCorrupt means the
// table must be discarded and rebuilt.
var (
	ErrCorrupt            = errors.New("table corrupt")
	ErrRecordSizeMismatch = errors.New("record size mismatch")
	ErrVersionMismatch    = errors.New("unsupported table version")
	ErrRecoveryCancelled  = errors.New("journal recovery cancelled")
	ErrTableClosed        = errors.New("table is closed")
)

// Sequencing violations. These indicate a caller bug and are never retried.
var (
	ErrTransactionOpen     = errors.New("transaction already open")
	ErrNoTransaction       = errors.New("no transaction open")
	ErrNonSequentialInsert = errors.New("non-sequential insert")
	ErrNotSoftSaved        = errors.New("row was not durably soft-saved")
	ErrRecordLength        = errors.New("record length does not match table record size")
	ErrCommitStage         = errors.New("commit stage out of order")
)
