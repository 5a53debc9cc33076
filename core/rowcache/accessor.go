package rowcache

import "context"

// Accessor is the backing store contract consumed by RowCache. Payloads are
// already sealed and exactly RecordSize bytes long.
type Accessor interface {
	NextRowID() int32
	InsertRow(id int32, data []byte) error
	UpdateRow(id int32, data []byte) error
	GetRow(id int32, out []byte) (bool, error)
}

// StagedAccessor is an Accessor whose updates must be announced before the
// new bytes may be written, as with a roll-back journal.
type StagedAccessor interface {
	Accessor
	PrepareUpdate(id int32) error
}

// Store is the transaction scope that a set of accessors share.
type Store interface {
	Begin(ctx context.Context) error
	SoftCommit(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback() error
}
