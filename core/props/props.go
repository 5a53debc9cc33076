// Package props persists named int64 values as rows, so resume state commits
// in the same transaction as the index rows it describes.
package props

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/adalundhe/trackcache/core/rowcache"
)

const (
	NameSize  = 24
	PlainSize = NameSize + 8
)

// Well-known property names.
const (
	LastFixRead    = "last_fix_read"
	LastFixCached  = "last_fix_cached"
	FilterX        = "filter_x"
	FilterY        = "filter_y"
	FilterPrimed   = "filter_primed"
	FilterLastTime = "filter_last_time"
	PrevPointX     = "prev_point_x"
	PrevPointY     = "prev_point_y"
	PrevPointTime  = "prev_point_time"
	PrevPointValid = "prev_point_valid"
)

var ErrNameTooLong = errors.New("property name too long")

// Row is one stored property. A row with an empty name is unused.
type Row struct {
	id    int32
	Name  string
	Value int64
}

func (r *Row) ID() int32      { return r.id }
func (r *Row) SetID(id int32) { r.id = id }

// MarshalRow writes name[24] | value[8].
func (r *Row) MarshalRow(buf []byte) {
	copy(buf[:NameSize], r.Name)
	binary.BigEndian.PutUint64(buf[NameSize:PlainSize], uint64(r.Value))
}

func (r *Row) UnmarshalRow(buf []byte) error {
	if len(buf) < PlainSize {
		return fmt.Errorf("property row is %d bytes, want %d", len(buf), PlainSize)
	}
	name := buf[:NameSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	r.Name = string(name)
	r.Value = int64(binary.BigEndian.Uint64(buf[NameSize:PlainSize]))
	return nil
}

// Properties is a name-indexed view over a property row cache.
type Properties struct {
	rows *rowcache.RowCache[*Row]

	mu    sync.Mutex
	byKey map[string]int32
}

// Config returns the row cache configuration for property rows.
func Config(codec rowcache.Codec) rowcache.Config[*Row] {
	return rowcache.Config[*Row]{
		Name:      "props",
		PlainSize: PlainSize,
		New:       func() *Row { return &Row{} },
		Codec:     codec,
		Capacity:  256,
	}
}

// Load indexes every stored property.
func Load(rows *rowcache.RowCache[*Row]) (*Properties, error) {
	p := &Properties{rows: rows, byKey: make(map[string]int32)}
	n := rows.NextRowID()
	for id := int32(0); id < n; id++ {
		r, err := rows.GetRow(id)
		if err != nil {
			return nil, fmt.Errorf("load property %d: %w", id, err)
		}
		if r.Name != "" {
			p.byKey[r.Name] = id
		}
	}
	return p, nil
}

// Rows returns the backing row cache.
func (p *Properties) Rows() *rowcache.RowCache[*Row] { return p.rows }

// Get returns the value of name and whether it is set.
func (p *Properties) Get(name string) (int64, bool, error) {
	p.mu.Lock()
	id, ok := p.byKey[name]
	p.mu.Unlock()
	if !ok {
		return 0, false, nil
	}
	r, err := p.rows.GetRow(id)
	if err != nil {
		return 0, false, err
	}
	return r.Value, true, nil
}

// GetOr returns the value of name, or def when unset.
func (p *Properties) GetOr(name string, def int64) (int64, error) {
	v, ok, err := p.Get(name)
	if err != nil || !ok {
		return def, err
	}
	return v, nil
}

// Set stages a new value for name. It is written with the next flush of the
// row cache.
func (p *Properties) Set(name string, value int64) error {
	if len(name) > NameSize {
		return fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byKey[name]; ok {
		r, err := p.rows.GetRow(id)
		if err != nil {
			return err
		}
		if r.Value == value {
			return nil
		}
		r.Value = value
		return p.rows.MarkDirty(r)
	}

	r := p.rows.NewRow()
	r.Name = name
	r.Value = value
	p.byKey[name] = r.ID()
	return nil
}

// Reload rebuilds the name index after the row cache was reset.
func (p *Properties) Reload() error {
	fresh, err := Load(p.rows)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.byKey = fresh.byKey
	p.mu.Unlock()
	return nil
}
