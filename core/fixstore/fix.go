// Package fixstore persists raw GPS fixes, sealed, in SQLite. It is the
// input of the index builder and is never rewritten once a fix is stored.
package fixstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// PlainSize is the unsealed payload of one fix.
const PlainSize = 32

var (
	ErrInvalidFix = errors.New("invalid fix")
	ErrOutOfOrder = errors.New("fix older than the last stored fix")
)

// Fix is one GPS sample. TimeMs is milliseconds since the Unix epoch.
type Fix struct {
	ID     int64
	Lon    float64
	Lat    float64
	Alt    float64
	TimeMs int64
}

// Seconds returns the fix time truncated to seconds.
func (f Fix) Seconds() int64 {
	return f.TimeMs / 1000
}

// Validate rejects coordinates outside the WGS84 ranges.
func (f Fix) Validate() error {
	switch {
	case math.IsNaN(f.Lon) || math.IsNaN(f.Lat):
		return fmt.Errorf("%w: NaN coordinate", ErrInvalidFix)
	case f.Lon < -180 || f.Lon > 180:
		return fmt.Errorf("%w: longitude %v", ErrInvalidFix, f.Lon)
	case f.Lat < -90 || f.Lat > 90:
		return fmt.Errorf("%w: latitude %v", ErrInvalidFix, f.Lat)
	case f.TimeMs < 0:
		return fmt.Errorf("%w: time %d", ErrInvalidFix, f.TimeMs)
	}
	return nil
}

func (f *Fix) marshal(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:], math.Float64bits(f.Lon))
	binary.BigEndian.PutUint64(buf[8:], math.Float64bits(f.Lat))
	binary.BigEndian.PutUint64(buf[16:], math.Float64bits(f.Alt))
	binary.BigEndian.PutUint64(buf[24:], uint64(f.TimeMs))
}

func (f *Fix) unmarshal(buf []byte) error {
	if len(buf) != PlainSize {
		return fmt.Errorf("%w: payload is %d bytes", ErrInvalidFix, len(buf))
	}
	f.Lon = math.Float64frombits(binary.BigEndian.Uint64(buf[0:]))
	f.Lat = math.Float64frombits(binary.BigEndian.Uint64(buf[8:]))
	f.Alt = math.Float64frombits(binary.BigEndian.Uint64(buf[16:]))
	f.TimeMs = int64(binary.BigEndian.Uint64(buf[24:]))
	return nil
}
