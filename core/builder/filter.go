package builder

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/adalundhe/trackcache/core/spatial"
)

// filter is a distance-weighted low-pass filter over projected positions.
// Small moves relative to the jitter radius are pulled strongly towards the
// running average; large moves pass almost unchanged.
type filter struct {
	radius   float64
	resetGap int64

	avg      r2.Vec
	primed   bool
	lastTime int64
}

func newFilter(radiusMeters float64, resetGap int64) *filter {
	return &filter{radius: radiusMeters, resetGap: resetGap}
}

// apply filters the projected position raw taken at t and returns it.
func (f *filter) apply(raw r2.Vec, t int64) r2.Vec {
	if !f.primed || (f.resetGap > 0 && t-f.lastTime > f.resetGap) {
		f.avg, f.primed, f.lastTime = raw, true, t
		return raw
	}
	f.lastTime = t

	r := spatial.MetersToUnits(f.radius, raw.Y)
	d := r2.Norm(r2.Sub(raw, f.avg))
	if r <= 0 {
		f.avg = raw
		return raw
	}
	w := r / (d + r)
	filtered := r2.Add(raw, r2.Scale(w, r2.Sub(f.avg, raw)))
	f.avg = filtered
	return filtered
}

// toPoint rounds a filtered position onto the world grid.
func toPoint(v r2.Vec, t int64) spatial.Point {
	return spatial.Point{X: clampUnit(v.X), Y: clampUnit(v.Y), Time: t}
}

func clampUnit(v float64) int32 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > float64(spatial.WorldWidth-1) {
		return int32(spatial.WorldWidth - 1)
	}
	return int32(v)
}

// state is the filter as stored in properties.
func (f *filter) state() (x, y, primed, last int64) {
	if f.primed {
		primed = 1
	}
	return int64(math.Float64bits(f.avg.X)), int64(math.Float64bits(f.avg.Y)), primed, f.lastTime
}

func (f *filter) restore(x, y, primed, last int64) {
	f.avg = r2.Vec{X: math.Float64frombits(uint64(x)), Y: math.Float64frombits(uint64(y))}
	f.primed = primed == 1
	f.lastTime = last
}
