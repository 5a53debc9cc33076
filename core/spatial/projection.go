package spatial

import "math"

const (
	// WorldWidth is the side of the square world plane in world units.
	WorldWidth int64 = 1 << 30

	// DefaultMaxDepth gives cells of roughly 40m at the equator.
	DefaultMaxDepth = 20

	// MaxSupportedDepth is the deepest level with cells of at least one unit.
	MaxSupportedDepth = 30

	earthCircumference = 40075016.686
	maxLatitude        = 85.05112878
)

// Point is one projected, timestamped position. Time is in seconds.
type Point struct {
	X    int32
	Y    int32
	Time int64
}

// Project maps WGS84 longitude and latitude onto the world plane using the
// web mercator projection. Y grows southwards.
func Project(lon, lat float64) (x, y int32) {
	fx, fy := ProjectFloat(lon, lat)
	return clampUnit(fx), clampUnit(fy)
}

// ProjectFloat is Project without rounding.
func ProjectFloat(lon, lat float64) (x, y float64) {
	lat = math.Max(-maxLatitude, math.Min(maxLatitude, lat))
	w := float64(WorldWidth)

	x = (lon + 180) / 360 * w
	sin := math.Sin(lat * math.Pi / 180)
	y = (0.5 - math.Log((1+sin)/(1-sin))/(4*math.Pi)) * w
	return x, y
}

// Unproject maps world coordinates back to longitude and latitude.
func Unproject(x, y float64) (lon, lat float64) {
	w := float64(WorldWidth)
	lon = x/w*360 - 180
	n := math.Pi - 2*math.Pi*y/w
	lat = 180 / math.Pi * math.Atan(math.Sinh(n))
	return lon, lat
}

// MetersToUnits converts a ground distance at the given world y to world
// units, accounting for mercator stretch.
func MetersToUnits(meters float64, y float64) float64 {
	_, lat := Unproject(0, y)
	scale := math.Cos(lat * math.Pi / 180)
	if scale < 1e-9 {
		scale = 1e-9
	}
	return meters / (earthCircumference * scale) * float64(WorldWidth)
}

// UnitsToMeters is the inverse of MetersToUnits.
func UnitsToMeters(units float64, y float64) float64 {
	_, lat := Unproject(0, y)
	return units / float64(WorldWidth) * earthCircumference * math.Cos(lat*math.Pi/180)
}

func clampUnit(v float64) int32 {
	if v < 0 {
		return 0
	}
	if v >= float64(WorldWidth) {
		return int32(WorldWidth - 1)
	}
	return int32(v)
}

// CellWidth returns the side of a cell at depth.
func CellWidth(depth int) int64 {
	return WorldWidth >> uint(depth)
}

// Rect is a half-open world rectangle [X1,X2) x [Y1,Y2).
type Rect struct {
	X1, Y1, X2, Y2 int64
}

// Empty reports whether r has no area.
func (r Rect) Empty() bool { return r.X1 >= r.X2 || r.Y1 >= r.Y2 }

// Contains reports whether the point lies in r.
func (r Rect) Contains(x, y int32) bool {
	return int64(x) >= r.X1 && int64(x) < r.X2 && int64(y) >= r.Y1 && int64(y) < r.Y2
}

// Encloses reports whether o lies entirely inside r.
func (r Rect) Encloses(o Rect) bool {
	return o.X1 >= r.X1 && o.X2 <= r.X2 && o.Y1 >= r.Y1 && o.Y2 <= r.Y2
}

// Intersects reports whether r and o share any area.
func (r Rect) Intersects(o Rect) bool {
	return r.X1 < o.X2 && o.X1 < r.X2 && r.Y1 < o.Y2 && o.Y1 < r.Y2
}

// Intersect returns the overlap of r and o, which may be empty.
func (r Rect) Intersect(o Rect) Rect {
	return Rect{
		X1: max(r.X1, o.X1),
		Y1: max(r.Y1, o.Y1),
		X2: min(r.X2, o.X2),
		Y2: min(r.Y2, o.Y2),
	}
}

// Align grows r outward to cell boundaries at depth and clips it to the
// world.
func (r Rect) Align(depth int) Rect {
	w := CellWidth(depth)
	a := Rect{
		X1: floorTo(r.X1, w),
		Y1: floorTo(r.Y1, w),
		X2: ceilTo(r.X2, w),
		Y2: ceilTo(r.Y2, w),
	}
	return a.Intersect(World())
}

// World returns the whole world plane.
func World() Rect { return Rect{0, 0, WorldWidth, WorldWidth} }

func floorTo(v, w int64) int64 {
	if v < 0 {
		return -((-v + w - 1) / w) * w
	}
	return v / w * w
}

func ceilTo(v, w int64) int64 {
	return -floorTo(-v, w)
}
