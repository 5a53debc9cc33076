package cmd

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/adalundhe/trackcache/core/spatial"
)

// parseBBox reads "minLon,minLat,maxLon,maxLat" into a world rectangle. An
// empty string selects the whole world.
func parseBBox(s string) (spatial.Rect, error) {
	if s == "" {
		return spatial.World(), nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return spatial.Rect{}, fmt.Errorf("bbox %q: want minLon,minLat,maxLon,maxLat", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return spatial.Rect{}, fmt.Errorf("bbox %q: %w", s, err)
		}
		v[i] = f
	}
	if v[0] >= v[2] || v[1] >= v[3] {
		return spatial.Rect{}, fmt.Errorf("bbox %q: min must be below max", s)
	}

	// Y grows southwards, so the northern edge is the smaller y.
	x1, y1 := spatial.ProjectFloat(v[0], v[3])
	x2, y2 := spatial.ProjectFloat(v[2], v[1])
	r := spatial.Rect{
		X1: int64(math.Floor(x1)),
		Y1: int64(math.Floor(y1)),
		X2: int64(math.Ceil(x2)),
		Y2: int64(math.Ceil(y2)),
	}
	return r.Intersect(spatial.World()), nil
}

// parseTime reads RFC 3339 or Unix seconds. An empty string yields def.
func parseTime(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("time %q: want RFC 3339 or Unix seconds", s)
	}
	return t.Unix(), nil
}

// parseWindow reads a --from/--to pair into a half-open window.
func parseWindow(from, to string) (int64, int64, error) {
	start, err := parseTime(from, 0)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseTime(to, math.MaxInt64)
	if err != nil {
		return 0, 0, err
	}
	if end <= start {
		return 0, 0, fmt.Errorf("empty window [%d, %d)", start, end)
	}
	return start, end, nil
}

// formatTime renders Unix seconds for humans.
func formatTime(sec int64) string {
	if sec == math.MaxInt64 {
		return "end"
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

// center returns the longitude and latitude of a rectangle's center.
func center(r spatial.Rect) (float64, float64) {
	return spatial.Unproject(float64(r.X1+r.X2)/2, float64(r.Y1+r.Y2)/2)
}
