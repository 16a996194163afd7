package analyze

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/runningwild/qpbench/pkg/engine"
)

// Point is the throughput of one matrix cell.
type Point struct {
	Cell  engine.Cell
	MiBps float64
}

// Curve is throughput against worker count for cells that agree on every
// other parameter.
type Curve struct {
	Key    string
	Points []Point // Ordered by Cell.Concurrency
}

// CurveKey names the curve a cell belongs to.
func CurveKey(c engine.Cell) string {
	op := "read"
	if c.Write {
		op = "write"
	}
	return fmt.Sprintf("%s/%s bs=%d qd=%d", c.Pattern, op, c.IOSize, c.QueueDepth)
}

// Curves splits points into saturation curves, sorted by key.
func Curves(points []Point) []Curve {
	byKey := make(map[string][]Point)
	for _, p := range points {
		k := CurveKey(p.Cell)
		byKey[k] = append(byKey[k], p)
	}
	curves := make([]Curve, 0, len(byKey))
	for k, pts := range byKey {
		slices.SortStableFunc(pts, func(a, b Point) int {
			return cmp.Compare(a.Cell.Concurrency, b.Cell.Concurrency)
		})
		curves = append(curves, Curve{Key: k, Points: pts})
	}
	slices.SortFunc(curves, func(a, b Curve) int { return cmp.Compare(a.Key, b.Key) })
	return curves
}

// Knee is the worker count past which more workers stop paying off: with
// both axes scaled to [0, 1], the point farthest above the chord joining the
// first and last samples (Kneedle). Curves shorter than three points, or with
// no spread in either axis, saturate at their last point.
func (c Curve) Knee() Point {
	n := len(c.Points)
	if n == 0 {
		return Point{}
	}
	last := c.Points[n-1]
	if n < 3 {
		return last
	}

	x0, x1 := float64(c.Points[0].Cell.Concurrency), float64(last.Cell.Concurrency)
	lo, hi := c.Points[0].MiBps, c.Points[0].MiBps
	for _, p := range c.Points[1:] {
		lo, hi = min(lo, p.MiBps), max(hi, p.MiBps)
	}
	if x1 == x0 || hi == lo {
		return last
	}

	knee, lift := c.Points[0], -1.0
	for _, p := range c.Points {
		x := (float64(p.Cell.Concurrency) - x0) / (x1 - x0)
		y := (p.MiBps - lo) / (hi - lo)
		if y-x > lift {
			knee, lift = p, y-x
		}
	}
	return knee
}
