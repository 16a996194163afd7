package analyze

import (
	"testing"

	"github.com/runningwild/qpbench/pkg/engine"
	"github.com/runningwild/qpbench/pkg/workload"
)

func curve(mibps ...float64) Curve {
	c := Curve{}
	for i, y := range mibps {
		c.Points = append(c.Points, Point{Cell: engine.Cell{Concurrency: i + 1}, MiBps: y})
	}
	return c
}

func TestKnee(t *testing.T) {
	tests := []struct {
		name    string
		curve   Curve
		workers int
	}{
		{"saturation", curve(10, 20, 28, 30, 31), 3},
		// Every point sits on the chord; the first one wins.
		{"linear", curve(10, 20, 30, 40), 1},
		{"plateau", curve(100, 100, 100), 3},
		{"step", curve(0, 0, 100, 100), 3},
		{"two points", curve(5, 1), 2},
		{"empty", Curve{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.curve.Knee(); got.Cell.Concurrency != tt.workers {
				t.Errorf("Knee() = %+v, want %d workers", got, tt.workers)
			}
		})
	}
}

func TestCurves(t *testing.T) {
	seq := engine.Cell{Pattern: workload.Sequential, IOSize: 4096, QueueDepth: 8, Write: true}
	rnd := engine.Cell{Pattern: workload.Random, IOSize: 4096, QueueDepth: 8}
	at := func(c engine.Cell, workers int, mibps float64) Point {
		c.Concurrency = workers
		return Point{Cell: c, MiBps: mibps}
	}
	points := []Point{
		at(seq, 4, 30), at(rnd, 1, 5), at(seq, 1, 10), at(seq, 2, 20), at(rnd, 2, 9), at(seq, 3, 28),
	}

	curves := Curves(points)
	if len(curves) != 2 {
		t.Fatalf("got %d curves, want 2", len(curves))
	}
	if curves[0].Key != "random/read bs=4096 qd=8" || curves[1].Key != "sequential/write bs=4096 qd=8" {
		t.Errorf("keys = %q, %q", curves[0].Key, curves[1].Key)
	}
	for _, c := range curves {
		for i := 1; i < len(c.Points); i++ {
			if c.Points[i-1].Cell.Concurrency >= c.Points[i].Cell.Concurrency {
				t.Errorf("%s not ordered by workers: %+v", c.Key, c.Points)
			}
		}
	}
	if k := curves[1].Knee(); k.Cell.Concurrency != 3 || k.MiBps != 28 {
		t.Errorf("sequential knee = %+v", k)
	}
	if points[0].Cell.Concurrency != 4 {
		t.Errorf("input was reordered")
	}
}
