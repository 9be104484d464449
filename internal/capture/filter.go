package capture

import (
	"fmt"
	"math"

	"github.com/banshee-data/lidarcam/internal/sensormsg"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultWindowDeg is the half-width of the forward-facing window.
const DefaultWindowDeg = 30.0

// angleEpsilonDeg absorbs float64 rounding when a sample sits on a bound.
const angleEpsilonDeg = 1e-9

// FilteredScan is the part of a scan that falls inside the forward window.
// AnglesDeg[i] is the bearing of Ranges[i].
type FilteredScan struct {
	Ranges    []float32
	AnglesDeg []float64
}

// Len returns the number of retained samples.
func (f FilteredScan) Len() int { return len(f.Ranges) }

// Empty reports whether no sample was retained.
func (f FilteredScan) Empty() bool { return len(f.Ranges) == 0 }

// Clone returns a deep copy.
func (f FilteredScan) Clone() FilteredScan {
	out := FilteredScan{}
	if f.Ranges != nil {
		out.Ranges = append([]float32(nil), f.Ranges...)
	}
	if f.AnglesDeg != nil {
		out.AnglesDeg = append([]float64(nil), f.AnglesDeg...)
	}
	return out
}

// FilterScan keeps the samples whose bearing lies in [-windowDeg, +windowDeg].
// The bearing of sample i is angle_min + i*angle_increment. The result is
// always a fresh slice, even when nothing is retained.
func FilterScan(scan *sensormsg.LaserScan, windowDeg float64) (FilteredScan, error) {
	if scan == nil {
		return FilteredScan{}, fmt.Errorf("%w: nil scan", ErrInvalidInput)
	}
	angleMin := float64(scan.AngleMin)
	increment := float64(scan.AngleIncrement)
	if math.IsNaN(angleMin) || math.IsInf(angleMin, 0) {
		return FilteredScan{}, fmt.Errorf("%w: angle_min is %v", ErrInvalidInput, angleMin)
	}
	if math.IsNaN(increment) || math.IsInf(increment, 0) {
		return FilteredScan{}, fmt.Errorf("%w: angle_increment is %v", ErrInvalidInput, increment)
	}

	lo, hi := -windowDeg-angleEpsilonDeg, windowDeg+angleEpsilonDeg
	out := FilteredScan{
		Ranges:    make([]float32, 0),
		AnglesDeg: make([]float64, 0),
	}
	for i, r := range scan.Ranges {
		deg := (angleMin + float64(i)*increment) * 180.0 / math.Pi
		if deg >= lo && deg <= hi {
			out.Ranges = append(out.Ranges, r)
			out.AnglesDeg = append(out.AnglesDeg, deg)
		}
	}
	return out, nil
}

// ScanSummary describes the finite samples of a filtered scan.
type ScanSummary struct {
	Count  int     `json:"count"`
	Finite int     `json:"finite"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
}

// Summary computes count, min, max and mean over the finite ranges.
// Min, Max and Mean are zero when no finite sample exists.
func (f FilteredScan) Summary() ScanSummary {
	s := ScanSummary{Count: len(f.Ranges)}
	finite := make([]float64, 0, len(f.Ranges))
	for _, r := range f.Ranges {
		v := float64(r)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		finite = append(finite, v)
	}
	s.Finite = len(finite)
	if s.Finite == 0 {
		return s
	}
	s.Min = floats.Min(finite)
	s.Max = floats.Max(finite)
	s.Mean = stat.Mean(finite, nil)
	return s
}
