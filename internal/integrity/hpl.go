package integrity

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SigmaPR is the pseudorange error standard deviation in metres.
const SigmaPR = 3.0

const (
	// MinSatellites is the smallest count supporting a 3D position plus clock.
	MinSatellites = 4
	// MaxSatellites is the largest count the threshold table covers.
	MaxSatellites = 24
)

// LambdaChi2 holds the chi-square derived thresholds for 4 through 23
// satellites. A 24-satellite geometry reuses the last entry; the table is
// not extended analytically.
var LambdaChi2 = [...]float64{
	20.9045661706659, 23.8175105579726, 25.9352361962499, 27.6828269529144,
	29.2060056524435, 30.5737444848352, 31.8258863478660, 32.9874815583810,
	34.0761648712568, 35.1032984450701, 36.0781336202314, 37.0094904073507,
	37.9011789748630, 38.7582736803920, 39.5842982183494, 40.3833547907658,
	41.1572167069017, 42.3133963316800, 43.8211959645175, 45.3157466181259,
}

var (
	// ErrInsufficientGeometry means no protection level can be produced for
	// the current sky view. Callers keep their previous value.
	ErrInsufficientGeometry = errors.New("insufficient satellite geometry")

	// ErrGeometryMismatch means the satellite count disagrees with the matrix.
	ErrGeometryMismatch = fmt.Errorf("%w: satellite count does not match geometry rows", ErrInsufficientGeometry)
)

// TableEntry returns the threshold used for n satellites.
func TableEntry(n int) (float64, error) {
	if n < MinSatellites || n > MaxSatellites {
		return 0, fmt.Errorf("%w: %d satellites outside [%d,%d]", ErrInsufficientGeometry, n, MinSatellites, MaxSatellites)
	}
	idx := n - MinSatellites
	if idx >= len(LambdaChi2) {
		idx = len(LambdaChi2) - 1
	}
	return LambdaChi2[idx], nil
}

// Slope is the Euclidean norm of the column-wise maximum of the geometry.
// It returns 0 for empty geometry.
func Slope(g *Geometry) float64 {
	if g.Rows() == 0 {
		return 0
	}
	maxRow := make([]float64, GeometryColumns)
	col := make([]float64, g.Rows())
	for j := range maxRow {
		mat.Col(col, j, g.h)
		maxRow[j] = floats.Max(col)
	}
	return floats.Norm(maxRow, 2)
}

// ComputeHPL returns the horizontal protection level in metres for the given
// geometry, or an error wrapping ErrInsufficientGeometry.
func ComputeHPL(g *Geometry, satelliteCount int) (float64, error) {
	lambda, err := TableEntry(satelliteCount)
	if err != nil {
		return 0, err
	}
	if g.Rows() != satelliteCount {
		return 0, fmt.Errorf("%w (count=%d rows=%d)", ErrGeometryMismatch, satelliteCount, g.Rows())
	}
	return Slope(g) * SigmaPR * math.Sqrt(lambda), nil
}
