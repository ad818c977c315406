// Package integrity builds the satellite geometry matrix and derives the
// Horizontal Protection Level from it.
package integrity

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/gnss-integrity/internal/nmea"
)

// GeometryColumns is the width of a geometry row: three line-of-sight
// components and the receiver clock column.
const GeometryColumns = 4

// Geometry is the N×4 linearised observation matrix, one row per satellite:
//
//	[-cos(el)cos(az), -cos(el)sin(az), sin(el), 1]
//
// A zero-value or empty Geometry has no backing matrix.
type Geometry struct {
	h *mat.Dense
}

// BuildGeometry assembles one row per satellite in the order supplied.
func BuildGeometry(sats []nmea.Satellite) *Geometry {
	if len(sats) == 0 {
		return &Geometry{}
	}
	data := make([]float64, 0, len(sats)*GeometryColumns)
	for _, s := range sats {
		cosEl := math.Cos(s.Elevation)
		data = append(data,
			-cosEl*math.Cos(s.Azimuth),
			-cosEl*math.Sin(s.Azimuth),
			math.Sin(s.Elevation),
			1,
		)
	}
	return &Geometry{h: mat.NewDense(len(sats), GeometryColumns, data)}
}

// Rows returns the number of satellites in the geometry.
func (g *Geometry) Rows() int {
	if g == nil || g.h == nil {
		return 0
	}
	r, _ := g.h.Dims()
	return r
}

// Row returns a copy of row i.
func (g *Geometry) Row(i int) []float64 {
	return mat.Row(nil, i, g.h)
}

// Matrix exposes the backing matrix read-only. It is nil for empty geometry.
func (g *Geometry) Matrix() mat.Matrix {
	if g == nil || g.h == nil {
		return nil
	}
	return g.h
}
