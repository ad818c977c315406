// Package nmea turns single NMEA 0183 receiver lines into the position and
// satellite fragments used by the integrity pipeline.
//
// Parsing is best-effort: a malformed field removes only the fragment it
// belongs to, and a line that cannot be understood yields no fragments at
// all. Nothing in this package returns a parse error to the caller.
package nmea

import (
	"math"
	"strconv"
	"strings"
)

// Sentence types understood by Parse. The talker prefix (GP, GN, GL, ...) is
// stripped before classification.
const (
	TypeGGA = "GGA"
	TypeRMC = "RMC"
	TypeGLL = "GLL"
	TypeGSV = "GSV"
)

// gsvHeaderFields is the number of fields ahead of the first satellite group:
// the type tag, total messages, message number and satellites in view.
const gsvHeaderFields = 4

// gsvGroupFields is the width of one satellite group (PRN, elevation, azimuth, SNR).
const gsvGroupFields = 4

// Position is a decoded fix in decimal degrees, south and west negative.
type Position struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Satellite is one line-of-sight observation in radians.
type Satellite struct {
	Elevation float64 `json:"elevation"`
	Azimuth   float64 `json:"azimuth"`
}

// ElevationDeg returns the elevation in degrees.
func (s Satellite) ElevationDeg() float64 { return s.Elevation * 180 / math.Pi }

// AzimuthDeg returns the azimuth in degrees.
func (s Satellite) AzimuthDeg() float64 { return s.Azimuth * 180 / math.Pi }

// Fragments holds whatever one line contributed. A nil Position means the
// line carried no usable fix. SatellitesInView is set for every GSV line, even
// when all of its groups were dropped.
type Fragments struct {
	Type             string
	Position         *Position
	Satellites       []Satellite
	SatellitesInView bool
}

// Empty reports whether the line contributed nothing.
func (f Fragments) Empty() bool {
	return f.Position == nil && len(f.Satellites) == 0
}

// ParseOptions controls optional strictness.
type ParseOptions struct {
	// VerifyChecksum drops lines whose "*hh" checksum is missing or wrong.
	VerifyChecksum bool
}

// Parse extracts fragments from one line using the default options.
func Parse(line string) Fragments {
	return ParseWith(line, ParseOptions{})
}

// ParseWith extracts fragments from one line.
func ParseWith(line string, opts ParseOptions) Fragments {
	line = strings.TrimSpace(line)
	if opts.VerifyChecksum {
		if err := VerifyChecksum(line); err != nil {
			return Fragments{}
		}
	}

	fields, ok := splitFields(line)
	if !ok {
		return Fragments{}
	}

	out := Fragments{Type: classify(fields[0])}
	switch out.Type {
	case TypeGGA:
		out.Position = positionAt(fields, 2)
	case TypeRMC:
		out.Position = positionAt(fields, 3)
	case TypeGLL:
		out.Position = positionAt(fields, 1)
	case TypeGSV:
		out.SatellitesInView = true
		out.Satellites = satellitesInView(fields)
	}
	return out
}

// SentenceType returns the three letter sentence type of line ("GGA",
// "GSV", ...) or "" when the line is not an NMEA sentence.
func SentenceType(line string) string {
	fields, ok := splitFields(strings.TrimSpace(line))
	if !ok {
		return ""
	}
	return classify(fields[0])
}

// splitFields strips the leading '$' and trailing checksum and splits on ','.
func splitFields(line string) ([]string, bool) {
	if !strings.HasPrefix(line, "$") {
		return nil, false
	}
	body := line[1:]
	if star := strings.LastIndexByte(body, '*'); star >= 0 {
		body = body[:star]
	}
	fields := strings.Split(body, ",")
	if len(fields[0]) < 3 {
		return nil, false
	}
	return fields, true
}

func classify(tag string) string {
	if len(tag) < 3 {
		return ""
	}
	t := strings.ToUpper(tag[len(tag)-3:])
	switch t {
	case TypeGGA, TypeRMC, TypeGLL, TypeGSV:
		return t
	}
	return ""
}

// positionAt decodes latitude/hemisphere/longitude/hemisphere starting at idx.
func positionAt(fields []string, idx int) *Position {
	if idx+3 >= len(fields) {
		return nil
	}
	lat, ok := decodeCoordinate(fields[idx], fields[idx+1], "N", "S")
	if !ok {
		return nil
	}
	lon, ok := decodeCoordinate(fields[idx+2], fields[idx+3], "E", "W")
	if !ok {
		return nil
	}
	return &Position{Latitude: lat, Longitude: lon}
}

// decodeCoordinate converts a dddmm.mmmm field into signed decimal degrees.
func decodeCoordinate(field, hemi, pos, neg string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	degrees := math.Floor(v / 100)
	minutes := v - degrees*100
	value := degrees + minutes/60

	switch strings.ToUpper(strings.TrimSpace(hemi)) {
	case pos:
		return value, true
	case neg:
		return -value, true
	default:
		return 0, false
	}
}

// satellitesInView reads the repeating elevation/azimuth groups of a GSV
// sentence. The group count comes from the field count, not from the
// "satellites in view" header, so truncated lines degrade to fewer groups.
func satellitesInView(fields []string) []Satellite {
	groups := (len(fields) - gsvHeaderFields) / gsvGroupFields
	if groups <= 0 {
		return nil
	}
	sats := make([]Satellite, 0, groups)
	for i := 0; i < groups; i++ {
		base := gsvHeaderFields + gsvGroupFields*i
		el, ok := parseDegrees(fields[base+1])
		if !ok {
			continue
		}
		az, ok := parseDegrees(fields[base+2])
		if !ok {
			continue
		}
		sats = append(sats, Satellite{Elevation: el, Azimuth: az})
	}
	if len(sats) == 0 {
		return nil
	}
	return sats
}

func parseDegrees(field string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v * math.Pi / 180, true
}
