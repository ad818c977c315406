package nmea

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eps = 1e-9

func TestParse_GGAPosition(t *testing.T) {
	line := "$GPGGA,123519,4042.824,N,07410.936,W,1,08,0.9,545.4,M,46.9,M,,*55"
	f := Parse(line)

	require.NotNil(t, f.Position)
	assert.Equal(t, TypeGGA, f.Type)
	assert.InDelta(t, 40+42.824/60, f.Position.Latitude, eps)
	assert.InDelta(t, -(74 + 10.936/60), f.Position.Longitude, eps)
	assert.Empty(t, f.Satellites)
	assert.False(t, f.SatellitesInView)
}

func TestParse_HemisphereSigns(t *testing.T) {
	tests := []struct {
		name    string
		latHemi string
		lonHemi string
		latSign float64
		lonSign float64
	}{
		{"north east", "N", "E", 1, 1},
		{"south east", "S", "E", -1, 1},
		{"north west", "N", "W", 1, -1},
		{"south west", "S", "W", -1, -1},
		{"lower case", "s", "w", -1, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := "$GPGGA,000000,3815.000," + tt.latHemi + ",01530.000," + tt.lonHemi + ",1,05,1.0,0,M,0,M,,"
			f := Parse(line)
			require.NotNil(t, f.Position)
			assert.InDelta(t, tt.latSign*(38+15.0/60), f.Position.Latitude, eps)
			assert.InDelta(t, tt.lonSign*(15+30.0/60), f.Position.Longitude, eps)
		})
	}
}

func TestParse_RMCAndGLLOffsets(t *testing.T) {
	rmc := Parse("$GPRMC,081836,A,3751.65,S,14507.36,E,000.0,360.0,130998,011.3,E*62")
	require.NotNil(t, rmc.Position)
	assert.Equal(t, TypeRMC, rmc.Type)
	assert.InDelta(t, -(37 + 51.65/60), rmc.Position.Latitude, eps)
	assert.InDelta(t, 145+7.36/60, rmc.Position.Longitude, eps)

	gll := Parse("$GNGLL,3815.123,N,01538.456,E,101010.00,A,A*7B")
	require.NotNil(t, gll.Position)
	assert.Equal(t, TypeGLL, gll.Type)
	assert.InDelta(t, 38+15.123/60, gll.Position.Latitude, eps)
}

func TestParse_MalformedPositionYieldsNothing(t *testing.T) {
	lines := []string{
		"$GPGGA,123519,,N,07410.936,W,1,08,0.9,545.4,M,46.9,M,,",
		"$GPGGA,123519,abc,N,07410.936,W,1,08,0.9,545.4,M,46.9,M,,",
		"$GPGGA,123519,4042.824,X,07410.936,W,1,08",
		"$GPGGA,123519,4042.824,N,07410.936",
		"$GPGGA",
		"GPGGA,123519,4042.824,N,07410.936,W",
		"",
		"garbage",
	}
	for _, line := range lines {
		f := Parse(line)
		assert.Nil(t, f.Position, "line %q", line)
		assert.True(t, f.Empty(), "line %q", line)
	}
}

func TestParse_GSVSatellites(t *testing.T) {
	line := "$GPGSV,1,1,04,01,10,000,40,02,20,090,41,03,45,180,42,04,60,270,43*78"
	f := Parse(line)

	assert.Equal(t, TypeGSV, f.Type)
	assert.True(t, f.SatellitesInView)
	require.Len(t, f.Satellites, 4)

	wantEl := []float64{10, 20, 45, 60}
	wantAz := []float64{0, 90, 180, 270}
	for i, s := range f.Satellites {
		assert.InDelta(t, wantEl[i]*math.Pi/180, s.Elevation, eps)
		assert.InDelta(t, wantAz[i]*math.Pi/180, s.Azimuth, eps)
		assert.InDelta(t, wantEl[i], s.ElevationDeg(), 1e-6)
		assert.InDelta(t, wantAz[i], s.AzimuthDeg(), 1e-6)
	}
}

func TestParse_GSVDropsMalformedGroups(t *testing.T) {
	// second group has no elevation, third has a non-numeric azimuth
	line := "$GPGSV,3,1,11,03,03,111,00,04,,,00,06,01,x10,00,13,06,292,00*74"
	f := Parse(line)

	require.Len(t, f.Satellites, 2)
	assert.InDelta(t, 3*math.Pi/180, f.Satellites[0].Elevation, eps)
	assert.InDelta(t, 292*math.Pi/180, f.Satellites[1].Azimuth, eps)
}

func TestParse_GSVTruncatedGroupIgnored(t *testing.T) {
	// 4 header fields + 1 full group + 2 dangling fields
	f := Parse("$GLGSV,1,1,02,65,30,120,35,66,40")
	require.Len(t, f.Satellites, 1)
	assert.True(t, f.SatellitesInView)
}

func TestParse_GSVNoGroups(t *testing.T) {
	f := Parse("$GPGSV,1,1,00*79")
	assert.True(t, f.SatellitesInView)
	assert.Empty(t, f.Satellites)
	assert.True(t, f.Empty())
}

func TestParse_UnrecognisedType(t *testing.T) {
	f := Parse("$GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1*39")
	assert.Equal(t, "", f.Type)
	assert.True(t, f.Empty())
}

func TestSentenceType(t *testing.T) {
	assert.Equal(t, TypeGSV, SentenceType("$GNGSV,1,1,00"))
	assert.Equal(t, TypeRMC, SentenceType("  $GPRMC,1,A*00 "))
	assert.Equal(t, "", SentenceType("$GPVTG,,T,,M"))
	assert.Equal(t, "", SentenceType("hello"))
}

func TestVerifyChecksum(t *testing.T) {
	good := AppendChecksum("GPGSV,1,1,04,01,10,000,40,02,20,090,41,03,45,180,42,04,60,270,43")
	require.NoError(t, VerifyChecksum(good))

	bad := good[:len(good)-2] + "00"
	if good[len(good)-2:] == "00" {
		bad = good[:len(good)-2] + "FF"
	}
	err := VerifyChecksum(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))

	assert.ErrorIs(t, VerifyChecksum("$GPGSV,1,1,00"), ErrNoChecksum)
	assert.Error(t, VerifyChecksum("GPGSV*00"))
}

func TestParseWith_VerifyChecksum(t *testing.T) {
	good := AppendChecksum("GPGGA,123519,4042.824,N,07410.936,W,1,08,0.9,545.4,M,46.9,M,,")
	f := ParseWith(good, ParseOptions{VerifyChecksum: true})
	require.NotNil(t, f.Position)

	corrupt := "$GPGGA,123519,4042.824,N,07410.936,W,1,08,0.9,545.4,M,46.9,M,,*00"
	if VerifyChecksum(corrupt) == nil {
		t.Skip("fixture checksum happens to match")
	}
	f = ParseWith(corrupt, ParseOptions{VerifyChecksum: true})
	assert.True(t, f.Empty())

	// without verification the same line still decodes
	f = Parse(corrupt)
	assert.NotNil(t, f.Position)
}
