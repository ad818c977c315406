package nmea

import (
	"errors"
	"fmt"
	"strings"

	gonmea "github.com/adrianmo/go-nmea"
)

var (
	// ErrNoChecksum means the sentence has no "*hh" suffix.
	ErrNoChecksum = errors.New("nmea: missing checksum")
	// ErrChecksumMismatch means the "*hh" suffix disagrees with the body.
	ErrChecksumMismatch = errors.New("nmea: checksum mismatch")
)

// VerifyChecksum checks the "*hh" suffix of line against the XOR of its body.
func VerifyChecksum(line string) error {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return fmt.Errorf("nmea: missing '$' in %q", line)
	}
	star := strings.LastIndexByte(line, '*')
	if star < 0 || len(line)-star-1 < 2 {
		return ErrNoChecksum
	}
	want := strings.ToUpper(line[star+1 : star+3])
	got := gonmea.Checksum(line[1:star])
	if got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, want)
	}
	return nil
}

// AppendChecksum frames body (without '$') as a complete sentence.
func AppendChecksum(body string) string {
	return "$" + body + "*" + gonmea.Checksum(body)
}
