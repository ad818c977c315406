// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// Checksummed receiver output shared by the pipeline tests. GSV4 carries
// enough satellites for a protection level, GSV3 does not.
const (
	GGASentence  = "$GPGGA,123519,4042.824,N,07410.936,W,1,08,0.9,545.4,M,46.9,M,,*55"
	GSV4Sentence = "$GPGSV,1,1,04,01,10,000,40,02,20,090,41,03,45,180,42,04,60,270,43*78"
	GSV3Sentence = "$GPGSV,1,1,03,01,10,000,40,02,20,090,41,03,45,180,42*4F"
)

// GSV4HPL is the protection level derived from GSV4Sentence.
const GSV4HPL = 21.6876

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewDebugRequest creates a request from loopback so tsweb debug routes
// accept it.
func NewDebugRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// DecodeJSON decodes r into a T, failing the test on error.
func DecodeJSON[T any](t *testing.T, r io.Reader) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return v
}
