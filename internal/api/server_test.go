package api

import (
	"bytes"
	"context"
	"errors"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gnss-integrity/internal/config"
	"github.com/banshee-data/gnss-integrity/internal/db"
	"github.com/banshee-data/gnss-integrity/internal/nmea"
	"github.com/banshee-data/gnss-integrity/internal/state"
	"github.com/banshee-data/gnss-integrity/internal/testutil"
	"github.com/banshee-data/gnss-integrity/internal/version"
)

func floatPtr(v float64) *float64 { return &v }

// fakeHistory records the last query and returns canned results.
type fakeHistory struct {
	rows     []db.Acquisition
	stats    db.Stats
	sessions []db.Session
	err      error
	lastQ    db.HistoryQuery
}

func (f *fakeHistory) Acquisitions(_ context.Context, q db.HistoryQuery) ([]db.Acquisition, error) {
	f.lastQ = q
	return f.rows, f.err
}

func (f *fakeHistory) Stats(_ context.Context, sessionID string) (db.Stats, error) {
	f.lastQ.SessionID = sessionID
	return f.stats, f.err
}

func (f *fakeHistory) Sessions(context.Context) ([]db.Session, error) {
	return f.sessions, f.err
}

func setupTestServer(t *testing.T) (*Server, *state.Store, *db.DB) {
	t.Helper()
	dbInst, err := db.NewDB(cloneAPITestDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { dbInst.Close() })

	store := state.NewStore("test-session")
	return NewServer(store, dbInst, Options{Config: config.Default()}), store, dbInst
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(w, req)
	return w
}

func TestHPL_NeutralBeforeFirstCycle(t *testing.T) {
	s := NewServer(state.NewStore(""), &fakeHistory{}, Options{})

	w := serve(s, testutil.NewTestRequest(http.MethodGet, "/hpl"))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	body := testutil.DecodeJSON[map[string]any](t, w.Body)
	assert.Nil(t, body["hpl"])
	assert.Nil(t, body["updated"])
	assert.Equal(t, map[string]any{"lat": 0.0, "lon": 0.0}, body["position"])
	assert.Equal(t, false, body["has_fix"])
}

func TestHPL_ReportsLatestState(t *testing.T) {
	store := state.NewStore("s1")
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.Write(state.Update{Position: &nmea.Position{Latitude: 38.25, Longitude: 15.63}, At: t0})
	store.Write(state.Update{HPL: &state.HPL{Value: 21.6876, SkyView: make([]nmea.Satellite, 4)}, At: t0.Add(time.Second)})

	s := NewServer(store, &fakeHistory{}, Options{})
	w := serve(s, testutil.NewTestRequest(http.MethodGet, "/hpl"))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)

	got := testutil.DecodeJSON[hplResponse](t, w.Body)
	require.NotNil(t, got.HPL)
	assert.InDelta(t, 21.6876, *got.HPL, 1e-9)
	assert.Equal(t, nmea.Position{Latitude: 38.25, Longitude: 15.63}, got.Position)
	assert.True(t, got.HasFix)
	assert.Equal(t, 4, got.Satellites)
	assert.Equal(t, uint64(2), got.Cycle)
	require.NotNil(t, got.Updated)
	assert.True(t, got.Updated.Equal(t0.Add(time.Second)))
	assert.Equal(t, "s1", got.SessionID)
}

func TestHandlers_MethodNotAllowed(t *testing.T) {
	s := NewServer(state.NewStore(""), &fakeHistory{}, Options{})
	for _, path := range []string{"/hpl", "/historical", "/historical.png", "/stats", "/sessions", "/config", "/version"} {
		t.Run(path, func(t *testing.T) {
			w := serve(s, testutil.NewTestRequest(http.MethodPost, path))
			testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
			assert.Contains(t, w.Body.String(), "Method not allowed")
		})
	}
}

func TestHistorical_FromDatabase(t *testing.T) {
	s, _, dbInst := setupTestServer(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, dbInst.RecordSnapshot(ctx, state.Snapshot{SessionID: "a", Cycle: 1, At: t0}))
	require.NoError(t, dbInst.RecordSnapshot(ctx, state.Snapshot{
		SessionID: "a", Cycle: 2, At: t0.Add(time.Second),
		Position: nmea.Position{Latitude: 38.2, Longitude: 15.6}, PositionAt: t0.Add(time.Second),
		HPL: floatPtr(21.5), Satellites: 4,
	}))
	require.NoError(t, dbInst.RecordSnapshot(ctx, state.Snapshot{SessionID: "b", Cycle: 1, At: t0.Add(2 * time.Second)}))

	w := serve(s, testutil.NewTestRequest(http.MethodGet, "/historical?session=a"))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)

	rows := testutil.DecodeJSON[[]map[string]any](t, w.Body)
	require.Len(t, rows, 2)
	assert.Equal(t, 21.5, rows[0]["hpl"])
	assert.Equal(t, 38.2, rows[0]["lat"])
	assert.Equal(t, 15.6, rows[0]["lon"])
	assert.Equal(t, 4.0, rows[0]["satellites"])
	assert.Equal(t, t0.Add(time.Second).Format(time.RFC3339), rows[0]["timestamp"])
	assert.Nil(t, rows[1]["hpl"])

	w = serve(s, testutil.NewTestRequest(http.MethodGet, "/historical?limit=1"))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	rows = testutil.DecodeJSON[[]map[string]any](t, w.Body)
	require.Len(t, rows, 1)
	assert.Equal(t, "b", rows[0]["session_id"])
}

func TestHistorical_EmptyIsArray(t *testing.T) {
	s, _, _ := setupTestServer(t)

	w := serve(s, testutil.NewTestRequest(http.MethodGet, "/historical"))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))

	s = NewServer(state.NewStore(""), &fakeHistory{}, Options{})
	w = serve(s, testutil.NewTestRequest(http.MethodGet, "/historical"))
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestHistorical_StoreFailure(t *testing.T) {
	s := NewServer(state.NewStore(""), &fakeHistory{err: errors.New("disk I/O error")}, Options{})

	w := serve(s, testutil.NewTestRequest(http.MethodGet, "/historical"))
	testutil.AssertStatusCode(t, w.Code, http.StatusInternalServerError)
	assert.Equal(t, map[string]string{"error": "Failed to fetch historical data"},
		testutil.DecodeJSON[map[string]string](t, w.Body))
}

func TestHistorical_DefaultLimitCoversWholeHistory(t *testing.T) {
	hist := &fakeHistory{}
	s := NewServer(state.NewStore(""), hist, Options{Config: config.Default(), HistoryLimit: config.Default().HistoryLimit})

	w := serve(s, testutil.NewTestRequest(http.MethodGet, "/historical"))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, db.MaxHistoryLimit, hist.lastQ.Limit)
}

func TestHistorical_QueryParameters(t *testing.T) {
	hist := &fakeHistory{}
	s := NewServer(state.NewStore(""), hist, Options{HistoryLimit: 25})

	w := serve(s, testutil.NewTestRequest(http.MethodGet, "/historical?session=abc&since=2024-05-01T12:00:00Z&until=2024-05-02T00:00:00Z"))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, db.HistoryQuery{
		Limit:     25,
		Since:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Until:     time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
		SessionID: "abc",
	}, hist.lastQ)

	tests := []struct {
		query string
		want  string
	}{
		{"limit=0", "Invalid 'limit' parameter"},
		{"limit=ten", "Invalid 'limit' parameter"},
		{"since=yesterday", "Invalid 'since' parameter"},
		{"until=2024-13-01", "Invalid 'until' parameter"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := serve(s, testutil.NewTestRequest(http.MethodGet, "/historical?"+tt.query))
			testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
			assert.Equal(t, tt.want, testutil.DecodeJSON[map[string]string](t, w.Body)["error"])
		})
	}
}

func TestHistoricalPNG(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	hist := &fakeHistory{rows: []db.Acquisition{
		{Timestamp: t0.Add(2 * time.Second), HPL: floatPtr(22)},
		{Timestamp: t0.Add(time.Second)},
		{Timestamp: t0, HPL: floatPtr(21)},
	}}
	s := NewServer(state.NewStore(""), hist, Options{})

	for _, path := range []string{"/historical.png", "/historical.png?width=6&height=3"} {
		w := serve(s, testutil.NewTestRequest(http.MethodGet, path))
		testutil.AssertStatusCode(t, w.Code, http.StatusOK)
		assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
		assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")), "body is not a PNG")
	}

	w := serve(s, testutil.NewTestRequest(http.MethodGet, "/historical.png?width=0"))
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)

	hist.err = errors.New("locked")
	w = serve(s, testutil.NewTestRequest(http.MethodGet, "/historical.png"))
	testutil.AssertStatusCode(t, w.Code, http.StatusInternalServerError)
}

func TestHistoricalPNG_NoData(t *testing.T) {
	s := NewServer(state.NewStore(""), &fakeHistory{}, Options{})
	w := serve(s, testutil.NewTestRequest(http.MethodGet, "/historical.png"))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))
}

func TestStatsAndSessions(t *testing.T) {
	s, _, dbInst := setupTestServer(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, dbInst.RecordSession(ctx, db.Session{ID: "a", StartedAt: t0, Source: "replay", Version: "dev"}))
	require.NoError(t, dbInst.RecordSnapshot(ctx, state.Snapshot{SessionID: "a", Cycle: 1, At: t0, HPL: floatPtr(10)}))
	require.NoError(t, dbInst.RecordSnapshot(ctx, state.Snapshot{SessionID: "a", Cycle: 2, At: t0.Add(time.Second), HPL: floatPtr(30)}))

	w := serve(s, testutil.NewTestRequest(http.MethodGet, "/stats?session=a"))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	stats := testutil.DecodeJSON[db.Stats](t, w.Body)
	assert.Equal(t, int64(2), stats.Count)
	require.NotNil(t, stats.MeanHPL)
	assert.InDelta(t, 20.0, *stats.MeanHPL, 1e-9)

	w = serve(s, testutil.NewTestRequest(http.MethodGet, "/sessions"))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	sessions := testutil.DecodeJSON[[]db.Session](t, w.Body)
	require.Len(t, sessions, 1)
	assert.Equal(t, "replay", sessions[0].Source)
}

func TestStatsAndSessions_Errors(t *testing.T) {
	s := NewServer(state.NewStore(""), &fakeHistory{err: errors.New("closed")}, Options{})
	for _, path := range []string{"/stats", "/sessions"} {
		w := serve(s, testutil.NewTestRequest(http.MethodGet, path))
		testutil.AssertStatusCode(t, w.Code, http.StatusInternalServerError)
		assert.Contains(t, w.Body.String(), "closed")
	}

	s = NewServer(state.NewStore(""), &fakeHistory{}, Options{})
	w := serve(s, testutil.NewTestRequest(http.MethodGet, "/sessions"))
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestConfigAndVersion(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = ":9999"
	s := NewServer(state.NewStore(""), &fakeHistory{}, Options{Config: cfg})

	w := serve(s, testutil.NewTestRequest(http.MethodGet, "/config"))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, cfg, testutil.DecodeJSON[config.Config](t, w.Body))

	w = serve(s, testutil.NewTestRequest(http.MethodGet, "/version"))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, version.Get(), testutil.DecodeJSON[version.Info](t, w.Body))
}

func TestCORSMiddleware(t *testing.T) {
	h := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := testutil.NewTestRecorder()
	h.ServeHTTP(w, testutil.NewTestRequest(http.MethodOptions, "/hpl"))
	testutil.AssertStatusCode(t, w.Code, http.StatusNoContent)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = testutil.NewTestRecorder()
	h.ServeHTTP(w, testutil.NewTestRequest(http.MethodGet, "/hpl"))
	testutil.AssertStatusCode(t, w.Code, http.StatusTeapot)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	oldOut, oldFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(oldOut)
		log.SetFlags(oldFlags)
	}()

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.(http.Flusher).Flush()
	}))
	w := testutil.NewTestRecorder()
	h.ServeHTTP(w, testutil.NewTestRequest(http.MethodGet, "/historical?limit=5"))

	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
	assert.True(t, w.Flushed)
	assert.Contains(t, buf.String(), statusCodeColor(http.StatusNotFound))
	assert.Contains(t, buf.String(), "GET")
	assert.Contains(t, buf.String(), "/historical?limit=5")
}

func TestStatusCodeColor(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, colorBoldGreen + "200" + colorReset},
		{304, colorYellow + "304" + colorReset},
		{404, colorBoldRed + "404" + colorReset},
		{503, colorBoldRed + "503" + colorReset},
		{101, "101"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCodeColor(tt.code))
	}
}

func TestDebugRoutes(t *testing.T) {
	store := state.NewStore("")
	store.Write(state.Update{HPL: &state.HPL{Value: 21.7, SkyView: []nmea.Satellite{
		{Elevation: 10 * math.Pi / 180, Azimuth: 0},
		{Elevation: 45 * math.Pi / 180, Azimuth: math.Pi},
		{Elevation: 60 * math.Pi / 180, Azimuth: 1.5 * math.Pi},
		{Elevation: math.Pi / 2, Azimuth: 0},
	}}})
	hist := &fakeHistory{rows: []db.Acquisition{
		{Timestamp: time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC), HPL: floatPtr(21.7)},
		{Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), HPL: floatPtr(20.1)},
	}}
	s := NewServer(store, hist, Options{})
	mux := s.ServeMux()

	tests := []struct {
		path string
		want string
	}{
		{"/debug/skyplot", "Sky View"},
		{"/debug/hpl-chart", "Horizontal Protection Level"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := testutil.NewTestRecorder()
			mux.ServeHTTP(w, testutil.NewDebugRequest(http.MethodGet, tt.path))
			testutil.AssertStatusCode(t, w.Code, http.StatusOK)
			assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
			assert.Contains(t, w.Body.String(), tt.want)

			req := testutil.NewTestRequest(http.MethodGet, tt.path)
			req.RemoteAddr = "203.0.113.7:4000"
			w = testutil.NewTestRecorder()
			mux.ServeHTTP(w, req)
			testutil.AssertStatusCode(t, w.Code, http.StatusForbidden)
		})
	}
}

func TestSkyXY(t *testing.T) {
	tests := []struct {
		name         string
		sat          nmea.Satellite
		wantX, wantY float64
	}{
		{"zenith", nmea.Satellite{Elevation: math.Pi / 2}, 0, 0},
		{"north horizon", nmea.Satellite{}, 0, 90},
		{"east horizon", nmea.Satellite{Azimuth: math.Pi / 2}, 90, 0},
		{"south at 45", nmea.Satellite{Elevation: math.Pi / 4, Azimuth: math.Pi}, 0, -45},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y := skyXY(tt.sat)
			assert.InDelta(t, tt.wantX, x, 1e-9)
			assert.InDelta(t, tt.wantY, y, 1e-9)
		})
	}
}
