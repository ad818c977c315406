// Package api serves the latest protection level and the recorded history
// over HTTP.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/gnss-integrity/internal/config"
	"github.com/banshee-data/gnss-integrity/internal/db"
	"github.com/banshee-data/gnss-integrity/internal/nmea"
	"github.com/banshee-data/gnss-integrity/internal/state"
	"github.com/banshee-data/gnss-integrity/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// HistoryStore is the read side of the persistence layer. *db.DB satisfies it.
type HistoryStore interface {
	Acquisitions(ctx context.Context, q db.HistoryQuery) ([]db.Acquisition, error)
	Stats(ctx context.Context, sessionID string) (db.Stats, error)
	Sessions(ctx context.Context) ([]db.Session, error)
}

// Options configures a Server. The zero value serves /hpl and /historical
// with the default history limit and no websocket stream.
type Options struct {
	Config       config.Config
	HistoryLimit int
	Hub          *LiveHub
}

type Server struct {
	store        *state.Store
	history      HistoryStore
	config       config.Config
	historyLimit int
	hub          *LiveHub
}

func NewServer(store *state.Store, history HistoryStore, opts Options) *Server {
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = db.DefaultHistoryLimit
	}
	return &Server{
		store:        store,
		history:      history,
		config:       opts.Config,
		historyLimit: limit,
		hub:          opts.Hub,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack passes through to the underlying writer so /ws can upgrade behind
// the middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400 && statusCode < 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// CORSMiddleware allows any origin to read the API. Preflight requests are
// answered directly.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/hpl", s.showHPL)
	mux.HandleFunc("/historical", s.listHistorical)
	mux.HandleFunc("/historical.png", s.plotHistorical)
	mux.HandleFunc("/stats", s.showStats)
	mux.HandleFunc("/sessions", s.listSessions)
	mux.HandleFunc("/config", s.showConfig)
	mux.HandleFunc("/version", s.showVersion)
	if s.hub != nil {
		mux.Handle("/ws", s.hub)
	}
	s.attachDebugRoutes(mux)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type hplResponse struct {
	HPL        *float64      `json:"hpl"`
	Position   nmea.Position `json:"position"`
	HasFix     bool          `json:"has_fix"`
	Satellites int           `json:"satellites"`
	Cycle      uint64        `json:"cycle"`
	Updated    *time.Time    `json:"updated"`
	SessionID  string        `json:"session_id,omitempty"`
}

func (s *Server) showHPL(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.store.Read()
	resp := hplResponse{
		HPL:        snap.HPL,
		Position:   snap.Position,
		HasFix:     snap.HasFix(),
		Satellites: snap.Satellites,
		Cycle:      snap.Cycle,
		SessionID:  snap.SessionID,
	}
	if !snap.At.IsZero() {
		at := snap.At
		resp.Updated = &at
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write HPL")
		return
	}
}

// historyQuery reads limit, since, until and session from the query string.
func (s *Server) historyQuery(r *http.Request) (db.HistoryQuery, error) {
	q := db.HistoryQuery{Limit: s.historyLimit, SessionID: r.URL.Query().Get("session")}

	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 1 {
			return q, errors.New("Invalid 'limit' parameter")
		}
		q.Limit = limit
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, errors.New("Invalid 'since' parameter")
		}
		q.Since = t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, errors.New("Invalid 'until' parameter")
		}
		q.Until = t
	}
	return q, nil
}

func (s *Server) listHistorical(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	q, err := s.historyQuery(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.history.Acquisitions(r.Context(), q)
	if err != nil {
		log.Printf("Error fetching historical data: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to fetch historical data")
		return
	}
	if rows == nil {
		rows = []db.Acquisition{}
	}

	if err := json.NewEncoder(w).Encode(rows); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write historical data")
		return
	}
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stats, err := s.history.Stats(r.Context(), r.URL.Query().Get("session"))
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve stats: %v", err))
		return
	}

	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write stats")
		return
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessions, err := s.history.Sessions(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}

	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write sessions")
		return
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := json.NewEncoder(w).Encode(s.config); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write config")
		return
	}
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := json.NewEncoder(w).Encode(version.Get()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write version")
		return
	}
}
