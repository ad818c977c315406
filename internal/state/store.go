// Package state holds the most recent position fix and protection level for
// concurrent readers. The acquisition loop is the only writer.
package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/gnss-integrity/internal/nmea"
)

// Snapshot is an immutable view of the latest state. Position and HPL are
// updated independently and may come from different cycles.
type Snapshot struct {
	SessionID string        `json:"session_id,omitempty"`
	Cycle     uint64        `json:"cycle"`
	At        time.Time     `json:"at"`
	Position  nmea.Position `json:"position"`
	// PositionAt is zero until the first fix has been decoded.
	PositionAt time.Time `json:"position_at"`
	// HPL is nil until the first protection level has been computed.
	HPL        *float64         `json:"hpl"`
	HPLAt      time.Time        `json:"hpl_at"`
	Satellites int              `json:"satellites"`
	SkyView    []nmea.Satellite `json:"sky_view,omitempty"`
}

// HasFix reports whether a position has ever been decoded.
func (s Snapshot) HasFix() bool { return !s.PositionAt.IsZero() }

// HPL is a computed protection level together with the sky view behind it.
type HPL struct {
	Value   float64
	SkyView []nmea.Satellite
}

// Update carries the fields produced by one acquisition cycle. Nil fields
// leave the corresponding part of the state untouched.
type Update struct {
	Position *nmea.Position
	HPL      *HPL
	At       time.Time
}

// Store publishes snapshots by atomic pointer swap so Read never waits for a
// writer.
type Store struct {
	writeMu sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewStore returns a store holding the neutral snapshot: {0,0} and no HPL.
func NewStore(sessionID string) *Store {
	s := &Store{}
	s.current.Store(&Snapshot{SessionID: sessionID})
	return s
}

// Read returns the latest snapshot.
func (s *Store) Read() Snapshot {
	return *s.current.Load()
}

// Write applies u on top of the current snapshot, advances the cycle counter
// and returns the snapshot now visible to readers.
func (s *Store) Write(u Update) Snapshot {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := *s.current.Load()
	next.Cycle++
	next.At = u.At
	if u.Position != nil {
		next.Position = *u.Position
		next.PositionAt = u.At
	}
	if u.HPL != nil {
		v := u.HPL.Value
		next.HPL = &v
		next.HPLAt = u.At
		next.Satellites = len(u.HPL.SkyView)
		next.SkyView = append([]nmea.Satellite(nil), u.HPL.SkyView...)
	}
	s.current.Store(&next)
	return next
}
