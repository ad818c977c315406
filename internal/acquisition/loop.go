// Package acquisition drives the integrity pipeline: one source line per
// cycle is parsed, folded into the latest state and handed to the
// persistence and publication collaborators. Sources that buffer between
// cycles hand over every buffered line; the newest position and the newest
// satellites-in-view line win.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/gnss-integrity/internal/integrity"
	"github.com/banshee-data/gnss-integrity/internal/monitoring"
	"github.com/banshee-data/gnss-integrity/internal/nmea"
	"github.com/banshee-data/gnss-integrity/internal/source"
	"github.com/banshee-data/gnss-integrity/internal/state"
	"github.com/banshee-data/gnss-integrity/internal/timeutil"
)

// DefaultInterval is the acquisition cadence.
const DefaultInterval = time.Second

// Recorder persists the state at the end of each cycle.
type Recorder interface {
	RecordSnapshot(ctx context.Context, snap state.Snapshot) error
}

// Publisher receives the state at the end of each cycle after the Recorder.
type Publisher interface {
	Publish(ctx context.Context, snap state.Snapshot) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, snap state.Snapshot) error

func (f RecorderFunc) RecordSnapshot(ctx context.Context, snap state.Snapshot) error {
	return f(ctx, snap)
}

// Options configure a Loop. Source and Store are required.
type Options struct {
	Source     source.Source
	Store      *state.Store
	Recorder   Recorder
	Publishers []Publisher
	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
	// Interval defaults to DefaultInterval.
	Interval time.Duration
	// ReadTimeout bounds a single source read. Zero waits until the source
	// yields or the loop is cancelled.
	ReadTimeout  time.Duration
	ParseOptions nmea.ParseOptions
}

// CycleResult describes what one Step did. Line and Type describe the last
// line consumed.
type CycleResult struct {
	Line      string
	Type      string
	Lines     int
	Restarted bool
	ReadErr   error

	PositionUpdated bool
	HPLUpdated      bool
	// HPLErr is set when a satellites-in-view line could not produce an HPL.
	HPLErr error

	Snapshot  state.Snapshot
	RecordErr error
}

// Loop is the acquisition state machine. It is not safe to call Step from
// more than one goroutine.
type Loop struct {
	opts Options
	logf func(format string, v ...interface{})
}

// New validates opts and returns a Loop.
func New(opts Options) (*Loop, error) {
	if opts.Source == nil {
		return nil, errors.New("acquisition: source is required")
	}
	if opts.Store == nil {
		return nil, errors.New("acquisition: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Loop{opts: opts, logf: monitoring.Prefixed("acquisition")}, nil
}

// Run executes cycles until ctx is cancelled, waiting one interval between
// them. It only returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.opts.Clock.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.Step(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// Step runs a single cycle without waiting.
func (l *Loop) Step(ctx context.Context) CycleResult {
	var res CycleResult

	var lines []string
	lines, res.Restarted, res.ReadErr = l.readLines(ctx)
	if res.ReadErr != nil && ctx.Err() == nil {
		l.logf("source read failed: %v", res.ReadErr)
	}
	res.Lines = len(lines)

	update := state.Update{At: l.opts.Clock.Now()}
	var sky *nmea.Fragments
	for _, line := range lines {
		frags := nmea.ParseWith(line, l.opts.ParseOptions)
		res.Line, res.Type = line, frags.Type
		if frags.Position != nil {
			update.Position = frags.Position
			res.PositionUpdated = true
		}
		if frags.SatellitesInView {
			sky = &frags
		}
	}
	if sky != nil {
		n := len(sky.Satellites)
		hpl, err := integrity.ComputeHPL(integrity.BuildGeometry(sky.Satellites), n)
		if err != nil {
			res.HPLErr = err
		} else {
			update.HPL = &state.HPL{Value: hpl, SkyView: sky.Satellites}
			res.HPLUpdated = true
		}
	}
	l.opts.Store.Write(update)
	res.Snapshot = l.opts.Store.Read()

	if l.opts.Recorder != nil {
		if err := l.opts.Recorder.RecordSnapshot(ctx, res.Snapshot); err != nil {
			res.RecordErr = err
			l.logf("record cycle %d: %v", res.Snapshot.Cycle, err)
		}
	}
	for _, p := range l.opts.Publishers {
		if err := p.Publish(ctx, res.Snapshot); err != nil {
			l.logf("publish cycle %d: %v", res.Snapshot.Cycle, err)
		}
	}
	return res
}

// readLines returns the next lines, restarting the source once on io.EOF.
// No lines with a nil error means the source had nothing even after
// restarting.
func (l *Loop) readLines(ctx context.Context) (lines []string, restarted bool, err error) {
	lines, err = l.next(ctx)
	if !errors.Is(err, io.EOF) {
		return lines, false, err
	}
	if err := l.opts.Source.Restart(); err != nil {
		return nil, true, fmt.Errorf("restart source: %w", err)
	}
	lines, err = l.next(ctx)
	if errors.Is(err, io.EOF) {
		return nil, true, nil
	}
	return lines, true, err
}

func (l *Loop) next(ctx context.Context) ([]string, error) {
	if l.opts.ReadTimeout <= 0 {
		return l.read(ctx)
	}
	rctx, cancel := context.WithTimeout(ctx, l.opts.ReadTimeout)
	defer cancel()
	lines, err := l.read(rctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// a quiet receiver is "no line this cycle", not a failure
		return nil, nil
	}
	return lines, err
}

func (l *Loop) read(ctx context.Context) ([]string, error) {
	if b, ok := l.opts.Source.(source.Batcher); ok {
		return b.NextBatch(ctx)
	}
	line, err := l.opts.Source.NextLine(ctx)
	if line == "" {
		return nil, err
	}
	return []string{line}, err
}
