package source

import (
	"context"
	"io"
	"sync"

	"github.com/banshee-data/gnss-integrity/internal/serialmux"
)

// Live reads sentences from a receiver through a serial mux subscription.
type Live struct {
	mux serialmux.SerialMuxInterface
	id  string
	ch  chan string

	once sync.Once
}

// NewLive subscribes to mux. The caller runs mux.Monitor.
func NewLive(mux serialmux.SerialMuxInterface) *Live {
	id, ch := mux.Subscribe()
	return &Live{mux: mux, id: id, ch: ch}
}

// NextLine blocks until the receiver produces a line or ctx is done. A
// closed subscription reads as io.EOF.
func (l *Live) NextLine(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case line, ok := <-l.ch:
			if !ok {
				return "", io.EOF
			}
			if line != "" {
				return line, nil
			}
		}
	}
}

// NextBatch waits for one line and then drains whatever the subscription has
// buffered, so a reader polling slower than the receiver talks stays current.
// A subscription closed mid-drain reports io.EOF on the next call.
func (l *Live) NextBatch(ctx context.Context) ([]string, error) {
	line, err := l.NextLine(ctx)
	if err != nil {
		return nil, err
	}
	lines := []string{line}
	for len(lines) <= cap(l.ch) {
		select {
		case next, ok := <-l.ch:
			if !ok {
				return lines, nil
			}
			if next != "" {
				lines = append(lines, next)
			}
		default:
			return lines, nil
		}
	}
	return lines, nil
}

// Restart is a no-op: a live stream cannot be rewound.
func (l *Live) Restart() error { return nil }

// Close drops the subscription. The mux itself stays open.
func (l *Live) Close() error {
	l.once.Do(func() { l.mux.Unsubscribe(l.id) })
	return nil
}
