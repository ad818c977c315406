// Package source provides the line sources the acquisition loop reads from:
// a replayed capture file or a live receiver.
package source

import (
	"context"
	"errors"
)

// Source yields raw sentences one at a time.
type Source interface {
	// NextLine returns the next non-empty line. It returns io.EOF when the
	// stream is exhausted.
	NextLine(ctx context.Context) (string, error)
	// Restart rewinds the stream to its beginning where that is meaningful.
	Restart() error
	Close() error
}

// Batcher is implemented by sources that buffer lines between reads.
type Batcher interface {
	// NextBatch blocks like NextLine for the first line, then also returns
	// every line already buffered behind it, oldest first.
	NextBatch(ctx context.Context) ([]string, error)
}

// ErrClosed is returned by operations on a closed source.
var ErrClosed = errors.New("source: closed")
