package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MaxLineLength bounds a single sentence including its line ending. NMEA
// caps sentences at 82 bytes; the extra room tolerates proprietary messages.
// Longer lines are skipped.
const MaxLineLength = 4096

// Replay reads a capture file line by line and rewinds on Restart.
type Replay struct {
	fsys fs.FS
	name string

	mu       sync.Mutex
	file     fs.File
	reader   *bufio.Reader
	closed   bool
	restarts int
	skipped  int
}

// OpenReplay opens the capture at path on the local filesystem.
func OpenReplay(path string) (*Replay, error) {
	dir, name := filepath.Split(filepath.Clean(path))
	if dir == "" {
		dir = "."
	}
	return OpenReplayFS(os.DirFS(dir), name)
}

// OpenReplayFS opens name within fsys.
func OpenReplayFS(fsys fs.FS, name string) (*Replay, error) {
	r := &Replay{fsys: fsys, name: name}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Replay) open() error {
	f, err := r.fsys.Open(r.name)
	if err != nil {
		return fmt.Errorf("open replay %s: %w", r.name, err)
	}
	r.file = f
	r.reader = bufio.NewReaderSize(r.file, MaxLineLength)
	return nil
}

// NextLine returns the next non-blank line with surrounding whitespace
// removed, or io.EOF at end of file.
func (r *Replay) NextLine(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", ErrClosed
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		raw, err := r.reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			r.skipped++
			if err := r.discardLine(); err != nil {
				return "", r.readErr(err)
			}
			continue
		}
		if line := strings.TrimSpace(string(raw)); line != "" {
			return line, nil
		}
		if err != nil {
			return "", r.readErr(err)
		}
	}
}

// discardLine consumes the rest of an oversized line. It returns nil once the
// line ending has been read.
func (r *Replay) discardLine() error {
	for {
		_, err := r.reader.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

func (r *Replay) readErr(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return fmt.Errorf("read replay %s: %w", r.name, err)
}

// Restart seeks back to the start of the file, reopening it when the
// underlying file cannot seek.
func (r *Replay) Restart() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	r.restarts++
	if s, ok := r.file.(io.Seeker); ok {
		if _, err := s.Seek(0, io.SeekStart); err == nil {
			r.reader.Reset(r.file)
			return nil
		}
	}
	r.file.Close()
	return r.open()
}

// Skipped reports how many lines longer than MaxLineLength were dropped.
func (r *Replay) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

// Restarts reports how many times the replay has wrapped.
func (r *Replay) Restarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts
}

func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}
