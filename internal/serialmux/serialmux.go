// Package serialmux multiplexes the line output of a single GNSS receiver
// serial port to any number of subscribers and serialises commands written
// back to the receiver.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/gnss-integrity/internal/nmea"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// SubscriberBuffer is the per-subscriber channel capacity. Lines are dropped
// for a subscriber whose buffer is full.
const SubscriberBuffer = 16

var sendCommandTemplate = template.Must(template.New("send-command").Parse(`<!doctype html>
<html><head><title>GNSS receiver</title></head>
<body>
<form method="post" action="send-command-api">
  <input name="command" size="60" placeholder="PMTK220,1000" autofocus>
  <button type="submit">Send</button>
</form>
<p>Commands without a leading '$' are framed and checksummed before sending.</p>
<pre id="tail"></pre>
<script>
const out = document.getElementById("tail");
const es = new EventSource("tail");
es.onmessage = (e) => {
  out.textContent = (e.data + "\n" + out.textContent).slice(0, 20000);
};
</script>
</body></html>
`))

// SerialMux fans the lines read from one port out to every subscriber.
type SerialMux[T SerialPorter] struct {
	port         T
	initCommands []string
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// SerialMuxInterface is implemented by SerialMux and DisabledSerialMux.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving lines from the receiver.
	// The ID identifies the channel when unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe closes and removes a subscriber channel.
	Unsubscribe(string)
	// SendCommand writes one sentence to the receiver.
	SendCommand(string) error
	// Monitor reads lines until ctx is cancelled or the port fails.
	Monitor(context.Context) error
	// Close closes all subscriber channels and the port.
	Close() error
	// Initialize sends the configured receiver set-up sentences.
	Initialize() error
	// AttachAdminRoutes mounts the send-command and tail pages under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux wraps port. initCommands are sent by Initialize in order.
func NewSerialMux[T SerialPorter](port T, initCommands ...string) *SerialMux[T] {
	return &SerialMux[T]{
		port:         port,
		initCommands: initCommands,
		subscribers:  make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, SubscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialize sends each configured init command. Receivers differ too much
// for a fixed sequence, so an empty list is valid.
func (s *SerialMux[T]) Initialize() error {
	for _, command := range s.initCommands {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send init command %q: %w", command, err)
		}
	}
	return nil
}

// FrameCommand turns a bare sentence body such as "PMTK220,1000" into a
// checksummed "$...*hh" sentence. Input already starting with '$' is only
// trimmed.
func FrameCommand(command string) string {
	command = strings.TrimRight(command, "\r\n")
	if strings.HasPrefix(command, "$") {
		return command
	}
	return nmea.AppendChecksum(command)
}

// SendCommand frames command and writes it CRLF-terminated.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	line := FrameCommand(command) + "\r\n"
	n, err := s.port.Write([]byte(line))
	if err != nil {
		return err
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines from the port and forwards them to subscribers.
// Trailing CR is stripped so CRLF receivers yield clean lines.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan runs in its own goroutine so the outer loop can
	// observe cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- strings.TrimRight(scan.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
				}
				return nil
			}
			if line == "" {
				continue
			}
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				offer(ch, line)
			}
			s.subscriberMu.Unlock()
		}
	}
}

// offer queues line for a subscriber without blocking. A full buffer loses
// its oldest line so a slow reader always sees the freshest sentences.
func offer(ch chan string, line string) {
	for {
		select {
		case ch <- line:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, s)
}

func attachAdminRoutes(mux *http.ServeMux, s SerialMuxInterface) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "send a sentence to the GNSS receiver and tail its output", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to serial port", FrameCommand(command))
	})

	// Server-Sent Events stream of receiver lines.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
