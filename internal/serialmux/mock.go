package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// MockSerialPort is a pipe-backed port whose writes are captured in memory.
type MockSerialPort struct {
	*io.PipeReader

	mu      sync.Mutex
	written bytes.Buffer
	done    chan struct{}
	once    sync.Once
}

func (m *MockSerialPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.Write(p)
}

// Written returns everything written to the port so far.
func (m *MockSerialPort) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.String()
}

func (m *MockSerialPort) Close() error {
	m.once.Do(func() { close(m.done) })
	return m.PipeReader.Close()
}

// NewMockSerialMux returns a mux fed by a simulated receiver that emits lines
// in a loop, one every interval, until the mux is closed.
func NewMockSerialMux(interval time.Duration, lines ...string) *SerialMux[*MockSerialPort] {
	r, w := io.Pipe()
	port := &MockSerialPort{PipeReader: r, done: make(chan struct{})}

	go func() {
		defer w.Close()
		if len(lines) == 0 {
			<-port.done
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; ; i = (i + 1) % len(lines) {
			select {
			case <-port.done:
				return
			case <-ticker.C:
			}
			if _, err := io.WriteString(w, lines[i]+"\r\n"); err != nil {
				return
			}
		}
	}()

	return NewSerialMux(port)
}

// TestableSerialPort implements SerialPorter with scripted reads, captured
// writes and injectable errors.
type TestableSerialPort struct {
	mu sync.Mutex

	ReadBuffer  *bytes.Buffer
	WriteBuffer *bytes.Buffer

	// ReadError and WriteError are returned once by the next call.
	ReadError  error
	WriteError error
	CloseError error

	// ShortWrite makes Write report one byte fewer than requested.
	ShortWrite bool

	Closed     bool
	ReadCalls  int
	WriteCalls int

	// BlockReads makes Read wait for data or Close instead of returning EOF.
	BlockReads bool

	readCond *sync.Cond
}

func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++
	if t.Closed {
		return 0, errPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.BlockReads {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, errPortClosed
		}
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++
	if t.Closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	if t.ShortWrite && len(p) > 0 {
		return t.WriteBuffer.Write(p[:len(p)-1])
	}
	return t.WriteBuffer.Write(p)
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// AddReadData queues data for subsequent reads.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// GetWrittenData returns a copy of everything written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return bytes.Clone(t.WriteBuffer.Bytes())
}

// MockSerialPortFactory records Open calls and returns a fixed port.
type MockSerialPortFactory struct {
	mu sync.Mutex

	Port      SerialPorter
	Error     error
	OpenCalls []MockOpenCall
}

type MockOpenCall struct {
	Path    string
	Options PortOptions
}

func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Options: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}
