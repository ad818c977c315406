package serialmux

import "io"

// SerialPorter is the minimal port surface the mux needs.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortFactory opens ports by device path.
type SerialPortFactory interface {
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// SerialPortOpener adapts a function to SerialPortFactory.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)

func (f SerialPortOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	return f(path, opts)
}
