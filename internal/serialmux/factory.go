package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// RealSerialPortFactory opens hardware ports through go.bug.st/serial.
type RealSerialPortFactory struct{}

func NewRealSerialPortFactory() *RealSerialPortFactory { return &RealSerialPortFactory{} }

func (RealSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}

// OpenSerialMux opens path through factory and wraps it in a SerialMux. Reads
// block without a timeout; Close unblocks them.
func OpenSerialMux(factory SerialPortFactory, path string, opts PortOptions, initCommands ...string) (*SerialMux[SerialPorter], error) {
	port, err := factory.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port, initCommands...), nil
}

// NewRealSerialMux opens the receiver at path with the given options.
func NewRealSerialMux(path string, opts PortOptions, initCommands ...string) (*SerialMux[SerialPorter], error) {
	return OpenSerialMux(RealSerialPortFactory{}, path, opts, initCommands...)
}
