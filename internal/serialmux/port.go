package serialmux

import (
	"fmt"
	"io"

	"go.bug.st/serial"

	"github.com/banshee-data/rover/internal/monitoring"
)

var logf = monitoring.Prefixed("serialmux")

// SerialPorter is the port a SerialMux reads lines from and writes commands
// to. TestableSerialPort stands in for hardware in tests.
type SerialPorter interface {
	io.ReadWriteCloser
}

// NewRealSerialMux opens the device at path with opts. The returned mux
// appends "\n" to commands until SetTerminator says otherwise.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("serialmux: open %s at %d baud: %w", path, mode.BaudRate, err)
	}
	logf("opened %s at %d baud", path, mode.BaudRate)
	return NewSerialMux[serial.Port](port), nil
}
