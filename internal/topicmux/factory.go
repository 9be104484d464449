package topicmux

import (
	"fmt"
	"os"

	"go.bug.st/serial"
)

// OpenSerial opens the serial port at path and returns a LineSource
// publishing its envelopes into pub.
func OpenSerial(path string, opts PortOptions, pub Publisher) (*LineSource[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return NewLineSource(port, pub), nil
}

// OpenFixture returns a LineSource replaying the envelope lines in the file
// at path.
func OpenFixture(path string, pub Publisher) (*LineSource[*os.File], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixture %s: %w", path, err)
	}
	return NewLineSource(f, pub), nil
}
