package capture

import "errors"

// Error kinds returned by the node's handlers. Callers test for them with
// errors.Is; the wrapped message carries the detail.
var (
	// ErrDecode means an image payload could not be turned into pixels.
	ErrDecode = errors.New("decode failed")
	// ErrIO means an image or log write failed.
	ErrIO = errors.New("write failed")
	// ErrInvalidInput means a scan lacked usable angle metadata.
	ErrInvalidInput = errors.New("invalid input")
)
