package capture

import (
	"errors"
	"fmt"

	"github.com/banshee-data/lidarcam/internal/sensormsg"
)

// Router registers payload handlers by topic.
type Router interface {
	Handle(topic string, h func(payload []byte) error)
}

// Attach registers the node's payload handlers on r.
func (n *Node) Attach(r Router, imageTopic, scanTopic string) {
	r.Handle(imageTopic, n.HandleImagePayload)
	r.Handle(scanTopic, n.HandleScanPayload)
}

// HandleScanPayload decodes a JSON LaserScan and passes it to OnScan.
func (n *Node) HandleScanPayload(payload []byte) error {
	scan, err := sensormsg.ParseLaserScan(payload)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidInput, err)
		n.fail(err)
		return err
	}
	return n.OnScan(scan)
}

// HandleImagePayload decodes a JSON Image and passes it to OnImage.
func (n *Node) HandleImagePayload(payload []byte) error {
	msg, err := sensormsg.ParseImage(payload)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDecode, err)
		n.fail(err)
		return err
	}
	return n.OnImage(msg)
}

// Kind returns a short label for the error kind of err, for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	}
	return "other"
}
