package topicmux

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBadEnvelope is returned for lines that are not a topic envelope.
var ErrBadEnvelope = errors.New("invalid envelope")

// Envelope is the line format used by the serial and fixture transports:
// {"topic": "/scan", "data": {...}}.
type Envelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// ParseEnvelope decodes one line.
func ParseEnvelope(line []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Topic == "" {
		return Envelope{}, fmt.Errorf("%w: missing topic", ErrBadEnvelope)
	}
	if len(bytes.TrimSpace(env.Data)) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		return Envelope{}, fmt.Errorf("%w: missing data for %s", ErrBadEnvelope, env.Topic)
	}
	return env, nil
}

// EncodeEnvelope marshals msg under topic as a single line with a trailing
// newline.
func EncodeEnvelope(topic string, msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	line, err := json.Marshal(Envelope{Topic: topic, Data: data})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
