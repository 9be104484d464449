package topicmux

import (
	"errors"
	"testing"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"topic": "/scan", "data": {"angle_min": 0}}`))
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if env.Topic != "/scan" || string(env.Data) != `{"angle_min": 0}` {
		t.Errorf("unexpected envelope: %+v", env)
	}

	for _, line := range []string{
		`not json`,
		`{"data": {}}`,
		`{"topic": "/scan"}`,
		`{"topic": "/scan", "data": null}`,
	} {
		if _, err := ParseEnvelope([]byte(line)); !errors.Is(err, ErrBadEnvelope) {
			t.Errorf("ParseEnvelope(%s) = %v, want ErrBadEnvelope", line, err)
		}
	}
}

func TestEncodeEnvelope(t *testing.T) {
	line, err := EncodeEnvelope("/scan", map[string]float64{"angle_min": -0.5})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(line), `{"topic":"/scan","data":{"angle_min":-0.5}}`+"\n"; got != want {
		t.Errorf("EncodeEnvelope = %q, want %q", got, want)
	}

	env, err := ParseEnvelope(line[:len(line)-1])
	if err != nil || env.Topic != "/scan" {
		t.Errorf("round trip failed: %+v, %v", env, err)
	}
}
