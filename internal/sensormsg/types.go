// Package sensormsg defines the camera and laser-scan messages the capture
// node consumes, in the field layout of sensor_msgs/Image and
// sensor_msgs/LaserScan, along with their JSON wire decoding.
package sensormsg

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Message type names as published by ROS 2.
const (
	MsgTypeImage     = "sensor_msgs/msg/Image"
	MsgTypeLaserScan = "sensor_msgs/msg/LaserScan"
)

var (
	// ErrMissingField is returned when a payload lacks a field the node needs.
	ErrMissingField = errors.New("missing required field")
	// ErrUnsupportedEncoding is returned for image encodings that cannot be
	// converted to 3-channel colour.
	ErrUnsupportedEncoding = errors.New("unsupported image encoding")
	// ErrMalformedImage is returned when image dimensions and data disagree.
	ErrMalformedImage = errors.New("malformed image")
)

// Time is a message timestamp. It accepts both the ROS 2 (sec/nanosec) and
// ROS 1 (secs/nsecs) JSON spellings.
type Time struct {
	Sec     int32  `json:"sec"`
	Nanosec uint32 `json:"nanosec"`
}

// UnmarshalJSON decodes either timestamp spelling.
func (t *Time) UnmarshalJSON(data []byte) error {
	var aux struct {
		Sec     *int32  `json:"sec"`
		Nanosec *uint32 `json:"nanosec"`
		Secs    *int32  `json:"secs"`
		Nsecs   *uint32 `json:"nsecs"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	switch {
	case aux.Sec != nil:
		t.Sec = *aux.Sec
	case aux.Secs != nil:
		t.Sec = *aux.Secs
	}
	switch {
	case aux.Nanosec != nil:
		t.Nanosec = *aux.Nanosec
	case aux.Nsecs != nil:
		t.Nanosec = *aux.Nsecs
	}
	return nil
}

// Time converts the stamp to a time.Time. A zero stamp yields the zero time.
func (t Time) Time() time.Time {
	if t.Sec == 0 && t.Nanosec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(t.Sec), int64(t.Nanosec))
}

// Header is std_msgs/Header.
type Header struct {
	Stamp   Time   `json:"stamp"`
	FrameID string `json:"frame_id"`
}

// Ranges is a sequence of range samples in metres. Non-finite samples are
// common in scans (no return, out of range), so the JSON form writes them as
// the strings "inf", "-inf" and "nan" and reads null as +inf.
type Ranges []float32

// MarshalJSON writes finite samples as numbers and the rest as strings.
func (r Ranges) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range r {
		if i > 0 {
			b.WriteByte(',')
		}
		f := float64(v)
		switch {
		case math.IsNaN(f):
			b.WriteString(`"nan"`)
		case math.IsInf(f, 1):
			b.WriteString(`"inf"`)
		case math.IsInf(f, -1):
			b.WriteString(`"-inf"`)
		default:
			out, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			b.Write(out)
		}
	}
	b.WriteByte(']')
	return []byte(b.String()), nil
}

// UnmarshalJSON reads numbers, null and the non-finite string spellings.
func (r *Ranges) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Ranges, len(raw))
	for i, item := range raw {
		s := strings.TrimSpace(string(item))
		if s == "null" {
			out[i] = float32(math.Inf(1))
			continue
		}
		if strings.HasPrefix(s, `"`) {
			var word string
			if err := json.Unmarshal(item, &word); err != nil {
				return err
			}
			switch strings.ToLower(word) {
			case "inf", "+inf", "infinity":
				out[i] = float32(math.Inf(1))
			case "-inf", "-infinity":
				out[i] = float32(math.Inf(-1))
			case "nan":
				out[i] = float32(math.NaN())
			default:
				return fmt.Errorf("range %d: unexpected value %q", i, word)
			}
			continue
		}
		var v float32
		if err := json.Unmarshal(item, &v); err != nil {
			return fmt.Errorf("range %d: %w", i, err)
		}
		out[i] = v
	}
	*r = out
	return nil
}

// LaserScan is a single sweep from a planar range finder. Angles are in
// radians measured about +Z with zero pointing forward along +X.
type LaserScan struct {
	Header         Header  `json:"header"`
	AngleMin       float32 `json:"angle_min"`
	AngleMax       float32 `json:"angle_max"`
	AngleIncrement float32 `json:"angle_increment"`
	TimeIncrement  float32 `json:"time_increment"`
	ScanTime       float32 `json:"scan_time"`
	RangeMin       float32 `json:"range_min"`
	RangeMax       float32 `json:"range_max"`
	Ranges         Ranges  `json:"ranges"`
	Intensities    Ranges  `json:"intensities,omitempty"`
}

// ParseLaserScan decodes a JSON LaserScan. angle_min and angle_increment are
// required; a scan without them cannot be placed in angle space.
func ParseLaserScan(data []byte) (*LaserScan, error) {
	var required struct {
		AngleMin       json.RawMessage `json:"angle_min"`
		AngleIncrement json.RawMessage `json:"angle_increment"`
	}
	if err := json.Unmarshal(data, &required); err != nil {
		return nil, fmt.Errorf("failed to parse laser scan: %w", err)
	}
	if isAbsent(required.AngleMin) {
		return nil, fmt.Errorf("%w: angle_min", ErrMissingField)
	}
	if isAbsent(required.AngleIncrement) {
		return nil, fmt.Errorf("%w: angle_increment", ErrMissingField)
	}

	var scan LaserScan
	if err := json.Unmarshal(data, &scan); err != nil {
		return nil, fmt.Errorf("failed to parse laser scan: %w", err)
	}
	return &scan, nil
}

// ParseImage decodes a JSON Image. Pixel validation happens in ToImage.
func ParseImage(data []byte) (*Image, error) {
	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("failed to parse image: %w", err)
	}
	return &img, nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || strings.TrimSpace(string(raw)) == "null"
}
