package capture

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/lidarcam/internal/sensormsg"
)

// Layouts for the CSV timestamp and the image filename stamp.
const (
	TimestampLayout = "2006-01-02 15:04:05"
	FilenameLayout  = "20060102_150405"
)

// CSVHeader is the first row of the capture log.
var CSVHeader = []string{"Timestamp", "Image Path", "Lidar Data"}

// Record is one correlated capture: when it was logged, which image it
// points to and the filtered ranges at that moment.
type Record struct {
	Timestamp time.Time
	ImagePath string
	Ranges    []float32
	AnglesDeg []float64
}

// Row renders the record as a CSV row.
func (r Record) Row() []string {
	return []string{r.Timestamp.Format(TimestampLayout), r.ImagePath, FormatRanges(r.Ranges)}
}

// MarshalJSON is the wire form used by the live feed and the NATS record
// stream.
func (r Record) MarshalJSON() ([]byte, error) {
	angles := r.AnglesDeg
	if angles == nil {
		angles = []float64{}
	}
	return json.Marshal(struct {
		Timestamp time.Time        `json:"timestamp"`
		ImagePath string           `json:"image_path"`
		Ranges    sensormsg.Ranges `json:"ranges"`
		AnglesDeg []float64        `json:"angles_deg"`
	}{r.Timestamp, r.ImagePath, sensormsg.Ranges(r.Ranges), angles})
}

// FormatRanges renders ranges as a bracketed list literal, e.g.
// "[1.0, 2.5, inf]". Each sample is widened to float64 and printed with the
// shortest representation that round-trips.
func FormatRanges(ranges []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, r := range ranges {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(formatFloat(float64(r)))
	}
	b.WriteByte(']')
	return b.String()
}

func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}

	sci := strconv.FormatFloat(v, 'e', -1, 64)
	exp, err := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if err == nil && (exp < -4 || exp >= 16) {
		return sci
	}

	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}
