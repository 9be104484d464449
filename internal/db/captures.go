package db

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/lidarcam/internal/capture"
	"github.com/banshee-data/lidarcam/internal/sensormsg"
)

// DefaultRecordLimit caps RecentCaptures when no limit is given.
const DefaultRecordLimit = 100

// Capture is one stored capture record.
type Capture struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Timestamp   time.Time `json:"timestamp"`
	ImagePath   string    `json:"image_path"`
	Ranges      []float32 `json:"-"`
	RangeCount  int       `json:"range_count"`
	FiniteCount int       `json:"finite_count"`
	MinRange    *float64  `json:"min_range"`
	MaxRange    *float64  `json:"max_range"`
	MeanRange   *float64  `json:"mean_range"`
}

// MarshalJSON writes ranges with the non-finite spellings sensor messages use.
func (c Capture) MarshalJSON() ([]byte, error) {
	type alias Capture
	return json.Marshal(struct {
		alias
		Ranges sensormsg.Ranges `json:"ranges"`
	}{alias: alias(c), Ranges: sensormsg.Ranges(c.Ranges)})
}

// RecordSession stores the start of a node run.
func (db *DB) RecordSession(sessionID string, started time.Time, version string, config any) error {
	cfg, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode session config: %w", err)
	}
	_, err = db.Exec(
		`INSERT INTO sessions (session_id, started_unix, version, config_json) VALUES (?, ?, ?, ?)`,
		sessionID, unixSeconds(started), version, string(cfg),
	)
	return err
}

// RecordCapture stores rec under sessionID and returns the row ID.
func (db *DB) RecordCapture(sessionID string, rec capture.Record) (int64, error) {
	rangesJSON, err := json.Marshal(sensormsg.Ranges(rec.Ranges))
	if err != nil {
		return 0, fmt.Errorf("failed to encode ranges: %w", err)
	}

	summary := capture.FilteredScan{Ranges: rec.Ranges}.Summary()
	var minRange, maxRange, meanRange any
	if summary.Finite > 0 {
		minRange, maxRange, meanRange = summary.Min, summary.Max, summary.Mean
	}

	res, err := db.Exec(
		`INSERT INTO captures (
			session_id, captured_unix, image_path, ranges_json,
			range_count, finite_count, min_range, max_range, mean_range
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, unixSeconds(rec.Timestamp), rec.ImagePath, string(rangesJSON),
		summary.Count, summary.Finite, minRange, maxRange, meanRange,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert capture: %w", err)
	}
	return res.LastInsertId()
}

// RecentCaptures returns up to limit captures, newest first.
func (db *DB) RecentCaptures(limit int) ([]Capture, error) {
	if limit <= 0 {
		limit = DefaultRecordLimit
	}
	rows, err := db.Query(
		`SELECT capture_id, session_id, captured_unix, image_path, ranges_json,
			range_count, finite_count, min_range, max_range, mean_range
		FROM captures
		ORDER BY captured_unix DESC, capture_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	captures := []Capture{}
	for rows.Next() {
		var (
			c          Capture
			unix       float64
			rangesJSON string
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &unix, &c.ImagePath, &rangesJSON,
			&c.RangeCount, &c.FiniteCount, &c.MinRange, &c.MaxRange, &c.MeanRange); err != nil {
			return nil, err
		}
		var ranges sensormsg.Ranges
		if err := json.Unmarshal([]byte(rangesJSON), &ranges); err != nil {
			return nil, fmt.Errorf("capture %d: bad ranges: %w", c.ID, err)
		}
		c.Ranges = ranges
		c.Timestamp = fromUnixSeconds(unix)
		captures = append(captures, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return captures, nil
}

// CountCaptures returns the number of stored captures.
func (db *DB) CountCaptures() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM captures`).Scan(&n)
	return n, err
}

// CaptureListener returns a record listener that stores every record under
// sessionID.
func (db *DB) CaptureListener(sessionID string) capture.RecordListener {
	return capture.RecordListenerFunc(func(rec capture.Record) error {
		_, err := db.RecordCapture(sessionID, rec)
		return err
	})
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}
