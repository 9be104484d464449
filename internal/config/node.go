package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/lidarcam/internal/topicmux"
)

// Defaults for the capture node.
const (
	DefaultImageDir       = "images"
	DefaultCSVPath        = "lidar_camera_data_images.csv"
	DefaultImageTopic     = "/camera/image_raw"
	DefaultScanTopic      = "/scan"
	DefaultAngleWindowDeg = 30.0
	DefaultQueueDepth     = 10
	DefaultDBPath         = "captures.db"
	DefaultNATSURL        = "nats://127.0.0.1:4222"
	DefaultRecordSubject  = "lidarcam.records"
	DefaultSerialPort     = "/dev/ttyUSB0"
	DefaultFixtureDelay   = 100 * time.Millisecond
	DefaultBagRate        = 1.0
)

// NodeConfig is the JSON configuration of the capture node. Every field is
// optional; the Get* methods supply defaults for omitted fields.
type NodeConfig struct {
	ImageDir        *string  `json:"image_dir,omitempty"`
	CSVPath         *string  `json:"csv_path,omitempty"`
	ImageTopic      *string  `json:"image_topic,omitempty"`
	ScanTopic       *string  `json:"scan_topic,omitempty"`
	AngleWindowDeg  *float64 `json:"angle_window_deg,omitempty"`
	QueueDepth      *int     `json:"queue_depth,omitempty"`
	UniqueFilenames *bool    `json:"unique_filenames,omitempty"`
	TruncateCSV     *bool    `json:"truncate_csv,omitempty"`
	TimeZone        *string  `json:"time_zone,omitempty"` // IANA name, "Local" or "UTC"

	DBPath        *string               `json:"db_path,omitempty"`
	NATSURL       *string               `json:"nats_url,omitempty"`
	RecordSubject *string               `json:"record_subject,omitempty"`
	SerialPort    *string               `json:"serial_port,omitempty"`
	SerialOptions *topicmux.PortOptions `json:"serial_options,omitempty"`
	FixtureDelay  *string               `json:"fixture_delay,omitempty"` // duration string like "100ms"
	BagRate       *float64              `json:"bag_rate,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// LoadNodeConfig loads a NodeConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &NodeConfig{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *NodeConfig) Validate() error {
	if c.AngleWindowDeg != nil {
		if w := *c.AngleWindowDeg; !(w > 0 && w <= 180) {
			return fmt.Errorf("angle_window_deg must be in (0, 180], got %v", w)
		}
	}
	if c.QueueDepth != nil && *c.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be at least 1, got %d", *c.QueueDepth)
	}
	for name, v := range map[string]*string{
		"image_dir":   c.ImageDir,
		"csv_path":    c.CSVPath,
		"image_topic": c.ImageTopic,
		"scan_topic":  c.ScanTopic,
	} {
		if v != nil && strings.TrimSpace(*v) == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}
	if c.GetImageTopic() == c.GetScanTopic() {
		return fmt.Errorf("image_topic and scan_topic must differ, both are %q", c.GetImageTopic())
	}
	if c.TimeZone != nil {
		if _, err := time.LoadLocation(*c.TimeZone); err != nil {
			return fmt.Errorf("invalid time_zone %q: %w", *c.TimeZone, err)
		}
	}
	if c.SerialOptions != nil {
		if _, err := c.SerialOptions.Normalize(); err != nil {
			return fmt.Errorf("invalid serial_options: %w", err)
		}
	}
	if c.FixtureDelay != nil && *c.FixtureDelay != "" {
		if d, err := time.ParseDuration(*c.FixtureDelay); err != nil || d < 0 {
			return fmt.Errorf("invalid fixture_delay '%s'", *c.FixtureDelay)
		}
	}
	if c.BagRate != nil && *c.BagRate < 0 {
		return fmt.Errorf("bag_rate must be non-negative, got %v", *c.BagRate)
	}
	return nil
}

// GetImageDir returns the image_dir value or the default.
func (c *NodeConfig) GetImageDir() string {
	if c.ImageDir == nil {
		return DefaultImageDir
	}
	return *c.ImageDir
}

// GetCSVPath returns the csv_path value or the default.
func (c *NodeConfig) GetCSVPath() string {
	if c.CSVPath == nil {
		return DefaultCSVPath
	}
	return *c.CSVPath
}

// GetImageTopic returns the image_topic value or the default.
func (c *NodeConfig) GetImageTopic() string {
	if c.ImageTopic == nil {
		return DefaultImageTopic
	}
	return *c.ImageTopic
}

// GetScanTopic returns the scan_topic value or the default.
func (c *NodeConfig) GetScanTopic() string {
	if c.ScanTopic == nil {
		return DefaultScanTopic
	}
	return *c.ScanTopic
}

// GetAngleWindowDeg returns the angle_window_deg value or the default.
func (c *NodeConfig) GetAngleWindowDeg() float64 {
	if c.AngleWindowDeg == nil {
		return DefaultAngleWindowDeg
	}
	return *c.AngleWindowDeg
}

// GetQueueDepth returns the queue_depth value or the default.
func (c *NodeConfig) GetQueueDepth() int {
	if c.QueueDepth == nil {
		return DefaultQueueDepth
	}
	return *c.QueueDepth
}

// GetUniqueFilenames returns the unique_filenames value or the default.
func (c *NodeConfig) GetUniqueFilenames() bool {
	if c.UniqueFilenames == nil {
		return false
	}
	return *c.UniqueFilenames
}

// GetTruncateCSV returns the truncate_csv value or the default.
func (c *NodeConfig) GetTruncateCSV() bool {
	if c.TruncateCSV == nil {
		return false
	}
	return *c.TruncateCSV
}

// GetLocation resolves time_zone. The default is the host's local zone.
func (c *NodeConfig) GetLocation() *time.Location {
	if c.TimeZone == nil || *c.TimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(*c.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

// GetDBPath returns the db_path value or the default. An explicit empty
// string disables the capture index.
func (c *NodeConfig) GetDBPath() string {
	if c.DBPath == nil {
		return DefaultDBPath
	}
	return *c.DBPath
}

// GetNATSURL returns the nats_url value or the default.
func (c *NodeConfig) GetNATSURL() string {
	if c.NATSURL == nil || *c.NATSURL == "" {
		return DefaultNATSURL
	}
	return *c.NATSURL
}

// GetRecordSubject returns the record_subject value or the default. An
// explicit empty string disables record publishing.
func (c *NodeConfig) GetRecordSubject() string {
	if c.RecordSubject == nil {
		return DefaultRecordSubject
	}
	return *c.RecordSubject
}

// GetSerialPort returns the serial_port value or the default.
func (c *NodeConfig) GetSerialPort() string {
	if c.SerialPort == nil || *c.SerialPort == "" {
		return DefaultSerialPort
	}
	return *c.SerialPort
}

// GetSerialOptions returns the serial_options value or zero options, which
// Normalize fills with defaults.
func (c *NodeConfig) GetSerialOptions() topicmux.PortOptions {
	if c.SerialOptions == nil {
		return topicmux.PortOptions{}
	}
	return *c.SerialOptions
}

// GetFixtureDelay parses and returns the FixtureDelay as a time.Duration.
func (c *NodeConfig) GetFixtureDelay() time.Duration {
	if c.FixtureDelay == nil || *c.FixtureDelay == "" {
		return DefaultFixtureDelay
	}
	d, err := time.ParseDuration(*c.FixtureDelay)
	if err != nil {
		return DefaultFixtureDelay
	}
	return d
}

// GetBagRate returns the bag_rate value or the default.
func (c *NodeConfig) GetBagRate() float64 {
	if c.BagRate == nil {
		return DefaultBagRate
	}
	return *c.BagRate
}
