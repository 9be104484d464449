// Package framestore writes camera frames to disk as PNG files named after
// the second they were captured.
package framestore

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/banshee-data/lidarcam/internal/fsutil"
	"github.com/banshee-data/lidarcam/internal/timeutil"
)

// FilenameLayout is the timestamp layout used in frame filenames.
const FilenameLayout = "20060102_150405"

// Config controls where and how frames are written.
type Config struct {
	Dir      string
	FS       fsutil.FileSystem
	Clock    timeutil.Clock
	Location *time.Location
	// Unique appends _1, _2, ... to frames captured within the same second
	// instead of overwriting the earlier file.
	Unique bool
}

// Store writes frames under a single directory.
type Store struct {
	dir    string
	fs     fsutil.FileSystem
	clock  timeutil.Clock
	loc    *time.Location
	unique bool

	mu       sync.Mutex
	lastStem string
	seq      int
}

// New creates the frame directory if needed and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("frame directory must be set")
	}
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if err := cfg.FS.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory %s: %w", cfg.Dir, err)
	}
	return &Store{
		dir:    cfg.Dir,
		fs:     cfg.FS,
		clock:  cfg.Clock,
		loc:    cfg.Location,
		unique: cfg.Unique,
	}, nil
}

// Dir returns the frame directory.
func (s *Store) Dir() string { return s.dir }

// PathFor returns the path a frame captured at t is written to, ignoring
// the unique suffix.
func (s *Store) PathFor(t time.Time) string {
	return filepath.Join(s.dir, "image_"+t.In(s.loc).Format(FilenameLayout)+".png")
}

// WriteFrame encodes img as PNG and writes it under the frame directory.
// Frames within the same second share a name and the later one replaces the
// earlier file, unless the store was configured with Unique. The frame is
// encoded to a hidden temporary file and renamed into place, so a failed
// write never leaves a partial PNG at the frame's path.
func (s *Store) WriteFrame(img image.Image) (string, error) {
	path := s.nextPath()
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")

	f, err := s.fs.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := imaging.Encode(f, img, imaging.PNG); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return "", fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return "", fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		s.fs.Remove(tmp)
		return "", fmt.Errorf("failed to move frame into place at %s: %w", path, err)
	}
	return path, nil
}

func (s *Store) nextPath() string {
	stem := "image_" + s.clock.Now().In(s.loc).Format(FilenameLayout)
	if !s.unique {
		return filepath.Join(s.dir, stem+".png")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if stem == s.lastStem {
		s.seq++
	} else {
		s.lastStem = stem
		s.seq = 0
	}
	if s.seq == 0 {
		return filepath.Join(s.dir, stem+".png")
	}
	return filepath.Join(s.dir, fmt.Sprintf("%s_%d.png", stem, s.seq))
}

// Open returns the named frame's bytes. name must be a bare filename.
func (s *Store) Open(name string) ([]byte, error) {
	if name == "" || name != filepath.Base(name) {
		return nil, fmt.Errorf("invalid frame name %q: %w", name, os.ErrInvalid)
	}
	return s.fs.ReadFile(filepath.Join(s.dir, name))
}
