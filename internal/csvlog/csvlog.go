// Package csvlog is the append-only CSV capture log.
package csvlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/banshee-data/lidarcam/internal/capture"
	"github.com/banshee-data/lidarcam/internal/fsutil"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("capture log closed")

// Options controls how the log file is opened.
type Options struct {
	FS fsutil.FileSystem
	// Truncate starts a fresh file on every run instead of appending.
	Truncate bool
}

type syncer interface {
	Sync() error
}

// Log writes capture records as CSV rows, flushing after each row.
type Log struct {
	path string

	mu     sync.Mutex
	file   io.WriteCloser
	w      *csv.Writer
	rows   int
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// Open opens the log at path. The header row is written when the file is
// new, empty or truncated.
func Open(path string, opts Options) (*Log, error) {
	fsys := opts.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}

	writeHeader := true
	var (
		f   io.WriteCloser
		err error
	)
	if opts.Truncate {
		f, err = fsys.Create(path)
	} else {
		if info, statErr := fsys.Stat(path); statErr == nil && info.Size() > 0 {
			writeHeader = false
		} else if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat capture log %s: %w", path, statErr)
		}
		f, err = fsys.OpenAppend(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open capture log %s: %w", path, err)
	}

	l := &Log{path: path, file: f, w: csv.NewWriter(f)}
	if writeHeader {
		if err := l.writeRow(capture.CSVHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write capture log header: %w", err)
		}
	}
	return l, nil
}

// Path returns the file path of the log.
func (l *Log) Path() string { return l.path }

// Rows returns the number of records appended since Open.
func (l *Log) Rows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows
}

// Append writes rec as one row and flushes it to the file.
func (l *Log) Append(rec capture.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.writeRow(rec.Row()); err != nil {
		return err
	}
	l.rows++
	return nil
}

func (l *Log) writeRow(row []string) error {
	if err := l.w.Write(row); err != nil {
		return err
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return err
	}
	if s, ok := l.file.(syncer); ok {
		return s.Sync()
	}
	return nil
}

// Close flushes and closes the file. Only the first call has any effect.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.closed = true
		l.w.Flush()
		l.closeErr = errors.Join(l.w.Error(), l.file.Close())
	})
	return l.closeErr
}
