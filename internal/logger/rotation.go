package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const rotationStamp = "20060102-150405.000"

// RotationOptions controls when a RotatingWriter rotates and what it keeps.
type RotationOptions struct {
	MaxSizeMB  int         // rotate once the file would exceed this, 0 disables rotation
	MaxAgeDays int         // delete rotated files older than this, 0 keeps them
	MaxBackups int         // keep at most this many rotated files, 0 keeps all
	Compress   bool        // gzip rotated files
	Mode       os.FileMode // permissions for new files, 0644 when zero
}

// RotatingWriter appends to a log file and rotates it by size.
type RotatingWriter struct {
	mu       sync.Mutex
	filename string
	opts     RotationOptions
	maxBytes int64
	file     *os.File
	size     int64

	// pending gzip jobs; Close waits for them
	compressing sync.WaitGroup
}

// NewRotatingWriter opens filename for appending, creating its directory, and
// prunes rotated files left by earlier runs.
func NewRotatingWriter(filename string, opts RotationOptions) (*RotatingWriter, error) {
	if opts.Mode == 0 {
		opts.Mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		filename: filename,
		opts:     opts,
		maxBytes: int64(opts.MaxSizeMB) * 1024 * 1024,
	}
	if err := w.open(); err != nil {
		return nil, err
	}

	w.prune()
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, w.opts.Mode)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first if p would push the file past the size limit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}

	if w.maxBytes > 0 && w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current file and waits for pending compression.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.compressing.Wait()
	return err
}

// rotate moves the current file aside with a timestamp suffix and reopens filename.
// Caller holds w.mu.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	rotated := w.filename + "." + time.Now().Format(rotationStamp)
	if err := os.Rename(w.filename, rotated); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	w.compressing.Add(1)
	go func() {
		defer w.compressing.Done()
		if w.opts.Compress {
			_ = compressFile(rotated)
		}
		w.prune()
	}()
	return nil
}

// compressFile gzips filename into filename.gz and removes the original.
func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		return err
	}
	if err := gzw.Close(); err != nil {
		return err
	}

	return os.Remove(filename)
}

type backup struct {
	path    string
	modTime time.Time
}

// backups lists rotated files, newest first.
func (w *RotatingWriter) backups() []backup {
	matches, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return nil
	}

	var out []backup
	for _, path := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(path, w.filename+"."), ".gz")
		if _, err := time.Parse(rotationStamp, stamp); err != nil {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		out = append(out, backup{path: path, modTime: info.ModTime()})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].modTime.After(out[j].modTime)
	})
	return out
}

// prune removes rotated files beyond MaxBackups or older than MaxAgeDays.
func (w *RotatingWriter) prune() {
	if w.opts.MaxAgeDays <= 0 && w.opts.MaxBackups <= 0 {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -w.opts.MaxAgeDays)
	for i, b := range w.backups() {
		tooMany := w.opts.MaxBackups > 0 && i >= w.opts.MaxBackups
		tooOld := w.opts.MaxAgeDays > 0 && b.modTime.Before(cutoff)
		if tooMany || tooOld {
			_ = os.Remove(b.path)
		}
	}
}
