// Package logger configures logrus and provides size-based log file
// rotation.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Setup configures the global logrus logger and returns it. filename
// empty means stdout only; otherwise output goes to both stdout and a
// rotating file.
func Setup(level, filename string, maxSizeMB int64, maxBackups int) *logrus.Logger {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetLevel(parseLevel(level))

	if filename != "" {
		rotator := &Rotator{
			Filename:   filename,
			MaxSize:    maxSizeMB * 1024 * 1024,
			MaxBackups: maxBackups,
		}
		if err := rotator.openExistingOrNew(); err != nil {
			log.WithError(err).Warn("log file unavailable, using stdout only")
		} else {
			log.SetOutput(io.MultiWriter(os.Stdout, rotator))
		}
	}
	return log
}

// parseLevel maps config level names onto logrus levels. WARNING and
// CRITICAL are accepted alongside the logrus spellings.
func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "warning":
		level = "warn"
	case "critical":
		level = "fatal"
	}
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}

// Rotator is an io.Writer with size-based file rotation.
type Rotator struct {
	Filename   string
	MaxSize    int64 // bytes
	MaxBackups int
	file       *os.File
	size       int64
	mu         sync.Mutex
}

func (r *Rotator) openExistingOrNew() error {
	info, err := os.Stat(r.Filename)
	if os.IsNotExist(err) {
		return r.openNew()
	}
	if err != nil {
		return err
	}
	f, err := os.OpenFile(r.Filename, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	r.file = f
	r.size = info.Size()
	return nil
}

func (r *Rotator) openNew() error {
	f, err := os.OpenFile(r.Filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	r.file = f
	r.size = 0
	return nil
}

// Write satisfies io.Writer. It rotates before the write would exceed
// MaxSize.
func (r *Rotator) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err = r.openExistingOrNew(); err != nil {
			return 0, err
		}
	}

	if r.size+int64(len(p)) > r.MaxSize {
		if err := r.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err = r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// rotate shifts backups (log.1 -> log.2, log -> log.1) and opens a
// fresh file.
func (r *Rotator) rotate() error {
	if r.file != nil {
		r.file.Close()
	}
	for i := r.MaxBackups - 1; i >= 1; i-- {
		oldPath := fmt.Sprintf("%s.%d", r.Filename, i)
		if _, err := os.Stat(oldPath); os.IsNotExist(err) {
			continue
		}
		os.Rename(oldPath, fmt.Sprintf("%s.%d", r.Filename, i+1))
	}
	if _, err := os.Stat(r.Filename); err == nil {
		os.Rename(r.Filename, fmt.Sprintf("%s.1", r.Filename))
	}
	return r.openNew()
}
