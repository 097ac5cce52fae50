// Package storage streams harvested records to date-partitioned JSON Lines
// files as they are collected.
package storage

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	ErrWriterClosed = errors.New("jsonl writer is closed")
	ErrBufferFull   = errors.New("jsonl write buffer full")
)

const closeDrainTimeout = 5 * time.Second

// JSONLWriter appends JSON lines asynchronously to
// <baseDir>/<YYYY-MM-DD>/<subDir>/<name>.jsonl, rolling over at midnight UTC
// and when the file grows past maxSizeMB.
type JSONLWriter struct {
	baseDir   string
	subDir    string
	name      string
	maxSizeMB int

	queue     chan any
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu   sync.Mutex
	date string
	out  *lumberjack.Logger
	path string
	now  func() time.Time
}

// NewJSONLWriter starts a writer. An empty name uses the UTC clock time of
// the first write.
func NewJSONLWriter(baseDir, subDir, name string, bufferSize, maxSizeMB int) *JSONLWriter {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	w := &JSONLWriter{
		baseDir:   baseDir,
		subDir:    subDir,
		name:      name,
		maxSizeMB: maxSizeMB,
		queue:     make(chan any, bufferSize),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Write queues v without blocking.
func (w *JSONLWriter) Write(v any) error {
	select {
	case <-w.done:
		return ErrWriterClosed
	default:
	}
	select {
	case w.queue <- v:
		return nil
	default:
		slog.Warn("storage jsonl buffer full, dropping line", "subdir", w.subDir, "name", w.name)
		return ErrBufferFull
	}
}

// Path returns the file currently written to, empty before the first line.
func (w *JSONLWriter) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Close flushes queued lines and closes the file. It is safe to call twice.
func (w *JSONLWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		w.drain()

		w.mu.Lock()
		defer w.mu.Unlock()
		if w.out != nil {
			err = w.out.Close()
		}
	})
	return err
}

func (w *JSONLWriter) loop() {
	defer w.wg.Done()
	for {
		select {
		case v := <-w.queue:
			w.writeLine(v)
		case <-w.done:
			return
		}
	}
}

func (w *JSONLWriter) drain() {
	deadline := time.After(closeDrainTimeout)
	for {
		select {
		case v := <-w.queue:
			w.writeLine(v)
		case <-deadline:
			slog.Warn("storage jsonl close timed out, lines may be lost", "subdir", w.subDir)
			return
		default:
			return
		}
	}
}

func (w *JSONLWriter) writeLine(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("storage jsonl marshal failed", "error", err, "subdir", w.subDir)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := w.now().UTC().Format("2006-01-02")
	if w.out == nil || date != w.date {
		if err := w.openLocked(date); err != nil {
			slog.Error("storage jsonl open failed", "error", err, "subdir", w.subDir)
			return
		}
	}
	if _, err := w.out.Write(append(data, '\n')); err != nil {
		slog.Error("storage jsonl write failed", "error", err, "path", w.path)
	}
}

func (w *JSONLWriter) openLocked(date string) error {
	if w.out != nil {
		if err := w.out.Close(); err != nil {
			slog.Debug("storage jsonl close failed", "error", err, "path", w.path)
		}
		w.out = nil
	}
	dir := filepath.Join(w.baseDir, date, w.subDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if w.name == "" {
		w.name = time.Now().UTC().Format("150405")
	}
	w.path = filepath.Join(dir, w.name+".jsonl")
	w.out = &lumberjack.Logger{
		Filename:   w.path,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
		LocalTime:  false,
	}
	w.date = date
	slog.Info("storage jsonl file opened", "path", w.path)
	return nil
}
