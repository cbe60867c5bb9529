package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/m-cnan/thankan.ayyo/internal/ledger"
)

// FileWriter appends ledger records to JSON Lines files, rotating when a
// file would exceed maxSize and keeping at most maxFiles of them.
type FileWriter struct {
	fileTemplate string // e.g. "/var/log/thankan/ledger-%s.jsonl"
	maxSize      int64
	maxFiles     int

	mu          sync.Mutex
	currentFile string
	file        *os.File
	writer      *bufio.Writer
	currentSize int64
	closed      bool
}

// NewFileWriter opens the first file of the rotation.
func NewFileWriter(fileTemplate string, maxSize int64, maxFiles int) (*FileWriter, error) {
	if maxFiles <= 0 {
		maxFiles = 1
	}
	w := &FileWriter{
		fileTemplate: fileTemplate,
		maxSize:      maxSize,
		maxFiles:     maxFiles,
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Name implements ledger.Sink.
func (w *FileWriter) Name() string { return "file" }

// newFileName applies a timestamp to the template. Nanoseconds keep names
// unique when rotation happens more than once a second.
func (w *FileWriter) newFileName() string {
	now := time.Now()
	return fmt.Sprintf(w.fileTemplate, fmt.Sprintf("%s-%09d", now.Format("20060102150405"), now.Nanosecond()))
}

func (w *FileWriter) openFile() error {
	w.currentFile = w.newFileName()
	dir := filepath.Dir(w.currentFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(w.currentFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	w.currentSize = fi.Size()
	w.file = file
	w.writer = bufio.NewWriter(file)
	return nil
}

// rotateIfNeeded must be called with mu held.
func (w *FileWriter) rotateIfNeeded(n int) error {
	if w.maxSize <= 0 || w.currentSize == 0 || w.currentSize+int64(n) <= w.maxSize {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := w.openFile(); err != nil {
		return err
	}
	return w.cleanupOldFiles()
}

// cleanupOldFiles removes the oldest files beyond maxFiles.
func (w *FileWriter) cleanupOldFiles() error {
	matches, err := filepath.Glob(fmt.Sprintf(w.fileTemplate, "*"))
	if err != nil {
		return err
	}
	// Names embed the creation time, so lexical order is age order.
	sort.Strings(matches)

	for i := 0; i < len(matches)-w.maxFiles; i++ {
		if matches[i] == w.currentFile {
			continue
		}
		_ = os.Remove(matches[i])
	}
	return nil
}

// Write implements ledger.Sink. The batch is flushed before returning.
func (w *FileWriter) Write(ctx context.Context, records []*ledger.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode ledger record: %w", err)
		}
		data = append(data, '\n')
		if err := w.rotateIfNeeded(len(data)); err != nil {
			return fmt.Errorf("failed to rotate ledger file: %w", err)
		}
		n, err := w.writer.Write(data)
		w.currentSize += int64(n)
		if err != nil {
			return err
		}
	}
	return w.writer.Flush()
}

// CurrentFile returns the path being written.
func (w *FileWriter) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentFile
}

// Close flushes and closes the active file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
