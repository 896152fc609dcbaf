package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryType defines the type of WAL entry
type EntryType string

// Task lifecycle entries
const (
	EntryDispatched EntryType = "dispatched"
	EntryExecuting  EntryType = "executing"
	EntryExecuted   EntryType = "executed"
	EntryFailed     EntryType = "failed"
	EntryRetried    EntryType = "retried"
	EntryErred      EntryType = "erred"
	EntryRecovered  EntryType = "recovered"
	EntryAdmitted   EntryType = "admitted"
	EntryThrottled  EntryType = "throttled"
	EntryPushed     EntryType = "pushed"
)

// Entry represents a single WAL entry
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	Task      string          `json:"task,omitempty"`
	Target    string          `json:"target,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Config controls file naming, rotation and retention
type Config struct {
	FilePrefix    string
	MaxFileSize   int64
	RetentionDays int
}

// DefaultConfig returns the default WAL configuration
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "conductor",
		MaxFileSize:   64 << 20,
		RetentionDays: 30,
	}
}

// WAL is an append-only JSON-lines audit log of task lifecycle events
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	size     int64
	sequence int64
	dir      string
	config   Config
}

// Open creates or opens a WAL in dir with the default configuration
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig creates or opens a WAL in dir
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultConfig().MaxFileSize
	}

	w := &WAL{dir: dir, config: config}

	// Continue numbering after whatever is already on disk
	w.sequence = lastSequenceInFiles(w.listFiles())

	if err := w.openNewFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Close flushes and closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Append adds an entry for task acting on target
func (w *WAL) Append(entryType EntryType, task, target string, data any) error {
	return w.append(entryType, task, target, data, nil)
}

// AppendError adds an entry carrying the error that caused it
func (w *WAL) AppendError(entryType EntryType, task, target string, data any, errToLog error) error {
	return w.append(entryType, task, target, data, errToLog)
}

// Sequence returns the last written sequence number
func (w *WAL) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

func (w *WAL) append(entryType EntryType, task, target string, data any, errToLog error) error {
	var raw json.RawMessage
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
		raw = jsonData
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.sequence++
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Sequence:  w.sequence,
		Type:      entryType,
		Task:      task,
		Target:    target,
		Data:      raw,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}

	if w.shouldRotate() {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	return w.writeEntry(entry)
}

// writeEntry writes a single entry to the WAL
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	n, err := w.writer.Write(line)
	if err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	w.size += int64(n)

	// Flush immediately for durability
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return w.file.Sync()
}

func (w *WAL) shouldRotate() bool {
	return w.size >= w.config.MaxFileSize
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return w.openNewFile()
}

func (w *WAL) openNewFile() error {
	// Sequence in the name keeps files ordered even within one second
	filename := fmt.Sprintf("%s-%s-%012d.wal", w.config.FilePrefix, time.Now().UTC().Format("20060102-150405"), w.sequence+1)
	path := filepath.Join(w.dir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat WAL file: %w", err)
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	w.size = info.Size()
	return nil
}

func (w *WAL) listFiles() []string {
	return findAllWALFiles(w.dir, w.config.FilePrefix)
}

// Reader provides WAL replay functionality
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a WAL reader for the specified file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &Reader{
		scanner: bufio.NewScanner(file),
		file:    file,
	}, nil
}

// Next reads the next entry from the WAL
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay calls handler for every entry written after since, in file order
func Replay(dir, prefix string, since time.Time, handler func(*Entry) error) error {
	for _, file := range findAllWALFiles(dir, prefix) {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}

// findAllWALFiles returns all WAL files in directory, oldest first
func findAllWALFiles(dir, prefix string) []string {
	pattern := filepath.Join(dir, prefix+"-*.wal")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}

// lastSequenceInFiles returns the highest sequence across files, skipping corrupted lines
func lastSequenceInFiles(files []string) int64 {
	maxSeq := int64(0)
	for _, file := range files {
		reader, err := NewReader(file)
		if err != nil {
			continue
		}
		for {
			entry, err := reader.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				// a bad line is skipped, a read failure ends the file
				if reader.scanner.Err() != nil {
					break
				}
				continue
			}
			if entry.Sequence > maxSeq {
				maxSeq = entry.Sequence
			}
		}
		_ = reader.Close()
	}
	return maxSeq
}
