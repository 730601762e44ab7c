// Package audit appends structured transition records. The log is a
// write-only side channel: a failed append is reported but never rolls back
// the stage move it describes.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ami4u87/Autonomous-Digital-FTE/internal/vault"
)

const (
	// DefaultMaxLogSize caps the active log file before rotation (100MB).
	DefaultMaxLogSize = 100 * 1024 * 1024
	logFileExtension  = ".jsonl"
	archiveDir        = "archive"
)

// Entry is one transition record.
type Entry struct {
	ID             string      `json:"id"`
	Timestamp      time.Time   `json:"timestamp"`
	DocID          string      `json:"doc_id"`
	FromStage      vault.Stage `json:"from_stage,omitempty"`
	ToStage        vault.Stage `json:"to_stage,omitempty"`
	Reason         string      `json:"reason"`
	ActionType     string      `json:"action_type,omitempty"`
	ConfirmationID string      `json:"confirmation_id,omitempty"`
}

// Logger appends JSONL entries with size-based rotation. A Logger created
// with NewWriter (stdout mode) skips rotation and durability syncs.
type Logger struct {
	mu          sync.Mutex
	file        *os.File
	writer      io.Writer
	currentSize int64
	maxSize     int64
	logPath     string
	rotations   int
}

// New opens (or creates) the audit log at logPath.
func New(logPath string, maxSize int64) (*Logger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	l := &Logger{logPath: logPath, maxSize: maxSize}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

// NewWriter returns a logger that writes to w (stdout-only mode).
func NewWriter(w io.Writer) *Logger {
	return &Logger{writer: w, maxSize: DefaultMaxLogSize}
}

func (l *Logger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = file
	l.writer = file
	l.currentSize = stat.Size()
	return nil
}

// Record fills in id and timestamp and appends the entry. On a write
// failure it retries once after reopening the file; further failures are
// returned to the caller, who reports them without undoing the transition.
func (l *Logger) Record(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.ID = uuid.NewString()
	e.Timestamp = time.Now().UTC()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.file != nil && l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	if err := l.write(data); err != nil {
		if l.file == nil {
			return err
		}
		// Bounded retry: reopen once and try again.
		l.file.Close()
		if reopenErr := l.openLogFile(); reopenErr != nil {
			return fmt.Errorf("audit write failed (%v), reopen failed: %w", err, reopenErr)
		}
		if err := l.write(data); err != nil {
			return err
		}
	}
	return nil
}

func (l *Logger) write(data []byte) error {
	n, err := l.writer.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("sync audit log: %w", err)
		}
	}
	l.currentSize += int64(n)
	return nil
}

func (l *Logger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close active log: %w", err)
	}

	dir := filepath.Join(filepath.Dir(l.logPath), archiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotations++
	base := filepath.Base(l.logPath)
	stem := base[:len(base)-len(logFileExtension)]
	name := fmt.Sprintf("%s.%s.%d%s", stem, time.Now().Format("20060102_150405"), l.rotations, logFileExtension)

	if err := os.Rename(l.logPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("archive log file: %w", err)
	}
	return l.openLogFile()
}

// Close syncs and closes the active log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return err
		}
		return l.file.Close()
	}
	return nil
}

// ReadEntries loads every entry in a log file, skipping malformed lines.
func ReadEntries(logPath string) ([]Entry, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return entries, nil
}
