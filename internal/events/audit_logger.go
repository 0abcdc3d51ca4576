package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize is the size at which audit.jsonl is rotated.
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
	AuditFileName     = "audit.jsonl"
)

// LogEntry is one line of the audit log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	TaskID    int64          `json:"task_id,omitempty"`
	AbortID   int64          `json:"abort_id,omitempty"`
	UserID    *int           `json:"user_id,omitempty"`
	PID       int            `json:"pid,omitempty"`
	Source    string         `json:"source,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLogger appends LogEntry lines to a JSONL file shared by the CLI and
// both daemons. Each entry is a single O_APPEND write.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	source          string
	rotationCounter int
}

// NewAuditLogger opens (creating if needed) the log at logPath. source tags
// every entry with the writing process (cli, task-daemon, abort-daemon).
func NewAuditLogger(logPath, source string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	l := &AuditLogger{logPath: logPath, maxSize: maxSize, source: source}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) openLogFile() error {
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
	l.currentSize = stat.Size()
	return nil
}

// Record converts a bus event into an entry and writes it.
func (l *AuditLogger) Record(e Event) error {
	entry := LogEntry{
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		Details:   map[string]any{},
	}
	for k, v := range e.Data {
		switch k {
		case "task_id":
			entry.TaskID = toInt64(v)
		case "abort_id":
			entry.AbortID = toInt64(v)
		case "pid":
			entry.PID = int(toInt64(v))
		case "user_id":
			uid := int(toInt64(v))
			entry.UserID = &uid
		default:
			entry.Details[k] = v
		}
	}
	if len(entry.Details) == 0 {
		entry.Details = nil
	}
	return l.WriteEntry(&entry)
}

// WriteEntry writes a structured entry to the file.
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Source == "" {
		entry.Source = l.source
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

// Attach subscribes the logger to every event type on bus. Write failures
// are passed to onErr, which may be nil.
func (l *AuditLogger) Attach(bus *Bus, onErr func(error)) {
	for _, et := range AllEventTypes {
		bus.Subscribe(et, func(e Event) {
			if err := l.Record(e); err != nil && onErr != nil {
				onErr(err)
			}
		})
	}
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current log file: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	archiveName := fmt.Sprintf("%s.%s.%d.%d%s", base, time.Now().Format("20060102_150405"),
		os.Getpid(), l.rotationCounter, LogFileExtension)

	// Another process may have rotated first; then just reopen.
	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive log file: %w", err)
	}
	return l.openLogFile()
}

// ReadEntries decodes every well-formed entry in the log at path.
func ReadEntries(path string) ([]LogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var entries []LogEntry
	dec := json.NewDecoder(file)
	for dec.More() {
		var entry LogEntry
		if err := dec.Decode(&entry); err != nil {
			break
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *AuditLogger) Path() string { return l.logPath }

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
