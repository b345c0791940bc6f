// Package audit writes the append-only JSONL action trail kept under Logs/.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	DefaultMaxLogSize = 10 * 1024 * 1024
	LogFileName       = "actions.jsonl"
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	AgentID   string         `json:"agent_id,omitempty"`
	Task      string         `json:"task,omitempty"`
	Result    string         `json:"result,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// Logger appends entries and rotates into archive/ at maxSize.
// All methods are safe on a nil *Logger, which records nothing.
type Logger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	agentID         string
	enableChecksum  bool
	rotationCounter int
	now             func() time.Time
}

// New opens (or creates) the log at logPath. agentID is stamped on every entry.
func New(logPath, agentID string, maxSize int64) (*Logger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	l := &Logger{
		logPath:        logPath,
		agentID:        agentID,
		maxSize:        maxSize,
		enableChecksum: true,
		now:            time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
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
	l.currentSize = stat.Size()
	return nil
}

// Log records action performed by actor on task.
func (l *Logger) Log(action, actor, task, result string, details map[string]any) error {
	if l == nil {
		return nil
	}
	return l.WriteEntry(&Entry{
		Action:  action,
		Actor:   actor,
		Task:    task,
		Result:  result,
		Details: details,
	})
}

func (l *Logger) WriteEntry(entry *Entry) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	if entry.AgentID == "" {
		entry.AgentID = l.agentID
	}
	if l.enableChecksum {
		entry.Checksum = checksum(entry)
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

func (l *Logger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotationCounter++
	base := filepath.Base(l.logPath)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		base[:len(base)-len(filepath.Ext(base))],
		l.now().Format("20060102_150405"),
		l.rotationCounter,
		LogFileExtension)

	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive log: %w", err)
	}
	return l.openLogFile()
}

// EnableChecksum toggles per-entry checksums (on by default).
func (l *Logger) EnableChecksum(enable bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.logPath
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

func checksum(entry *Entry) string {
	cp := *entry
	cp.Checksum = ""
	data, err := json.Marshal(cp)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", djb2(data))
}

func djb2(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = ((hash << 5) + hash) + uint64(b)
	}
	return hash
}

// Verify scans a log file and returns (total, valid) entry counts. Entries
// without a checksum count as valid; undecodable lines are skipped.
func Verify(logPath string) (int, int, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	total, valid := 0, 0
	for dec.More() {
		var entry Entry
		if err := dec.Decode(&entry); err != nil {
			break
		}
		total++
		if entry.Checksum == "" || checksum(&entry) == entry.Checksum {
			valid++
		}
	}
	return total, valid, nil
}
