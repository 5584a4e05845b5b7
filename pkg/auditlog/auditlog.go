// Package auditlog implements a durable, append-only security-event log:
// one current file plus up to N rotated files, each line a JSON object, with
// an in-memory cache of the most recent entries for fast queries.
package auditlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arjunmehta/taskforge/pkg/codes"
)

const component = "audit_log"

// Entry is one audit record. Metadata is free-form diagnostic context.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"eventType"`
	UserID    string         `json:"userId"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Outcome   string         `json:"outcome"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Query filters Search results. A zero-value field means "don't filter on
// this dimension".
type Query struct {
	EventType string
	UserID    string
	Outcome   string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

func (q Query) matches(e Entry) bool {
	if q.EventType != "" && e.EventType != q.EventType {
		return false
	}
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	if q.Outcome != "" && e.Outcome != q.Outcome {
		return false
	}
	if !q.StartTime.IsZero() && e.Timestamp.Before(q.StartTime) {
		return false
	}
	if !q.EndTime.IsZero() && e.Timestamp.After(q.EndTime) {
		return false
	}
	return true
}

// Config mirrors config.AuditLogConfig without importing pkg/config.
type Config struct {
	Path              string
	MaxFileSize       int64
	MaxFiles          int
	EnableMemoryStore bool
	MaxMemoryEntries  int
}

// Log is the append-only audit event store (C8). The zero value is not
// usable; construct with New.
type Log struct {
	mu sync.Mutex // single-writer discipline: append, rotate, cache trim share this lock

	path      string
	maxSize   int64
	maxFiles  int
	useCache  bool
	maxCache  int
	cache     []Entry
	log       *slog.Logger
	sqlSink   Sink
}

// Sink is an additive durable mirror of every appended entry (e.g. a SQL
// table). It never gates the file-based log, which remains the source of
// truth.
type Sink interface {
	Write(Entry) error
}

// New creates a Log writing to cfg.Path, creating its parent directory if
// necessary.
func New(cfg Config, log *slog.Logger) (*Log, error) {
	if cfg.Path == "" {
		cfg.Path = "audit.log"
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 10 * 1024 * 1024
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 5
	}
	if cfg.MaxMemoryEntries <= 0 {
		cfg.MaxMemoryEntries = 1000
	}
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, codes.Wrap(component, codes.SaveFailed, "create audit log directory", err)
		}
	}
	return &Log{
		path:     cfg.Path,
		maxSize:  cfg.MaxFileSize,
		maxFiles: cfg.MaxFiles,
		useCache: cfg.EnableMemoryStore,
		maxCache: cfg.MaxMemoryEntries,
		log:      log.With("component", component),
	}, nil
}

// SetSink attaches an additive durable sink mirrored on every Append.
func (l *Log) SetSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sqlSink = s
}

// Append writes one entry to the current file, rotating first if the
// current file has reached MaxFileSize, and pushes it onto the in-memory
// cache when enabled.
func (l *Log) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateIfNeededLocked(); err != nil {
		return err
	}

	line, err := json.Marshal(e)
	if err != nil {
		return codes.Wrap(component, codes.SaveFailed, "marshal audit entry", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return codes.Wrap(component, codes.SaveFailed, "open audit log", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return codes.Wrap(component, codes.SaveFailed, "append audit entry", err)
	}

	if l.useCache {
		l.cache = append(l.cache, e)
		if len(l.cache) > l.maxCache {
			l.cache = l.cache[len(l.cache)-l.maxCache:]
		}
	}

	if l.sqlSink != nil {
		if err := l.sqlSink.Write(e); err != nil {
			l.log.Warn("audit sql sink write failed", "error", err)
		}
	}

	return nil
}

func (l *Log) rotateIfNeededLocked() error {
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return codes.Wrap(component, codes.SaveFailed, "stat audit log", err)
	}
	if info.Size() < l.maxSize {
		return nil
	}

	oldest := fmt.Sprintf("%s.%d", l.path, l.maxFiles)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return codes.Wrap(component, codes.SaveFailed, "remove oldest rotated audit log", err)
		}
	}
	for i := l.maxFiles - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", l.path, i)
		dst := fmt.Sprintf("%s.%d", l.path, i+1)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				return codes.Wrap(component, codes.SaveFailed, "shift rotated audit log", err)
			}
		}
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return codes.Wrap(component, codes.SaveFailed, "rotate audit log", err)
	}
	l.log.Info("rotated audit log", "path", l.path)
	return nil
}

// Search runs q against the in-memory cache when enabled, else scans every
// rotated file oldest-first plus the current file. Invalid lines are
// skipped, not errors.
func (l *Log) Search(q Query) ([]Entry, error) {
	l.mu.Lock()
	useCache := l.useCache
	cacheCopy := append([]Entry(nil), l.cache...)
	l.mu.Unlock()

	var all []Entry
	if useCache {
		all = cacheCopy
	} else {
		files, err := l.filesOldestFirstLocked()
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			entries, err := readEntries(f)
			if err != nil {
				return nil, err
			}
			all = append(all, entries...)
		}
	}

	var matched []Entry
	for _, e := range all {
		if q.matches(e) {
			matched = append(matched, e)
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[len(matched)-q.Limit:]
	}
	return matched, nil
}

func (l *Log) filesOldestFirstLocked() ([]string, error) {
	var files []string
	for i := l.maxFiles; i >= 1; i-- {
		p := fmt.Sprintf("%s.%d", l.path, i)
		if _, err := os.Stat(p); err == nil {
			files = append(files, p)
		}
	}
	if _, err := os.Stat(l.path); err == nil {
		files = append(files, l.path)
	}
	return files, nil
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, codes.Wrap(component, codes.LoadFailed, "open audit log file", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // skip invalid lines
		}
		entries = append(entries, e)
	}
	return entries, nil
}
