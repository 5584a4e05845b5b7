// Package checkpoint implements durable, checksum-verified persistence of
// typed state snapshots under a hierarchical on-disk namespace: wave
// checkpoints at the root, per-story step checkpoints under steps/, session
// checkpoints under sessions/, and loop checkpoints under loops/.
//
// Every write goes through a temp-file + fsync + rename sequence so a crash
// mid-write never leaves a torn file in a checkpoint's place, and every read
// re-verifies a CRC32 checksum computed over the canonical JSON encoding of
// the stored state.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arjunmehta/taskforge/pkg/codes"
)

const component = "checkpoint_store"

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,255}$`)

// ValidateName reports whether name is a legal checkpoint name: no path
// separators, no "..", and matching the allowed charset.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) || strings.Contains(name, "..") {
		return codes.New(component, codes.InvalidName, fmt.Sprintf("invalid checkpoint name: %q", name))
	}
	return nil
}

// envelope is the on-disk payload wrapping a checkpoint's raw state.
type envelope struct {
	State    json.RawMessage `json:"state"`
	Checksum uint32          `json:"checksum"`
	SavedAt  time.Time       `json:"savedAt"`
}

func checksum(state json.RawMessage) uint32 {
	return crc32.ChecksumIEEE(state)
}

// Store is the filesystem-backed CheckpointStore (C1). The zero value is not
// usable; construct with New.
type Store struct {
	baseDir       string
	retentionDays int
	log           *slog.Logger

	mu       sync.Mutex // guards nameLocks map mutation
	nameLock map[string]*sync.Mutex

	accountant *MemoryAccountant
}

// Config mirrors config.CheckpointStoreConfig without importing pkg/config,
// keeping this package usable independent of the root config schema.
type Config struct {
	CheckpointsDir string
	RetentionDays  int
	MaxBytes       int64
}

// New creates a Store rooted at cfg.CheckpointsDir, lazily creating the
// directory tree for each namespace as it is first used.
func New(cfg Config, log *slog.Logger) (*Store, error) {
	if cfg.CheckpointsDir == "" {
		cfg.CheckpointsDir = ".checkpoints"
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 7
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.CheckpointsDir, 0o755); err != nil {
		return nil, codes.Wrap(component, codes.SaveFailed, "create checkpoints directory", err)
	}
	return &Store{
		baseDir:       cfg.CheckpointsDir,
		retentionDays: cfg.RetentionDays,
		log:           log.With("component", component),
		nameLock:      make(map[string]*sync.Mutex),
		accountant:    NewMemoryAccountant(cfg.MaxBytes),
	}, nil
}

// Accountant exposes the store's in-memory byte accounting.
func (s *Store) Accountant() *MemoryAccountant { return s.accountant }

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.nameLock[key]
	if !ok {
		l = &sync.Mutex{}
		s.nameLock[key] = l
	}
	return l
}

func (s *Store) pathFor(name string) string {
	return filepath.Join(s.baseDir, name+".json")
}

// Save atomically persists state under name in the wave namespace (the
// store's root). Duplicate names overwrite.
func (s *Store) Save(name string, state any) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return s.saveAt(s.pathFor(name), name, state)
}

// Load retrieves and checksum-verifies the state saved under name. A missing
// checkpoint returns (false, nil), not an error.
func (s *Store) Load(name string, out any) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	return s.loadAt(s.pathFor(name), name, out)
}

// List returns every wave-namespace checkpoint name, sorted ascending.
func (s *Store) List() ([]string, error) {
	return s.listDir(s.baseDir)
}

// Compact deletes wave-namespace checkpoints older than RetentionDays,
// skipping (not aborting on) corrupt files, and returns the number removed.
func (s *Store) Compact() (int, error) {
	return s.compactDir(s.baseDir, s.retentionDays, func(string) bool { return true })
}

// --- generic save/load helpers (used by steps/sessions/loops too) ---

func (s *Store) saveAt(path, lockKey string, state any) error {
	l := s.lockFor(lockKey)
	l.Lock()
	defer l.Unlock()

	raw, err := json.Marshal(state)
	if err != nil {
		return codes.Wrap(component, codes.SaveFailed, "marshal checkpoint state", err)
	}

	env := envelope{State: raw, Checksum: checksum(raw), SavedAt: time.Now().UTC()}
	payload, err := json.Marshal(env)
	if err != nil {
		return codes.Wrap(component, codes.SaveFailed, "marshal checkpoint envelope", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return codes.Wrap(component, codes.SaveFailed, "create checkpoint directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return codes.Wrap(component, codes.SaveFailed, "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return codes.Wrap(component, codes.SaveFailed, "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return codes.Wrap(component, codes.SaveFailed, "fsync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return codes.Wrap(component, codes.SaveFailed, "close temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return codes.Wrap(component, codes.SaveFailed, "rename into place", err)
	}

	s.accountant.grow(int64(len(payload)))
	s.log.Debug("checkpoint saved", "name", lockKey, "bytes", len(payload))
	return nil
}

func (s *Store) loadAt(path, lockKey string, out any) (bool, error) {
	l := s.lockFor(lockKey)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, codes.Wrap(component, codes.LoadFailed, "read checkpoint file", err).
			WithContext(map[string]any{"path": path})
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, codes.Wrap(component, codes.Corrupt, "parse checkpoint envelope", err).
			WithContext(map[string]any{"path": path})
	}

	if checksum(env.State) != env.Checksum {
		return false, codes.New(component, codes.Corrupt, "checksum mismatch").
			WithContext(map[string]any{"path": path})
	}

	if out != nil {
		if err := json.Unmarshal(env.State, out); err != nil {
			return false, codes.Wrap(component, codes.Corrupt, "unmarshal checkpoint state", err).
				WithContext(map[string]any{"path": path})
		}
	}
	return true, nil
}

func (s *Store) listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, codes.Wrap(component, codes.LoadFailed, "list checkpoint directory", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) compactDir(dir string, retentionDays int, keep func(name string) bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, codes.Wrap(component, codes.CompactionFailed, "list checkpoint directory for compaction", err)
	}

	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if !keep(name) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn("compact: skipping unreadable checkpoint", "path", path, "error", err)
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("compact: skipping corrupt checkpoint", "path", path, "error", err)
			continue
		}
		if checksum(env.State) != env.Checksum {
			s.log.Warn("compact: skipping corrupt checkpoint (checksum mismatch)", "path", path)
			continue
		}
		if env.SavedAt.Before(cutoff) {
			if err := os.Remove(path); err != nil {
				s.log.Warn("compact: failed to remove expired checkpoint", "path", path, "error", err)
				continue
			}
			s.accountant.shrink(int64(len(data)))
			removed++
		}
	}
	return removed, nil
}

func readEnvelope(path string) (envelope, error) {
	var env envelope
	data, err := os.ReadFile(path)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, err
	}
	if checksum(env.State) != env.Checksum {
		return env, fmt.Errorf("checksum mismatch: %s", path)
	}
	return env, nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

