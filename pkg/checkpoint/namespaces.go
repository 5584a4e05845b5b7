package checkpoint

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// --- steps/ namespace: per-story checkpoints keyed by (sessionID, stepID) ---

func stepName(sessionID, stepID string) string {
	return fmt.Sprintf("step-%s-%s", sessionID, stepID)
}

func (s *Store) stepsDir() string { return filepath.Join(s.baseDir, "steps") }

// SaveStep persists a story's execution state under the steps/ namespace.
func (s *Store) SaveStep(sessionID, stepID string, state any) error {
	if err := ValidateName(sessionID); err != nil {
		return err
	}
	if err := ValidateName(stepID); err != nil {
		return err
	}
	name := stepName(sessionID, stepID)
	return s.saveAt(filepath.Join(s.stepsDir(), name+".json"), "steps/"+name, state)
}

// LoadStep retrieves a story's checkpointed execution state.
func (s *Store) LoadStep(sessionID, stepID string, out any) (bool, error) {
	if err := ValidateName(sessionID); err != nil {
		return false, err
	}
	if err := ValidateName(stepID); err != nil {
		return false, err
	}
	name := stepName(sessionID, stepID)
	return s.loadAt(filepath.Join(s.stepsDir(), name+".json"), "steps/"+name, out)
}

// ListStepsBySession returns every step checkpoint name for sessionID,
// sorted ascending.
func (s *Store) ListStepsBySession(sessionID string) ([]string, error) {
	all, err := s.listDir(s.stepsDir())
	if err != nil {
		return nil, err
	}
	prefix := "step-" + sessionID + "-"
	var matched []string
	for _, name := range all {
		if strings.HasPrefix(name, prefix) {
			matched = append(matched, name)
		}
	}
	return matched, nil
}

// LatestStepBySession returns the most recently saved step checkpoint for a
// session by the savedAt time recorded in its envelope, or ("", false) if
// none exist.
func (s *Store) LatestStepBySession(sessionID string) (string, bool, error) {
	names, err := s.ListStepsBySession(sessionID)
	if err != nil || len(names) == 0 {
		return "", false, err
	}

	type stamped struct {
		name string
		env  envelope
	}
	var stamps []stamped
	for _, name := range names {
		var env envelope
		data, rerr := readEnvelope(filepath.Join(s.stepsDir(), name+".json"))
		if rerr != nil {
			continue
		}
		env = data
		stamps = append(stamps, stamped{name: name, env: env})
	}
	if len(stamps) == 0 {
		return "", false, nil
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].env.SavedAt.After(stamps[j].env.SavedAt) })
	return stamps[0].name, true, nil
}

// CompactStepsBySession keeps only the `keep` most recent step checkpoints
// for a session, deleting the rest, and returns the number removed.
func (s *Store) CompactStepsBySession(sessionID string, keep int) (int, error) {
	if keep <= 0 {
		keep = 10
	}
	names, err := s.ListStepsBySession(sessionID)
	if err != nil {
		return 0, err
	}
	type stamped struct {
		name string
		at   int64
	}
	var stamps []stamped
	for _, name := range names {
		env, rerr := readEnvelope(filepath.Join(s.stepsDir(), name+".json"))
		if rerr != nil {
			continue
		}
		stamps = append(stamps, stamped{name: name, at: env.SavedAt.UnixNano()})
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].at > stamps[j].at })

	removed := 0
	for i := keep; i < len(stamps); i++ {
		path := filepath.Join(s.stepsDir(), stamps[i].name+".json")
		if err := removeFile(path); err == nil {
			removed++
		}
	}
	return removed, nil
}

// --- sessions/ namespace ---

func (s *Store) sessionsDir() string { return filepath.Join(s.baseDir, "sessions") }

// SaveSession persists a Session's coordinator-level state.
func (s *Store) SaveSession(sessionID string, state any) error {
	if err := ValidateName(sessionID); err != nil {
		return err
	}
	name := "session-" + sessionID
	return s.saveAt(filepath.Join(s.sessionsDir(), name+".json"), "sessions/"+name, state)
}

// LoadSession retrieves a Session's coordinator-level state.
func (s *Store) LoadSession(sessionID string, out any) (bool, error) {
	if err := ValidateName(sessionID); err != nil {
		return false, err
	}
	name := "session-" + sessionID
	return s.loadAt(filepath.Join(s.sessionsDir(), name+".json"), "sessions/"+name, out)
}

// ListSessions returns every persisted session checkpoint name. When filter
// is non-nil it is called with each decoded state and only matching names
// are returned (used to filter by session status without a second pass).
func ListSessions[T any](s *Store, filter func(T) bool) ([]string, error) {
	all, err := s.listDir(s.sessionsDir())
	if err != nil {
		return nil, err
	}
	if filter == nil {
		return all, nil
	}
	var matched []string
	for _, name := range all {
		var state T
		ok, err := s.loadAt(filepath.Join(s.sessionsDir(), name+".json"), "sessions/"+name, &state)
		if err != nil || !ok {
			continue
		}
		if filter(state) {
			matched = append(matched, name)
		}
	}
	return matched, nil
}

// --- loops/ namespace ---

func (s *Store) loopsDir() string { return filepath.Join(s.baseDir, "loops") }

// SaveLoop persists a RepeatUntilLoop's accumulated iteration state.
func (s *Store) SaveLoop(loopID string, state any) error {
	if err := ValidateName(loopID); err != nil {
		return err
	}
	name := "loop-" + loopID
	return s.saveAt(filepath.Join(s.loopsDir(), name+".json"), "loops/"+name, state)
}

// LoadLoop retrieves a loop's accumulated iteration state.
func (s *Store) LoadLoop(loopID string, out any) (bool, error) {
	if err := ValidateName(loopID); err != nil {
		return false, err
	}
	name := "loop-" + loopID
	return s.loadAt(filepath.Join(s.loopsDir(), name+".json"), "loops/"+name, out)
}

// UpdateLoopIteration loads the loop state, lets mutate append a new
// iteration result, and saves it back. The load and the save each take the
// loop's own lock, so updates to distinct loops never block each other; the
// load-mutate-save sequence as a whole is not atomic, so concurrent updates
// to the same loop are not serialized by this function.
func UpdateLoopIteration[T any](s *Store, loopID string, mutate func(*T), zero func() T) error {
	var state T
	ok, err := s.LoadLoop(loopID, &state)
	if err != nil {
		return err
	}
	if !ok {
		state = zero()
	}
	mutate(&state)
	return s.SaveLoop(loopID, state)
}

// DeleteLoop removes a loop checkpoint entirely.
func (s *Store) DeleteLoop(loopID string) error {
	if err := ValidateName(loopID); err != nil {
		return err
	}
	name := "loop-" + loopID
	path := filepath.Join(s.loopsDir(), name+".json")
	if err := removeFile(path); err != nil {
		return err
	}
	return nil
}

// ListLoops returns every persisted loop checkpoint name, sorted ascending.
func (s *Store) ListLoops() ([]string, error) {
	return s.listDir(s.loopsDir())
}
