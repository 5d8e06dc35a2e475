package relay

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type StoreOptions struct {
	// StateFile is the flat-file path used when no StateBackend is given.
	StateFile    string
	StateBackend StateBackend
	Logger       *logrus.Logger
}

// Store owns the canonical state document: a map from case identifier to
// the last known field values for that case. Each Apply runs one
// load → merge → persist cycle; the loaded snapshot stays resident between
// calls until Invalidate drops it.
//
// The mutex serializes cycles within this process. Concurrent external
// writers to the same backing file are unsupported, and two relay processes
// sharing one file can lose updates to each other; that limitation is
// accepted, the Postgres backend is the upgrade path.
type Store struct {
	mu       sync.Mutex
	backend  StateBackend
	logger   *logrus.Logger
	resident *stateDocument
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	backend := opts.StateBackend
	if backend == nil {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{backend: backend, logger: logger}
}

// Apply upserts one change record and persists the result. A corrupt
// backing document is logged and replaced by an empty working set rather
// than failing the call; a persist failure is surfaced so the caller never
// reports success for a change that did not reach disk.
func (s *Store) Apply(record ChangeRecord) (UpsertResult, error) {
	if strings.TrimSpace(record.CaseID) == "" {
		return UpsertResult{}, ErrMissingCaseID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.ensureResidentLocked()
	if err != nil {
		return UpsertResult{}, err
	}
	result := doc.upsert(record)
	if err := s.backend.Save(doc); err != nil {
		// On-disk state is now unknown; force a reload next cycle.
		s.resident = nil
		return UpsertResult{}, fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	s.resident = doc
	s.logger.WithFields(logrus.Fields{
		"caseId": result.CaseID,
		"action": result.Action,
	}).Debug("change record persisted")
	return result, nil
}

// Snapshot returns a copy of the current case map.
func (s *Store) Snapshot() (map[string]ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.ensureResidentLocked()
	if err != nil {
		return nil, err
	}
	out := make(map[string]ChangeRecord, len(doc.Cases))
	for caseID, record := range doc.Cases {
		fields := make(map[string]any, len(record.Fields))
		for key, value := range record.Fields {
			fields[key] = value
		}
		record.Fields = fields
		out[caseID] = record
	}
	return out, nil
}

// Invalidate drops the resident snapshot so the next cycle reloads from the
// backend. Called by the state-file watcher when the backing file changes
// out-of-band.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.resident = nil
	s.mu.Unlock()
}

func (s *Store) Close() error {
	if closer, ok := s.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (s *Store) ensureResidentLocked() (*stateDocument, error) {
	if s.resident != nil {
		return s.resident, nil
	}
	doc, err := s.backend.Load()
	if err != nil {
		if !errors.Is(err, ErrCorruptState) {
			return nil, err
		}
		s.logger.WithError(err).Error("state document unreadable, continuing from an empty set")
		doc = nil
	}
	if doc == nil {
		doc = newStateDocument()
	}
	s.resident = doc
	return doc, nil
}
