package relay

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newMemoryStore() *Store {
	return NewStoreWithOptions(StoreOptions{
		StateBackend: NewInMemoryStateBackend(),
		Logger:       quietLogger(),
	})
}

func TestApplyCreatesThenUpdates(t *testing.T) {
	store := newMemoryStore()

	first, err := store.Apply(ChangeRecord{
		CaseID:    "CARD0001",
		Timestamp: "2024-01-01T00:00:00Z",
		SheetName: "Input",
		RowNumber: 5,
		Fields:    map[string]any{"hr": 88},
	})
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	if first.Action != ActionCreated || first.CaseID != "CARD0001" {
		t.Fatalf("expected created CARD0001, got %+v", first)
	}

	second, err := store.Apply(ChangeRecord{
		CaseID:    "CARD0001",
		Timestamp: "2024-01-01T00:01:00Z",
		SheetName: "Input",
		RowNumber: 5,
		Fields:    map[string]any{"hr": 92},
	})
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if second.Action != ActionUpdated {
		t.Fatalf("expected updated, got %q", second.Action)
	}

	snapshot, err := store.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(snapshot) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(snapshot))
	}
	record := snapshot["CARD0001"]
	if record.Fields["hr"] != 92 {
		t.Fatalf("expected hr 92, got %v", record.Fields["hr"])
	}
	if record.Timestamp != "2024-01-01T00:01:00Z" {
		t.Fatalf("expected timestamp overwritten, got %q", record.Timestamp)
	}
}

func TestApplyPartialMergePreservesUntouchedFields(t *testing.T) {
	store := newMemoryStore()

	if _, err := store.Apply(ChangeRecord{
		CaseID: "C1",
		Fields: map[string]any{"hr": 80, "bp": "120/80"},
	}); err != nil {
		t.Fatalf("seed apply failed: %v", err)
	}
	if _, err := store.Apply(ChangeRecord{
		CaseID: "C1",
		Fields: map[string]any{"hr": 95},
	}); err != nil {
		t.Fatalf("update apply failed: %v", err)
	}

	snapshot, err := store.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	record := snapshot["C1"]
	if record.Fields["hr"] != 95 {
		t.Fatalf("expected hr 95, got %v", record.Fields["hr"])
	}
	if record.Fields["bp"] != "120/80" {
		t.Fatalf("expected bp to survive the merge, got %v", record.Fields["bp"])
	}
}

func TestApplyIdenticalPayloadIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	record := ChangeRecord{
		CaseID:    "C1",
		Timestamp: "2024-01-01T00:00:00Z",
		Fields:    map[string]any{"hr": 88},
	}

	if _, err := store.Apply(record); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	result, err := store.Apply(record)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if result.Action != ActionUpdated {
		t.Fatalf("expected updated on resubmission, got %q", result.Action)
	}

	snapshot, err := store.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(snapshot) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(snapshot))
	}
	if snapshot["C1"].Fields["hr"] != 88 {
		t.Fatalf("expected hr 88, got %v", snapshot["C1"].Fields["hr"])
	}
}

func TestApplyRejectsMissingCaseID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStoreWithOptions(StoreOptions{StateFile: path, Logger: quietLogger()})

	if _, err := store.Apply(ChangeRecord{Fields: map[string]any{"hr": 88}}); !errors.Is(err, ErrMissingCaseID) {
		t.Fatalf("expected ErrMissingCaseID, got %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no state file after rejected apply, stat err: %v", err)
	}
}

func TestApplyRejectsMissingCaseIDWithoutTouchingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStoreWithOptions(StoreOptions{StateFile: path, Logger: quietLogger()})

	if _, err := store.Apply(ChangeRecord{CaseID: "C1", Fields: map[string]any{"hr": 88}}); err != nil {
		t.Fatalf("seed apply failed: %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}

	if _, err := store.Apply(ChangeRecord{CaseID: "  ", Fields: map[string]any{"hr": 99}}); !errors.Is(err, ErrMissingCaseID) {
		t.Fatalf("expected ErrMissingCaseID, got %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("re-read state file: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("state file changed after a rejected apply")
	}
}

func TestCorruptStateFileFallsBackToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("this is not json{{"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	store := NewStoreWithOptions(StoreOptions{StateFile: path, Logger: quietLogger()})

	result, err := store.Apply(ChangeRecord{CaseID: "C1", Fields: map[string]any{"hr": 88}})
	if err != nil {
		t.Fatalf("apply over corrupt state failed: %v", err)
	}
	if result.Action != ActionCreated {
		t.Fatalf("expected created from empty fallback, got %q", result.Action)
	}

	doc, err := NewJSONFileStateBackend(path).Load()
	if err != nil {
		t.Fatalf("expected freshly valid state file, got %v", err)
	}
	if doc == nil || len(doc.Cases) != 1 {
		t.Fatalf("expected one case in rewritten file, got %+v", doc)
	}
}

type stubBackend struct {
	loadDoc *stateDocument
	loadErr error
	saveErr error
	saves   int
}

func (b *stubBackend) Load() (*stateDocument, error) { return b.loadDoc, b.loadErr }

func (b *stubBackend) Save(doc *stateDocument) error {
	b.saves++
	return b.saveErr
}

func TestPersistFailureSurfaces(t *testing.T) {
	backend := &stubBackend{saveErr: errors.New("disk full")}
	store := NewStoreWithOptions(StoreOptions{StateBackend: backend, Logger: quietLogger()})

	if _, err := store.Apply(ChangeRecord{CaseID: "C1"}); !errors.Is(err, ErrPersistFailed) {
		t.Fatalf("expected ErrPersistFailed, got %v", err)
	}
	if backend.saves != 1 {
		t.Fatalf("expected one save attempt, got %d", backend.saves)
	}
}

func TestLoadFailureSurfaces(t *testing.T) {
	backend := &stubBackend{loadErr: errors.New("backend offline")}
	store := NewStoreWithOptions(StoreOptions{StateBackend: backend, Logger: quietLogger()})

	if _, err := store.Apply(ChangeRecord{CaseID: "C1"}); err == nil {
		t.Fatal("expected load error to surface")
	}
	if backend.saves != 0 {
		t.Fatal("expected no save attempt after failed load")
	}
}

func TestWatcherPicksUpExternalEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store := NewStoreWithOptions(StoreOptions{StateFile: path, Logger: quietLogger()})

	if _, err := store.Apply(ChangeRecord{CaseID: "C1", Fields: map[string]any{"hr": 88}}); err != nil {
		t.Fatalf("seed apply failed: %v", err)
	}

	watcher, err := WatchStateFile(path, store, quietLogger())
	if err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer watcher.Close()

	edited := []byte(`{"cases":{"C1":{"caseId":"C1","fields":{"hr":88}},"C2":{"caseId":"C2","fields":{"hr":70}}}}`)
	if err := os.WriteFile(path, edited, 0o644); err != nil {
		t.Fatalf("external edit: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		snapshot, err := store.Snapshot()
		if err != nil {
			t.Fatalf("snapshot failed: %v", err)
		}
		if len(snapshot) == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("external edit never picked up, snapshot has %d cases", len(snapshot))
		}
		time.Sleep(20 * time.Millisecond)
	}
}
