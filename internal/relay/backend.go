package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// StateBackend persists the whole state document as one snapshot. The relay
// always loads, merges and saves the full document; there is no partial
// update surface, which keeps the file, memory and Postgres implementations
// interchangeable behind this interface.
type StateBackend interface {
	Load() (*stateDocument, error)
	Save(doc *stateDocument) error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

// Load returns nil with no error when the file does not exist yet. An
// existing file that fails to decode, or decodes into something the state
// schema rejects, yields a CorruptStateError.
func (b *JSONFileStateBackend) Load() (*stateDocument, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if err := validateStateDocument(data); err != nil {
		return nil, &CorruptStateError{Source: b.Path, Err: err}
	}
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &CorruptStateError{Source: b.Path, Err: err}
	}
	return &doc, nil
}

// Save replaces the file's previous contents wholesale, via tmp+rename so a
// crash mid-write never leaves a half-written document behind.
func (b *JSONFileStateBackend) Save(doc *stateDocument) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || doc == nil {
		return nil
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *stateDocument
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*stateDocument, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneStateDocument(b.snapshot)
}

func (b *InMemoryStateBackend) Save(doc *stateDocument) error {
	if b == nil || doc == nil {
		return nil
	}
	clone, err := cloneStateDocument(doc)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func cloneStateDocument(doc *stateDocument) (*stateDocument, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var clone stateDocument
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

// BuildStateBackendFromDSN selects a backend by DSN scheme. A bare path or
// file:// DSN gives the flat-file backend; postgres:// gives the
// transactional backend the design notes point to for stronger guarantees.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "", "file":
		return NewJSONFileStateBackend(dsnPath(parsed, dsn)), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, dsn string) string {
	if parsed.Scheme == "" {
		return dsn
	}
	path := strings.TrimPrefix(dsn, parsed.Scheme+"://")
	if parsed.Opaque != "" {
		path = parsed.Opaque
	}
	return path
}
