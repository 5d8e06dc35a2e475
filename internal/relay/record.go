package relay

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrMissingCaseID = errors.New("missing case identifier")
	ErrCorruptState  = errors.New("corrupt state")
	ErrPersistFailed = errors.New("persist failed")
)

// DefaultCaseIDField is the entry key the upstream spreadsheet schema uses
// for the case identifier. Overridable via configuration.
const DefaultCaseIDField = "Case_Organization:Case_ID"

// CorruptStateError reports a backing state document that exists but cannot
// be decoded or fails structural validation.
type CorruptStateError struct {
	Source string
	Err    error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state document (%s): %v", e.Source, e.Err)
}

func (e *CorruptStateError) Is(target error) bool {
	return target == ErrCorruptState
}

func (e *CorruptStateError) Unwrap() error {
	return e.Err
}

// ChangeRecord is one change notification keyed by case identifier, carrying
// a partial or full field-value snapshot for that case.
type ChangeRecord struct {
	CaseID    string         `json:"caseId"`
	Timestamp string         `json:"timestamp"`
	SheetName string         `json:"sheetName"`
	RowNumber int            `json:"rowNumber"`
	Fields    map[string]any `json:"fields"`
}

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
)

type UpsertResult struct {
	Action string `json:"action"`
	CaseID string `json:"caseId"`
}

// PushMessage is the envelope delivered to realtime subscribers (and the
// NATS mirror, when configured) for every accepted change.
type PushMessage struct {
	Type string   `json:"type"`
	Data PushData `json:"data"`
}

type PushData struct {
	Timestamp string         `json:"timestamp"`
	Sheet     string         `json:"sheet"`
	Row       int            `json:"row"`
	CaseID    string         `json:"caseId"`
	Entry     map[string]any `json:"entry"`
}

// stateDocument is the canonical persisted form: a keyed mapping so the
// one-record-per-caseId invariant is structural.
type stateDocument struct {
	Cases map[string]ChangeRecord `json:"cases"`
}

func newStateDocument() *stateDocument {
	return &stateDocument{Cases: map[string]ChangeRecord{}}
}

// upsert merges the record into the document. A new caseId is stored
// verbatim; an existing one gets a shallow per-field merge (keys present in
// the incoming record win, absent keys survive) and fresh routing metadata.
func (d *stateDocument) upsert(record ChangeRecord) UpsertResult {
	if d.Cases == nil {
		d.Cases = map[string]ChangeRecord{}
	}
	existing, ok := d.Cases[record.CaseID]
	if !ok {
		if record.Fields == nil {
			record.Fields = map[string]any{}
		}
		d.Cases[record.CaseID] = record
		return UpsertResult{Action: ActionCreated, CaseID: record.CaseID}
	}
	if existing.Fields == nil {
		existing.Fields = map[string]any{}
	}
	for key, value := range record.Fields {
		existing.Fields[key] = value
	}
	existing.Timestamp = record.Timestamp
	existing.SheetName = record.SheetName
	existing.RowNumber = record.RowNumber
	d.Cases[record.CaseID] = existing
	return UpsertResult{Action: ActionUpdated, CaseID: record.CaseID}
}
