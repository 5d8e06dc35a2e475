package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/casebuilder/livesync/internal/relay"
)

// Broadcaster delivers an accepted change to realtime consumers. The hub is
// the primary implementation; the NATS mirror and test fakes are others.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg relay.PushMessage)
}

type ServerConfig struct {
	// CaseIDField is the entry key carrying the case identifier.
	CaseIDField  string
	MaxBodyBytes int64
	Logger       *logrus.Logger
}

type Server struct {
	store  *relay.Store
	hub    *Hub
	sinks  []Broadcaster
	cfg    ServerConfig
	logger *logrus.Logger
}

func NewServer(store *relay.Store, hub *Hub) *Server {
	return NewServerWithConfig(store, hub, ServerConfig{})
}

// NewServerWithConfig wires the ingest surface to the store and fan-out.
// The hub may be nil (no realtime endpoint); mirrors are additional
// best-effort sinks for accepted changes.
func NewServerWithConfig(store *relay.Store, hub *Hub, cfg ServerConfig, mirrors ...Broadcaster) *Server {
	if cfg.CaseIDField == "" {
		cfg.CaseIDField = relay.DefaultCaseIDField
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	sinks := make([]Broadcaster, 0, len(mirrors)+1)
	if hub != nil {
		sinks = append(sinks, hub)
	}
	sinks = append(sinks, mirrors...)
	return &Server{
		store:  store,
		hub:    hub,
		sinks:  sinks,
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("live-sync relay up\n"))
	case r.URL.Path == "/vitals-update" && r.Method == http.MethodPost:
		s.handleVitalsUpdate(w, r)
	case r.URL.Path == "/state" && r.Method == http.MethodGet:
		s.handleState(w, r)
	case r.URL.Path == "/ws" && r.Method == http.MethodGet:
		if s.hub == nil {
			writeFailure(w, http.StatusNotFound, "realtime channel not enabled")
			return
		}
		s.hub.Subscribe(w, r)
	default:
		writeFailure(w, http.StatusNotFound, "route not found")
	}
}

type vitalsUpdateRequest struct {
	Timestamp string         `json:"timestamp"`
	Sheet     string         `json:"sheet"`
	Row       int            `json:"row"`
	Entry     map[string]any `json:"entry"`
}

func (s *Server) handleVitalsUpdate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeFailure(w, http.StatusRequestEntityTooLarge, "request body exceeds configured limit")
			return
		}
		writeFailure(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req vitalsUpdateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid json body")
		return
	}
	caseID, _ := req.Entry[s.cfg.CaseIDField].(string)
	if caseID == "" {
		writeFailure(w, http.StatusBadRequest, "missing case identifier in entry")
		return
	}

	result, err := s.store.Apply(relay.ChangeRecord{
		CaseID:    caseID,
		Timestamp: req.Timestamp,
		SheetName: req.Sheet,
		RowNumber: req.Row,
		Fields:    req.Entry,
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"caseId":       caseID,
			"payloadBytes": len(body),
		}).Error("failed to apply change record")
		status := http.StatusInternalServerError
		if errors.Is(err, relay.ErrMissingCaseID) || errors.Is(err, relay.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		writeFailure(w, status, err.Error())
		return
	}

	s.fanOut(r.Context(), relay.PushMessage{
		Type: "vitalsUpdate",
		Data: relay.PushData{
			Timestamp: req.Timestamp,
			Sheet:     req.Sheet,
			Row:       req.Row,
			CaseID:    caseID,
			Entry:     req.Entry,
		},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"caseId":    result.CaseID,
		"action":    result.Action,
		"timestamp": req.Timestamp,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.store.Snapshot()
	if err != nil {
		s.logger.WithError(err).Error("failed to read state snapshot")
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": snapshot})
}

// fanOut pushes to every sink; sink failures are the sinks' own business and
// never affect the ingest response.
func (s *Server) fanOut(ctx context.Context, msg relay.PushMessage) {
	for _, sink := range s.sinks {
		sink.Broadcast(ctx, msg)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"ok":    false,
		"error": message,
	})
}
