package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSMirror republishes every accepted change to a NATS subject, mirroring
// the WebSocket push for consumers that are not connected over WebSocket.
// Delivery is best-effort like the fan-out itself: a failed publish is
// logged and never surfaced to the ingest caller.
type NATSMirror struct {
	conn    *nats.Conn
	subject string
	logger  *logrus.Logger
}

func NewNATSMirror(cfg NATSConfig, logger *logrus.Logger) (*NATSMirror, error) {
	if logger == nil {
		logger = logrus.New()
	}
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Infof("Connected to NATS at %s", cfg.URL)

	return &NATSMirror{
		conn:    conn,
		subject: cfg.Subject,
		logger:  logger,
	}, nil
}

func (m *NATSMirror) Broadcast(ctx context.Context, msg PushMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.WithError(err).Warn("dropping NATS mirror publish: marshal failed")
		return
	}
	if err := m.conn.Publish(m.subject, data); err != nil {
		m.logger.WithError(err).WithField("caseId", msg.Data.CaseID).Warn("NATS mirror publish failed")
		return
	}
	m.logger.Debugf("Mirrored %s for case %s to %s", msg.Type, msg.Data.CaseID, m.subject)
}

func (m *NATSMirror) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}
