package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/ruteri/credential-registry/interfaces"
)

// EventType names a document lifecycle event.
type EventType string

const (
	EventRegistered EventType = "document_registered"
	EventFailed     EventType = "document_failed"
	EventDiverged   EventType = "document_diverged"
)

// DocumentEvent is published when a registration reaches a terminal state or
// the ledger disagrees with a draft. It never carries key material.
type DocumentEvent struct {
	Type         EventType               `json:"type"`
	DocumentHash interfaces.DocumentHash `json:"documentHash"`
	TxHash       interfaces.TxHash       `json:"transactionHash"`
	CID          string                  `json:"ipfsHash,omitempty"`
	Issuer       interfaces.Address      `json:"issuer"`
	Owner        interfaces.Address      `json:"owner"`
	Reason       string                  `json:"reason,omitempty"`
	At           time.Time               `json:"at"`
}

// EventSink receives document events. Publish must not block for long.
type EventSink interface {
	Publish(ctx context.Context, ev DocumentEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev DocumentEvent)

func (f EventSinkFunc) Publish(ctx context.Context, ev DocumentEvent) {
	f(ctx, ev)
}

// LogSink writes events to a logger. Divergence is logged as an error since
// it needs an operator.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(ctx context.Context, ev DocumentEvent) {
	level := slog.LevelInfo
	switch ev.Type {
	case EventFailed:
		level = slog.LevelWarn
	case EventDiverged:
		level = slog.LevelError
	}
	s.log.Log(ctx, level, "Document event",
		slog.String("type", string(ev.Type)),
		slog.String("documentHash", ev.DocumentHash.String()),
		slog.String("tx", ev.TxHash.String()),
		slog.String("cid", ev.CID),
		slog.String("issuer", interfaces.AddressString(ev.Issuer)),
		slog.String("owner", interfaces.AddressString(ev.Owner)),
		slog.String("reason", ev.Reason))
}
