package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	apperrors "github.com/ax-platform/ax-mcp-monitor/internal/errors"
	"github.com/ax-platform/ax-mcp-monitor/internal/metrics"
	"github.com/ax-platform/ax-mcp-monitor/internal/models"
	"github.com/ax-platform/ax-mcp-monitor/internal/parser"

	"github.com/sirupsen/logrus"
)

// IngestResult says what happened to one long-poll payload.
type IngestResult string

const (
	IngestIgnored     IngestResult = "ignored"
	IngestDuplicate   IngestResult = "duplicate"
	IngestStored      IngestResult = "stored"
	IngestStoreFailed IngestResult = "store_failed"
)

// noDataSentinels are payloads the platform sends when there is nothing to report.
var noDataSentinels = map[string]struct{}{
	"no new messages": {},
	"no mentions":     {},
	"timeout":         {},
	"[]":              {},
	"{}":              {},
	"null":            {},
	"none":            {},
}

// MessageID is the identity of a payload: the hex SHA-256 of its bytes.
func MessageID(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IsNoData reports whether raw carries nothing worth storing.
func IsNoData(raw string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return true
	}
	_, ok := noDataSentinels[trimmed]
	return ok
}

// Ingestor turns raw payloads into PENDING rows, at most once per payload.
type Ingestor struct {
	store  MessageStore
	parser *parser.Parser
	logger *logrus.Logger
	errLog *apperrors.Logger
	now    func() time.Time
}

// NewIngestor creates an ingestor writing to store.
func NewIngestor(store MessageStore, p *parser.Parser, logger *logrus.Logger) *Ingestor {
	return &Ingestor{
		store:  store,
		parser: p,
		logger: logger,
		errLog: apperrors.NewLoggerFrom(logger),
		now:    time.Now,
	}
}

// Ingest stores raw as a PENDING message unless it is empty, a no-data
// sentinel or already known. The parse outcome is stored with the row
// whether or not a mention was found; gating happens at processing time.
func (i *Ingestor) Ingest(ctx context.Context, raw string) (IngestResult, *models.Message, error) {
	if IsNoData(raw) {
		i.count(IngestIgnored)
		return IngestIgnored, nil, nil
	}

	id := MessageID(raw)
	entry := LogWithContext(ctx, i.logger).WithField(LogFieldMessageID, SanitizeMessageID(id))

	dup, err := i.store.IsDuplicate(ctx, id)
	if err != nil {
		entry.WithError(err).Error("Failed to check for duplicate message")
		i.count(IngestStoreFailed)
		return IngestStoreFailed, nil, err
	}
	if dup {
		entry.Debug("Skipping message: already stored")
		i.count(IngestDuplicate)
		return IngestDuplicate, nil, nil
	}

	msg := models.NewPendingMessage(id, raw, i.now())
	ApplyParse(msg, i.parser.Parse(raw))

	stored, err := i.store.StoreMessage(ctx, msg)
	if err != nil {
		entry.WithError(err).Error("Failed to store message")
		i.count(IngestStoreFailed)
		return IngestStoreFailed, nil, err
	}
	if !stored {
		// Lost a race against another writer for the same payload.
		i.count(IngestDuplicate)
		return IngestDuplicate, nil, nil
	}

	if msg.ParsedMention == nil {
		parseErr := apperrors.NewParseError(SanitizeMessageID(id), "no mention of "+i.parser.Handle())
		i.errLog.WithError(parseErr).Debug("Payload has no mention for this agent")
	}
	entry.WithFields(logrus.Fields{
		LogFieldSender:  models.Deref(msg.SenderHandle),
		"mention_found": msg.ParsedMention != nil,
	}).Info("Stored new message")
	i.count(IngestStored)
	return IngestStored, msg, nil
}

func (i *Ingestor) count(result IngestResult) {
	metrics.IncrementCounter("messages_ingested_total", map[string]string{"result": string(result)}, "Long-poll payloads by ingestion result")
}

// ApplyParse records a parse result on msg. An unfound mention leaves the
// mention nil and the sender @unknown, so the row counts as parsed.
func ApplyParse(msg *models.Message, res parser.Result) {
	if !res.Found {
		msg.ParsedAuthor = nil
		msg.ParsedMention = nil
		unknown := parser.UnknownSender
		msg.SenderHandle = &unknown
		return
	}
	msg.ParsedAuthor = models.StringPtr(res.Author)
	msg.ParsedMention = models.StringPtr(res.Mention)
	msg.SenderHandle = models.StringPtr(res.Sender)
}
