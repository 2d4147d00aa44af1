package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/ax-platform/ax-mcp-monitor/internal/errors"
	"github.com/ax-platform/ax-mcp-monitor/internal/metrics"
	"github.com/ax-platform/ax-mcp-monitor/internal/models"
	"github.com/ax-platform/ax-mcp-monitor/internal/parser"
	"github.com/ax-platform/ax-mcp-monitor/internal/plugin"
	"github.com/ax-platform/ax-mcp-monitor/internal/privacy"
	"github.com/ax-platform/ax-mcp-monitor/internal/retry"
	"github.com/ax-platform/ax-mcp-monitor/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Completion and failure reasons recorded on the message row.
const (
	ReasonNotForAgent   = "Not a mention for this agent"
	ReasonNoValidSender = "No valid mention detected"
	ReasonEmptyReply    = "Plugin returned empty response"
	ReasonSendFailed    = "Failed to send response"
)

const envelopeTemplate = `aX Platform Message Received
- Your agent handle: %s
- Mention originated from: %s
- The sender tagged you in a shared conversation.

MESSAGE CONTENT:
%s`

// ReplySender delivers a reply to the platform.
type ReplySender interface {
	SendMessage(ctx context.Context, text, idempotencyKey string) error
}

// ProcessorConfig controls how addressed messages are handled.
type ProcessorConfig struct {
	SessionID        func() string
	SendAttempts     int
	IgnoreMentions   []string
	RequiredMentions []string
}

// ProcessOutcome is the terminal result of one Process call.
type ProcessOutcome string

const (
	OutcomeReplied      ProcessOutcome = "replied"
	OutcomeNotForAgent  ProcessOutcome = "not_for_agent"
	OutcomeUnknown      ProcessOutcome = "unknown_sender"
	OutcomeEmptyReply   ProcessOutcome = "empty_reply"
	OutcomePluginFailed ProcessOutcome = "plugin_failed"
	OutcomeSendFailed   ProcessOutcome = "send_failed"
	OutcomeInterrupted  ProcessOutcome = "interrupted"
)

// Processor takes a claimed message through gating, the plugin, the
// self-mention guard and delivery, and records the result.
type Processor struct {
	store   MessageStore
	sender  ReplySender
	plugin  plugin.Plugin
	parser  *parser.Parser
	guard   *parser.Guard
	backoff *retry.Backoff
	config  ProcessorConfig
	logger  *logrus.Logger
	errLog  *apperrors.Logger
}

// NewProcessor creates a processor. A zero SendAttempts means a single try.
func NewProcessor(store MessageStore, sender ReplySender, p plugin.Plugin, mp *parser.Parser, guard *parser.Guard,
	backoff *retry.Backoff, config ProcessorConfig, logger *logrus.Logger) *Processor {
	if config.SendAttempts < 1 {
		config.SendAttempts = 1
	}
	if config.SessionID == nil {
		config.SessionID = func() string { return "" }
	}
	if backoff == nil {
		backoff = retry.NewBackoff(retry.DefaultBackoffConfig())
	}
	return &Processor{
		store:   store,
		sender:  sender,
		plugin:  p,
		parser:  mp,
		guard:   guard,
		backoff: backoff,
		config:  config,
		logger:  logger,
		errLog:  apperrors.NewLoggerFrom(logger),
	}
}

// Violations returns how many replies the guard has rewritten.
func (p *Processor) Violations() int {
	return p.guard.Violations()
}

// Process handles msg, which the caller must already have claimed. The
// returned error describes a failure that has already been recorded on the
// row; a cancelled ctx leaves the row PROCESSING for startup recovery.
func (p *Processor) Process(ctx context.Context, msg *models.Message) (outcome ProcessOutcome, err error) {
	start := time.Now()
	ctx = tracing.WithMessageID(ctx, msg.ID)
	ctx, span := tracing.WithOtelTracing(ctx, "monitor.process",
		attribute.String("message.id", privacy.ShortID(msg.ID)),
		attribute.Int("retry.count", msg.RetryCount),
	)
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		if err != nil {
			tracing.RecordError(ctx, err)
		} else {
			tracing.SetSpanStatus(ctx, codes.Ok, "")
		}
		span.End()
		metrics.IncrementCounter("messages_processed_total", map[string]string{"outcome": string(outcome)}, "Processed messages by outcome")
		metrics.RecordTimer("message_processing", time.Since(start), map[string]string{"outcome": string(outcome)}, "Time to process one message")
	}()

	if !msg.IsParsed() {
		p.reparse(ctx, msg)
	}

	mention := models.Deref(msg.ParsedMention)
	sender := models.Deref(msg.SenderHandle)
	LogMessageProcessing(ctx, p.logger, "process", msg.ID, sender, mention)

	if mention == "" || !p.parser.IsMentionForUs(mention) {
		return OutcomeNotForAgent, p.complete(ctx, msg, ReasonNotForAgent)
	}
	if sender == "" || sender == parser.UnknownSender {
		return OutcomeUnknown, p.complete(ctx, msg, ReasonNoValidSender)
	}

	reply, err := p.callPlugin(ctx, msg, sender, mention)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeInterrupted, ctx.Err()
		}
		pluginErr := apperrors.NewPluginError(p.plugin.Name(), privacy.ShortID(msg.ID), err)
		p.fail(ctx, msg, err.Error(), pluginErr)
		return OutcomePluginFailed, pluginErr
	}
	if strings.TrimSpace(reply) == "" {
		return OutcomeEmptyReply, p.complete(ctx, msg, ReasonEmptyReply)
	}

	reply = p.address(reply, sender)
	if sanitized, changed := p.guard.Sanitize(reply); changed {
		reply = sanitized
		metrics.IncrementCounter("self_mention_violations_total", nil, "Replies rewritten for mentioning the agent itself")
		LogWithContext(ctx, p.logger).WithFields(logrus.Fields{
			LogFieldMessageID:  SanitizeMessageID(msg.ID),
			LogFieldViolations: p.guard.Violations(),
		}).Warn("Reply mentioned the agent itself, rewritten")
	}

	if err := p.send(ctx, msg, reply); err != nil {
		if ctx.Err() != nil {
			return OutcomeInterrupted, ctx.Err()
		}
		sendErr := apperrors.NewSendError(privacy.ShortID(msg.ID), p.config.SendAttempts, err)
		p.fail(ctx, msg, ReasonSendFailed, sendErr)
		return OutcomeSendFailed, sendErr
	}

	if err := p.complete(ctx, msg, ""); err != nil {
		return OutcomeReplied, err
	}
	LogWithContext(ctx, p.logger).WithFields(logrus.Fields{
		LogFieldMessageID: SanitizeMessageID(msg.ID),
		LogFieldSender:    sender,
		LogFieldDuration:  time.Since(start).Milliseconds(),
	}).Info("Reply delivered")
	return OutcomeReplied, nil
}

// Envelope wraps a mention in the framing the plugin receives.
func Envelope(agentHandle, sender, mention string) string {
	return fmt.Sprintf(envelopeTemplate, agentHandle, sender, mention)
}

func (p *Processor) reparse(ctx context.Context, msg *models.Message) {
	ApplyParse(msg, p.parser.Parse(msg.RawContent))
	if msg.ParsedMention == nil {
		return
	}
	msg.Status = models.MessageStatusProcessing
	msg.UpdatedAt = time.Now()
	if _, err := p.store.StoreMessage(ctx, msg); err != nil {
		LogWithContext(ctx, p.logger).WithError(err).Warn("Failed to persist parse result")
	}
}

func (p *Processor) callPlugin(ctx context.Context, msg *models.Message, sender, mention string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "monitor.plugin", attribute.String("plugin", p.plugin.Name()))
	defer span.End()

	start := time.Now()
	reply, err := p.plugin.ProcessMessage(ctx, Envelope(p.parser.Handle(), sender, mention), plugin.Context{
		MessageID:        msg.ID,
		Sender:           sender,
		AgentName:        p.parser.Handle(),
		SessionID:        p.config.SessionID(),
		IgnoreMentions:   p.config.IgnoreMentions,
		RequiredMentions: p.config.RequiredMentions,
		StreamHandler: func(chunk string) {
			LogWithContext(ctx, p.logger).WithField(LogFieldContent, SanitizeContent(ctx, chunk)).Debug("Plugin output")
		},
	})
	metrics.RecordTimer("plugin_call", time.Since(start), map[string]string{"plugin": p.plugin.Name()}, "Plugin processing time")
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return reply, err
}

// address makes sure the reply opens with whoever has to see it: the
// configured required handles, or else the sender. A handle mentioned later
// in the text does not count. Ignored handles are never added.
func (p *Processor) address(reply, sender string) string {
	ignored := make(map[string]struct{}, len(p.config.IgnoreMentions))
	for _, h := range p.config.IgnoreMentions {
		if h = parser.NormalizeHandle(h); h != "" {
			ignored[strings.ToLower(h)] = struct{}{}
		}
	}

	var required []string
	for _, h := range p.config.RequiredMentions {
		h = parser.NormalizeHandle(h)
		if _, skip := ignored[strings.ToLower(h)]; h == "" || skip {
			continue
		}
		required = append(required, h)
	}
	if len(required) == 0 {
		_, skip := ignored[strings.ToLower(sender)]
		if !skip && !strings.EqualFold(sender, p.parser.Handle()) {
			required = append(required, sender)
		}
	}

	leading := make(map[string]struct{})
	for _, h := range parser.LeadingHandles(reply) {
		leading[strings.ToLower(h)] = struct{}{}
	}

	var missing []string
	for _, h := range required {
		if _, ok := leading[strings.ToLower(h)]; !ok {
			missing = append(missing, h)
		}
	}
	if len(missing) == 0 {
		return reply
	}
	return strings.Join(missing, " ") + " " + strings.TrimLeft(reply, " \t\r\n")
}

func (p *Processor) send(ctx context.Context, msg *models.Message, reply string) error {
	ctx, span := tracing.StartSpan(ctx, "monitor.send", attribute.Int("attempts.max", p.config.SendAttempts))
	defer span.End()

	sendPolicy := retry.NewBackoff(p.sendConfig())
	return sendPolicy.RetryNotify(ctx, func() error {
		return p.sender.SendMessage(ctx, reply, msg.ID)
	}, func(attempt int, err error, wait time.Duration) {
		p.errLog.LogWarn(err, fmt.Sprintf("Retrying send (attempt %d/%d)", attempt, p.config.SendAttempts), logrus.Fields{
			LogFieldMessageID: SanitizeMessageID(msg.ID),
			LogFieldAttempt:   attempt,
			"wait":            wait,
		})
	})
}

func (p *Processor) sendConfig() retry.BackoffConfig {
	cfg := p.backoff.Config()
	cfg.MaxAttempts = p.config.SendAttempts
	return cfg
}

// complete marks msg COMPLETED. reason is empty for a delivered reply.
func (p *Processor) complete(ctx context.Context, msg *models.Message, reason string) error {
	ok, err := p.store.UpdateStatus(ctx, msg.ID, models.MessageStatusCompleted, models.StringPtr(reason))
	if err != nil {
		p.errLog.LogError(err, "Failed to mark message completed", logrus.Fields{LogFieldMessageID: SanitizeMessageID(msg.ID)})
		return err
	}
	if ok {
		msg.Status = models.MessageStatusCompleted
		msg.ErrorMessage = models.StringPtr(reason)
	}
	if reason != "" {
		LogWithContext(ctx, p.logger).WithFields(logrus.Fields{
			LogFieldMessageID: SanitizeMessageID(msg.ID),
			LogFieldReason:    reason,
		}).Debug("Message completed without reply")
	}
	return nil
}

// fail records a failed attempt. The retry sweep picks the row up again.
func (p *Processor) fail(ctx context.Context, msg *models.Message, reason string, cause error) {
	count, err := p.store.MarkFailed(ctx, msg.ID, reason)
	if err != nil {
		p.errLog.LogError(err, "Failed to mark message failed", logrus.Fields{LogFieldMessageID: SanitizeMessageID(msg.ID)})
		return
	}
	msg.Status = models.MessageStatusFailed
	msg.RetryCount = count
	msg.ErrorMessage = models.StringPtr(reason)

	p.errLog.LogError(cause, "Message processing failed", tracing.LogFields(ctx), logrus.Fields{
		LogFieldMessageID:  SanitizeMessageID(msg.ID),
		LogFieldRetryCount: count,
		LogFieldReason:     reason,
	})
}
