package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/ax-platform/ax-mcp-monitor/internal/errors"
	"github.com/ax-platform/ax-mcp-monitor/internal/models"
	"github.com/ax-platform/ax-mcp-monitor/internal/parser"
	"github.com/ax-platform/ax-mcp-monitor/internal/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type processorFixture struct {
	store     MessageStore
	sender    *mockSender
	plugin    *mockPlugin
	processor *Processor
	ingestor  *Ingestor
}

func newProcessorFixture(t *testing.T, config ProcessorConfig) *processorFixture {
	t.Helper()
	store := newTestStore(t, nil)
	p := parser.NewParser(testAgent)
	f := &processorFixture{
		store:    store,
		sender:   &mockSender{},
		plugin:   newMockPlugin(),
		ingestor: NewIngestor(store, p, quietLogger()),
	}
	if config.SendAttempts == 0 {
		config.SendAttempts = 3
	}
	f.processor = NewProcessor(store, f.sender, f.plugin, p, parser.NewGuard(testAgent), fastBackoff(), config, quietLogger())
	return f
}

// claim stores raw and claims it the way the control loop does.
func (f *processorFixture) claim(t *testing.T, raw string) *models.Message {
	t.Helper()
	ctx := context.Background()
	result, msg, err := f.ingestor.Ingest(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, IngestStored, result)

	ok, err := f.store.ClaimMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, ok)
	msg.Status = models.MessageStatusProcessing
	return msg
}

func TestEnvelope(t *testing.T) {
	want := "aX Platform Message Received\n" +
		"- Your agent handle: @monitor_bot\n" +
		"- Mention originated from: @alice\n" +
		"- The sender tagged you in a shared conversation.\n" +
		"\n" +
		"MESSAGE CONTENT:\n" +
		"• alice: @monitor_bot hi"
	assert.Equal(t, want, Envelope("@monitor_bot", "@alice", "• alice: @monitor_bot hi"))
}

func TestProcessor_RepliesToMention(t *testing.T) {
	f := newProcessorFixture(t, ProcessorConfig{SessionID: func() string { return "sess-9" }})
	msg := f.claim(t, mention("alice", "@monitor_bot what is the status?"))

	f.plugin.On("ProcessMessage", mock.Anything,
		Envelope("@monitor_bot", "@alice", "• alice: @monitor_bot what is the status?"),
		mock.MatchedBy(func(pctx plugin.Context) bool {
			return pctx.Sender == "@alice" && pctx.AgentName == "@monitor_bot" &&
				pctx.MessageID == msg.ID && pctx.SessionID == "sess-9"
		}),
	).Return("all green", nil).Once()
	f.sender.On("SendMessage", mock.Anything, "@alice all green", msg.ID).Return(nil).Once()

	outcome, err := f.processor.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, outcome)

	stored := getMessage(t, f.store, msg.ID)
	assert.Equal(t, models.MessageStatusCompleted, stored.Status)
	assert.Nil(t, stored.ErrorMessage)
	assert.NotNil(t, stored.ProcessedAt)
	f.plugin.AssertExpectations(t)
	f.sender.AssertExpectations(t)
}

func TestProcessor_Gating(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		outcome ProcessOutcome
		reason  string
	}{
		{
			name:    "mention for another agent",
			raw:     mention("alice", "@someone_else can you help?"),
			outcome: OutcomeNotForAgent,
			reason:  ReasonNotForAgent,
		},
		{
			name:    "sender cannot be identified",
			raw:     mention("status", "@monitor_bot ping"),
			outcome: OutcomeUnknown,
			reason:  ReasonNoValidSender,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newProcessorFixture(t, ProcessorConfig{})
			msg := f.claim(t, tt.raw)

			outcome, err := f.processor.Process(context.Background(), msg)
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, outcome)

			stored := getMessage(t, f.store, msg.ID)
			assert.Equal(t, models.MessageStatusCompleted, stored.Status)
			assert.Equal(t, tt.reason, models.Deref(stored.ErrorMessage))
			f.plugin.AssertNotCalled(t, "ProcessMessage", mock.Anything, mock.Anything, mock.Anything)
			f.sender.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestProcessor_PluginError(t *testing.T) {
	f := newProcessorFixture(t, ProcessorConfig{})
	msg := f.claim(t, mention("alice", "@monitor_bot summarize"))

	f.plugin.On("ProcessMessage", mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("model unavailable")).Once()

	outcome, err := f.processor.Process(context.Background(), msg)
	require.Error(t, err)
	assert.Equal(t, OutcomePluginFailed, outcome)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePluginFailed))

	stored := getMessage(t, f.store, msg.ID)
	assert.Equal(t, models.MessageStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "model unavailable", models.Deref(stored.ErrorMessage))
	f.sender.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessor_EmptyReply(t *testing.T) {
	f := newProcessorFixture(t, ProcessorConfig{})
	msg := f.claim(t, mention("alice", "@monitor_bot anything?"))

	f.plugin.On("ProcessMessage", mock.Anything, mock.Anything, mock.Anything).Return("  \n", nil).Once()

	outcome, err := f.processor.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmptyReply, outcome)

	stored := getMessage(t, f.store, msg.ID)
	assert.Equal(t, models.MessageStatusCompleted, stored.Status)
	assert.Equal(t, ReasonEmptyReply, models.Deref(stored.ErrorMessage))
	f.sender.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessor_SanitizesSelfMention(t *testing.T) {
	f := newProcessorFixture(t, ProcessorConfig{})
	msg := f.claim(t, mention("alice", "@monitor_bot introduce yourself"))

	f.plugin.On("ProcessMessage", mock.Anything, mock.Anything, mock.Anything).
		Return("@alice hi, I am @monitor_bot", nil).Once()

	var sent string
	f.sender.On("SendMessage", mock.Anything, mock.Anything, msg.ID).
		Run(func(args mock.Arguments) { sent = args.String(1) }).
		Return(nil).Once()

	_, err := f.processor.Process(context.Background(), msg)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sent, "@alice hi, I am [self-mention-blocked]"))
	assert.Contains(t, sent, "PROTOCOL PENALTY")
	assert.NotContains(t, sent, "@monitor_bot")
	assert.Equal(t, 1, f.processor.Violations())
}

func TestProcessor_SendRetries(t *testing.T) {
	t.Run("succeeds on a later attempt", func(t *testing.T) {
		f := newProcessorFixture(t, ProcessorConfig{})
		msg := f.claim(t, mention("alice", "@monitor_bot hi"))

		f.plugin.On("ProcessMessage", mock.Anything, mock.Anything, mock.Anything).Return("@alice hello", nil).Once()
		f.sender.On("SendMessage", mock.Anything, "@alice hello", msg.ID).Return(errors.New("502 bad gateway")).Once()
		f.sender.On("SendMessage", mock.Anything, "@alice hello", msg.ID).Return(nil).Once()

		outcome, err := f.processor.Process(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, OutcomeReplied, outcome)
		assert.Equal(t, models.MessageStatusCompleted, getMessage(t, f.store, msg.ID).Status)
		f.sender.AssertNumberOfCalls(t, "SendMessage", 2)
	})

	t.Run("exhausted attempts fail the message", func(t *testing.T) {
		f := newProcessorFixture(t, ProcessorConfig{SendAttempts: 3})
		msg := f.claim(t, mention("alice", "@monitor_bot hi"))

		f.plugin.On("ProcessMessage", mock.Anything, mock.Anything, mock.Anything).Return("@alice hello", nil).Once()
		f.sender.On("SendMessage", mock.Anything, mock.Anything, msg.ID).Return(errors.New("connection reset"))

		outcome, err := f.processor.Process(context.Background(), msg)
		require.Error(t, err)
		assert.Equal(t, OutcomeSendFailed, outcome)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSendFailed))
		f.sender.AssertNumberOfCalls(t, "SendMessage", 3)

		stored := getMessage(t, f.store, msg.ID)
		assert.Equal(t, models.MessageStatusFailed, stored.Status)
		assert.Equal(t, ReasonSendFailed, models.Deref(stored.ErrorMessage))
		assert.Equal(t, 1, stored.RetryCount)
	})
}

func TestProcessor_CancelledLeavesMessageProcessing(t *testing.T) {
	f := newProcessorFixture(t, ProcessorConfig{})
	msg := f.claim(t, mention("alice", "@monitor_bot long task"))

	ctx, cancel := context.WithCancel(context.Background())
	f.plugin.On("ProcessMessage", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return("", context.Canceled).Once()

	outcome, err := f.processor.Process(ctx, msg)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeInterrupted, outcome)

	stored := getMessage(t, f.store, msg.ID)
	assert.Equal(t, models.MessageStatusProcessing, stored.Status)
	assert.Zero(t, stored.RetryCount)
}

func TestProcessor_ReparsesUnparsedMessage(t *testing.T) {
	f := newProcessorFixture(t, ProcessorConfig{})
	raw := mention("bob", "@monitor_bot deploy please")
	ctx := context.Background()

	legacy := models.NewPendingMessage(MessageID(raw), raw, time.Now())
	_, err := f.store.StoreMessage(ctx, legacy)
	require.NoError(t, err)
	ok, err := f.store.ClaimMessage(ctx, legacy.ID)
	require.NoError(t, err)
	require.True(t, ok)
	legacy.Status = models.MessageStatusProcessing

	f.plugin.On("ProcessMessage", mock.Anything, mock.Anything, mock.Anything).Return("on it", nil).Once()
	f.sender.On("SendMessage", mock.Anything, "@bob on it", legacy.ID).Return(nil).Once()

	outcome, err := f.processor.Process(ctx, legacy)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, outcome)

	stored := getMessage(t, f.store, legacy.ID)
	assert.Equal(t, "@bob", models.Deref(stored.SenderHandle))
	assert.Equal(t, models.MessageStatusCompleted, stored.Status)
}

func TestProcessor_AckPlugin(t *testing.T) {
	store := newTestStore(t, nil)
	p := parser.NewParser(testAgent)
	sender := &mockSender{}
	ack, err := plugin.NewRegistry().Create(plugin.AckType, nil, quietLogger())
	require.NoError(t, err)

	proc := NewProcessor(store, sender, ack, p, parser.NewGuard(testAgent), fastBackoff(), ProcessorConfig{SendAttempts: 1}, quietLogger())
	ing := NewIngestor(store, p, quietLogger())

	raw := mention("alice", "@monitor_bot ack me")
	_, msg, err := ing.Ingest(context.Background(), raw)
	require.NoError(t, err)
	_, err = store.ClaimMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	msg.Status = models.MessageStatusProcessing

	sender.On("SendMessage", mock.Anything, plugin.AckLine("@alice", msg.ID), msg.ID).Return(nil).Once()

	outcome, err := proc.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, outcome)
	sender.AssertExpectations(t)
}

func TestProcessor_Address(t *testing.T) {
	tests := []struct {
		name     string
		config   ProcessorConfig
		reply    string
		expected string
	}{
		{
			name:     "prefixes sender",
			reply:    "done",
			expected: "@alice done",
		},
		{
			name:     "sender mentioned mid-reply is still prefixed",
			reply:    "thanks @Alice, done",
			expected: "@alice thanks @Alice, done",
		},
		{
			name:     "sender already leads the reply",
			reply:    "@Alice: done",
			expected: "@Alice: done",
		},
		{
			name:     "echo reply naming the sender in its body",
			reply:    "[Echo] You said: Mention originated from: @alice",
			expected: "@alice [Echo] You said: Mention originated from: @alice",
		},
		{
			name:     "sender mentioned only as prefix of another handle",
			reply:    "@alice_two done",
			expected: "@alice @alice_two done",
		},
		{
			name:     "ignored sender is not added",
			config:   ProcessorConfig{IgnoreMentions: []string{"alice"}},
			reply:    "done",
			expected: "done",
		},
		{
			name:     "required mentions replace the sender",
			config:   ProcessorConfig{RequiredMentions: []string{"@carol", "dave"}},
			reply:    "@dave done",
			expected: "@carol @dave done",
		},
		{
			name:     "ignored entries drop out of required",
			config:   ProcessorConfig{RequiredMentions: []string{"@carol"}, IgnoreMentions: []string{"@carol"}},
			reply:    "done",
			expected: "@alice done",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProcessor(nil, nil, newMockPlugin(), parser.NewParser(testAgent), parser.NewGuard(testAgent), nil, tt.config, quietLogger())
			assert.Equal(t, tt.expected, p.address(tt.reply, "@alice"))
		})
	}
}

func TestProcessor_AddressSkipsSelfSender(t *testing.T) {
	p := NewProcessor(nil, nil, newMockPlugin(), parser.NewParser(testAgent), parser.NewGuard(testAgent), nil, ProcessorConfig{}, quietLogger())
	assert.Equal(t, "done", p.address("done", "@Monitor_Bot"))
}
