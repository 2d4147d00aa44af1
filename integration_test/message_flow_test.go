package integration_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/models"
	"github.com/ax-platform/ax-mcp-monitor/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMentionIsAnsweredEndToEnd(t *testing.T) {
	env := NewTestEnvironment(t, nil)
	env.Start()

	payload := MentionPayload("alice: @monitor_bot what's the weather?")
	env.Platform.Deliver(payload)

	sent := env.WaitForSent(1)
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0].Content, "@alice "), "reply %q", sent[0].Content)
	assert.Contains(t, sent[0].Content, "[Echo] You said:")
	assert.Equal(t, service.MessageID(payload), sent[0].IdempotencyKey)

	require.Eventually(t, func() bool {
		msg, err := env.DB.GetMessage(context.Background(), service.MessageID(payload))
		return err == nil && msg != nil && msg.Status == models.MessageStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.Platform.Initializes())
}

func TestRedeliveredPayloadIsAnsweredOnce(t *testing.T) {
	env := NewTestEnvironment(t, nil)
	env.Start()

	payload := MentionPayload("bob: hi @monitor_bot")
	env.Platform.Deliver(payload, payload, payload)
	env.WaitForSent(1)

	// Give the copies time to be polled and dropped.
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, env.Platform.Sent(), 1)

	stats, err := env.DB.GetBacklogStats(context.Background(), env.Config.Retry.MaxRetries)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total())
	assert.Equal(t, 1, stats.Completed)
}

func TestMentionForAnotherAgentIsNotAnswered(t *testing.T) {
	env := NewTestEnvironment(t, nil)
	env.Start()

	other := MentionPayload("carol: @someone_else lunch?")
	mine := MentionPayload("dave: @monitor_bot ping")
	env.Platform.Deliver(other, mine)

	sent := env.WaitForSent(1)
	assert.True(t, strings.HasPrefix(sent[0].Content, "@dave "))

	require.Eventually(t, func() bool {
		msg, err := env.DB.GetMessage(context.Background(), service.MessageID(other))
		return err == nil && msg != nil && msg.Status == models.MessageStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	msg, err := env.DB.GetMessage(context.Background(), service.MessageID(other))
	require.NoError(t, err)
	assert.Equal(t, service.ReasonNotForAgent, models.Deref(msg.ErrorMessage))
	assert.Len(t, env.Platform.Sent(), 1)
}

func TestFailedSendIsRetriedUntilDelivered(t *testing.T) {
	env := NewTestEnvironment(t, nil)
	env.Platform.FailSends(1)
	env.Start()

	payload := MentionPayload("erin: @monitor_bot status report")
	env.Platform.Deliver(payload)

	sent := env.WaitForSent(1)
	assert.Equal(t, service.MessageID(payload), sent[0].IdempotencyKey)

	require.Eventually(t, func() bool {
		msg, err := env.DB.GetMessage(context.Background(), service.MessageID(payload))
		return err == nil && msg != nil && msg.Status == models.MessageStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	msg, err := env.DB.GetMessage(context.Background(), service.MessageID(payload))
	require.NoError(t, err)
	assert.Equal(t, 1, msg.RetryCount)
}

func TestInterruptedMessageIsRecoveredOnRestart(t *testing.T) {
	env := NewTestEnvironment(t, nil)
	ctx := context.Background()

	payload := MentionPayload("frank: @monitor_bot are you there?")
	msg := models.NewPendingMessage(service.MessageID(payload), payload, time.Now())
	_, err := env.DB.StoreMessage(ctx, msg)
	require.NoError(t, err)
	claimed, err := env.DB.ClaimMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	env.Start()

	sent := env.WaitForSent(1)
	assert.True(t, strings.HasPrefix(sent[0].Content, "@frank "))
	assert.Equal(t, msg.ID, sent[0].IdempotencyKey)
}
