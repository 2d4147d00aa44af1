package plugin

import (
	"context"
	"fmt"
	"strings"

	"github.com/ax-platform/ax-mcp-monitor/internal/privacy"

	"github.com/sirupsen/logrus"
)

const AckType = "ack"

// Ack acknowledges every mention with a short receipt naming the message.
type Ack struct{}

// NewAck builds the ack plugin. It takes no configuration.
func NewAck(cfg map[string]any, logger *logrus.Logger) (Plugin, error) {
	return Ack{}, nil
}

func (Ack) Name() string { return AckType }

func (Ack) ProcessMessage(ctx context.Context, message string, pctx Context) (string, error) {
	return AckLine(pctx.Sender, pctx.MessageID), nil
}

// AckLine formats the receipt for sender and message id.
func AckLine(sender, messageID string) string {
	if !strings.HasPrefix(sender, "@") {
		sender = "@" + sender
	}
	return fmt.Sprintf("%s — Ack (%s)", sender, privacy.ShortID(messageID))
}
