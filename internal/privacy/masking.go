package privacy

import (
	"strings"
	"unicode/utf8"

	"github.com/ax-platform/ax-mcp-monitor/internal/constants"
)

// MaskToken masks a bearer or refresh token showing only the last 4 characters
// Example: "eyJhbGciOiJI...xYz9" -> "****xYz9"
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= constants.DefaultTokenMaskLength*2 {
		return strings.Repeat("*", len(token))
	}
	return "****" + token[len(token)-constants.DefaultTokenMaskLength:]
}

// ShortID returns the leading characters of a content-hash message id,
// enough to correlate log lines without printing the whole digest.
// Example: "9f86d081884c7d65..." -> "9f86d081"
func ShortID(messageID string) string {
	if len(messageID) <= constants.DefaultMessageIDLength {
		return messageID
	}
	return messageID[:constants.DefaultMessageIDLength]
}

// MaskSessionID masks an MCP session id
// Example: "3f2a9c7e-aaaa-bbbb-cccc-1234567890ab" -> "3f2a****90ab"
func MaskSessionID(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	if len(sessionID) <= 8 {
		return maskString(sessionID, 2)
	}
	return sessionID[:4] + "****" + sessionID[len(sessionID)-4:]
}

// Preview returns at most n runes of content on a single line, with an
// ellipsis when truncated. n <= 0 uses the default preview length.
func Preview(content string, n int) string {
	if n <= 0 {
		n = constants.DefaultPreviewLength
	}
	flat := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(flat) <= n {
		return flat
	}
	runes := []rune(flat)
	return string(runes[:n]) + "..."
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "token", "access_token", "refresh_token", "authorization":
			masked[k] = MaskToken(s)
		case "message_id", "messageId", "msg_id", "idempotency_key":
			masked[k] = ShortID(s)
		case "session_id", "sessionId", "mcp_session_id":
			masked[k] = MaskSessionID(s)
		case "content", "raw_content", "reply", "mention":
			masked[k] = Preview(s, 0)
		default:
			masked[k] = v
		}
	}

	return masked
}
