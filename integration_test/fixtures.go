package integration_test

import "strings"

// MentionPayload renders a check result carrying one mention per line.
func MentionPayload(lines ...string) string {
	var b strings.Builder
	b.WriteString("📬 WAIT SUCCESS: new mentions")
	for _, line := range lines {
		b.WriteString("\n• ")
		b.WriteString(line)
	}
	return b.String()
}
