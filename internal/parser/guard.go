package parser

import (
	"regexp"
	"strings"
	"sync"
)

const (
	selfMentionMarker = "[self-mention-blocked]"
	penaltyNote       = "⚠️ PROTOCOL PENALTY: Self-mentions are disallowed. This turn loses a point."
	violationTag      = " #protocol-violation"

	// repeatViolationThreshold is the violation count from which replies are tagged.
	repeatViolationThreshold = 3
)

// Guard rewrites outbound replies that mention the agent itself.
type Guard struct {
	pattern *regexp.Regexp

	mu         sync.Mutex
	violations int
}

// NewGuard returns a guard for agentHandle.
func NewGuard(agentHandle string) *Guard {
	handle := NormalizeHandle(agentHandle)
	g := &Guard{}
	if handle != "" {
		g.pattern = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(handle))
	}
	return g
}

// Sanitize replaces each standalone occurrence of the agent handle in reply and
// appends the penalty note. It reports whether the reply was changed.
func (g *Guard) Sanitize(reply string) (string, bool) {
	if reply == "" || g.pattern == nil {
		return reply, false
	}

	var b strings.Builder
	last := 0
	found := false
	for _, loc := range g.pattern.FindAllStringIndex(reply, -1) {
		start, end := loc[0], loc[1]
		if start > 0 && isHandleByte(reply[start-1]) {
			continue
		}
		if end < len(reply) && isHandleByte(reply[end]) {
			continue
		}
		found = true
		b.WriteString(reply[last:start])
		b.WriteString(selfMentionMarker)
		last = end
	}
	if !found {
		return reply, false
	}
	b.WriteString(reply[last:])

	g.mu.Lock()
	g.violations++
	count := g.violations
	g.mu.Unlock()

	note := penaltyNote
	if count >= repeatViolationThreshold {
		note += violationTag
	}
	return strings.TrimRight(b.String(), " \t\r\n") + "\n" + note, true
}

// Violations returns how many replies have been sanitized so far.
func (g *Guard) Violations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.violations
}

func isHandleByte(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' || c == '-'
}
