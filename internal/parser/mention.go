// Package parser extracts addressed mentions from the platform's loosely
// structured long-poll text and guards outbound replies.
package parser

import (
	"regexp"
	"strings"
)

var mentionLinePattern = regexp.MustCompile(`^[•\-]\s*(?P<author>[^:]+):\s*(?P<body>.*)$`)

var bannerPrefixes = []string{"✅", "📨", "📬"}

const bannerMarker = "🎯"

// Result is what the parser recovered from one payload.
type Result struct {
	Author  string
	Mention string
	Sender  string
	Found   bool
}

// Parser finds mentions of a single agent handle.
type Parser struct {
	handle      string
	handleLower string
}

// NewParser returns a parser for agentHandle. A bare name is normalized to @name.
func NewParser(agentHandle string) *Parser {
	handle := NormalizeHandle(agentHandle)
	return &Parser{handle: handle, handleLower: strings.ToLower(handle)}
}

// Handle returns the normalized agent handle.
func (p *Parser) Handle() string {
	return p.handle
}

// Parse looks for a mention of the agent in raw. Bulleted "author: body" lines
// are tried first; any other line carrying the handle is the fallback.
func (p *Parser) Parse(raw string) Result {
	if p.handle == "" {
		return Result{}
	}

	lines := strings.Split(strings.ReplaceAll(raw, `\n`, "\n"), "\n")

	if res, ok := p.parseBulleted(lines); ok {
		return res
	}
	if res, ok := p.parseFallback(lines); ok {
		return res
	}
	return Result{}
}

func (p *Parser) parseBulleted(lines []string) (Result, bool) {
	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		if stripped == "" || isBanner(stripped) {
			continue
		}

		m := mentionLinePattern.FindStringSubmatch(stripped)
		if m == nil {
			continue
		}
		author := strings.TrimSpace(m[mentionLinePattern.SubexpIndex("author")])
		body := m[mentionLinePattern.SubexpIndex("body")]

		if !p.tokensInclude(author + ": " + body) {
			continue
		}

		block := []string{"• " + author + ": " + body}
		for _, next := range lines[i+1:] {
			next = strings.TrimRight(next, " \t\r")
			trimmed := strings.TrimSpace(next)
			if isBanner(trimmed) || mentionLinePattern.MatchString(trimmed) {
				break
			}
			block = append(block, next)
		}

		if ctx := contextLine(lines[:i]); ctx != "" {
			block = append([]string{ctx}, block...)
		}

		return Result{
			Author:  author,
			Mention: strings.TrimRight(strings.Join(block, "\n"), "\n "),
			Sender:  SenderHandle(author),
			Found:   true,
		}, true
	}
	return Result{}, false
}

func (p *Parser) parseFallback(lines []string) (Result, bool) {
	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if stripped == "" || isBanner(stripped) {
			continue
		}
		if !strings.Contains(strings.ToLower(stripped), p.handleLower) || !p.tokensInclude(stripped) {
			continue
		}

		author := "unknown"
		if before, _, ok := strings.Cut(stripped, ":"); ok {
			if a := strings.Trim(before, "• -"); a != "" {
				author = a
			}
		}
		return Result{
			Author:  author,
			Mention: stripped,
			Sender:  SenderHandle(author),
			Found:   true,
		}, true
	}
	return Result{}, false
}

// IsMentionForUs reports whether mention names the agent anywhere, ignoring case.
func (p *Parser) IsMentionForUs(mention string) bool {
	if p.handleLower == "" {
		return false
	}
	return strings.Contains(strings.ToLower(mention), p.handleLower)
}

func (p *Parser) tokensInclude(text string) bool {
	for _, token := range HandleTokens(text) {
		if strings.ToLower(token) == p.handleLower {
			return true
		}
	}
	return false
}

// contextLine returns the nearest non-empty, non-banner line in preceding.
func contextLine(preceding []string) string {
	for i := len(preceding) - 1; i >= 0; i-- {
		stripped := strings.TrimSpace(preceding[i])
		if stripped == "" {
			continue
		}
		if isBanner(stripped) {
			continue
		}
		return stripped
	}
	return ""
}

func isBanner(line string) bool {
	for _, prefix := range bannerPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return strings.Contains(line, bannerMarker)
}
