package parser

import (
	"regexp"
	"strings"
)

// UnknownSender is the sender handle used when no identity can be recovered.
const UnknownSender = "@unknown"

var (
	handlePattern    = regexp.MustCompile(`@[0-9A-Za-z_-]+`)
	leadingHandle    = regexp.MustCompile(`^@[0-9A-Za-z_-]+`)
	disallowedInSlug = regexp.MustCompile(`[^0-9A-Za-z_-]`)
)

// bannerWords are slugs that come from status banners rather than people.
var bannerWords = map[string]struct{}{
	"wait":        {},
	"success":     {},
	"waitsuccess": {},
	"mentions":    {},
	"messages":    {},
	"status":      {},
	"unknown":     {},
}

// NormalizeHandle returns name as an "@name" handle. Empty input stays empty.
func NormalizeHandle(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if !strings.HasPrefix(name, "@") {
		name = "@" + name
	}
	return name
}

// HandleTokens returns every @handle token in text, in order.
func HandleTokens(text string) []string {
	return handlePattern.FindAllString(text, -1)
}

// LeadingHandles returns the @handles that open text, before any other word.
// Handles may be separated by whitespace, commas or colons.
func LeadingHandles(text string) []string {
	var handles []string
	rest := strings.TrimSpace(text)
	for {
		token := leadingHandle.FindString(rest)
		if token == "" {
			return handles
		}
		handles = append(handles, token)
		rest = strings.TrimLeft(rest[len(token):], " \t\r\n,:")
	}
}

// SenderHandle derives a sender handle from the author part of a mention line.
// An explicit @token wins; otherwise the author text is slugged. Slugs that are
// empty or look like banner text resolve to UnknownSender.
func SenderHandle(author string) string {
	if token := handlePattern.FindString(author); token != "" {
		return token
	}

	base := strings.NewReplacer("•", "", "-", "").Replace(author)
	base = strings.TrimSpace(base)
	base, _, _ = strings.Cut(base, "[")
	base, _, _ = strings.Cut(base, "(")
	base = strings.TrimLeft(strings.TrimSpace(base), "@")

	fields := strings.Fields(base)
	if len(fields) == 0 {
		return UnknownSender
	}
	slug := strings.Trim(fields[0], "@,:")
	slug = disallowedInSlug.ReplaceAllString(slug, "")
	if slug == "" {
		return UnknownSender
	}
	if _, banner := bannerWords[strings.ToLower(slug)]; banner {
		return UnknownSender
	}
	return "@" + slug
}
