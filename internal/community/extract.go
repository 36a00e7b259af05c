// Package community resolves Reddit community references and builds the
// context block injected at the start of a conversation.
package community

import (
	"net/url"
	"regexp"
	"strings"
)

// RootDomain is the host suffix that marks a link as pointing at Reddit.
const RootDomain = "reddit.com"

var communityPattern = regexp.MustCompile(`(?i:(?:https?://)?(?:[a-z0-9-]+\.)*reddit\.com)?(?:^|[\s/])r/([A-Za-z0-9_]+)`)

// Extract turns free-form input (a bare name, "r/name" or any Reddit URL) into
// a community name. It never fails: unrecognised input is returned mostly as-is
// and surfaces later as an upstream fetch failure.
func Extract(input string) string {
	input = strings.TrimSpace(input)
	if !strings.ContainsAny(input, "/.") {
		return strings.TrimPrefix(input, "r/")
	}

	if name, ok := fromURL(input); ok {
		return name
	}

	if m := communityPattern.FindStringSubmatch(input); len(m) == 2 {
		return m[1]
	}
	return strings.TrimPrefix(input, "r/")
}

func fromURL(input string) (string, bool) {
	raw := input
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || !strings.Contains(strings.ToLower(u.Hostname()), RootDomain) {
		return "", false
	}
	var segments []string
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) >= 2 && strings.EqualFold(segments[0], "r") {
		return segments[1], true
	}
	return "", false
}
