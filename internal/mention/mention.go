// Package mention extracts role mentions ("@rolename") from chat message text.
package mention

import (
	"regexp"
	"strings"
)

var tokenRe = regexp.MustCompile(`@(\w+)`)

// Extract returns the distinct role-name candidates mentioned in text,
// lower-cased, in first-seen order. A token directly continued by '-'
// (e.g. "@infra-2") is a handle rather than a role name and is ignored.
// Candidates are not validated against real roles.
func Extract(text string) []string {
	idx := tokenRe.FindAllStringSubmatchIndex(text, -1)
	if len(idx) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(idx))
	out := make([]string, 0, len(idx))
	for _, m := range idx {
		end := m[1]
		if end < len(text) && text[end] == '-' {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(text[m[2]:m[3]]))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
