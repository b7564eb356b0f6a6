package upstream

import "strings"

// ParseNextLink returns the target of the rel="next" relation found in one or
// more RFC 8288 Link header values, or "" when there is none. A relation
// value may list several space-separated types.
func ParseNextLink(headers []string) string {
	for _, h := range headers {
		rest := h
		for {
			open := strings.IndexByte(rest, '<')
			if open < 0 {
				break
			}
			end := strings.IndexByte(rest[open:], '>')
			if end < 0 {
				break
			}
			target := strings.TrimSpace(rest[open+1 : open+end])
			rest = rest[open+end+1:]

			params := rest
			if next := strings.IndexByte(rest, '<'); next >= 0 {
				params = rest[:next]
			}
			if hasNextRel(params) {
				return target
			}
		}
	}
	return ""
}

func hasNextRel(params string) bool {
	for _, p := range strings.Split(params, ";") {
		key, value, ok := strings.Cut(p, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "rel") {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.TrimRight(value, ", ")
		value = strings.Trim(value, `"`)
		for _, rel := range strings.Fields(value) {
			if strings.EqualFold(rel, "next") {
				return true
			}
		}
	}
	return false
}
