package manifest

import (
	"strings"
)

// Attributes is a decoded HLS attribute list (KEY=VALUE,KEY="quoted").
// Quoted values are stored without their quotes.
type Attributes map[string]string

// ParseAttributes decodes an attribute list. Malformed pairs are skipped.
func ParseAttributes(s string) Attributes {
	attrs := make(Attributes)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		var value string
		if strings.HasPrefix(s, "\"") {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				value, s = s[1:], ""
			} else {
				value, s = s[1:end+1], s[end+2:]
			}
			if comma := strings.IndexByte(s, ','); comma >= 0 {
				s = s[comma+1:]
			} else {
				s = ""
			}
		} else {
			comma := strings.IndexByte(s, ',')
			if comma < 0 {
				value, s = s, ""
			} else {
				value, s = s[:comma], s[comma+1:]
			}
			value = strings.TrimSpace(value)
		}

		if key != "" {
			attrs[key] = value
		}
	}
	return attrs
}
