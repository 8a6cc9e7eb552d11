package gateway

import (
	"strings"
)

// separator joins a sanitized upstream name and item name into one
// gateway-visible identifier. The split for call routing cuts on the
// first occurrence only.
const separator = "__"

// maxNameLen bounds sanitized name components.
const maxNameLen = 128

// SanitizeName reduces a name to [A-Za-z0-9_-]: every other byte
// becomes an underscore, runs of underscores collapse to one, and
// leading/trailing underscores are stripped. The empty string means
// the name cannot be represented and must be dropped.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	lastUnderscore := false
	for _, r := range name {
		ok := r == '-' ||
			(r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9')
		if ok {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	out := strings.Trim(b.String(), "_")
	if len(out) > maxNameLen {
		out = strings.Trim(out[:maxNameLen], "_")
	}
	return out
}

// Mangle builds the combined-catalog name for one item of one
// upstream. The boolean is false when either component sanitizes to
// nothing and the item must be dropped.
func Mangle(upstreamName, itemName string) (string, bool) {
	u := SanitizeName(upstreamName)
	i := SanitizeName(itemName)
	if u == "" || i == "" {
		return "", false
	}
	return u + separator + i, true
}

// Split recovers (upstream, item) from a combined name, cutting on the
// first separator. Round-trips over Mangle output.
func Split(name string) (upstreamName, itemName string, ok bool) {
	upstreamName, itemName, ok = strings.Cut(name, separator)
	if !ok || upstreamName == "" || itemName == "" {
		return "", "", false
	}
	return upstreamName, itemName, true
}
