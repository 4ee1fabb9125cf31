package vecstore

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// SanitizeCollectionName normalizes a user-chosen collection name to the
// backend's constraints: 3-63 chars from [A-Za-z0-9_-], alphanumeric at
// both ends, no consecutive separators. When sanitization empties or
// over-shrinks the name, a stable 6-hex suffix derived from the MD5 of the
// original name keeps it unique and deterministic.
func SanitizeCollectionName(name string) string {
	var b strings.Builder
	lastSep := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSep = false
		case r == '_' || r == '-':
			if !lastSep && b.Len() > 0 {
				b.WriteRune(r)
				lastSep = true
			}
		default:
			// Dropped entirely; runs of dropped chars do not produce
			// separators.
		}
	}

	out := strings.Trim(b.String(), "_-")
	if len(out) > 63 {
		out = strings.Trim(out[:63], "_-")
	}
	if len(out) < 3 {
		suffix := md5Suffix(name)
		if out == "" {
			out = "col-" + suffix
		} else {
			out = out + "-" + suffix
		}
	}
	return out
}

// SanitizeFolderName maps a collection name to a safe on-disk directory
// name: forbidden filesystem characters become underscores, leading and
// trailing dots/spaces are trimmed, and the result is capped at 100 chars.
// An emptied name falls back deterministically.
func SanitizeFolderName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			b.WriteRune('_')
		default:
			if r < 0x20 {
				b.WriteRune('_')
			} else {
				b.WriteRune(r)
			}
		}
	}

	out := strings.Trim(b.String(), ". ")
	if len(out) > 100 {
		out = strings.Trim(out[:100], ". ")
	}
	if out == "" {
		out = "collection_" + md5Suffix(name)
	}
	return out
}

func md5Suffix(name string) string {
	sum := md5.Sum([]byte(name))
	return hex.EncodeToString(sum[:])[:6]
}
