// Package utils holds small helpers shared by the service's packages.
package utils

import (
	"strings"
	"unicode"
)

// maxLogValueLength bounds how much of a user-supplied value is logged.
const maxLogValueLength = 200

// SanitizeForLog makes a user-supplied string safe to embed in a log line:
// line breaks and tabs are escaped, backslashes doubled, other control or
// non-printable characters replaced with '?', and long values truncated.
func SanitizeForLog(s string) string {
	if s == "" {
		return ""
	}

	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n':
			sb.WriteString(`\n`)
		case r == '\r':
			sb.WriteString(`\r`)
		case r == '\t':
			sb.WriteString(`\t`)
		case r == '\\':
			sb.WriteString(`\\`)
		case unicode.IsControl(r), !unicode.IsPrint(r):
			sb.WriteByte('?')
		default:
			sb.WriteRune(r)
		}
	}

	out := sb.String()
	if len(out) > maxLogValueLength {
		return out[:maxLogValueLength] + "...[truncated]"
	}
	return out
}

// RedactToken keeps only enough of an access token to tell tokens apart in
// logs.
func RedactToken(token string) string {
	const visible = 4
	switch {
	case token == "":
		return ""
	case len(token) <= 2*visible:
		return "****"
	default:
		return token[:visible] + "****" + token[len(token)-visible:]
	}
}
