// Package utf7 converts IMAP mailbox names between modified UTF-7
// (RFC 3501 section 5.1.3) and UTF-8.
//
// Modified UTF-7 shifts with & instead of +, uses , instead of / in the
// base64 alphabet and writes a literal & as &-.
package utf7

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/unicode/norm"
)

var (
	b64     = base64.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,").WithPadding(base64.NoPadding)
	utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
)

func printable(r rune) bool { return r >= 0x20 && r <= 0x7e }

// Encode converts a UTF-8 mailbox name to modified UTF-7. The name is
// normalized to NFC first so equal names encode identically.
func Encode(s string) string {
	s = norm.NFC.String(s)

	var out strings.Builder
	out.Grow(len(s))
	for len(s) > 0 {
		i := strings.IndexFunc(s, func(r rune) bool { return !printable(r) })
		if i < 0 {
			i = len(s)
		}
		out.WriteString(strings.ReplaceAll(s[:i], "&", "&-"))
		s = s[i:]
		if s == "" {
			break
		}

		j := strings.IndexFunc(s, printable)
		if j < 0 {
			j = len(s)
		}
		// UTF-8 input is always representable in UTF-16.
		encoded, _ := utf16be.NewEncoder().String(s[:j])
		out.WriteByte('&')
		out.WriteString(b64.EncodeToString([]byte(encoded)))
		out.WriteByte('-')
		s = s[j:]
	}
	return out.String()
}

// Decode converts a modified UTF-7 mailbox name to UTF-8.
func Decode(s string) (string, error) {
	var out strings.Builder
	out.Grow(len(s))
	for {
		amp := strings.IndexByte(s, '&')
		if amp < 0 {
			out.WriteString(s)
			return out.String(), nil
		}
		out.WriteString(s[:amp])
		s = s[amp+1:]

		end := strings.IndexByte(s, '-')
		if end < 0 {
			return "", fmt.Errorf("utf7: unterminated shift sequence")
		}
		if end == 0 {
			out.WriteByte('&')
			s = s[1:]
			continue
		}

		raw, err := b64.DecodeString(s[:end])
		if err != nil {
			return "", fmt.Errorf("utf7: invalid base64: %w", err)
		}
		if len(raw)%2 != 0 {
			return "", fmt.Errorf("utf7: odd number of bytes in UTF-16 data")
		}
		text, err := utf16be.NewDecoder().Bytes(raw)
		if err != nil {
			return "", fmt.Errorf("utf7: %w", err)
		}
		if strings.ContainsRune(string(text), '�') {
			return "", fmt.Errorf("utf7: invalid UTF-16 sequence")
		}
		out.Write(text)
		s = s[end+1:]
	}
}

// DisplayName decodes name for presentation, falling back to the raw name
// when it is not valid modified UTF-7.
func DisplayName(name string) string {
	if decoded, err := Decode(name); err == nil {
		return decoded
	}
	return name
}
