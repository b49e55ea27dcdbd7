package transport

import (
	"fmt"
	"strconv"
	"strings"

	imap "github.com/meszmate/imap-engine"
)

// ParseLine classifies one logical response line. It never fails: input
// that does not fit the grammar comes back as *imap.ParseError.
//
// Untagged responses whose name is in extensions are returned as
// *imap.Extension.
func ParseLine(line string, extensions map[string]bool) imap.Response {
	if line == "" {
		return parseErr(line, "empty line")
	}

	switch {
	case line[0] == '+':
		return &imap.Continuation{Text: strings.TrimPrefix(line[1:], " ")}
	case line[0] == '*':
		if !strings.HasPrefix(line, "* ") || len(line) == 2 {
			return parseErr(line, "truncated untagged response")
		}
		return parseUntagged(line, line[2:], extensions)
	default:
		return parseTagged(line)
	}
}

func parseErr(line, format string, args ...any) *imap.ParseError {
	return &imap.ParseError{
		Line: line,
		Err:  fmt.Errorf("%w: %s", imap.ErrParse, fmt.Sprintf(format, args...)),
	}
}

func parseTagged(line string) imap.Response {
	tag, rest, ok := strings.Cut(line, " ")
	if !ok || !validTag(tag) {
		return parseErr(line, "bad tag")
	}
	statusWord, text, _ := strings.Cut(rest, " ")
	status := imap.StatusResponseType(strings.ToUpper(statusWord))
	switch status {
	case imap.StatusResponseTypeOK, imap.StatusResponseTypeNO, imap.StatusResponseTypeBAD:
	default:
		return parseErr(line, "unexpected tagged status %q", statusWord)
	}

	code, codeArg, text, err := parseStatusText(text)
	if err != nil {
		return parseErr(line, "%v", err)
	}
	return &imap.Completion{
		Tag:     imap.Tag(tag),
		Status:  status,
		Code:    code,
		CodeArg: codeArg,
		Text:    text,
	}
}

func parseUntagged(line, rest string, extensions map[string]bool) imap.Response {
	u := &imap.Untagged{}

	first, after, _ := strings.Cut(rest, " ")
	if num, err := strconv.ParseUint(first, 10, 32); err == nil {
		if after == "" {
			return parseErr(line, "number without response name")
		}
		u.Num, u.HasNum = uint32(num), true
		first, after, _ = strings.Cut(after, " ")
	}
	if first == "" {
		return parseErr(line, "missing response name")
	}
	u.Name = strings.ToUpper(first)

	if !u.HasNum && extensions[u.Name] {
		return &imap.Extension{Kind: u.Name, Payload: after}
	}

	switch imap.StatusResponseType(u.Name) {
	case imap.StatusResponseTypeOK, imap.StatusResponseTypeNO, imap.StatusResponseTypeBAD,
		imap.StatusResponseTypeBYE, imap.StatusResponseTypePREAUTH:
		if u.HasNum {
			return parseErr(line, "numbered status response")
		}
		code, codeArg, text, err := parseStatusText(after)
		if err != nil {
			return parseErr(line, "%v", err)
		}
		u.Status = imap.StatusResponseType(u.Name)
		u.Code, u.CodeArg, u.Text = code, codeArg, text
	default:
		u.Text = after
	}
	return u
}

// parseStatusText splits "[CODE arg] text" into its parts.
func parseStatusText(s string) (code imap.ResponseCode, arg, text string, err error) {
	if !strings.HasPrefix(s, "[") {
		return "", "", s, nil
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return "", "", "", fmt.Errorf("unterminated response code")
	}
	name, arg, _ := strings.Cut(s[1:end], " ")
	if name == "" {
		return "", "", "", fmt.Errorf("empty response code")
	}
	return imap.ResponseCode(strings.ToUpper(name)), arg, strings.TrimPrefix(s[end+1:], " "), nil
}

// validTag reports whether tag consists of astring characters other than '+'.
func validTag(tag string) bool {
	if tag == "" {
		return false
	}
	for i := 0; i < len(tag); i++ {
		b := tag[i]
		if b <= 0x20 || b >= 0x7f {
			return false
		}
		switch b {
		case '(', ')', '{', '%', '*', '"', '\\', '+':
			return false
		}
	}
	return true
}
