package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	imap "github.com/meszmate/imap-engine"
)

var testExtensions = map[string]bool{"GENURLAUTH": true}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want imap.Response
	}{
		{
			name: "tagged ok",
			line: "y1 OK [READ-WRITE] SELECT completed",
			want: &imap.Completion{Tag: "y1", Status: imap.StatusResponseTypeOK, Code: imap.ResponseCodeReadWrite, Text: "SELECT completed"},
		},
		{
			name: "tagged no lower case",
			line: "y2 no [trycreate] missing",
			want: &imap.Completion{Tag: "y2", Status: imap.StatusResponseTypeNO, Code: imap.ResponseCodeTryCreate, Text: "missing"},
		},
		{
			name: "tagged bad without text",
			line: "y3 BAD",
			want: &imap.Completion{Tag: "y3", Status: imap.StatusResponseTypeBAD},
		},
		{
			name: "numeric untagged",
			line: "* 23 EXISTS",
			want: &imap.Untagged{Name: "EXISTS", Num: 23, HasNum: true},
		},
		{
			name: "fetch",
			line: `* 4 FETCH (UID 10 FLAGS (\Seen))`,
			want: &imap.Untagged{Name: "FETCH", Num: 4, HasNum: true, Text: `(UID 10 FLAGS (\Seen))`},
		},
		{
			name: "untagged status with code",
			line: "* OK [UIDVALIDITY 3857529045] UIDs valid",
			want: &imap.Untagged{Name: "OK", Status: imap.StatusResponseTypeOK, Code: imap.ResponseCodeUIDValidity, CodeArg: "3857529045", Text: "UIDs valid"},
		},
		{
			name: "permanent flags",
			line: `* OK [PERMANENTFLAGS (\Deleted \Seen \*)] Limited`,
			want: &imap.Untagged{Name: "OK", Status: imap.StatusResponseTypeOK, Code: imap.ResponseCodePermanentFlags, CodeArg: `(\Deleted \Seen \*)`, Text: "Limited"},
		},
		{
			name: "bye",
			line: "* BYE shutting down",
			want: &imap.Untagged{Name: "BYE", Status: imap.StatusResponseTypeBYE, Text: "shutting down"},
		},
		{
			name: "list",
			line: `* LIST (\HasNoChildren) "." "INBOX.a"`,
			want: &imap.Untagged{Name: "LIST", Text: `(\HasNoChildren) "." "INBOX.a"`},
		},
		{
			name: "empty search",
			line: "* SEARCH",
			want: &imap.Untagged{Name: "SEARCH"},
		},
		{
			name: "extension",
			line: `* GENURLAUTH "imap://joe@example.com/INBOX;urlauth=anonymous:internal:91354a"`,
			want: &imap.Extension{Kind: "GENURLAUTH", Payload: `"imap://joe@example.com/INBOX;urlauth=anonymous:internal:91354a"`},
		},
		{
			name: "continuation",
			line: "+ Ready for literal",
			want: &imap.Continuation{Text: "Ready for literal"},
		},
		{
			name: "bare continuation",
			line: "+",
			want: &imap.Continuation{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLine(tt.line, testExtensions))
		})
	}
}

func TestParseLine_Malformed(t *testing.T) {
	for _, line := range []string{
		"",
		"*",
		"* ",
		"*garbage",
		"* 12",
		"* 3 OK numbered status",
		"* OK [UIDVALIDITY 3 unterminated",
		"* OK [] empty code",
		"y1",
		"y1 MAYBE",
		"y1 BYE tagged bye",
		"+tag OK not a tag",
		"\"q\" OK quoted tag",
	} {
		t.Run(line, func(t *testing.T) {
			resp := ParseLine(line, testExtensions)
			if line != "" && line[0] == '+' {
				_, ok := resp.(*imap.Continuation)
				assert.True(t, ok)
				return
			}
			pe, ok := resp.(*imap.ParseError)
			require.True(t, ok, "got %T", resp)
			assert.ErrorIs(t, pe, imap.ErrParse)
			assert.Equal(t, line, pe.Line)
		})
	}
}

func TestParseLine_ExtensionNotNumeric(t *testing.T) {
	resp := ParseLine("* 3 GENURLAUTH x", testExtensions)
	u, ok := resp.(*imap.Untagged)
	require.True(t, ok)
	assert.Equal(t, "GENURLAUTH", u.Name)
}
