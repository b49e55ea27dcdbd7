// Package wire provides the IMAP line codec used by the transport.
//
// The decoder reads logical response lines (physical lines joined across
// {n} literals) from a connection and tokenizes the payload of a single
// response. The encoder writes tagged command lines.
package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrLiteralTooLarge is returned when a server announces a literal bigger
// than Decoder.MaxLiteral.
var ErrLiteralTooLarge = errors.New("imap: literal too large")

// Line is one logical response line. Literals are inlined as quoted strings.
type Line struct {
	Text string
	// Truncated is set when physical input beyond MaxLine was discarded.
	Truncated bool
}

// Decoder reads and parses IMAP protocol data from an io.Reader.
type Decoder struct {
	r *bufio.Reader

	// MaxLine caps the bytes kept for one physical line. 0 means no limit.
	MaxLine int
	// MaxLiteral caps the size of an announced literal. 0 means no limit.
	MaxLiteral int64
}

// NewDecoder creates a new Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 4096)
	}
	return &Decoder{r: br}
}

// NewStringDecoder creates a Decoder tokenizing s.
func NewStringDecoder(s string) *Decoder {
	return NewDecoder(strings.NewReader(s))
}

// ReadLine reads a complete IMAP line (terminated by CRLF or LF).
func (d *Decoder) ReadLine() (Line, error) {
	var line []byte
	var truncated bool
	for {
		part, isPrefix, err := d.r.ReadLine()
		if err != nil {
			return Line{}, err
		}
		if d.MaxLine > 0 && len(line)+len(part) > d.MaxLine {
			part = part[:max(0, d.MaxLine-len(line))]
			truncated = true
		}
		line = append(line, part...)
		if !isPrefix {
			break
		}
	}
	return Line{Text: string(line), Truncated: truncated}, nil
}

// ReadResponse reads one logical response. When a physical line ends with
// a literal announcement the literal is read and the response continues on
// the next physical line.
func (d *Decoder) ReadResponse() (Line, error) {
	var b strings.Builder
	var truncated bool
	for {
		line, err := d.ReadLine()
		if err != nil {
			return Line{}, err
		}
		truncated = truncated || line.Truncated

		start, size, ok := literalSuffix(line.Text)
		if !ok || line.Truncated {
			b.WriteString(line.Text)
			return Line{Text: b.String(), Truncated: truncated}, nil
		}
		if d.MaxLiteral > 0 && size > d.MaxLiteral {
			return Line{}, fmt.Errorf("%w: %d bytes", ErrLiteralTooLarge, size)
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(d.r, data); err != nil {
			return Line{}, fmt.Errorf("imap: reading literal: %w", err)
		}
		b.WriteString(line.Text[:start])
		b.WriteString(Quote(string(data)))
	}
}

// literalSuffix reports whether line ends with {n}, {n+} or ~{n} and
// returns where the announcement starts and its size.
func literalSuffix(line string) (start int, size int64, ok bool) {
	if !strings.HasSuffix(line, "}") {
		return 0, 0, false
	}
	open := strings.LastIndexByte(line, '{')
	if open < 0 {
		return 0, 0, false
	}
	num := strings.TrimSuffix(line[open+1:len(line)-1], "+")
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n < 0 {
		return 0, 0, false
	}
	start = open
	if start > 0 && line[start-1] == '~' {
		start--
	}
	return start, n, true
}

// ReadAtom reads an atom (a sequence of non-special characters).
func (d *Decoder) ReadAtom() (string, error) {
	return d.readWhile(isAtomChar, "atom")
}

// ReadFlag reads a flag or mailbox attribute such as \Seen or $Junk.
func (d *Decoder) ReadFlag() (string, error) {
	return d.readWhile(func(b byte) bool { return b == '\\' || isAtomChar(b) }, "flag")
}

func (d *Decoder) readWhile(accept func(byte) bool, what string) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := d.r.Peek(1)
		if err != nil {
			if err == io.EOF && buf.Len() > 0 {
				return buf.String(), nil
			}
			return "", err
		}
		if !accept(b[0]) {
			break
		}
		_, _ = d.r.ReadByte()
		buf.WriteByte(b[0])
	}
	if buf.Len() == 0 {
		return "", fmt.Errorf("imap: expected %s", what)
	}
	return buf.String(), nil
}

// ReadQuotedString reads a quoted string.
func (d *Decoder) ReadQuotedString() (string, error) {
	if err := d.ExpectByte('"'); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	for {
		ch, err := d.r.ReadByte()
		if err != nil {
			return "", err
		}
		switch ch {
		case '"':
			return buf.String(), nil
		case '\\':
			escaped, err := d.r.ReadByte()
			if err != nil {
				return "", err
			}
			buf.WriteByte(escaped)
		default:
			buf.WriteByte(ch)
		}
	}
}

// ReadAString reads an astring: a quoted string or an atom. Mailbox names
// may contain ']' which is not an atom character, so it is accepted here.
func (d *Decoder) ReadAString() (string, error) {
	b, err := d.PeekByte()
	if err != nil {
		return "", err
	}
	if b == '"' {
		return d.ReadQuotedString()
	}
	return d.readWhile(func(c byte) bool { return c == ']' || isAtomChar(c) }, "astring")
}

// ReadNString reads a nstring (NIL or string). Returns empty string and false for NIL.
func (d *Decoder) ReadNString() (string, bool, error) {
	b, err := d.PeekByte()
	if err != nil {
		return "", false, err
	}
	if b == '"' {
		s, err := d.ReadQuotedString()
		return s, err == nil, err
	}
	atom, err := d.ReadAtom()
	if err != nil {
		return "", false, err
	}
	if strings.EqualFold(atom, "NIL") {
		return "", false, nil
	}
	return atom, true, nil
}

// ReadNumber reads an unsigned number.
func (d *Decoder) ReadNumber() (uint32, error) {
	atom, err := d.ReadAtom()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(atom, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("imap: invalid number %q: %w", atom, err)
	}
	return uint32(n), nil
}

// ReadNumber64 reads a 64-bit unsigned number.
func (d *Decoder) ReadNumber64() (uint64, error) {
	atom, err := d.ReadAtom()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(atom, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("imap: invalid number %q: %w", atom, err)
	}
	return n, nil
}

// ReadSP reads a single space character.
func (d *Decoder) ReadSP() error {
	return d.ExpectByte(' ')
}

// ExpectByte reads a byte and returns an error if it doesn't match.
func (d *Decoder) ExpectByte(expected byte) error {
	b, err := d.r.ReadByte()
	if err != nil {
		return err
	}
	if b != expected {
		return fmt.Errorf("imap: expected %q, got %q", expected, b)
	}
	return nil
}

// PeekByte returns the next byte without consuming it.
func (d *Decoder) PeekByte() (byte, error) {
	b, err := d.r.Peek(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadList reads a parenthesized list and calls fn for each element.
func (d *Decoder) ReadList(fn func() error) error {
	if err := d.ExpectByte('('); err != nil {
		return err
	}

	first := true
	for {
		b, err := d.PeekByte()
		if err != nil {
			return err
		}
		if b == ')' {
			_, _ = d.r.ReadByte()
			return nil
		}
		if !first {
			if err := d.ReadSP(); err != nil {
				return err
			}
		}
		if err := fn(); err != nil {
			return err
		}
		first = false
	}
}

// ReadFlags reads a parenthesized list of flags.
func (d *Decoder) ReadFlags() ([]string, error) {
	flags := []string{}
	err := d.ReadList(func() error {
		flag, err := d.ReadFlag()
		if err != nil {
			return err
		}
		flags = append(flags, flag)
		return nil
	})
	return flags, err
}

// Rest returns everything not consumed yet.
func (d *Decoder) Rest() string {
	rest, _ := io.ReadAll(d.r)
	return string(rest)
}

// isAtomChar returns true if the byte is a valid atom character.
// Atom characters are any CHAR except atom-specials.
func isAtomChar(b byte) bool {
	if b < 0x20 || b > 0x7e {
		return false
	}
	switch b {
	case '(', ')', '{', ' ', '%', '*', '"', '\\', ']':
		return false
	}
	return true
}

// NeedsQuoting returns true if the string needs to be quoted for IMAP.
func NeedsQuoting(s string) bool {
	if s == "" {
		return true
	}
	for i := 0; i < len(s); i++ {
		if !isAtomChar(s[i]) {
			return true
		}
	}
	return false
}

// Quote returns s as an IMAP quoted string.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}
