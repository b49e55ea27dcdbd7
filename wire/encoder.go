package wire

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrLineBreak is returned when a command argument contains CR or LF.
// Such an argument would end the command early and smuggle a second one.
var ErrLineBreak = errors.New("wire: line break in command argument")

// Encoder writes whole lines to the server. Every call flushes, so a
// line is never left half written in the buffer.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriterSize(w, 4096)
	}
	return &Encoder{w: bw}
}

// Command writes "tag name args...\r\n". Arguments must already be in
// wire form (quoted, atoms, sets); they are written verbatim.
func (e *Encoder) Command(tag, name string, args []string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "\r\n") {
			return ErrLineBreak
		}
	}
	_, _ = e.w.WriteString(tag)
	_ = e.w.WriteByte(' ')
	_, _ = e.w.WriteString(name)
	for _, arg := range args {
		_ = e.w.WriteByte(' ')
		_, _ = e.w.WriteString(arg)
	}
	return e.end()
}

// Line writes data followed by CRLF, for answers to a continuation
// request.
func (e *Encoder) Line(data string) error {
	if strings.ContainsAny(data, "\r\n") {
		return ErrLineBreak
	}
	_, _ = e.w.WriteString(data)
	return e.end()
}

func (e *Encoder) end() error {
	_, _ = e.w.WriteString("\r\n")
	return e.w.Flush()
}
