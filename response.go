package imap

import (
	"fmt"
	"strings"
)

// StatusResponseType represents the type of a status response.
type StatusResponseType string

const (
	StatusResponseTypeOK      StatusResponseType = "OK"
	StatusResponseTypeNO      StatusResponseType = "NO"
	StatusResponseTypeBAD     StatusResponseType = "BAD"
	StatusResponseTypeBYE     StatusResponseType = "BYE"
	StatusResponseTypePREAUTH StatusResponseType = "PREAUTH"
)

// ResponseCode represents a response code in brackets.
type ResponseCode string

// Response codes the engine reacts to.
const (
	ResponseCodeAlert          ResponseCode = "ALERT"
	ResponseCodeCapability     ResponseCode = "CAPABILITY"
	ResponseCodeParse          ResponseCode = "PARSE"
	ResponseCodePermanentFlags ResponseCode = "PERMANENTFLAGS"
	ResponseCodeReadOnly       ResponseCode = "READ-ONLY"
	ResponseCodeReadWrite      ResponseCode = "READ-WRITE"
	ResponseCodeTryCreate      ResponseCode = "TRYCREATE"
	ResponseCodeUIDNext        ResponseCode = "UIDNEXT"
	ResponseCodeUIDValidity    ResponseCode = "UIDVALIDITY"
	ResponseCodeUnseen         ResponseCode = "UNSEEN"
	ResponseCodeHighestModSeq  ResponseCode = "HIGHESTMODSEQ"
	ResponseCodeClosed         ResponseCode = "CLOSED"
)

// StatusResponse represents an IMAP status response.
type StatusResponse struct {
	// Type is the response type (OK, NO, BAD, BYE, PREAUTH).
	Type StatusResponseType
	// Code is the optional response code.
	Code ResponseCode
	// CodeArg is the optional argument to the response code.
	CodeArg string
	// Text is the human-readable text.
	Text string
}

// Error returns the status response as an error string.
func (r *StatusResponse) Error() string {
	var b strings.Builder
	b.WriteString(string(r.Type))
	if r.Code != "" {
		b.WriteString(" [")
		b.WriteString(string(r.Code))
		if r.CodeArg != "" {
			b.WriteString(" ")
			b.WriteString(r.CodeArg)
		}
		b.WriteString("]")
	}
	if r.Text != "" {
		b.WriteString(" ")
		b.WriteString(r.Text)
	}
	return b.String()
}

// IMAPError is an error type that wraps an IMAP status response.
//
// It is the failure reason of a task whose command was rejected by the
// server with NO or BAD.
type IMAPError struct {
	*StatusResponse
}

// Error implements the error interface.
func (e *IMAPError) Error() string {
	return e.StatusResponse.Error()
}

// ErrNo creates a NO error with the given text.
func ErrNo(text string) *IMAPError {
	return &IMAPError{&StatusResponse{
		Type: StatusResponseTypeNO,
		Text: text,
	}}
}

// ErrBad creates a BAD error with the given text.
func ErrBad(text string) *IMAPError {
	return &IMAPError{&StatusResponse{
		Type: StatusResponseTypeBAD,
		Text: text,
	}}
}

// Response is a parsed protocol event read from a transport.
//
// The set of implementations is closed: *Completion, *Untagged,
// *Continuation, *Extension and *ParseError. Values are immutable once
// constructed.
type Response interface {
	fmt.Stringer
	response()
}

// Completion is a tagged status response finishing the command with Tag.
type Completion struct {
	Tag     Tag
	Status  StatusResponseType
	Code    ResponseCode
	CodeArg string
	Text    string
}

// OK reports whether the command succeeded.
func (c *Completion) OK() bool { return c.Status == StatusResponseTypeOK }

// Err returns the completion as an *IMAPError, or nil when it succeeded.
func (c *Completion) Err() error {
	if c.OK() {
		return nil
	}
	return &IMAPError{&StatusResponse{Type: c.Status, Code: c.Code, CodeArg: c.CodeArg, Text: c.Text}}
}

func (c *Completion) String() string {
	sr := StatusResponse{Type: c.Status, Code: c.Code, CodeArg: c.CodeArg, Text: c.Text}
	return string(c.Tag) + " " + sr.Error()
}

func (*Completion) response() {}

// Untagged is a "* ..." response line.
//
// For numeric responses such as "* 3 EXISTS" HasNum is set, Num is 3 and Name
// is "EXISTS". For status responses such as "* OK [UIDVALIDITY 7] ok" Status,
// Code and CodeArg are filled in. Text holds everything after the name.
type Untagged struct {
	Name    string
	Num     uint32
	HasNum  bool
	Status  StatusResponseType
	Code    ResponseCode
	CodeArg string
	Text    string
}

func (u *Untagged) String() string {
	var b strings.Builder
	b.WriteString("* ")
	if u.HasNum {
		fmt.Fprintf(&b, "%d ", u.Num)
	}
	b.WriteString(u.Name)
	if u.Code != "" {
		b.WriteString(" [")
		b.WriteString(string(u.Code))
		if u.CodeArg != "" {
			b.WriteString(" ")
			b.WriteString(u.CodeArg)
		}
		b.WriteString("]")
	}
	if u.Text != "" {
		b.WriteString(" ")
		b.WriteString(u.Text)
	}
	return b.String()
}

func (*Untagged) response() {}

// Continuation is a "+ ..." continuation request.
type Continuation struct {
	Text string
}

func (c *Continuation) String() string { return "+ " + c.Text }

func (*Continuation) response() {}

// Extension is an untagged response belonging to a protocol extension the
// transport was told to recognise, such as GENURLAUTH.
type Extension struct {
	Kind    string
	Payload string
}

func (e *Extension) String() string { return "* " + e.Kind + " " + e.Payload }

func (*Extension) response() {}

// ParseError stands in for a line that could not be classified.
type ParseError struct {
	Line string
	Err  error
}

func (p *ParseError) String() string {
	return fmt.Sprintf("parse error: %v: %q", p.Err, p.Line)
}

// Unwrap lets errors.Is match ErrParse.
func (p *ParseError) Unwrap() error { return p.Err }

func (p *ParseError) Error() string { return p.String() }

func (*ParseError) response() {}
