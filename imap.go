// Package imap holds the protocol types shared by the imap-engine packages.
//
// The engine drives a stateful, tag-correlated IMAP session: commands are
// minted a tag by the transport, responses are classified into completions,
// untagged data, continuation requests and extension responses, and the
// model routes each of them to the task that owns it.
package imap

import (
	"fmt"
	"strings"
)

// ConnState represents the state of an IMAP connection.
type ConnState int

const (
	// ConnStateDisconnected is the state of a transport that has no socket.
	ConnStateDisconnected ConnState = iota
	// ConnStateConnecting is the state while dialing and waiting for the greeting.
	ConnStateConnecting
	// ConnStateNotAuthenticated is the state before authentication.
	ConnStateNotAuthenticated
	// ConnStateAuthenticated is the state after successful authentication.
	ConnStateAuthenticated
	// ConnStateSelected is the state after a mailbox has been selected.
	ConnStateSelected
	// ConnStateLogout is the state after the LOGOUT command or a BYE.
	ConnStateLogout
)

// String returns the string representation of the connection state.
func (s ConnState) String() string {
	switch s {
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateNotAuthenticated:
		return "not authenticated"
	case ConnStateAuthenticated:
		return "authenticated"
	case ConnStateSelected:
		return "selected"
	case ConnStateLogout:
		return "logout"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Usable reports whether commands needing a login can be sent in this state.
func (s ConnState) Usable() bool {
	return s == ConnStateAuthenticated || s == ConnStateSelected
}

// Flag represents an IMAP message flag.
type Flag string

// Standard message flags defined in RFC 9051.
const (
	FlagSeen     Flag = "\\Seen"
	FlagAnswered Flag = "\\Answered"
	FlagFlagged  Flag = "\\Flagged"
	FlagDeleted  Flag = "\\Deleted"
	FlagDraft    Flag = "\\Draft"
	FlagRecent   Flag = "\\Recent"
)

// ParseFlags parses a parenthesized flag list such as `(\Seen \Flagged)`.
func ParseFlags(s string) []Flag {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	flags := make([]Flag, len(fields))
	for i, f := range fields {
		flags[i] = Flag(f)
	}
	return flags
}

// MailboxAttr represents a mailbox attribute.
type MailboxAttr string

// Standard mailbox attributes.
const (
	MailboxAttrNoInferiors   MailboxAttr = "\\Noinferiors"
	MailboxAttrNoSelect      MailboxAttr = "\\Noselect"
	MailboxAttrMarked        MailboxAttr = "\\Marked"
	MailboxAttrUnmarked      MailboxAttr = "\\Unmarked"
	MailboxAttrHasChildren   MailboxAttr = "\\HasChildren"
	MailboxAttrHasNoChildren MailboxAttr = "\\HasNoChildren"
	MailboxAttrNonExistent   MailboxAttr = "\\NonExistent"
)

// NetworkPolicy controls whether and how eagerly the engine uses the network.
type NetworkPolicy int

const (
	// NetworkOffline forbids any network activity.
	NetworkOffline NetworkPolicy = iota
	// NetworkExpensive allows user-requested work but no background prefetching.
	NetworkExpensive
	// NetworkOnline allows unrestricted network use.
	NetworkOnline
)

// String returns the configuration name of the policy.
func (p NetworkPolicy) String() string {
	switch p {
	case NetworkOffline:
		return "offline"
	case NetworkExpensive:
		return "expensive"
	case NetworkOnline:
		return "online"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParseNetworkPolicy parses the configuration name of a policy.
func ParseNetworkPolicy(s string) (NetworkPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "offline":
		return NetworkOffline, nil
	case "expensive", "metered":
		return NetworkExpensive, nil
	case "online", "", "free":
		return NetworkOnline, nil
	default:
		return NetworkOffline, fmt.Errorf("imap: unknown network policy %q", s)
	}
}
