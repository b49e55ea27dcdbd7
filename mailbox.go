package imap

// MailboxInfo is one entry of a LIST response.
type MailboxInfo struct {
	// Name is the mailbox name as sent by the server (modified UTF-7).
	Name string
	// DisplayName is Name decoded for presentation.
	DisplayName string
	// Delim is the hierarchy delimiter, or 0 for a flat namespace.
	Delim rune
	// Attrs is the list of mailbox attributes.
	Attrs []MailboxAttr
}

// HasAttr reports whether the mailbox carries attr, ignoring case.
func (m MailboxInfo) HasAttr(attr MailboxAttr) bool {
	for _, a := range m.Attrs {
		if equalFoldASCII(string(a), string(attr)) {
			return true
		}
	}
	return false
}

// MayHaveChildren reports whether listing below this mailbox can return
// anything.
func (m MailboxInfo) MayHaveChildren() bool {
	return !m.HasAttr(MailboxAttrNoInferiors) && !m.HasAttr(MailboxAttrHasNoChildren)
}

// Selectable reports whether the mailbox can be opened.
func (m MailboxInfo) Selectable() bool {
	return !m.HasAttr(MailboxAttrNoSelect) && !m.HasAttr(MailboxAttrNonExistent)
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
