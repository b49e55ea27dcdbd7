// Package cache stores mailbox synchronization state between sessions.
//
// Entries are keyed by mailbox and guarded by the mailbox's UIDVALIDITY:
// once the server announces a different validity token every entry recorded
// under the old token is dropped. Implementations hand out deep copies so
// callers can never alias cached data.
package cache

import (
	"sort"

	imap "github.com/meszmate/imap-engine"
)

// SyncState is what the engine remembers about a mailbox.
type SyncState struct {
	UIDValidity   uint32
	Exists        uint32
	UIDNext       imap.UID
	HighestModSeq uint64
	UIDs          []imap.UID
	Flags         map[imap.UID][]imap.Flag
}

// Clone returns a deep copy of s.
func (s SyncState) Clone() SyncState {
	out := s
	out.UIDs = append([]imap.UID(nil), s.UIDs...)
	if s.Flags != nil {
		out.Flags = make(map[imap.UID][]imap.Flag, len(s.Flags))
		for uid, flags := range s.Flags {
			out.Flags[uid] = append([]imap.Flag(nil), flags...)
		}
	}
	return out
}

// SortedUIDs returns the UIDs in ascending order.
func (s SyncState) SortedUIDs() []imap.UID {
	out := append([]imap.UID(nil), s.UIDs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Cache is the storage interface the model talks to. Implementations are
// safe for concurrent use.
type Cache interface {
	// ReadSync returns the state of mailbox if one is stored under the
	// current validity token.
	ReadSync(mailbox string) (SyncState, bool, error)
	// WriteSync stores st. A token different from the current one replaces it.
	WriteSync(mailbox string, st SyncState) error
	// SetValidity records the token the server announced. A change drops
	// the state stored under the previous token.
	SetValidity(mailbox string, token uint32) error
	// Invalidate forgets everything about mailbox.
	Invalidate(mailbox string) error
	// ChildMailboxes returns the cached children of parent.
	ChildMailboxes(parent string) ([]imap.MailboxInfo, bool, error)
	// SetChildMailboxes replaces the cached children of parent.
	SetChildMailboxes(parent string, children []imap.MailboxInfo) error
	// Close releases the backing store.
	Close() error
}

func cloneMailboxes(in []imap.MailboxInfo) []imap.MailboxInfo {
	if in == nil {
		return nil
	}
	out := make([]imap.MailboxInfo, len(in))
	for i, m := range in {
		out[i] = m
		out[i].Attrs = append([]imap.MailboxAttr(nil), m.Attrs...)
	}
	return out
}
