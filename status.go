package imap

// StatusItems is the item list the engine requests with STATUS.
const StatusItems = "(MESSAGES RECENT UIDNEXT UIDVALIDITY UNSEEN)"

// StatusData represents the data returned by a STATUS command.
type StatusData struct {
	// Mailbox is the mailbox name.
	Mailbox string
	// NumMessages is the number of messages.
	NumMessages uint32
	// NumRecent is the number of recent messages.
	NumRecent uint32
	// NumUnseen is the number of unseen messages.
	NumUnseen uint32
	// UIDNext is the next UID.
	UIDNext UID
	// UIDValidity is the UID validity.
	UIDValidity uint32
}
