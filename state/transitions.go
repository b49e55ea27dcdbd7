package state

import (
	imap "github.com/meszmate/imap-engine"
)

// DefaultTransitions returns the connection lifecycle rules.
//
// The allowed transitions are:
//   - Disconnected -> Connecting (dial started)
//   - Connecting -> NotAuthenticated (OK greeting)
//   - Connecting -> Authenticated (PREAUTH greeting)
//   - NotAuthenticated -> Authenticated (via LOGIN/AUTHENTICATE)
//   - Authenticated -> Selected (via SELECT/EXAMINE)
//   - Selected -> Selected (via SELECT/EXAMINE of another mailbox)
//   - Selected -> Authenticated (failed SELECT, CLOSE, UNSELECT)
//   - any connected state -> Logout (via LOGOUT or BYE)
//   - any state but Disconnected -> Disconnected (socket gone)
func DefaultTransitions() map[imap.ConnState][]imap.ConnState {
	return map[imap.ConnState][]imap.ConnState{
		imap.ConnStateDisconnected: {
			imap.ConnStateConnecting,
		},
		imap.ConnStateConnecting: {
			imap.ConnStateNotAuthenticated,
			imap.ConnStateAuthenticated,
			imap.ConnStateDisconnected,
		},
		imap.ConnStateNotAuthenticated: {
			imap.ConnStateAuthenticated,
			imap.ConnStateLogout,
			imap.ConnStateDisconnected,
		},
		imap.ConnStateAuthenticated: {
			imap.ConnStateSelected,
			imap.ConnStateLogout,
			imap.ConnStateDisconnected,
		},
		imap.ConnStateSelected: {
			imap.ConnStateAuthenticated,
			imap.ConnStateSelected,
			imap.ConnStateLogout,
			imap.ConnStateDisconnected,
		},
		imap.ConnStateLogout: {
			imap.ConnStateDisconnected,
		},
	}
}

// CommandAllowedStates returns the states in which the engine may send cmd.
func CommandAllowedStates(cmd string) []imap.ConnState {
	switch cmd {
	case imap.CommandCapability, imap.CommandNoop, imap.CommandLogout:
		return []imap.ConnState{
			imap.ConnStateNotAuthenticated,
			imap.ConnStateAuthenticated,
			imap.ConnStateSelected,
		}

	case imap.CommandStartTLS, imap.CommandAuthenticate, imap.CommandLogin:
		return []imap.ConnState{
			imap.ConnStateNotAuthenticated,
		}

	case imap.CommandSelect, imap.CommandExamine, imap.CommandList,
		imap.CommandStatus, imap.CommandGenURLAuth:
		return []imap.ConnState{
			imap.ConnStateAuthenticated,
			imap.ConnStateSelected,
		}

	case imap.CommandUID:
		return []imap.ConnState{
			imap.ConnStateSelected,
		}

	default:
		return nil
	}
}
