package imap

import "strings"

// StoreAction specifies how flags should be modified.
type StoreAction int

const (
	// StoreFlagsSet replaces existing flags.
	StoreFlagsSet StoreAction = iota
	// StoreFlagsAdd adds to existing flags.
	StoreFlagsAdd
	// StoreFlagsDel removes from existing flags.
	StoreFlagsDel
)

// String returns the IMAP representation of the store action.
func (a StoreAction) String() string {
	switch a {
	case StoreFlagsAdd:
		return "+FLAGS"
	case StoreFlagsDel:
		return "-FLAGS"
	default:
		return "FLAGS"
	}
}

// StoreFlags specifies the flag changes for a STORE command.
type StoreFlags struct {
	// Action specifies how to modify flags.
	Action StoreAction
	// Silent prevents the server from sending updated flags.
	Silent bool
	// Flags is the list of flags to set/add/remove.
	Flags []Flag
}

// Args returns the item name and flag list arguments of UID STORE.
func (s StoreFlags) Args() []string {
	item := s.Action.String()
	if s.Silent {
		item += ".SILENT"
	}
	names := make([]string, len(s.Flags))
	for i, f := range s.Flags {
		names[i] = string(f)
	}
	return []string{item, "(" + strings.Join(names, " ") + ")"}
}

// Apply returns current with the change applied. current is not modified.
func (s StoreFlags) Apply(current []Flag) []Flag {
	switch s.Action {
	case StoreFlagsSet:
		return append([]Flag(nil), s.Flags...)
	case StoreFlagsAdd:
		out := append([]Flag(nil), current...)
		for _, f := range s.Flags {
			if !containsFlag(out, f) {
				out = append(out, f)
			}
		}
		return out
	default:
		out := make([]Flag, 0, len(current))
		for _, f := range current {
			if !containsFlag(s.Flags, f) {
				out = append(out, f)
			}
		}
		return out
	}
}

func containsFlag(flags []Flag, f Flag) bool {
	for _, x := range flags {
		if equalFoldASCII(string(x), string(f)) {
			return true
		}
	}
	return false
}
