package imap

import "strings"

// Tag correlates a command with its tagged completion.
type Tag string

// Command names the engine sends.
const (
	CommandCapability   = "CAPABILITY"
	CommandNoop         = "NOOP"
	CommandLogout       = "LOGOUT"
	CommandStartTLS     = "STARTTLS"
	CommandAuthenticate = "AUTHENTICATE"
	CommandLogin        = "LOGIN"
	CommandSelect       = "SELECT"
	CommandExamine      = "EXAMINE"
	CommandList         = "LIST"
	CommandStatus       = "STATUS"
	CommandUID          = "UID"
	CommandGenURLAuth   = "GENURLAUTH"
)

// Command is a single outgoing command line without its tag.
type Command struct {
	// Name is the command name, such as "SELECT" or "UID".
	Name string
	// Args are already encoded arguments (atoms, quoted strings, lists).
	Args []string
	// Sensitive marks arguments that must not reach the trace or the logs.
	Sensitive bool
}

// NewCommand creates a command from its name and encoded arguments.
func NewCommand(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// String returns the command as it appears on the wire after the tag.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Redacted returns the command with sensitive arguments masked.
func (c Command) Redacted() string {
	if !c.Sensitive || len(c.Args) == 0 {
		return c.String()
	}
	masked := make([]string, len(c.Args))
	for i := range masked {
		masked[i] = "***"
	}
	// The first argument of AUTHENTICATE is the mechanism name.
	if c.Name == CommandAuthenticate {
		masked[0] = c.Args[0]
	}
	return c.Name + " " + strings.Join(masked, " ")
}
