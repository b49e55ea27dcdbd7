package imap

import "errors"

// Sentinel errors shared by the engine packages. They are wrapped with
// context using fmt.Errorf and matched with errors.Is.
var (
	// ErrParse reports a response line that could not be classified.
	ErrParse = errors.New("imap: malformed response")
	// ErrConnectionLost reports that a transport went away under a task.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNetworkOffline reports work refused or aborted by the offline policy.
	ErrNetworkOffline = errors.New("network offline")
	// ErrNetworkExpensive reports background work refused on a metered network.
	ErrNetworkExpensive = errors.New("network expensive")
	// ErrCachePersistence reports a durable cache failure.
	ErrCachePersistence = errors.New("cache persistence failed")
	// ErrUntrusted reports a server credential the user did not accept.
	ErrUntrusted = errors.New("server certificate not trusted")
	// ErrTimeout reports a command that did not complete in time.
	ErrTimeout = errors.New("command timed out")
	// ErrClosed reports use of a closed transport or model.
	ErrClosed = errors.New("imap: closed")
)
