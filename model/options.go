package model

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	imap "github.com/meszmate/imap-engine"
	"github.com/meszmate/imap-engine/cache"
	"github.com/meszmate/imap-engine/task"
	"github.com/meszmate/imap-engine/trace"
	"github.com/meszmate/imap-engine/transport"
)

// Transport is what the model needs from a connection. *transport.Conn
// implements it.
type Transport interface {
	task.Conn
	Greeting() *imap.Untagged
	PollResponses() []imap.Response
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialFunc opens transport id. notify must be called whenever responses
// were queued or the transport stopped.
type DialFunc func(ctx context.Context, id uint, notify func()) (Transport, error)

// Option is a functional option for configuring a Model.
type Option func(*Options)

// Options holds all model configuration.
type Options struct {
	// Logger is the structured logger.
	Logger *zap.Logger

	// Addr is the host:port of the server.
	Addr     string
	Security transport.Security
	// RootCAs verifies server certificates; nil uses the system pool.
	RootCAs     *x509.CertPool
	DialTimeout time.Duration
	Credentials task.Credentials

	// NetDialer opens the sockets of the default dialer.
	NetDialer transport.NetDialer
	// Dial replaces the whole dialing step, mostly for tests.
	Dial DialFunc

	// Cache defaults to an in-memory cache.
	Cache cache.Cache
	// Trust defaults to an in-memory store.
	Trust *TrustStore

	Observer Observer

	// Policy is the network policy the model starts in.
	Policy    imap.NetworkPolicy
	Reconnect ReconnectPolicy

	// CommandTimeout fails a task whose last command got no completion for
	// this long. 0 disables it.
	CommandTimeout time.Duration

	TraceCapacity int
	TraceMaxLine  int
	TraceFlush    time.Duration

	// Registerer receives the prometheus collectors. Nil keeps them
	// unregistered.
	Registerer prometheus.Registerer

	now func() time.Time
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		Logger:         zap.NewNop(),
		Security:       transport.SecurityTLS,
		DialTimeout:    30 * time.Second,
		Policy:         imap.NetworkOnline,
		Reconnect:      DefaultReconnectPolicy(),
		CommandTimeout: 2 * time.Minute,
		TraceCapacity:  trace.DefaultCapacity,
		TraceMaxLine:   4096,
		TraceFlush:     trace.DefaultFlushDelay,
		now:            time.Now,
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithServer sets the server address and how the connection is protected.
func WithServer(addr string, security transport.Security) Option {
	return func(o *Options) {
		o.Addr = addr
		o.Security = security
	}
}

// WithRootCAs sets the pool used to verify server certificates.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(o *Options) { o.RootCAs = pool }
}

// WithCredentials sets the login used by OpenConnection tasks.
func WithCredentials(creds task.Credentials) Option {
	return func(o *Options) { o.Credentials = creds }
}

// WithNetDialer sets how sockets are opened.
func WithNetDialer(d transport.NetDialer) Option {
	return func(o *Options) { o.NetDialer = d }
}

// WithDial replaces the dialing step.
func WithDial(dial DialFunc) Option {
	return func(o *Options) { o.Dial = dial }
}

// WithCache sets the mailbox cache.
func WithCache(c cache.Cache) Option {
	return func(o *Options) { o.Cache = c }
}

// WithTrustStore sets where accepted server certificates are remembered.
func WithTrustStore(s *TrustStore) Option {
	return func(o *Options) { o.Trust = s }
}

// WithObserver sets the notification handlers.
func WithObserver(obs Observer) Option {
	return func(o *Options) { o.Observer = obs }
}

// WithNetworkPolicy sets the initial network policy.
func WithNetworkPolicy(p imap.NetworkPolicy) Option {
	return func(o *Options) { o.Policy = p }
}

// StartOffline makes the model start without touching the network.
func StartOffline() Option {
	return WithNetworkPolicy(imap.NetworkOffline)
}

// WithReconnect sets the reconnect policy.
func WithReconnect(p ReconnectPolicy) Option {
	return func(o *Options) { o.Reconnect = p }
}

// WithCommandTimeout sets how long a command may wait for its completion.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *Options) { o.CommandTimeout = d }
}

// WithTrace configures the per-connection protocol trace.
func WithTrace(capacity, maxLine int, flush time.Duration) Option {
	return func(o *Options) {
		o.TraceCapacity = capacity
		o.TraceMaxLine = maxLine
		o.TraceFlush = flush
	}
}

// WithRegisterer sets where the prometheus collectors are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) { o.Registerer = reg }
}

func withClock(now func() time.Time) Option {
	return func(o *Options) { o.now = now }
}
