package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/meszmate/imap-engine/trace"
)

// Option is a functional option for configuring a Conn.
type Option func(*Options)

// Options holds all transport configuration.
type Options struct {
	// Logger is the structured logger.
	Logger *zap.Logger

	// Trace receives every line sent and received. Nil disables tracing.
	Trace *trace.Log

	// Notify is called from the reader goroutine whenever new responses
	// are queued or the connection stopped. It must not block.
	Notify func()

	// TagPrefix is prepended to the command counter.
	TagPrefix string

	// Extensions lists untagged response names returned as *imap.Extension.
	Extensions []string

	// MaxLine caps one physical response line; longer lines become parse errors.
	MaxLine int

	// MaxLiteral caps the size of a literal the server may announce.
	MaxLiteral int64

	// WriteTimeout bounds writing one command. 0 disables the deadline.
	WriteTimeout time.Duration
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		Logger:       zap.NewNop(),
		TagPrefix:    "y",
		Extensions:   []string{"GENURLAUTH"},
		MaxLine:      1 << 20,
		MaxLiteral:   64 << 20,
		WriteTimeout: time.Minute,
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

// WithTrace sets the trace log.
func WithTrace(log *trace.Log) Option {
	return func(o *Options) {
		o.Trace = log
	}
}

// WithNotify sets the callback signalled when responses are queued.
func WithNotify(fn func()) Option {
	return func(o *Options) {
		o.Notify = fn
	}
}

// WithTagPrefix sets the tag prefix.
func WithTagPrefix(prefix string) Option {
	return func(o *Options) {
		o.TagPrefix = prefix
	}
}

// WithExtensions sets the untagged response names handled as extensions.
func WithExtensions(names ...string) Option {
	return func(o *Options) {
		o.Extensions = names
	}
}

// WithMaxLine sets the physical line limit.
func WithMaxLine(n int) Option {
	return func(o *Options) {
		o.MaxLine = n
	}
}

// WithWriteTimeout sets the write timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.WriteTimeout = d
	}
}
