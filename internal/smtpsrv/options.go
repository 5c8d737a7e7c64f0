package smtpsrv

import (
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/smtpd/internal/collab"
	"blitiri.com.ar/go/smtpd/internal/lineio"
	"github.com/prometheus/client_golang/prometheus"
)

// Options is the flat, immutable configuration record a Server is built
// from. It is assembled once, by the root smtpd package's functional-option
// builder, and never mutated afterwards.
type Options struct {
	HostName     string
	SoftwareName string

	BindAddress string
	Port        int
	Backlog     int

	EnableTLS             bool
	HideTLS               bool
	RequireTLS            bool
	RequireAuth           bool
	InsertReceivedHeaders bool

	MaxConnections    int
	ConnectionTimeout time.Duration
	MaxRecipients     int
	MaxMessageSize    int64

	// ProxyProtocol enables the HAProxy PROXY protocol v1 handshake on
	// accepted connections, for deployments behind a load balancer that
	// speaks it.
	ProxyProtocol bool

	// ShutdownGrace bounds how long Stop waits for in-flight sessions to
	// end. Stop then returns; it does not close sessions still running.
	ShutdownGrace time.Duration

	// Logger receives leveled diagnostic messages. Defaults to
	// blitiri.com.ar/go/log's package-level Default logger.
	Logger *log.Logger

	// MetricsRegisterer, if non-nil, is where connection/command/reply
	// counters are registered. Nil disables metrics collection entirely.
	MetricsRegisterer prometheus.Registerer
}

// Defaults per spec: backlog 50, 1000 max connections, a 60s idle timeout,
// 1000 max recipients, no SIZE limit, Received-header injection on, a
// 5s shutdown grace. Port has no default here: 0 is a meaningful value (ask
// the kernel for an ephemeral port), so the root smtpd package is
// responsible for defaulting it to 25 when the caller never names a port at
// all; WithDefaults must not clobber an intentional 0. The same holds for
// InsertReceivedHeaders, where false means "disabled": the root smtpd
// package seeds it to true.
func defaults() Options {
	return Options{
		SoftwareName:          "smtpd",
		Backlog:               50,
		InsertReceivedHeaders: true,
		MaxConnections:        1000,
		ConnectionTimeout:     60 * time.Second,
		MaxRecipients:         1000,
		ShutdownGrace:         5 * time.Second,
		Logger:                log.Default,
	}
}

// WithDefaults returns a copy of opts with every zero-valued field that has
// a documented default filled in. It deliberately leaves Port and
// InsertReceivedHeaders alone.
func WithDefaults(opts Options) Options {
	d := defaults()
	if opts.SoftwareName == "" {
		opts.SoftwareName = d.SoftwareName
	}
	if opts.Backlog == 0 {
		opts.Backlog = d.Backlog
	}
	if opts.MaxConnections == 0 {
		opts.MaxConnections = d.MaxConnections
	}
	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = d.ConnectionTimeout
	}
	if opts.MaxRecipients == 0 {
		opts.MaxRecipients = d.MaxRecipients
	}
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = d.ShutdownGrace
	}
	if opts.Logger == nil {
		opts.Logger = d.Logger
	}
	return opts
}

// Collaborators bundles the external interfaces the core needs but does not
// implement itself (spec.md section 6).
type Collaborators struct {
	// MessageHandlerFactory is required: without it no MAIL command could
	// ever be accepted.
	MessageHandlerFactory collab.MessageHandlerFactory

	// AuthFactory is optional. When nil, AUTH is rejected as unimplemented
	// and EHLO does not advertise an AUTH line.
	AuthFactory collab.AuthenticationHandlerFactory

	// TLSWrapper is required when Options.EnableTLS is set; it is what
	// turns a plain net.Conn into a TLS one during STARTTLS.
	TLSWrapper lineio.TLSWrapper

	// SessionIDFactory produces the opaque per-connection identifier. When
	// nil, a monotonic counter-based default is used.
	SessionIDFactory collab.SessionIDFactory
}
