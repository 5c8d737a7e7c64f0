// Package smtpd implements an embeddable SMTP/ESMTP server: a protocol
// engine (HELO/EHLO, MAIL/RCPT/DATA, STARTTLS, AUTH, SIZE, PIPELINING) that
// knows nothing about how messages are stored or who may send them. Callers
// supply that policy through a small set of collaborator interfaces and get
// back a Server they can Start and Stop.
package smtpd

import (
	"crypto/tls"
	"net"
	"time"

	"blitiri.com.ar/go/smtpd/internal/collab"
	"blitiri.com.ar/go/smtpd/internal/lineio"
	"blitiri.com.ar/go/smtpd/internal/smtpsrv"
	"github.com/prometheus/client_golang/prometheus"
)

// Collaborator interfaces, re-exported from internal/collab so embedders
// never need to import an internal package to implement one.
type (
	HandlerResult                = collab.HandlerResult
	MessageHandler               = collab.MessageHandler
	MessageHandlerFactory        = collab.MessageHandlerFactory
	SessionInfo                  = collab.SessionInfo
	AuthStepKind                 = collab.AuthStepKind
	AuthStep                     = collab.AuthStep
	AuthHandler                  = collab.AuthHandler
	AuthenticationHandlerFactory = collab.AuthenticationHandlerFactory
	SessionIDFactory             = collab.SessionIDFactory
)

// TLSWrapper turns a plain connection into a TLS server connection,
// performing the handshake before returning.
type TLSWrapper = lineio.TLSWrapper

// AuthStep result kinds, re-exported for convenience.
const (
	AuthContinue = collab.AuthContinue
	AuthSuccess  = collab.AuthSuccess
	AuthFailure  = collab.AuthFailure
)

// Accepted is the zero-value HandlerResult meaning "proceed normally".
var Accepted = collab.Accepted

// ServerOptions configures a Server. Build one with NewOptions and a list
// of Option values; the zero value is not meant to be used directly since
// it has no MessageHandlerFactory.
type ServerOptions struct {
	opts   smtpsrv.Options
	collab smtpsrv.Collaborators
}

// Option configures a ServerOptions value.
type Option func(*ServerOptions)

// NewOptions builds a ServerOptions from a list of Options, filling in
// every field an Option doesn't set with this library's defaults (port 25,
// 1000 max connections, a 60s idle timeout, Received-header insertion on).
// A later WithAddr, including one naming port 0 for an ephemeral port,
// always wins over this default.
func NewOptions(opts ...Option) ServerOptions {
	so := ServerOptions{}
	so.opts.Port = 25
	so.opts.InsertReceivedHeaders = true
	for _, o := range opts {
		o(&so)
	}
	so.opts = smtpsrv.WithDefaults(so.opts)
	return so
}

// WithHostName sets the name the server announces in its greeting, EHLO
// response, and Received headers. Required.
func WithHostName(name string) Option {
	return func(so *ServerOptions) { so.opts.HostName = name }
}

// WithSoftwareName sets the product token used in the greeting banner and
// Received headers. Defaults to "smtpd".
func WithSoftwareName(name string) Option {
	return func(so *ServerOptions) { so.opts.SoftwareName = name }
}

// WithAddr sets the address and port Start binds to. Defaults to all
// interfaces, port 25; port 0 asks the kernel for an ephemeral port,
// recoverable afterwards via Server.AllocatedPort.
func WithAddr(address string, port int) Option {
	return func(so *ServerOptions) {
		so.opts.BindAddress = address
		so.opts.Port = port
	}
}

// WithBacklog sets the listen backlog value recorded in the options.
// Defaults to 50. Start binds with net.Listen, which does not take a
// backlog, so the value is not applied to the listening socket.
func WithBacklog(n int) Option {
	return func(so *ServerOptions) { so.opts.Backlog = n }
}

// WithTLS enables STARTTLS, using wrap to perform the handshake and
// announcing it in EHLO (unless WithHiddenTLS is also given).
func WithTLS(wrap TLSWrapper) Option {
	return func(so *ServerOptions) {
		so.opts.EnableTLS = true
		so.collab.TLSWrapper = wrap
	}
}

// WithTLSConfig is a convenience over WithTLS, wrapping connections with
// the standard library's tls.Server using cfg and completing the handshake
// before handing the connection back.
func WithTLSConfig(cfg *tls.Config) Option {
	return WithTLS(func(c net.Conn) (net.Conn, error) {
		tc := tls.Server(c, cfg)
		if err := tc.Handshake(); err != nil {
			return nil, err
		}
		return tc, nil
	})
}

// WithHiddenTLS makes STARTTLS available but not advertised in EHLO, for
// deployments that negotiate it out of band.
func WithHiddenTLS() Option {
	return func(so *ServerOptions) { so.opts.HideTLS = true }
}

// WithRequireTLS rejects every command except EHLO/HELO/STARTTLS/RSET/
// QUIT/NOOP until the connection has been upgraded.
func WithRequireTLS() Option {
	return func(so *ServerOptions) { so.opts.RequireTLS = true }
}

// WithRequireAuth rejects MAIL until the session has authenticated.
func WithRequireAuth() Option {
	return func(so *ServerOptions) { so.opts.RequireAuth = true }
}

// WithoutReceivedHeader disables the default "Received:" header insertion
// during DATA. Most deployments want it left on.
func WithoutReceivedHeader() Option {
	return func(so *ServerOptions) { so.opts.InsertReceivedHeaders = false }
}

// WithMaxConnections caps concurrent sessions; beyond it new connections
// are greeted with 421 and closed. Defaults to 1000 (also when n is 0); a
// negative n disables the cap.
func WithMaxConnections(n int) Option {
	return func(so *ServerOptions) { so.opts.MaxConnections = n }
}

// WithConnectionTimeout sets the idle read timeout applied before every
// line. Defaults to 60s.
func WithConnectionTimeout(d time.Duration) Option {
	return func(so *ServerOptions) { so.opts.ConnectionTimeout = d }
}

// WithMaxRecipients caps RCPT commands accepted per transaction. Defaults
// to 1000.
func WithMaxRecipients(n int) Option {
	return func(so *ServerOptions) { so.opts.MaxRecipients = n }
}

// WithMaxMessageSize advertises SIZE <n> in EHLO and enforces it against
// the declared MAIL FROM SIZE= parameter. The bytes actually sent during
// DATA are not counted. 0 advertises a bare SIZE and enforces nothing.
func WithMaxMessageSize(n int64) Option {
	return func(so *ServerOptions) { so.opts.MaxMessageSize = n }
}

// WithProxyProtocol expects every accepted connection to open with a
// HAProxy PROXY protocol v1 header, and uses the source address it carries
// as the session's remote address instead of the TCP peer's.
func WithProxyProtocol() Option {
	return func(so *ServerOptions) { so.opts.ProxyProtocol = true }
}

// WithShutdownGrace bounds how long Stop waits for in-flight sessions
// before returning anyway. Defaults to 5s.
func WithShutdownGrace(d time.Duration) Option {
	return func(so *ServerOptions) { so.opts.ShutdownGrace = d }
}

// WithMessageHandlerFactory installs the collaborator invoked for every
// mail transaction. Required: a Server with no MessageHandlerFactory
// refuses every MAIL command with a permanent error.
func WithMessageHandlerFactory(f MessageHandlerFactory) Option {
	return func(so *ServerOptions) { so.collab.MessageHandlerFactory = f }
}

// WithAuthenticationHandlerFactory installs the SASL backend consulted by
// AUTH. Omit it to run without authentication support at all.
func WithAuthenticationHandlerFactory(f AuthenticationHandlerFactory) Option {
	return func(so *ServerOptions) { so.collab.AuthFactory = f }
}

// WithSessionIDFactory overrides how per-connection session identifiers
// are generated. Omit it to use a built-in monotonic counter.
func WithSessionIDFactory(f SessionIDFactory) Option {
	return func(so *ServerOptions) { so.collab.SessionIDFactory = f }
}

// WithMetrics registers Prometheus collectors for connection, command,
// reply, TLS, and authentication counts on reg. Omit it to collect no
// metrics at all.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(so *ServerOptions) { so.opts.MetricsRegisterer = reg }
}

// Server is an embeddable SMTP server. Construct one with New, then call
// Start; Stop shuts it down gracefully. A Server is single-use: once
// stopped it cannot be restarted.
type Server struct {
	inner *smtpsrv.Server
}

// New builds a Server from opts. It does not start listening; call Start
// for that.
func New(opts ServerOptions) *Server {
	return &Server{inner: smtpsrv.NewServer(opts.opts, opts.collab)}
}

// Start binds the configured address and begins accepting connections in
// the background. It returns once the listener is bound.
func (s *Server) Start() error {
	return s.inner.Start()
}

// Serve adds an already-open net.Listener (for example one obtained via
// systemd socket activation) as an additional source of connections.
func (s *Server) Serve(ln net.Listener) {
	s.inner.Serve(ln)
}

// Stop stops accepting connections, closes every listening socket, and
// waits up to the configured shutdown grace period for in-flight sessions
// to end. Sessions still running when the period elapses are not closed.
func (s *Server) Stop() {
	s.inner.Stop()
}

// IsRunning reports whether the server has been started and not yet
// stopped.
func (s *Server) IsRunning() bool {
	return s.inner.IsRunning()
}

// AllocatedPort returns the port Start actually bound, useful when
// WithAddr was given port 0.
func (s *Server) AllocatedPort() int {
	return s.inner.AllocatedPort()
}
