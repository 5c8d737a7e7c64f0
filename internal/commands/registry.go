// Package commands implements the SMTP verb dispatch table: a
// CommandRegistry maps each recognized verb to a Handler, which inspects
// and mutates a session.Session and returns an Outcome describing what the
// connection loop should do next (send a reply, start reading a message
// body, begin a SASL exchange, upgrade to TLS, or close the connection).
package commands

import (
	"strings"

	"blitiri.com.ar/go/smtpd/internal/collab"
	"blitiri.com.ar/go/smtpd/internal/reply"
	"blitiri.com.ar/go/smtpd/internal/session"
)

// OutcomeKind classifies what a command handler wants the connection loop
// to do once its Reply, if any, has been written.
type OutcomeKind int

const (
	// KindReply: nothing more to do; keep reading commands.
	KindReply OutcomeKind = iota

	// KindBeginData: after sending Reply, read a dot-terminated message
	// body and hand it to the session's message handler.
	KindBeginData

	// KindBeginAuth: drive a SASL exchange for Mechanism (optionally
	// seeded with InitialResponse), then send the resulting reply.
	KindBeginAuth

	// KindUpgradeTLS: after sending Reply, perform the TLS handshake in
	// place and reset session state per invariant 6.
	KindUpgradeTLS

	// KindClose: send Reply, if any, then close the connection.
	KindClose
)

// Outcome is a command handler's result.
type Outcome struct {
	Kind  OutcomeKind
	Reply reply.Reply

	// Mechanism and InitialResponse are set for KindBeginAuth.
	Mechanism          string
	InitialResponse    []byte
	HasInitialResponse bool
}

// ReplyOutcome is a KindReply outcome carrying r.
func ReplyOutcome(r reply.Reply) Outcome {
	return Outcome{Kind: KindReply, Reply: r}
}

// Options holds the subset of server configuration command handlers need
// to decide what to advertise and what to require.
type Options struct {
	HostName              string
	SoftwareName          string
	HideTLS               bool
	RequireTLS            bool
	RequireAuth           bool
	InsertReceivedHeaders bool
	MaxRecipients         int
	MaxMessageSize        int64
}

// Context bundles everything a Handler needs: the session it operates on,
// static configuration, and the collaborators it may call out to.
type Context struct {
	Session               *session.Session
	Options               *Options
	MessageHandlerFactory collab.MessageHandlerFactory
	AuthFactory           collab.AuthenticationHandlerFactory

	// TLSAvailable reports whether a TLSSocketWrapper was configured, so
	// STARTTLS can be advertised and accepted.
	TLSAvailable bool
}

// SessionInfo adapts a session.Session to collab.SessionInfo, read-only,
// for collaborators that should not be able to mutate session state.
func SessionInfo(s *session.Session) collab.SessionInfo {
	return sessionInfo{s}
}

type sessionInfo struct{ s *session.Session }

func (si sessionInfo) SessionID() string      { return si.s.SessionID }
func (si sessionInfo) RemoteAddress() string  { return si.s.RemoteAddress }
func (si sessionInfo) RemoteHost() string     { return si.s.RemoteHost }
func (si sessionInfo) HeloHost() string       { return si.s.HeloHost }
func (si sessionInfo) TLSActive() bool        { return si.s.TLSActive }
func (si sessionInfo) AuthSubject() (string, bool) {
	return si.s.AuthSubject()
}

// Handler implements one SMTP verb.
type Handler interface {
	// Verb is the command word this handler answers to; matching against
	// it is case-insensitive.
	Verb() string

	// RequiresHELO reports whether this command is rejected with 503
	// until a HELO/EHLO has been given.
	RequiresHELO() bool

	// RequiresTLS reports, for this Context, whether this command is
	// rejected with 530 until STARTTLS has completed.
	RequiresTLS(ctx *Context) bool

	// RequiresAuth reports, for this Context, whether this command is
	// rejected with 530 until AUTH has succeeded.
	RequiresAuth(ctx *Context) bool

	// Run executes the command given its argument text, i.e. everything
	// on the line after the verb, trimmed.
	Run(ctx *Context, args string) Outcome
}

// cmdHandler is a Handler built from plain fields and a run function,
// avoiding a one-off type per verb.
type cmdHandler struct {
	verb string
	helo bool
	tls  func(ctx *Context) bool
	auth func(ctx *Context) bool
	run  func(ctx *Context, args string) Outcome
}

func (h *cmdHandler) Verb() string         { return h.verb }
func (h *cmdHandler) RequiresHELO() bool   { return h.helo }
func (h *cmdHandler) RequiresTLS(ctx *Context) bool {
	if h.tls == nil {
		return false
	}
	return h.tls(ctx)
}
func (h *cmdHandler) RequiresAuth(ctx *Context) bool {
	if h.auth == nil {
		return false
	}
	return h.auth(ctx)
}
func (h *cmdHandler) Run(ctx *Context, args string) Outcome { return h.run(ctx, args) }

// crossProtocolVerbs are the first words of common non-SMTP protocols that
// occasionally get spoken at an SMTP port by misconfigured HTTP clients or
// proxies. They get a prompt 502 and a closed connection rather than the
// usual 500-and-keep-going, since there is no value in continuing a
// dialogue with a peer that isn't speaking SMTP at all.
var crossProtocolVerbs = map[string]bool{
	"GET":     true,
	"POST":    true,
	"HEAD":    true,
	"CONNECT": true,
}

// Registry dispatches command lines to the Handler registered for their
// verb.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a Registry from a list of handlers, keyed by their
// upper-cased Verb.
func NewRegistry(handlers ...Handler) *Registry {
	m := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		m[strings.ToUpper(h.Verb())] = h
	}
	return &Registry{handlers: m}
}

// Dispatch parses line into a verb and argument text, looks up the
// matching Handler, enforces its HELO/TLS/auth preconditions, and runs it.
// An unrecognized verb yields a 500 reply; a cross-protocol verb closes
// the connection instead.
func (r *Registry) Dispatch(ctx *Context, line string) Outcome {
	verb, args := splitCommand(line)
	upper := strings.ToUpper(verb)

	if crossProtocolVerbs[upper] {
		return Outcome{
			Kind:  KindClose,
			Reply: reply.New(502, "5.5.1 Error: command not recognized"),
		}
	}

	h, ok := r.handlers[upper]
	if !ok {
		return ReplyOutcome(reply.ErrCommandNotRecognized)
	}

	if h.RequiresHELO() && ctx.Session.HeloHost == "" {
		return ReplyOutcome(reply.ErrSequence)
	}
	if h.RequiresTLS(ctx) && !ctx.Session.TLSActive {
		return ReplyOutcome(reply.ErrTLSRequired)
	}
	if h.RequiresAuth(ctx) {
		if _, ok := ctx.Session.AuthSubject(); !ok {
			return ReplyOutcome(reply.ErrAuthRequired)
		}
	}

	return h.Run(ctx, args)
}

func splitCommand(line string) (verb, args string) {
	line = strings.TrimSpace(line)
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}
