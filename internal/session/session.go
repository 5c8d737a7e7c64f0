// Package session holds the per-connection state of an SMTP dialogue, from
// the initial greeting to the socket's close.
package session

import (
	"blitiri.com.ar/go/smtpd/internal/set"
)

// Envelope accumulates the reverse-path and forward-paths of one mail
// transaction, from a successful MAIL command through to end-of-DATA, RSET
// or QUIT.
type Envelope struct {
	// From is the reverse-path given to MAIL FROM. May be "" for the null
	// sender ("<>"), used for bounces.
	From string

	// Recipients is the ordered, deduplicated list of forward-paths
	// accepted via RCPT TO.
	Recipients []string

	// DeclaredSize is the SIZE= parameter given to MAIL, or 0 if absent.
	DeclaredSize int64

	// Body8Bit records whether BODY=8BITMIME was requested.
	Body8Bit bool

	// AuthParam is the mailbox given in MAIL FROM's AUTH= parameter, if
	// any. Accepted and carried per RFC 4954 section 5, but never acted on
	// by the core: this library has no concept of a trusted relay peer for
	// which the parameter would be meaningful.
	AuthParam string

	seen *set.String
}

func newEnvelope(from string) *Envelope {
	return &Envelope{From: from, seen: &set.String{}}
}

// AddRecipient appends addr to the envelope's recipient list, unless it is
// an exact-string duplicate of one already present.
func (e *Envelope) AddRecipient(addr string) {
	if e.seen.Has(addr) {
		return
	}
	e.seen.Add(addr)
	e.Recipients = append(e.Recipients, addr)
}

// MessageHandler is the per-transaction collaborator obtained from the
// caller-supplied factory at MAIL time; it is released at the end of the
// transaction (successful DATA, RSET, or connection close).
//
// It is an opaque value from this package's perspective: internal/collab
// defines the concrete interface CommandHandlers drive, since only
// the handlers call its methods. Session only needs to know whether one is
// present, to enforce invariant 1.
type MessageHandler interface {
	Aborted()
}

// Session is the per-connection state of an SMTP dialogue. It is owned by
// exactly one goroutine for its entire lifetime; nothing here is safe for
// concurrent access.
type Session struct {
	// SessionID is an opaque, unique-per-connection identifier, produced by
	// the session id factory at accept time.
	SessionID string

	// RemoteAddress and RemoteHost identify the peer. RemoteHost may be
	// empty if no reverse lookup was done or it failed.
	RemoteAddress string
	RemoteHost    string

	// HeloHost is the argument of the last HELO/EHLO command, or "" if none
	// has been given yet.
	HeloHost string

	// IsExtended is true once the client has issued EHLO (as opposed to
	// HELO).
	IsExtended bool

	// TLSActive is true once a STARTTLS handshake has completed
	// successfully on this connection.
	TLSActive bool

	// AuthSubject is the authenticated identity, or "" if unauthenticated.
	authSubject    string
	authenticated  bool
	envelope       *Envelope
	messageHandler MessageHandler

	// QuitSent is set once QUIT has been processed; the connection loop
	// must exit once this is true.
	QuitSent bool
}

// New creates a fresh Session for a newly accepted connection.
func New(sessionID, remoteAddress, remoteHost string) *Session {
	return &Session{
		SessionID:     sessionID,
		RemoteAddress: remoteAddress,
		RemoteHost:    remoteHost,
	}
}

// AuthSubject returns the authenticated identity and whether one is set.
func (s *Session) AuthSubject() (string, bool) {
	return s.authSubject, s.authenticated
}

// SetAuthSubject marks the session authenticated as the given identity.
func (s *Session) SetAuthSubject(identity string) {
	s.authSubject = identity
	s.authenticated = true
}

// Envelope returns the current envelope, and whether one exists. Per
// invariant 1, an envelope exists if and only if a message handler does.
func (s *Session) Envelope() (*Envelope, bool) {
	return s.envelope, s.envelope != nil
}

// MessageHandler returns the current message handler, and whether one
// exists.
func (s *Session) MessageHandler() (MessageHandler, bool) {
	return s.messageHandler, s.messageHandler != nil
}

// BeginTransaction opens a new envelope for a given reverse-path, paired
// with the message handler obtained from the factory for it. Any existing
// envelope/handler is discarded without invoking Aborted: callers that care
// must call ResetEnvelope first.
func (s *Session) BeginTransaction(from string, h MessageHandler) {
	s.envelope = newEnvelope(from)
	s.messageHandler = h
}

// ResetEnvelope clears the current envelope and message handler, invoking
// Aborted on the handler if one was present. It is idempotent: calling it
// with no open envelope is a no-op, so "RSET; RSET" and a bare "RSET" leave
// identical observable state.
func (s *Session) ResetEnvelope() {
	if s.messageHandler != nil {
		s.messageHandler.Aborted()
	}
	s.envelope = nil
	s.messageHandler = nil
}

// EndTransaction clears the envelope and message handler without invoking
// Aborted, for use after a successful end-of-DATA hand-off.
func (s *Session) EndTransaction() {
	s.envelope = nil
	s.messageHandler = nil
}

// ResetForSTARTTLS clears the fields invariant 6 requires to be cleared
// after a successful STARTTLS handshake: HeloHost, IsExtended, authSubject,
// and the envelope (aborting any in-flight handler).
func (s *Session) ResetForSTARTTLS() {
	s.ResetEnvelope()
	s.HeloHost = ""
	s.IsExtended = false
	s.authSubject = ""
	s.authenticated = false
	s.TLSActive = true
}
