// Package collab defines the collaborator interfaces that the connection
// engine calls out to: the message sink for an accepted mail transaction,
// the SASL backend consulted by AUTH, and the per-connection session id
// generator. They are defined here, rather than in the commands or
// smtpsrv packages that consume them, so that the public smtpd package can
// alias them without an import cycle.
package collab

import "io"

// HandlerResult is returned by MessageHandler's transaction-step methods.
// A zero HandlerResult means "accepted, use the default reply"; Reject and
// Fatal carry a caller-supplied reply line, used verbatim in a 550 or 554
// response.
type HandlerResult struct {
	// Reject, if non-empty, rejects this step with a 550-class reply using
	// this text. Optional is the same request is instead accepted.
	Reject string

	// Fatal, if non-empty, aborts the whole transaction with a 554-class
	// reply using this text. The connection stays open.
	Fatal string

	// Text, if non-empty, overrides the default success reply text (e.g.
	// a custom "2.0.0 Message queued as <id>" after DATA).
	Text string
}

// Accepted is the zero-value "proceed normally" result.
var Accepted = HandlerResult{}

// MessageHandler is the per-transaction collaborator obtained from a
// MessageHandlerFactory at MAIL time. Its methods are called in sequence as
// the transaction progresses: From, then Recipient once per accepted RCPT,
// then Data, then Done on a clean end-of-DATA, or Aborted if the
// transaction is abandoned instead (RSET, a new MAIL, STARTTLS, or the
// connection closing).
type MessageHandler interface {
	// From validates (and optionally records) the reverse-path given in a
	// MAIL command.
	From(reversePath string) HandlerResult

	// Recipient validates one forward-path given in a RCPT command. It is
	// called once per RCPT, in order.
	Recipient(forwardPath string) HandlerResult

	// Data streams the message body, already dot-unstuffed and without a
	// trailing CRLF.CRLF terminator, to the handler's sink.
	Data(r io.Reader) HandlerResult

	// Done is called once the message body has been fully delivered to
	// Data and it returned without a Fatal or Reject result. Its
	// HandlerResult's Text, if set, replaces the default "2.6.0 Message
	// accepted" reply text.
	Done() HandlerResult

	// Aborted is called when an in-flight transaction is discarded without
	// reaching Done: on RSET, a second MAIL, STARTTLS, or connection
	// close. It has no result: by this point there is nothing left to
	// reply to.
	Aborted()
}

// MessageHandlerFactory creates one MessageHandler per mail transaction.
// SessionInfo exposes the read-only connection facts a factory typically
// wants before deciding whether and how to accept a message.
type MessageHandlerFactory interface {
	New(info SessionInfo) MessageHandler
}

// SessionInfo is the read-only view of a session's identity that
// collaborators receive; they cannot mutate the session through it.
type SessionInfo interface {
	SessionID() string
	RemoteAddress() string
	RemoteHost() string
	HeloHost() string
	TLSActive() bool
	AuthSubject() (string, bool)
}

// AuthStepKind classifies the result of one step of a SASL exchange.
type AuthStepKind int

const (
	// AuthContinue means the mechanism has a further challenge to send;
	// Challenge holds its raw (un-base64-encoded) bytes.
	AuthContinue AuthStepKind = iota

	// AuthSuccess means the exchange completed and the peer authenticated
	// as Identity.
	AuthSuccess

	// AuthFailure means the exchange completed and the peer did not
	// authenticate.
	AuthFailure
)

// AuthStep is one step's outcome from an AuthHandler.
type AuthStep struct {
	Kind      AuthStepKind
	Challenge []byte
	Identity  string
}

// AuthHandler drives one SASL mechanism's server-side state machine across
// however many round trips it needs. Step is called once per client
// response (already base64-decoded), including the initial response given
// on the AUTH command line itself, if any.
type AuthHandler interface {
	Step(response []byte) AuthStep
}

// AuthenticationHandlerFactory advertises the SASL mechanisms a server
// supports and creates a fresh AuthHandler for each AUTH command.
type AuthenticationHandlerFactory interface {
	// Mechanisms returns the mechanism names to advertise in EHLO's AUTH
	// line, in preference order.
	Mechanisms() []string

	// New creates a handler for one AUTH exchange using the named
	// mechanism. It returns false if the mechanism is not supported.
	New(mechanism string, info SessionInfo) (AuthHandler, bool)
}

// SessionIDFactory produces the opaque, unique-per-connection identifier
// used in logs and in the Received header.
type SessionIDFactory interface {
	Next() string
}
