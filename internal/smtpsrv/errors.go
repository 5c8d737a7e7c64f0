package smtpsrv

import "errors"

// Sentinel errors classifying why a connection was torn down, mirrored to
// the leveled logger and the per-connection trace but never sent to the
// peer: by the time one of these surfaces, either the socket is unusable or
// the protocol contract says no reply is owed.
var (
	// errTooManyConnections is recorded when admission control rejects a
	// connection; the 421 reply itself is still sent before closing.
	errTooManyConnections = errors.New("too many connections")

	// errIdleTimeout is recorded when a session's idle timer expires; the
	// 421 reply itself is still sent before closing.
	errIdleTimeout = errors.New("idle timeout")

	// errTooManyErrors is recorded when a session accumulates three
	// consecutive error replies and is cut off; the 421 reply itself is
	// still sent before closing.
	errTooManyErrors = errors.New("too many consecutive errors")

	// errTLSHandshake wraps a failed STARTTLS handshake. No reply is sent.
	errTLSHandshake = errors.New("TLS handshake failed")

	// errCrossProtocol is recorded when a peer opens with a non-SMTP verb
	// (GET/POST/HEAD/CONNECT), a common symptom of cross-protocol attacks.
	errCrossProtocol = errors.New("cross-protocol command")
)
