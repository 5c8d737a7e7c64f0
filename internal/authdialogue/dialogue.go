// Package authdialogue drives one SASL AUTH exchange: it owns the
// wire-level 334-challenge/base64-response round trip, while the actual
// mechanism logic (PLAIN, LOGIN, CRAM-MD5) lives behind the
// collab.AuthHandler interface supplied by the caller's authentication
// factory, or behind the bundled mechanism constructors in this package.
package authdialogue

import (
	"encoding/base64"
	"errors"

	"blitiri.com.ar/go/smtpd/internal/collab"
	"blitiri.com.ar/go/smtpd/internal/lineio"
	"blitiri.com.ar/go/smtpd/internal/reply"
)

// ErrAborted is returned by Run when the client cancels the exchange by
// sending a bare "*" in place of a response, per RFC 4954 section 4.
var ErrAborted = errors.New("authentication aborted")

// Run drives one AUTH exchange to completion against h, writing 334
// challenges to lr's writer and reading responses from lr. initial is the
// already-decoded initial response given on the AUTH command line, if
// hasInitial is true.
func Run(lr *lineio.LineReader, h collab.AuthHandler, initial []byte, hasInitial bool) (identity string, success bool, err error) {
	var resp []byte
	if hasInitial {
		resp = initial
	}

	for {
		step := h.Step(resp)
		switch step.Kind {
		case collab.AuthSuccess:
			return step.Identity, true, nil

		case collab.AuthFailure:
			return "", false, nil

		case collab.AuthContinue:
			encoded := base64.StdEncoding.EncodeToString(step.Challenge)
			if err := reply.New(334, encoded).WriteTo(lr.Writer()); err != nil {
				return "", false, err
			}
			if err := lr.Writer().Flush(); err != nil {
				return "", false, err
			}

			line, rerr := lr.ReadLine()
			if rerr != nil {
				return "", false, rerr
			}
			if line == "*" {
				return "", false, ErrAborted
			}

			decoded, derr := base64.StdEncoding.DecodeString(line)
			if derr != nil {
				return "", false, errors.New("invalid base64 in AUTH response")
			}
			resp = decoded
		}
	}
}
