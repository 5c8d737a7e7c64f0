package authdialogue

import (
	"strings"

	"blitiri.com.ar/go/smtpd/internal/collab"
)

// VerifyFunc checks a plaintext identity/password pair, as used by the
// PLAIN and LOGIN mechanisms.
type VerifyFunc func(identity, password string) (bool, error)

type plainHandler struct {
	verify VerifyFunc
}

// Plain returns an AuthHandler implementing the PLAIN mechanism (RFC
// 4616): a single response of the form "authzid\x00authcid\x00password".
func Plain(verify VerifyFunc) collab.AuthHandler {
	return &plainHandler{verify: verify}
}

func (p *plainHandler) Step(response []byte) collab.AuthStep {
	if response == nil {
		// No initial response was given on the AUTH line: prompt with an
		// empty challenge and wait for the client's one and only reply.
		return collab.AuthStep{Kind: collab.AuthContinue}
	}

	parts := strings.SplitN(string(response), "\x00", 3)
	if len(parts) != 3 {
		return collab.AuthStep{Kind: collab.AuthFailure}
	}

	authzid, identity, password := parts[0], parts[1], parts[2]
	if identity == "" {
		identity = authzid
	}

	ok, err := p.verify(identity, password)
	if err != nil || !ok {
		return collab.AuthStep{Kind: collab.AuthFailure}
	}
	return collab.AuthStep{Kind: collab.AuthSuccess, Identity: identity}
}
