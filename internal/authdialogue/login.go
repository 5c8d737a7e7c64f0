package authdialogue

import "blitiri.com.ar/go/smtpd/internal/collab"

type loginHandler struct {
	verify VerifyFunc
	step   int
	user   string
}

// Login returns an AuthHandler implementing the (non-standard, but
// universally deployed) LOGIN mechanism: a "Username:" prompt, followed by
// a "Password:" prompt.
func Login(verify VerifyFunc) collab.AuthHandler {
	return &loginHandler{verify: verify}
}

func (l *loginHandler) Step(response []byte) collab.AuthStep {
	switch l.step {
	case 0:
		if response != nil {
			// Some clients give the username as the AUTH line's initial
			// response; skip straight to the password prompt for them.
			l.user = string(response)
			l.step = 2
			return collab.AuthStep{Kind: collab.AuthContinue, Challenge: []byte("Password:")}
		}
		l.step = 1
		return collab.AuthStep{Kind: collab.AuthContinue, Challenge: []byte("Username:")}

	case 1:
		l.user = string(response)
		l.step = 2
		return collab.AuthStep{Kind: collab.AuthContinue, Challenge: []byte("Password:")}

	default:
		ok, err := l.verify(l.user, string(response))
		if err != nil || !ok {
			return collab.AuthStep{Kind: collab.AuthFailure}
		}
		return collab.AuthStep{Kind: collab.AuthSuccess, Identity: l.user}
	}
}
