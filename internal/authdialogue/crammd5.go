package authdialogue

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"blitiri.com.ar/go/smtpd/internal/collab"
)

// SecretFunc looks up the shared secret for identity, used to compute the
// expected CRAM-MD5 response. It returns false if identity is unknown.
type SecretFunc func(identity string) (secret string, ok bool)

// ChallengeFunc produces the random challenge string CRAM-MD5 sends to the
// client. Split out from CRAMMD5 so tests can supply a deterministic one.
type ChallengeFunc func() (string, error)

type cramMD5Handler struct {
	secret    SecretFunc
	challenge ChallengeFunc
	sent      string
}

// CRAMMD5 returns an AuthHandler implementing the CRAM-MD5 mechanism (RFC
// 2195): the server sends a random challenge string, and the client
// responds with "identity hex(hmac-md5(challenge, secret))". Unlike PLAIN
// and LOGIN, the password itself never crosses the wire.
func CRAMMD5(secret SecretFunc, challenge ChallengeFunc) collab.AuthHandler {
	return &cramMD5Handler{secret: secret, challenge: challenge}
}

func (c *cramMD5Handler) Step(response []byte) collab.AuthStep {
	if c.sent == "" {
		ch, err := c.challenge()
		if err != nil {
			return collab.AuthStep{Kind: collab.AuthFailure}
		}
		c.sent = ch
		return collab.AuthStep{Kind: collab.AuthContinue, Challenge: []byte(ch)}
	}

	fields := strings.Fields(string(response))
	if len(fields) != 2 {
		return collab.AuthStep{Kind: collab.AuthFailure}
	}
	identity, digest := fields[0], fields[1]

	secret, ok := c.secret(identity)
	if !ok {
		return collab.AuthStep{Kind: collab.AuthFailure}
	}

	mac := hmac.New(md5.New, []byte(secret))
	mac.Write([]byte(c.sent))
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(want), []byte(digest)) {
		return collab.AuthStep{Kind: collab.AuthFailure}
	}
	return collab.AuthStep{Kind: collab.AuthSuccess, Identity: identity}
}

// RandomChallenge returns a ChallengeFunc producing an RFC 2195-style
// challenge string: "<" random-hex "." pid "@" hostname ">".
func RandomChallenge(hostname string) ChallengeFunc {
	return func() (string, error) {
		var buf [16]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", err
		}
		return fmt.Sprintf("<%s.%d@%s>", hex.EncodeToString(buf[:]), os.Getpid(), hostname), nil
	}
}
