// Package smtp implements a small SMTP client on top of net/smtp, adding
// the one thing it lacks that this project's own test suite needs: SMTPUTF8-aware envelope handling, so non-ASCII addresses
// get downgraded (or rejected) correctly against a server that may or may
// not advertise the extension.
//
// It exists to drive real dialogs against a *smtpsrv.Server over a real
// net.Conn in tests, rather than to be embedders' primary API; embedders
// send mail however they like, this package just makes it easy to verify
// that a server built with this module speaks the protocol correctly from
// the other side.
package smtp

import (
	"bufio"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"unicode"

	"blitiri.com.ar/go/smtpd/internal/envelope"

	"golang.org/x/net/idna"
)

// Client wraps net/smtp.Client, adding MailAndRcpt.
type Client struct {
	*smtp.Client
}

// NewClient wraps conn as an SMTP client talking to host (used only for
// hostname verification in TLS, not for dialing: conn is already
// connected).
func NewClient(conn net.Conn, host string) (*Client, error) {
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return nil, err
	}

	// Cap everything read from the server at 2 MiB in total (all replies
	// concatenated), so a misbehaving server cannot exhaust memory with a
	// very long reply.
	lr := &io.LimitedReader{R: c.Text.Reader.R, N: 2 * 1024 * 1024}
	c.Text.Reader.R = bufio.NewReader(lr)

	return &Client{c}, nil
}

// cmd sends a command and reads its response.
func (c *Client) cmd(expectCode int, format string, args ...interface{}) (int, string, error) {
	id, err := c.Text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	c.Text.StartResponse(id)
	defer c.Text.EndResponse(id)

	return c.Text.ReadResponse(expectCode)
}

// MailAndRcpt issues MAIL FROM and RCPT TO in sequence, deciding whether
// SMTPUTF8 is needed and applying BODY=8BITMIME/SMTPUTF8 parameters (or an
// IDNA domain fallback) as the server's advertised extensions allow.
func (c *Client) MailAndRcpt(from string, to string) error {
	from, fromNeeds, err := c.prepareForSMTPUTF8(from)
	if err != nil {
		return err
	}

	to, toNeeds, err := c.prepareForSMTPUTF8(to)
	if err != nil {
		return err
	}
	smtputf8Needed := fromNeeds || toNeeds

	cmdStr := "MAIL FROM:<%s>"
	if ok, _ := c.Extension("8BITMIME"); ok {
		cmdStr += " BODY=8BITMIME"
	}
	if smtputf8Needed {
		cmdStr += " SMTPUTF8"
	}
	_, _, err = c.cmd(250, cmdStr, from)
	if err != nil {
		return err
	}

	_, _, err = c.cmd(25, "RCPT TO:<%s>", to)
	return err
}

// prepareForSMTPUTF8 returns the address to send (possibly IDNA-converted),
// whether it needs the SMTPUTF8 extension, and an error if it needs the
// extension but the server did not advertise it.
func (c *Client) prepareForSMTPUTF8(addr string) (string, bool, error) {
	if isASCII(addr) {
		return addr, false, nil
	}

	if ok, _ := c.Extension("SMTPUTF8"); ok {
		return addr, true, nil
	}

	// The server doesn't support SMTPUTF8: a non-ASCII local part has no
	// fallback, but a non-ASCII domain can go out as IDNA.
	user, domain := envelope.Split(addr)

	if !isASCII(user) {
		return addr, true, &textproto.Error{
			Code: 599,
			Msg:  "local part is not ASCII but server does not support SMTPUTF8",
		}
	}

	domain, err := idna.ToASCII(domain)
	if err != nil {
		return addr, true, &textproto.Error{
			Code: 599,
			Msg:  "non-ASCII domain is not IDNA safe",
		}
	}

	return user + "@" + domain, false, nil
}

// IsPermanent reports whether err represents a permanent (5xx) SMTP
// failure, as opposed to a transient (4xx) one or a non-protocol error.
func IsPermanent(err error) bool {
	terr, ok := err.(*textproto.Error)
	if !ok {
		return false
	}
	return terr.Code >= 500 && terr.Code < 600
}

func isASCII(s string) bool {
	for _, c := range s {
		if c > unicode.MaxASCII {
			return false
		}
	}
	return true
}
