package smtpsrv

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"blitiri.com.ar/go/smtpd/internal/authdialogue"
	"blitiri.com.ar/go/smtpd/internal/collab"
	"blitiri.com.ar/go/smtpd/internal/commands"
	"blitiri.com.ar/go/smtpd/internal/datareceiver"
	"blitiri.com.ar/go/smtpd/internal/haproxy"
	"blitiri.com.ar/go/smtpd/internal/lineio"
	"blitiri.com.ar/go/smtpd/internal/maillog"
	"blitiri.com.ar/go/smtpd/internal/reply"
	"blitiri.com.ar/go/smtpd/internal/session"
	"blitiri.com.ar/go/smtpd/internal/trace"
)

// maxConsecutiveErrors is how many consecutive error-class replies (code
// >= 400) a session may receive before it is cut off. Mirrors a common
// MTA's abuse-resistance behavior: a peer that can't hold a coherent
// dialogue together gets no more chances.
const maxConsecutiveErrors = 3

// conn drives one accepted connection from greeting to close: the
// ConnectionLoop of spec.md section 4.7.
type conn struct {
	srv     *Server
	rawConn net.Conn
	lr      *lineio.LineReader
	sess    *session.Session
	tr      *trace.Trace
}

// handle runs the connection to completion. It always closes rawConn
// exactly once before returning.
func (c *conn) handle() {
	defer c.finish()

	c.tr = trace.New("SMTP.Conn", c.rawConn.RemoteAddr().String())
	defer c.tr.Finish()

	opts := c.srv.opts
	br := bufio.NewReader(c.rawConn)

	remoteAddr := c.rawConn.RemoteAddr().String()
	if opts.ProxyProtocol {
		src, _, err := haproxy.Handshake(br)
		if err != nil {
			c.tr.Errorf("haproxy handshake: %v", err)
			return
		}
		remoteAddr = src.String()
	}
	c.lr = lineio.NewFromReader(c.rawConn, br, opts.ConnectionTimeout)

	sessionID := c.srv.nextSessionID()
	remoteHost := remoteHostOf(c.rawConn)
	c.sess = session.New(sessionID, remoteAddr, remoteHost)

	if c.srv.tooManyConnections() {
		c.reply(reply.TooManyConnections(opts.HostName))
		c.tr.Error(errTooManyConnections)
		return
	}

	c.reply(reply.Greeting(opts.HostName, opts.SoftwareName))
	if err := c.flush(); err != nil {
		return
	}

	cmdOpts := &commands.Options{
		HostName:              opts.HostName,
		SoftwareName:          opts.SoftwareName,
		HideTLS:               opts.HideTLS,
		RequireTLS:            opts.RequireTLS,
		RequireAuth:           opts.RequireAuth,
		InsertReceivedHeaders: opts.InsertReceivedHeaders,
		MaxRecipients:         opts.MaxRecipients,
		MaxMessageSize:        opts.MaxMessageSize,
	}
	ctx := &commands.Context{
		Session:               c.sess,
		Options:               cmdOpts,
		MessageHandlerFactory: c.srv.collab.MessageHandlerFactory,
		AuthFactory:           c.srv.collab.AuthFactory,
		TLSAvailable:          opts.EnableTLS && c.srv.collab.TLSWrapper != nil,
	}

	errCount := 0

	for {
		line, err := c.lr.ReadLine()
		if err != nil {
			if c.handleReadError(err) {
				return
			}
			continue
		}

		verb, _ := splitVerb(line)
		c.srv.metrics.command(verb)
		c.tr.Debugf("-> %s", redactedLine(verb, line))

		if isCrossProtocolVerb(verb) {
			c.tr.Error(errCrossProtocol)
			c.reply(reply.New(502, "5.7.0 Command not recognized"))
			c.flush()
			return
		}

		outcome := c.srv.registry.Dispatch(ctx, line)

		switch outcome.Kind {
		case commands.KindReply:
			if c.sendAndCount(outcome.Reply, &errCount) {
				return
			}

		case commands.KindBeginData:
			if c.sendAndCount(outcome.Reply, &errCount) {
				return
			}
			if c.doData(ctx) {
				return
			}

		case commands.KindBeginAuth:
			if c.doAuth(ctx, outcome, &errCount) {
				return
			}

		case commands.KindUpgradeTLS:
			if c.doStartTLS(outcome, ctx) {
				return
			}

		case commands.KindClose:
			if outcome.Reply.Code != 0 {
				c.reply(outcome.Reply)
				c.flush()
			}
			return
		}

		if c.sess.QuitSent {
			return
		}
	}
}

// sendAndCount writes r, tallies it against the consecutive-error cutoff,
// and reports whether the connection must now close.
func (c *conn) sendAndCount(r reply.Reply, errCount *int) bool {
	c.reply(r)
	c.srv.metrics.reply(r.Code)
	if err := c.flush(); err != nil {
		return true
	}

	if r.IsError() {
		*errCount++
		if *errCount >= maxConsecutiveErrors {
			c.tr.Error(errTooManyErrors)
			c.reply(reply.New(421, "4.5.0 Too many errors, bye"))
			c.flush()
			return true
		}
	} else {
		*errCount = 0
	}
	return false
}

// handleReadError classifies a failed ReadLine and reports whether the
// connection must now close.
func (c *conn) handleReadError(err error) bool {
	switch {
	case errors.Is(err, lineio.ErrTimeout):
		c.tr.Error(errIdleTimeout)
		c.reply(reply.Timeout())
		c.flush()
		return true
	case errors.Is(err, lineio.ErrLineTooLong):
		c.reply(reply.ErrSyntax)
		c.flush()
		return false
	default:
		// lineio.ErrClosed or an unexpected I/O error: log and close
		// without a reply, per spec.md section 4.7 step 5.
		c.tr.Debugf("read error: %v", err)
		return true
	}
}

// doData runs the DATA phase and reports whether the connection must now
// close.
func (c *conn) doData(ctx *commands.Context) bool {
	if _, ok := c.sess.Envelope(); !ok {
		return false
	}
	h, ok := c.sess.MessageHandler()
	if !ok {
		return false
	}
	mh, ok := h.(collab.MessageHandler)
	if !ok {
		return false
	}

	dataOpts := datareceiver.Options{
		HostName:              ctx.Options.HostName,
		SoftwareName:          ctx.Options.SoftwareName,
		InsertReceivedHeaders: ctx.Options.InsertReceivedHeaders,
	}

	r, err := datareceiver.Receive(c.lr, dataOpts, c.sess, mh, time.Now())
	if err != nil {
		c.tr.Debugf("DATA phase ended: %v", err)
		return true
	}

	c.srv.metrics.reply(r.Code)
	c.reply(r)
	return c.flush() != nil
}

// doAuth drives a SASL exchange to completion and reports whether the
// connection must now close.
func (c *conn) doAuth(ctx *commands.Context, outcome commands.Outcome, errCount *int) bool {
	handler, ok := ctx.AuthFactory.New(outcome.Mechanism, commands.SessionInfo(c.sess))
	if !ok {
		return c.sendAndCount(reply.New(504, "5.5.4 Unrecognized authentication type"), errCount)
	}

	var initial []byte
	if outcome.HasInitialResponse {
		initial = outcome.InitialResponse
	}

	identity, success, err := authdialogue.Run(c.lr, handler, initial, outcome.HasInitialResponse)
	if err != nil {
		if errors.Is(err, authdialogue.ErrAborted) {
			return c.sendAndCount(reply.ErrAuthAborted, errCount)
		}
		c.tr.Debugf("AUTH exchange ended: %v", err)
		return true
	}

	c.srv.metrics.auth(success)
	maillog.Auth(c.rawConn.RemoteAddr(), identity, success)

	if !success {
		return c.sendAndCount(reply.ErrAuthFailed, errCount)
	}

	c.sess.SetAuthSubject(identity)
	return c.sendAndCount(reply.New(235, "2.7.0 Authentication successful"), errCount)
}

// doStartTLS performs the TLS handshake and reports whether the connection
// must now close.
func (c *conn) doStartTLS(outcome commands.Outcome, ctx *commands.Context) bool {
	c.reply(outcome.Reply)
	if err := c.flush(); err != nil {
		return true
	}

	if _, err := c.lr.UpgradeTLS(c.srv.collab.TLSWrapper); err != nil {
		c.tr.Error(fmt.Errorf("%w: %v", errTLSHandshake, err))
		return true
	}

	c.sess.ResetForSTARTTLS()
	c.srv.metrics.tls(true)
	return false
}

func (c *conn) reply(r reply.Reply) {
	_ = r.WriteTo(c.lr.Writer())
}

func (c *conn) flush() error {
	return c.lr.Writer().Flush()
}

func (c *conn) finish() {
	if c.sess != nil {
		c.sess.ResetEnvelope()
	}
	c.rawConn.Close()
	c.srv.connectionEnded()
}

// isCrossProtocolVerb reports whether verb is an HTTP method rather than an
// SMTP command, a common symptom of cross-protocol attacks against services
// that share a port or are reachable through a misconfigured proxy (e.g.
// https://alpaca-attack.com/).
func isCrossProtocolVerb(verb string) bool {
	switch strings.ToUpper(verb) {
	case "GET", "POST", "CONNECT", "HEAD":
		return true
	default:
		return false
	}
}

func splitVerb(line string) (verb, rest string) {
	for i, r := range line {
		if r == ' ' {
			return line[:i], line[i+1:]
		}
	}
	return line, ""
}

// redactedLine returns line for tracing, except for AUTH commands whose
// argument may carry base64-encoded credentials.
func redactedLine(verb, line string) string {
	if verb == "AUTH" || verb == "auth" {
		return "AUTH <redacted>"
	}
	return line
}

func remoteHostOf(c net.Conn) string {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return ""
	}
	names, err := net.LookupAddr(host)
	if err != nil || len(names) == 0 {
		return ""
	}
	return names[0]
}
