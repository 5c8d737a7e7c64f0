package commands

import (
	"encoding/base64"
	"fmt"
	"strings"

	"blitiri.com.ar/go/smtpd/internal/collab"
	"blitiri.com.ar/go/smtpd/internal/reply"
)

// DefaultHandlers returns the standard set of command handlers: HELO,
// EHLO, MAIL, RCPT, DATA, RSET, NOOP, QUIT, STARTTLS, AUTH, VRFY, EXPN and
// HELP.
func DefaultHandlers() []Handler {
	requireTLS := func(ctx *Context) bool { return ctx.Options.RequireTLS }
	requireAuth := func(ctx *Context) bool { return ctx.Options.RequireAuth }

	return []Handler{
		&cmdHandler{verb: "HELO", run: runHELO},
		&cmdHandler{verb: "EHLO", run: runEHLO},
		&cmdHandler{verb: "MAIL", helo: true, tls: requireTLS, auth: requireAuth, run: runMAIL},
		&cmdHandler{verb: "RCPT", helo: true, tls: requireTLS, auth: requireAuth, run: runRCPT},
		&cmdHandler{verb: "DATA", helo: true, tls: requireTLS, run: runDATA},
		&cmdHandler{verb: "RSET", run: runRSET},
		&cmdHandler{verb: "NOOP", run: runNOOP},
		&cmdHandler{verb: "QUIT", run: runQUIT},
		&cmdHandler{verb: "STARTTLS", run: runSTARTTLS},
		&cmdHandler{verb: "AUTH", helo: true, run: runAUTH},
		&cmdHandler{verb: "VRFY", tls: requireTLS, auth: requireAuth, run: runVRFY},
		&cmdHandler{verb: "EXPN", tls: requireTLS, auth: requireAuth, run: runEXPN},
		&cmdHandler{verb: "HELP", tls: requireTLS, auth: requireAuth, run: runHELP},
	}
}

func runHELO(ctx *Context, args string) Outcome {
	domain := strings.TrimSpace(args)
	if domain == "" {
		return ReplyOutcome(reply.ErrSyntax)
	}

	if _, ok := ctx.Session.Envelope(); ok {
		ctx.Session.ResetEnvelope()
	}
	ctx.Session.HeloHost = domain
	ctx.Session.IsExtended = false

	return ReplyOutcome(reply.New(250, fmt.Sprintf("%s Hello %s", ctx.Options.HostName, domain)))
}

func runEHLO(ctx *Context, args string) Outcome {
	domain := strings.TrimSpace(args)
	if domain == "" {
		return ReplyOutcome(reply.ErrSyntax)
	}

	if _, ok := ctx.Session.Envelope(); ok {
		ctx.Session.ResetEnvelope()
	}
	ctx.Session.HeloHost = domain
	ctx.Session.IsExtended = true

	lines := []string{ctx.Options.HostName, "8BITMIME"}
	if ctx.Options.MaxMessageSize > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", ctx.Options.MaxMessageSize))
	} else {
		lines = append(lines, "SIZE")
	}
	if ctx.TLSAvailable && !ctx.Session.TLSActive && !ctx.Options.HideTLS {
		lines = append(lines, "STARTTLS")
	}
	if ctx.AuthFactory != nil && (ctx.Session.TLSActive || !ctx.Options.RequireTLS) {
		if mechs := ctx.AuthFactory.Mechanisms(); len(mechs) > 0 {
			lines = append(lines, "AUTH "+strings.Join(mechs, " "))
		}
	}
	lines = append(lines, "PIPELINING", "ENHANCEDSTATUSCODES", "OK")

	return ReplyOutcome(reply.Multiline(250, lines...))
}

func runMAIL(ctx *Context, args string) Outcome {
	addr, size, body8bit, authParam, err := parseMailFrom(args)
	if err == errUnsupportedParam {
		return ReplyOutcome(reply.ErrParamNotImplemented)
	}
	if err != nil {
		return ReplyOutcome(reply.ErrSyntax)
	}
	if ctx.Options.MaxMessageSize > 0 && size > ctx.Options.MaxMessageSize {
		return ReplyOutcome(reply.SizeExceeded("Message too big"))
	}

	if _, ok := ctx.Session.Envelope(); ok {
		ctx.Session.ResetEnvelope()
	}

	if ctx.MessageHandlerFactory == nil {
		return ReplyOutcome(reply.ErrTransactionFailed)
	}
	h := ctx.MessageHandlerFactory.New(SessionInfo(ctx.Session))
	res := h.From(addr)
	if res.Fatal != "" {
		return ReplyOutcome(reply.Text(554, res.Fatal))
	}
	if res.Reject != "" {
		return ReplyOutcome(reply.Text(550, res.Reject))
	}

	ctx.Session.BeginTransaction(addr, h)
	if env, ok := ctx.Session.Envelope(); ok {
		env.DeclaredSize = size
		env.Body8Bit = body8bit
		env.AuthParam = authParam
	}

	text := "Ok"
	if res.Text != "" {
		text = res.Text
	}
	return ReplyOutcome(reply.MailOK(text))
}

func runRCPT(ctx *Context, args string) Outcome {
	env, ok := ctx.Session.Envelope()
	if !ok {
		return ReplyOutcome(reply.ErrSequence)
	}

	addr, err := parseRcptTo(args)
	if err == errUnsupportedParam {
		return ReplyOutcome(reply.ErrParamNotImplemented)
	}
	if err != nil {
		return ReplyOutcome(reply.ErrSyntax)
	}
	if ctx.Options.MaxRecipients > 0 && len(env.Recipients) >= ctx.Options.MaxRecipients {
		return ReplyOutcome(reply.New(452, "4.5.3 Too many recipients"))
	}

	h, _ := ctx.Session.MessageHandler()
	mh, ok := h.(collab.MessageHandler)
	if !ok {
		return ReplyOutcome(reply.ErrTransactionFailed)
	}

	res := mh.Recipient(addr)
	if res.Fatal != "" {
		ctx.Session.ResetEnvelope()
		return ReplyOutcome(reply.Text(554, res.Fatal))
	}
	if res.Reject != "" {
		return ReplyOutcome(reply.Text(550, res.Reject))
	}

	env.AddRecipient(addr)
	text := "Ok"
	if res.Text != "" {
		text = res.Text
	}
	return ReplyOutcome(reply.RecipientOK(text))
}

func runDATA(ctx *Context, args string) Outcome {
	env, ok := ctx.Session.Envelope()
	if !ok {
		return ReplyOutcome(reply.ErrSequence)
	}
	if len(env.Recipients) == 0 {
		return ReplyOutcome(reply.ErrSequence)
	}
	return Outcome{Kind: KindBeginData, Reply: reply.StartMailInput()}
}

func runRSET(ctx *Context, args string) Outcome {
	ctx.Session.ResetEnvelope()
	return ReplyOutcome(reply.OK("Ok"))
}

func runNOOP(ctx *Context, args string) Outcome {
	return ReplyOutcome(reply.OK("Ok"))
}

func runQUIT(ctx *Context, args string) Outcome {
	ctx.Session.ResetEnvelope()
	ctx.Session.QuitSent = true
	return Outcome{Kind: KindClose, Reply: reply.Bye(ctx.Options.HostName)}
}

func runSTARTTLS(ctx *Context, args string) Outcome {
	if !ctx.TLSAvailable {
		return ReplyOutcome(reply.ErrCommandNotRecognized)
	}
	if ctx.Session.TLSActive {
		return ReplyOutcome(reply.ErrSequence)
	}
	if strings.TrimSpace(args) != "" {
		return ReplyOutcome(reply.ErrSyntax)
	}
	return Outcome{Kind: KindUpgradeTLS, Reply: reply.New(220, "2.0.0 Ready to start TLS")}
}

func runAUTH(ctx *Context, args string) Outcome {
	if ctx.AuthFactory == nil {
		return ReplyOutcome(reply.ErrCommandNotRecognized)
	}
	if _, ok := ctx.Session.AuthSubject(); ok {
		return ReplyOutcome(reply.ErrSequence)
	}
	if ctx.Options.RequireTLS && !ctx.Session.TLSActive {
		return ReplyOutcome(reply.ErrTLSRequired)
	}

	fields := strings.Fields(args)
	if len(fields) == 0 {
		return ReplyOutcome(reply.ErrSyntax)
	}

	out := Outcome{Kind: KindBeginAuth, Mechanism: fields[0]}
	if len(fields) > 1 {
		if fields[1] == "=" {
			out.InitialResponse = []byte{}
			out.HasInitialResponse = true
		} else {
			decoded, err := base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				return ReplyOutcome(reply.ErrSyntax)
			}
			out.InitialResponse = decoded
			out.HasInitialResponse = true
		}
	}
	return out
}

func runVRFY(ctx *Context, args string) Outcome {
	return ReplyOutcome(reply.New(252, "2.1.5 Cannot VRFY user, but will accept message and attempt delivery"))
}

func runEXPN(ctx *Context, args string) Outcome {
	return ReplyOutcome(reply.New(502, "5.5.1 Command not implemented"))
}

func runHELP(ctx *Context, args string) Outcome {
	return ReplyOutcome(reply.New(214, "2.0.0 See RFC 5321"))
}
