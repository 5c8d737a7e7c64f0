// Package datareceiver implements the DATA phase of an SMTP transaction:
// reading a dot-terminated message body line by line, optionally prepending
// a Received header, and handing the body off to the transaction's message
// handler.
package datareceiver

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"blitiri.com.ar/go/smtpd/internal/collab"
	"blitiri.com.ar/go/smtpd/internal/envelope"
	"blitiri.com.ar/go/smtpd/internal/lineio"
	"blitiri.com.ar/go/smtpd/internal/reply"
	"blitiri.com.ar/go/smtpd/internal/session"
)

// Options bundles the server configuration the DATA phase needs.
type Options struct {
	HostName              string
	SoftwareName          string
	InsertReceivedHeaders bool
}

// dotStream adapts a LineReader's per-line DATA reads to an io.Reader, so a
// message handler's Data method can consume the body as an ordinary stream
// instead of this package buffering the whole message itself.
type dotStream struct {
	lr   *lineio.LineReader
	buf  []byte
	done bool
	err  error
}

func (d *dotStream) Read(p []byte) (int, error) {
	for len(d.buf) == 0 {
		if d.done {
			if d.err != nil {
				return 0, d.err
			}
			return 0, io.EOF
		}

		line, err := d.lr.ReadDataLine()
		if err != nil {
			d.done = true
			d.err = err
			return 0, err
		}
		if line == lineio.DataEOF {
			d.done = true
			return 0, io.EOF
		}
		d.buf = append([]byte(line), '\r', '\n')
	}

	n := copy(p, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}

// drain reads and discards whatever of the DATA stream the message handler
// left unconsumed, so a handler that stops early (a Fatal result) still
// leaves the connection at the "<CRLF>.<CRLF>" terminator instead of
// mid-body. Its return value distinguishes a clean end-of-data from a
// connection that dropped mid-transfer.
func (d *dotStream) drain() error {
	_, err := io.Copy(io.Discard, d)
	return err
}

// Receive drives one DATA phase to completion: it reads the body via lr's
// data-line reads until the end-of-data sentinel, optionally prepends a
// Received header, hands the stream to h.Data, and calls h.Done once the
// body has been fully delivered.
//
// A non-nil returned error means the connection dropped mid-transfer: per
// the DATA-phase contract, the handler's Aborted method has already been
// invoked and the caller must close the connection without sending a reply.
// now is injected so callers can pin the Received header's date; production
// callers pass time.Now().
func Receive(lr *lineio.LineReader, opts Options, s *session.Session, h collab.MessageHandler, now time.Time) (reply.Reply, error) {
	env, _ := s.Envelope()

	stream := &dotStream{lr: lr}
	var body io.Reader = stream
	if opts.InsertReceivedHeaders {
		hdr := receivedHeader(opts, s, env, now)
		body = io.MultiReader(bytes.NewReader(hdr), stream)
	}

	res := h.Data(body)

	if derr := stream.drain(); derr != nil {
		h.Aborted()
		s.EndTransaction()
		return reply.Reply{}, derr
	}

	if res.Fatal != "" {
		s.EndTransaction()
		return reply.Text(554, res.Fatal), nil
	}
	if res.Reject != "" {
		s.EndTransaction()
		return reply.Text(550, res.Reject), nil
	}

	done := h.Done()
	s.EndTransaction()

	if done.Fatal != "" {
		return reply.Text(554, done.Fatal), nil
	}
	if done.Reject != "" {
		return reply.Text(550, done.Reject), nil
	}

	text := "2.6.0 Message accepted"
	if done.Text != "" {
		text = done.Text
	}
	return reply.New(250, text), nil
}

// receivedHeader builds a "Received:" header per RFC 5321 section 4.4,
// annotated with the ESMTP/ESMTPS/ESMTPA/ESMTPSA protocol token per RFC
// 3848.
func receivedHeader(opts Options, s *session.Session, env *session.Envelope, now time.Time) []byte {
	heloHost := s.HeloHost
	if heloHost == "" {
		heloHost = "unknown"
	}
	remoteHost := s.RemoteHost
	if remoteHost == "" {
		remoteHost = "unknown"
	}

	proto := "ESMTP"
	if s.TLSActive {
		proto += "S"
	}
	if _, ok := s.AuthSubject(); ok {
		proto += "A"
	}

	var recipient string
	if env != nil && len(env.Recipients) > 0 {
		recipient = env.Recipients[0]
	}

	v := fmt.Sprintf("from %s (%s [%s])\n", heloHost, remoteHost, s.RemoteAddress)
	v += fmt.Sprintf("by %s (%s) with %s id %s\n", opts.HostName, opts.SoftwareName, proto, s.SessionID)
	v += fmt.Sprintf("for <%s>; %s", recipient, now.Format(time.RFC1123Z))

	return envelope.AddHeader(nil, "Received", v)
}
