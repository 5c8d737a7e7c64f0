// Package maillog implements a log specifically for email transactions,
// separate from the general-purpose logger.
package maillog

import (
	"fmt"
	"io"
	"io/ioutil"
	"log/syslog"
	"net"
	"sync"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/smtpd/internal/trace"
)

// Global event logs.
var (
	authLog = trace.NewEventLog("Authentication", "Incoming SMTP")
)

// A writer that prepends timing information.
type timedWriter struct {
	w io.Writer
}

// Write the given buffer, prepending timing information.
func (t timedWriter) Write(b []byte) (int, error) {
	fmt.Fprintf(t.w, "%s  ", time.Now().Format("2006-01-02 15:04:05.000000"))
	return t.w.Write(b)
}

// Logger contains a backend used to log data to, such as a file or syslog.
// It implements various user-friendly methods for logging mail information to
// it.
type Logger struct {
	w    io.Writer
	once sync.Once
}

// New creates a new Logger which will write messages to the given writer.
func New(w io.Writer) *Logger {
	return &Logger{w: timedWriter{w}}
}

// NewSyslog creates a new Logger which will write messages to syslog.
func NewSyslog() (*Logger, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "smtpd")
	if err != nil {
		return nil, err
	}

	l := &Logger{w: w}
	return l, nil
}

func (l *Logger) printf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(l.w, format, args...)
	if err != nil {
		l.once.Do(func() {
			log.Errorf("failed to write to maillog: %v", err)
			log.Errorf("(will not report this again)")
		})
	}
}

// Listening logs that the server is listening on the given address.
func (l *Logger) Listening(a string) {
	l.printf("daemon listening on %s\n", a)
}

// Auth logs an authentication request.
func (l *Logger) Auth(netAddr net.Addr, identity string, successful bool) {
	res := "succeeded"
	if !successful {
		res = "failed"
	}
	msg := fmt.Sprintf("%s auth %s for %s\n", netAddr, res, identity)
	l.printf(msg)
	authLog.Debugf(msg)
}

// Rejected logs that we've rejected a command or envelope piece.
func (l *Logger) Rejected(netAddr net.Addr, from string, to []string, reason string) {
	if from != "" {
		from = fmt.Sprintf(" from=%s", from)
	}
	toStr := ""
	if len(to) > 0 {
		toStr = fmt.Sprintf(" to=%v", to)
	}
	l.printf("%s rejected%s%s - %v\n", netAddr, from, toStr, reason)
}

// Accepted logs that a message was accepted and handed to the message
// handler, identified by sessionId.
func (l *Logger) Accepted(netAddr net.Addr, from string, to []string, sessionId string) {
	l.printf("%s from=%s accepted ip=%s to=%v\n", sessionId, from, netAddr, to)
}

// Default logger, used in the following top-level functions.
var Default = New(ioutil.Discard)

// Listening logs that the server is listening on the given address.
func Listening(a string) {
	Default.Listening(a)
}

// Auth logs an authentication request.
func Auth(netAddr net.Addr, identity string, successful bool) {
	Default.Auth(netAddr, identity, successful)
}

// Rejected logs that we've rejected a command or envelope piece.
func Rejected(netAddr net.Addr, from string, to []string, reason string) {
	Default.Rejected(netAddr, from, to, reason)
}

// Accepted logs that a message was accepted.
func Accepted(netAddr net.Addr, from string, to []string, sessionId string) {
	Default.Accepted(netAddr, from, to, sessionId)
}
