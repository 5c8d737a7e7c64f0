package main

import (
	"fmt"
	"io"
	"strings"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/smtpd"
	maildir "github.com/sloonz/go-maildir"
)

// maildirFactory delivers every accepted message to a single maildir,
// ignoring the envelope recipient beyond recording it in a Delivered-To
// header. It exists to give the demo a MessageHandlerFactory that actually
// stores mail instead of discarding it, not to implement per-user routing.
type maildirFactory struct {
	dir *maildir.Maildir
}

func newMaildirFactory(path string) (*maildirFactory, error) {
	dir, err := maildir.New(path, true)
	if err != nil {
		return nil, fmt.Errorf("opening maildir %q: %v", path, err)
	}
	return &maildirFactory{dir: dir}, nil
}

func (f *maildirFactory) New(info smtpd.SessionInfo) smtpd.MessageHandler {
	return &maildirHandler{dir: f.dir, info: info}
}

type maildirHandler struct {
	dir  *maildir.Maildir
	info smtpd.SessionInfo

	from  string
	rcpts []string
}

func (h *maildirHandler) From(reversePath string) smtpd.HandlerResult {
	h.from = reversePath
	return smtpd.Accepted
}

func (h *maildirHandler) Recipient(forwardPath string) smtpd.HandlerResult {
	h.rcpts = append(h.rcpts, forwardPath)
	return smtpd.Accepted
}

func (h *maildirHandler) Data(r io.Reader) smtpd.HandlerResult {
	delivery, err := h.dir.NewDelivery()
	if err != nil {
		log.Errorf("maildir delivery %q: opening: %v", h.info.SessionID(), err)
		return smtpd.HandlerResult{Fatal: "4.3.0 could not open maildir delivery"}
	}

	header := fmt.Sprintf("Delivered-To: %s\r\nReturn-Path: <%s>\r\n",
		strings.Join(h.rcpts, ", "), h.from)
	if _, err := io.WriteString(delivery, header); err != nil {
		delivery.Abort()
		log.Errorf("maildir delivery %q: writing header: %v", h.info.SessionID(), err)
		return smtpd.HandlerResult{Fatal: "4.3.0 delivery failed"}
	}

	if _, err := io.Copy(delivery, r); err != nil {
		delivery.Abort()
		log.Errorf("maildir delivery %q: writing body: %v", h.info.SessionID(), err)
		return smtpd.HandlerResult{Fatal: "4.3.0 delivery failed"}
	}

	if err := delivery.Close(); err != nil {
		log.Errorf("maildir delivery %q: closing: %v", h.info.SessionID(), err)
		return smtpd.HandlerResult{Fatal: "4.3.0 delivery failed"}
	}

	return smtpd.Accepted
}

func (h *maildirHandler) Done() smtpd.HandlerResult {
	return smtpd.Accepted
}

func (h *maildirHandler) Aborted() {
	// Data already rejects on write/close failure; nothing was left
	// half-written to clean up here since each delivery aborts itself.
}
