package datareceiver

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"blitiri.com.ar/go/smtpd/internal/collab"
	"blitiri.com.ar/go/smtpd/internal/lineio"
	"blitiri.com.ar/go/smtpd/internal/session"
)

func pipe(t *testing.T) (client, server net.Conn) {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	return c, s
}

type fakeHandler struct {
	got      []byte
	dataErr  string
	doneErr  string
	aborted  bool
	doneText string
}

func (f *fakeHandler) From(string) collab.HandlerResult      { return collab.Accepted }
func (f *fakeHandler) Recipient(string) collab.HandlerResult { return collab.Accepted }
func (f *fakeHandler) Aborted()                              { f.aborted = true }

func (f *fakeHandler) Data(r io.Reader) collab.HandlerResult {
	b, err := io.ReadAll(r)
	f.got = b
	if err != nil && err != io.EOF {
		return collab.HandlerResult{Fatal: "read error"}
	}
	if f.dataErr != "" {
		return collab.HandlerResult{Reject: f.dataErr}
	}
	return collab.Accepted
}

func (f *fakeHandler) Done() collab.HandlerResult {
	if f.doneErr != "" {
		return collab.HandlerResult{Reject: f.doneErr}
	}
	return collab.HandlerResult{Text: f.doneText}
}

func writeWireData(t *testing.T, conn net.Conn, lines ...string) {
	t.Helper()
	go func() {
		for _, l := range lines {
			fmt.Fprintf(conn, "%s\r\n", l)
		}
	}()
}

func newSessionWithEnvelope(h *fakeHandler) *session.Session {
	s := session.New("sess1", "10.0.0.1:1234", "client.example")
	s.HeloHost = "client.example"
	s.BeginTransaction("a@example.com", h)
	if env, ok := s.Envelope(); ok {
		env.AddRecipient("b@example.com")
	}
	return s
}

func TestReceiveSimpleMessage(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()

	h := &fakeHandler{}
	s := newSessionWithEnvelope(h)
	lr := lineio.New(server, time.Second)

	writeWireData(t, client, "Subject: hi", "", "hello", ".")

	r, err := Receive(lr, Options{HostName: "mx.test", SoftwareName: "X 1.0"}, s, h, time.Now())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if r.Code != 250 {
		t.Fatalf("code = %d, want 250", r.Code)
	}

	want := "Subject: hi\r\n\r\nhello\r\n"
	if string(h.got) != want {
		t.Errorf("body = %q, want %q", h.got, want)
	}
	if _, ok := s.Envelope(); ok {
		t.Errorf("envelope still present after DATA")
	}
}

func TestReceiveDotStuffing(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()

	h := &fakeHandler{}
	s := newSessionWithEnvelope(h)
	lr := lineio.New(server, time.Second)

	writeWireData(t, client, "..hello", ".")

	_, err := Receive(lr, Options{}, s, h, time.Now())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	want := ".hello\r\n"
	if string(h.got) != want {
		t.Errorf("body = %q, want %q", h.got, want)
	}
}

func TestReceiveInsertsReceivedHeader(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()

	h := &fakeHandler{}
	s := newSessionWithEnvelope(h)
	lr := lineio.New(server, time.Second)

	writeWireData(t, client, "hi", ".")

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	_, err := Receive(lr, Options{
		HostName:              "mx.test",
		SoftwareName:          "X 1.0",
		InsertReceivedHeaders: true,
	}, s, h, now)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if len(h.got) < len("Received: ") || string(h.got[:len("Received: ")]) != "Received: " {
		t.Fatalf("body does not start with Received header: %q", h.got)
	}
}

func TestReceiveHandlerReject(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()

	h := &fakeHandler{doneErr: "no thanks"}
	s := newSessionWithEnvelope(h)
	lr := lineio.New(server, time.Second)

	writeWireData(t, client, "hi", ".")

	r, err := Receive(lr, Options{}, s, h, time.Now())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if r.Code != 550 {
		t.Fatalf("code = %d, want 550", r.Code)
	}
}

func TestReceiveConnectionDropMidData(t *testing.T) {
	client, server := pipe(t)

	h := &fakeHandler{}
	s := newSessionWithEnvelope(h)
	lr := lineio.New(server, 50*time.Millisecond)

	go func() {
		fmt.Fprintf(client, "partial line no terminator yet")
		time.Sleep(10 * time.Millisecond)
		client.Close()
	}()

	_, err := Receive(lr, Options{}, s, h, time.Now())
	if err == nil {
		t.Fatalf("Receive: want error on dropped connection")
	}
	if !h.aborted {
		t.Errorf("handler was not told Aborted")
	}
	if _, ok := s.Envelope(); ok {
		t.Errorf("envelope still present after dropped connection")
	}
}
