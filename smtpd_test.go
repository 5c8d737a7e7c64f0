package smtpd

import (
	"io"
	"net"
	"net/textproto"
	"strconv"
	"testing"
	"time"
)

type recordingHandler struct {
	from  string
	rcpts []string
	body  []byte
}

func (h *recordingHandler) From(rp string) HandlerResult {
	h.from = rp
	return Accepted
}

func (h *recordingHandler) Recipient(fp string) HandlerResult {
	h.rcpts = append(h.rcpts, fp)
	return Accepted
}

func (h *recordingHandler) Data(r io.Reader) HandlerResult {
	b, _ := io.ReadAll(r)
	h.body = b
	return Accepted
}

func (h *recordingHandler) Done() HandlerResult { return Accepted }
func (h *recordingHandler) Aborted()            {}

type recordingFactory struct {
	last *recordingHandler
}

func (f *recordingFactory) New(info SessionInfo) MessageHandler {
	f.last = &recordingHandler{}
	return f.last
}

func TestServerEndToEnd(t *testing.T) {
	factory := &recordingFactory{}
	opts := NewOptions(
		WithHostName("mail.example.org"),
		WithAddr("127.0.0.1", 0),
		WithMessageHandlerFactory(factory),
	)
	srv := New(opts)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.AllocatedPort()))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	tp := textproto.NewConn(conn)
	defer tp.Close()

	if _, _, err := tp.ReadResponse(220); err != nil {
		t.Fatalf("greeting: %v", err)
	}

	send := func(line string, want int) {
		t.Helper()
		if err := tp.PrintfLine("%s", line); err != nil {
			t.Fatalf("write %q: %v", line, err)
		}
		if _, _, err := tp.ReadResponse(want); err != nil {
			t.Fatalf("%q: %v", line, err)
		}
	}

	send("EHLO client.example.com", 250)
	send("MAIL FROM:<alice@example.com>", 250)
	send("RCPT TO:<bob@example.org>", 250)
	send("DATA", 354)
	tp.PrintfLine("Subject: hi")
	tp.PrintfLine("")
	tp.PrintfLine("hello")
	send(".", 250)
	send("QUIT", 221)

	if factory.last == nil {
		t.Fatal("no transaction recorded")
	}
	if factory.last.from != "alice@example.com" {
		t.Errorf("From = %q", factory.last.from)
	}
	if !srv.IsRunning() {
		t.Errorf("server should still be running before Stop")
	}
}

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions(WithHostName("mail.example.org"), WithMessageHandlerFactory(&recordingFactory{}))
	if opts.opts.Port != 25 {
		t.Errorf("default port = %d, want 25", opts.opts.Port)
	}
	if opts.opts.MaxConnections != 1000 {
		t.Errorf("default MaxConnections = %d, want 1000", opts.opts.MaxConnections)
	}
	if !opts.opts.InsertReceivedHeaders {
		t.Errorf("InsertReceivedHeaders should default to true")
	}
}
