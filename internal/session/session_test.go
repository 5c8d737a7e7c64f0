package session

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fakeHandler struct {
	aborted bool
}

func (f *fakeHandler) Aborted() { f.aborted = true }

func TestEnvelopeInvariant(t *testing.T) {
	s := New("sid-1", "1.2.3.4:1234", "")

	if _, ok := s.Envelope(); ok {
		t.Fatalf("expected no envelope on a fresh session")
	}
	if _, ok := s.MessageHandler(); ok {
		t.Fatalf("expected no message handler on a fresh session")
	}

	h := &fakeHandler{}
	s.BeginTransaction("a@x", h)

	env, ok := s.Envelope()
	if !ok || env.From != "a@x" {
		t.Fatalf("expected envelope with From=a@x, got %+v, ok=%v", env, ok)
	}
	if _, ok := s.MessageHandler(); !ok {
		t.Fatalf("expected a message handler once an envelope exists")
	}
}

func TestRecipientDedup(t *testing.T) {
	s := New("sid-1", "1.2.3.4:1234", "")
	s.BeginTransaction("a@x", &fakeHandler{})

	env, _ := s.Envelope()
	env.AddRecipient("b@y")
	env.AddRecipient("b@y")
	env.AddRecipient("c@z")

	want := []string{"b@y", "c@z"}
	if diff := cmp.Diff(want, env.Recipients); diff != "" {
		t.Fatalf("recipients mismatch (-want +got):\n%s", diff)
	}
}

func TestResetEnvelopeIdempotent(t *testing.T) {
	s := New("sid-1", "1.2.3.4:1234", "")
	h := &fakeHandler{}
	s.BeginTransaction("a@x", h)

	s.ResetEnvelope()
	if !h.aborted {
		t.Fatalf("expected handler to be aborted on reset")
	}
	if _, ok := s.Envelope(); ok {
		t.Fatalf("expected no envelope after reset")
	}

	// A second RSET with nothing open must be a harmless no-op: same
	// observable state, no panic.
	s.ResetEnvelope()
	if _, ok := s.Envelope(); ok {
		t.Fatalf("expected no envelope after a second reset")
	}
}

func TestResetForSTARTTLSClearsFields(t *testing.T) {
	s := New("sid-1", "1.2.3.4:1234", "")
	s.HeloHost = "client.test"
	s.IsExtended = true
	s.SetAuthSubject("user@domain")
	s.BeginTransaction("a@x", &fakeHandler{})

	s.ResetForSTARTTLS()

	if s.HeloHost != "" || s.IsExtended {
		t.Errorf("expected HeloHost/IsExtended cleared, got %q/%v", s.HeloHost, s.IsExtended)
	}
	if _, ok := s.AuthSubject(); ok {
		t.Errorf("expected auth subject cleared")
	}
	if _, ok := s.Envelope(); ok {
		t.Errorf("expected envelope cleared")
	}
	if !s.TLSActive {
		t.Errorf("expected TLSActive to be set")
	}
}
