package reply

import (
	"bytes"
	"strconv"
	"strings"
	"testing"
)

func TestWriteToSingleLine(t *testing.T) {
	r := New(250, "2.1.5 Ok")
	buf := &bytes.Buffer{}
	if err := r.WriteTo(buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	want := "250 2.1.5 Ok\r\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestWriteToMultiLine(t *testing.T) {
	r := Multiline(250, "mx.test", "SIZE", "PIPELINING", "OK")
	buf := &bytes.Buffer{}
	if err := r.WriteTo(buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	want := "250-mx.test\r\n250-SIZE\r\n250-PIPELINING\r\n250 OK\r\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestTextSplitsOnNewline(t *testing.T) {
	r := Text(250, "mx.test\nSIZE\nOK")
	if len(r.Lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %v", len(r.Lines), r.Lines)
	}
}

func TestIsError(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false}, {250, false}, {354, false}, {421, true}, {500, true}, {554, true},
	}
	for _, c := range cases {
		if got := New(c.code, "").IsError(); got != c.want {
			t.Errorf("code %d: IsError() = %v, want %v", c.code, got, c.want)
		}
	}
}

// Round trip: a serialized reply, when its lines are parsed back out, must
// preserve both the numeric code and the text lines exactly.
func TestRoundTrip(t *testing.T) {
	r := Multiline(250, "a", "b", "c")
	buf := &bytes.Buffer{}
	if err := r.WriteTo(buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	var lines []string
	var code int
	body := strings.TrimSuffix(buf.String(), "\r\n")
	for _, raw := range strings.Split(body, "\r\n") {
		i := strings.IndexAny(raw, "- ")
		if i < 0 {
			t.Fatalf("malformed line %q", raw)
		}
		c, err := strconv.Atoi(raw[:i])
		if err != nil {
			t.Fatalf("parse code in %q: %v", raw, err)
		}
		code = c
		lines = append(lines, raw[i+1:])
	}

	if code != r.Code {
		t.Errorf("code: got %d, want %d", code, r.Code)
	}
	if strings.Join(lines, ",") != strings.Join(r.Lines, ",") {
		t.Errorf("lines: got %v, want %v", lines, r.Lines)
	}
}
