package authdialogue

import (
	"bufio"
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"net"
	"strings"
	"testing"
	"time"

	"blitiri.com.ar/go/smtpd/internal/lineio"
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

func verifyAliceSecret(identity, password string) (bool, error) {
	return identity == "alice" && password == "secret", nil
}

func TestRunPlainWithInitialResponse(t *testing.T) {
	_, server := pipe(t)
	lr := lineio.New(server, time.Second)

	h := Plain(verifyAliceSecret)
	initial := []byte("\x00alice\x00secret")

	identity, ok, err := Run(lr, h, initial, true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ok || identity != "alice" {
		t.Errorf("got identity=%q ok=%v, want alice/true", identity, ok)
	}
}

func TestRunPlainChallengeResponse(t *testing.T) {
	client, server := pipe(t)
	lr := lineio.New(server, time.Second)

	go func() {
		r := bufio.NewReader(client)
		r.ReadString('\n') // consume the 334 challenge
		resp := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00secret"))
		client.Write([]byte(resp + "\r\n"))
	}()

	h := Plain(verifyAliceSecret)
	identity, ok, err := Run(lr, h, nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ok || identity != "alice" {
		t.Errorf("got identity=%q ok=%v, want alice/true", identity, ok)
	}
}

func TestRunAborted(t *testing.T) {
	client, server := pipe(t)
	lr := lineio.New(server, time.Second)

	go func() {
		r := bufio.NewReader(client)
		r.ReadString('\n')
		client.Write([]byte("*\r\n"))
	}()

	h := Plain(verifyAliceSecret)
	_, ok, err := Run(lr, h, nil, false)
	if err != ErrAborted {
		t.Fatalf("got err=%v, want ErrAborted", err)
	}
	if ok {
		t.Errorf("expected ok=false on abort")
	}
}

func TestRunLoginTwoStep(t *testing.T) {
	client, server := pipe(t)
	lr := lineio.New(server, time.Second)

	go func() {
		r := bufio.NewReader(client)
		r.ReadString('\n') // "Username:"
		client.Write([]byte(base64.StdEncoding.EncodeToString([]byte("alice")) + "\r\n"))
		r.ReadString('\n') // "Password:"
		client.Write([]byte(base64.StdEncoding.EncodeToString([]byte("secret")) + "\r\n"))
	}()

	h := Login(verifyAliceSecret)
	identity, ok, err := Run(lr, h, nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ok || identity != "alice" {
		t.Errorf("got identity=%q ok=%v, want alice/true", identity, ok)
	}
}

func TestRunCRAMMD5(t *testing.T) {
	client, server := pipe(t)
	lr := lineio.New(server, time.Second)

	const challenge = "<test.1@mx.test>"
	secret := func(identity string) (string, bool) {
		if identity != "alice" {
			return "", false
		}
		return "secret", true
	}

	go func() {
		r := bufio.NewReader(client)
		line, _ := r.ReadString('\n')
		decoded, _ := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(line, "334 ")))
		if string(decoded) != challenge {
			t.Errorf("client saw challenge %q, want %q", decoded, challenge)
		}

		mac := hmac.New(md5.New, []byte("secret"))
		mac.Write([]byte(challenge))
		digest := hex.EncodeToString(mac.Sum(nil))

		resp := base64.StdEncoding.EncodeToString([]byte("alice " + digest))
		client.Write([]byte(resp + "\r\n"))
	}()

	h := CRAMMD5(secret, func() (string, error) { return challenge, nil })
	identity, ok, err := Run(lr, h, nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ok || identity != "alice" {
		t.Errorf("got identity=%q ok=%v, want alice/true", identity, ok)
	}
}

func TestRunCRAMMD5WrongDigest(t *testing.T) {
	client, server := pipe(t)
	lr := lineio.New(server, time.Second)

	secret := func(identity string) (string, bool) { return "secret", true }

	go func() {
		r := bufio.NewReader(client)
		r.ReadString('\n')
		resp := base64.StdEncoding.EncodeToString([]byte("alice deadbeef"))
		client.Write([]byte(resp + "\r\n"))
	}()

	h := CRAMMD5(secret, func() (string, error) { return "<chal>", nil })
	_, ok, err := Run(lr, h, nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ok {
		t.Errorf("expected authentication to fail on wrong digest")
	}
}
