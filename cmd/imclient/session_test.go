package main

import (
	"bytes"
	"strings"
	"testing"

	"gtcpd/internal/chat"
)

type captureSender struct {
	packets [][]byte
	offline bool
	queued  int
}

func (c *captureSender) Send(body []byte) error {
	c.packets = append(c.packets, body)
	if c.offline {
		c.queued++
	}
	return nil
}

func (c *captureSender) Connected() bool { return !c.offline }
func (c *captureSender) Pending() int { return c.queued }
func (c *captureSender) ClearBuffer() { c.queued = 0 }

func newTestSession() (*session, *captureSender, *bytes.Buffer) {
	out := &bytes.Buffer{}
	s := newSession(out)
	snd := &captureSender{}
	s.sender = snd
	return s, snd, out
}

func TestSessionRegisterAndSend(t *testing.T) {
	s, snd, out := newTestSession()

	s.execute("send bob hi")
	if !strings.Contains(out.String(), "register first") || len(snd.packets) != 0 {
		t.Fatalf("send before register: out=%q packets=%d", out.String(), len(snd.packets))
	}

	s.execute("register alice")
	s.execute("send bob,carol hello there")
	if len(snd.packets) != 2 {
		t.Fatalf("packets = %d, want 2", len(snd.packets))
	}

	h, body, err := chat.Decode(snd.packets[1])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if h.Command != chat.CmdMessageSend || h.ID != 2 || h.Version != protocolVersion {
		t.Fatalf("header = %+v", h)
	}
	var req chat.SendRequest
	if err := chat.DecodeBody(body, &req); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if len(req.Targets) != 2 || req.Targets[1] != "carol" || req.Message.Content != "hello there" {
		t.Fatalf("request = %+v", req)
	}

	s.execute("register bob")
	if !strings.Contains(out.String(), "already registered") {
		t.Fatalf("double register not rejected: %q", out.String())
	}
}

func TestSessionExecuteQuit(t *testing.T) {
	s, _, _ := newTestSession()
	for _, line := range []string{"quit", "  exit  "} {
		if !s.execute(line) {
			t.Fatalf("execute(%q) did not quit", line)
		}
	}
	if s.execute("") || s.execute("bogus") {
		t.Fatal("non-quit command quit")
	}
}

func TestSessionHandlePacket(t *testing.T) {
	s, _, out := newTestSession()
	s.execute("register alice")

	failed, _ := chat.Encode(chat.Header{Command: chat.CmdUserRegister, Result: chat.ResultUsernameExist}, nil)
	s.handlePacket(failed)
	if !strings.Contains(out.String(), "ERROR_USERNAME_EXIST") {
		t.Fatalf("failure not printed: %q", out.String())
	}
	s.execute("send bob hi")
	if !strings.Contains(out.String(), "register first") {
		t.Fatal("failed register still counted as registered")
	}

	notify, _ := chat.Encode(chat.Header{Command: chat.CmdMessageNotify, Result: chat.ResultSuccess},
		chat.NotifyRequest{Message: chat.Message{FromID: "bob", Content: "yo"}})
	s.handlePacket(notify)
	if !strings.Contains(out.String(), `bob says "yo"`) {
		t.Fatalf("notify not printed: %q", out.String())
	}
}

func TestSessionOfflinePromptAndClear(t *testing.T) {
	s, snd, out := newTestSession()
	snd.offline = true
	s.execute("register alice")

	s.prompt()
	if !strings.Contains(out.String(), "offline, 1 queued") {
		t.Fatalf("prompt = %q", out.String())
	}
	s.execute("clear")
	if snd.queued != 0 || !strings.Contains(out.String(), "dropped 1 queued") {
		t.Fatalf("clear: queued=%d out=%q", snd.queued, out.String())
	}
}
