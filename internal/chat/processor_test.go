package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"gtcpd/internal/endpoint"
)

type sentPacket struct {
	client  endpoint.Stub
	payload []byte
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentPacket
	err  error
}

func (s *fakeSender) SendPacket(client endpoint.Stub, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentPacket{client: client, payload: payload})
	return nil
}

func newTestProcessor(t *testing.T) (*Processor, *fakeSender) {
	t.Helper()
	p := NewProcessor(openTestStore(t))
	sender := &fakeSender{}
	if err := p.OnInit(context.Background(), sender); err != nil {
		t.Fatalf("OnInit: %v", err)
	}
	return p, sender
}

func request(t *testing.T, p *Processor, client endpoint.Stub, cmd Command, body any) Header {
	t.Helper()
	packet, err := Encode(Header{ID: 42, Version: 1, Command: cmd}, body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	reply, err := p.OnPacket(context.Background(), endpoint.New(client), packet)
	if err != nil {
		t.Fatalf("OnPacket: %v", err)
	}
	h, rest, err := Decode(reply)
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if h.ID != 42 || h.Command != cmd || h.Timestamp == 0 || len(rest) != 0 {
		t.Fatalf("reply header = %+v body %q", h, rest)
	}
	return h
}

func TestProcessorRegister(t *testing.T) {
	p, _ := newTestProcessor(t)
	alice, other := testStub(1), testStub(2)

	if h := request(t, p, alice, CmdUserRegister, RegisterRequest{Username: "alice"}); h.Result != ResultSuccess {
		t.Fatalf("register = %s", h.Result)
	}
	if h := request(t, p, other, CmdUserRegister, RegisterRequest{Username: "alice"}); h.Result != ResultUsernameExist {
		t.Fatalf("duplicate register = %s", h.Result)
	}
	if h := request(t, p, other, CmdUserRegister, RegisterRequest{}); h.Result != ResultErrorParams {
		t.Fatalf("empty username = %s", h.Result)
	}
	if h := request(t, p, other, CmdUserRegister, nil); h.Result != ResultErrorParams {
		t.Fatalf("missing body = %s", h.Result)
	}
}

func TestProcessorSend(t *testing.T) {
	p, sender := newTestProcessor(t)
	alice, bob, stranger := testStub(1), testStub(2), testStub(3)
	msg := SendRequest{Targets: []string{"bob"}, Message: Message{Content: "hello"}}

	if h := request(t, p, stranger, CmdMessageSend, msg); h.Result != ResultErrorForbidden {
		t.Fatalf("send before register = %s", h.Result)
	}

	request(t, p, alice, CmdUserRegister, RegisterRequest{Username: "alice"})
	if h := request(t, p, alice, CmdMessageSend, msg); h.Result != ResultUsernameNotExist {
		t.Fatalf("send to unknown = %s", h.Result)
	}

	request(t, p, bob, CmdUserRegister, RegisterRequest{Username: "bob"})
	if h := request(t, p, alice, CmdMessageSend, msg); h.Result != ResultSuccess {
		t.Fatalf("send = %s", h.Result)
	}
	if len(sender.sent) != 1 || sender.sent[0].client != bob {
		t.Fatalf("sent = %+v", sender.sent)
	}
	h, body, err := Decode(sender.sent[0].payload)
	if err != nil {
		t.Fatalf("Decode notify: %v", err)
	}
	if h.Command != CmdMessageNotify || h.Result != ResultSuccess {
		t.Fatalf("notify header = %+v", h)
	}
	var notify NotifyRequest
	if err := DecodeBody(body, &notify); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if notify.Message.FromID != "alice" || notify.Message.Content != "hello" {
		t.Fatalf("notify = %+v", notify)
	}

	if h := request(t, p, alice, CmdMessageSend, SendRequest{Targets: []string{"bob"}}); h.Result != ResultErrorParams {
		t.Fatalf("empty content = %s", h.Result)
	}

	sender.err = errors.New("not connected")
	if h := request(t, p, alice, CmdMessageSend, msg); h.Result != ResultErrorServer {
		t.Fatalf("send with failing sender = %s", h.Result)
	}
}

func TestProcessorUnknownCommand(t *testing.T) {
	p, _ := newTestProcessor(t)
	if h := request(t, p, testStub(1), Command("PING"), nil); h.Result != ResultErrorUnknownCommand {
		t.Fatalf("unknown command = %s", h.Result)
	}
}

func TestProcessorMalformedPacket(t *testing.T) {
	p, _ := newTestProcessor(t)
	if _, err := p.OnPacket(context.Background(), endpoint.New(testStub(1)), []byte{0xff}); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("OnPacket = %v, want ErrMalformedPacket", err)
	}
}

func TestProcessorDisconnectReleasesName(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()
	alice := testStub(1)
	request(t, p, alice, CmdUserRegister, RegisterRequest{Username: "alice"})

	if err := p.OnClientDisconnect(ctx, endpoint.New(alice)); err != nil {
		t.Fatalf("OnClientDisconnect: %v", err)
	}
	if err := p.OnClientDisconnect(ctx, endpoint.New(alice)); err != nil {
		t.Fatalf("second OnClientDisconnect: %v", err)
	}
	if h := request(t, p, testStub(2), CmdUserRegister, RegisterRequest{Username: "alice"}); h.Result != ResultSuccess {
		t.Fatalf("register released name = %s", h.Result)
	}
}

func TestProcessorConnectRepliesNone(t *testing.T) {
	p, _ := newTestProcessor(t)
	reply, err := p.OnClientConnect(context.Background(), endpoint.New(testStub(1)))
	if err != nil || reply != nil {
		t.Fatalf("OnClientConnect = %v, %v", reply, err)
	}
}

func TestProcessorInitRequiresSender(t *testing.T) {
	p := NewProcessor(nil)
	if err := p.OnInit(context.Background(), nil); err == nil {
		t.Fatal("OnInit accepted a nil sender")
	}
}
