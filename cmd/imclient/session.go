package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gtcpd/internal/chat"
)

const protocolVersion = 1

type sender interface {
	Send(body []byte) error
	Connected() bool
	Pending() int
	ClearBuffer()
}

// session tracks the local user and renders server packets.
type session struct {
	sender sender

	mu       sync.Mutex
	out      io.Writer
	username string
	nextID   uint64
}

func newSession(out io.Writer) *session {
	return &session{out: out}
}

func (s *session) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.out, format, args...)
}

func (s *session) prompt() {
	if s.sender != nil && !s.sender.Connected() {
		s.printf("client (offline, %d queued)> ", s.sender.Pending())
		return
	}
	s.printf("client> ")
}

// execute runs one command line and reports whether the client should exit.
func (s *session) execute(line string) bool {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "":
	case "quit", "exit":
		return true
	case "register":
		s.register(rest)
	case "send":
		s.send(rest)
	case "clear":
		n := s.sender.Pending()
		s.sender.ClearBuffer()
		s.printf("dropped %d queued requests\n", n)
	default:
		s.printf("unknown command %q\n", cmd)
	}
	return false
}

func (s *session) register(username string) {
	s.mu.Lock()
	already := s.username != ""
	s.mu.Unlock()
	if already {
		s.printf("error: already registered\n")
		return
	}
	if username == "" {
		s.printf("usage: register <name>\n")
		return
	}
	if s.request(chat.CmdUserRegister, chat.RegisterRequest{Username: username}) {
		s.mu.Lock()
		s.username = username
		s.mu.Unlock()
	}
}

func (s *session) send(args string) {
	s.mu.Lock()
	from := s.username
	s.mu.Unlock()
	if from == "" {
		s.printf("error: please register first\n")
		return
	}
	targets, content, ok := strings.Cut(args, " ")
	content = strings.TrimSpace(content)
	if !ok || targets == "" || content == "" {
		s.printf("usage: send <target1,target2> <message>\n")
		return
	}
	s.request(chat.CmdMessageSend, chat.SendRequest{
		Targets: strings.Split(targets, ","),
		Message: chat.Message{Content: content},
	})
}

func (s *session) request(cmd chat.Command, body any) bool {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	packet, err := chat.Encode(chat.Header{
		ID:        id,
		Version:   protocolVersion,
		Command:   cmd,
		Timestamp: time.Now().Unix(),
	}, body)
	if err != nil {
		s.printf("error: %v\n", err)
		return false
	}
	if err := s.sender.Send(packet); err != nil {
		s.printf("error: %v\n", err)
		return false
	}
	return true
}

func (s *session) handlePacket(packet []byte) {
	h, body, err := chat.Decode(packet)
	if err != nil {
		slog.Warn("[imclient] undecodable packet", "error", err, "size", len(packet))
		return
	}
	if h.Result != chat.ResultSuccess {
		if h.Command == chat.CmdUserRegister {
			s.mu.Lock()
			s.username = ""
			s.mu.Unlock()
		}
		s.printf("\nserver> %s failed: %s\n", h.Command, h.Result)
		return
	}
	if h.Command == chat.CmdMessageNotify {
		var notify chat.NotifyRequest
		if err := chat.DecodeBody(body, &notify); err != nil {
			slog.Warn("[imclient] bad notify body", "error", err)
			return
		}
		s.printf("\nserver> %s says %q\n", notify.Message.FromID, notify.Message.Content)
		return
	}
	s.printf("\nserver> %s ok\n", h.Command)
}

// handleDisconnect forgets the registration: the server drops it with the connection.
func (s *session) handleDisconnect(err error) {
	s.mu.Lock()
	had := s.username
	s.username = ""
	s.mu.Unlock()
	if had != "" {
		s.printf("\nconnection lost (%v); register again after reconnecting\n", err)
	}
}
