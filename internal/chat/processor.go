package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gtcpd/internal/endpoint"
	"gtcpd/internal/worker"
)

// handlerFunc serves one command and returns the reply result.
type handlerFunc func(ctx context.Context, client *endpoint.Endpoint, body []byte) Result

// Processor serves chat requests on a worker.
type Processor struct {
	worker.Base

	store    *Store
	sender   worker.Sender
	now      func() time.Time
	handlers map[Command]handlerFunc
}

// NewProcessor returns a Processor backed by store.
func NewProcessor(store *Store) *Processor {
	p := &Processor{store: store, now: time.Now}
	p.handlers = map[Command]handlerFunc{
		CmdUserRegister: p.handleRegister,
		CmdMessageSend:  p.handleSend,
	}
	return p
}

// OnInit keeps the sender used to push MESSAGE_NOTIFY packets.
func (p *Processor) OnInit(_ context.Context, sender worker.Sender) error {
	if sender == nil {
		return errors.New("chat: sender is required")
	}
	p.sender = sender
	return nil
}

func (p *Processor) OnClientConnect(_ context.Context, client *endpoint.Endpoint) ([]byte, error) {
	slog.Info("[chat] client connected", "client", client.Stub().String(), "address", client.Address())
	return nil, nil
}

// OnClientDisconnect releases the client's username, if any.
func (p *Processor) OnClientDisconnect(ctx context.Context, client *endpoint.Endpoint) error {
	name, err := p.store.Remove(ctx, client.Stub())
	if err != nil {
		slog.Warn("[chat] remove session failed", "client", client.Stub().String(), "error", err)
		return nil
	}
	if name != "" {
		slog.Info("[chat] user left", "username", name, "client", client.Stub().String())
	}
	return nil
}

// OnPacket decodes a request and replies with its header carrying the result.
// An unreadable header is returned as an error, which ends the task without a
// reply and closes the client.
func (p *Processor) OnPacket(ctx context.Context, client *endpoint.Endpoint, payload []byte) ([]byte, error) {
	h, body, err := Decode(payload)
	if err != nil {
		return nil, err
	}

	start := p.now()
	handler, ok := p.handlers[h.Command]
	var result Result
	if ok {
		result = handler(ctx, client, body)
	} else {
		slog.Warn("[chat] unknown command", "id", h.ID, "version", h.Version, "command", string(h.Command))
		result = ResultErrorUnknownCommand
	}
	slog.Debug("[chat] request processed",
		"id", h.ID, "command", string(h.Command), "result", string(result), "elapsed", p.now().Sub(start))

	h.Result = result
	h.Timestamp = p.now().Unix()
	return Encode(h, nil)
}

func (p *Processor) handleRegister(ctx context.Context, client *endpoint.Endpoint, body []byte) Result {
	var req RegisterRequest
	if err := decodeRequest(body, &req); err != nil {
		slog.Warn("[chat] invalid register request", "client", client.Stub().String(), "error", err)
		return ResultErrorParams
	}
	err := p.store.Register(ctx, req.Username, client.Stub())
	switch {
	case errors.Is(err, ErrUsernameTaken):
		slog.Warn("[chat] username exists", "username", req.Username, "client", client.Stub().String())
		return ResultUsernameExist
	case err != nil:
		slog.Error("[chat] register failed", "username", req.Username, "error", err)
		return ResultErrorServer
	}
	slog.Info("[chat] user registered", "username", req.Username, "client", client.Stub().String())
	return ResultSuccess
}

func (p *Processor) handleSend(ctx context.Context, client *endpoint.Endpoint, body []byte) Result {
	var req SendRequest
	if err := decodeRequest(body, &req); err != nil {
		slog.Warn("[chat] invalid send request", "client", client.Stub().String(), "error", err)
		return ResultErrorParams
	}

	from, err := p.store.Username(ctx, client.Stub())
	if err != nil {
		slog.Error("[chat] sender lookup failed", "client", client.Stub().String(), "error", err)
		return ResultErrorServer
	}
	if from == "" {
		slog.Warn("[chat] send before register", "client", client.Stub().String())
		return ResultErrorForbidden
	}

	targets, err := p.store.Clients(ctx, req.Targets)
	if err != nil {
		slog.Error("[chat] target lookup failed", "from", from, "error", err)
		return ResultErrorServer
	}
	if len(targets) == 0 {
		slog.Warn("[chat] no target registered", "from", from, "targets", req.Targets)
		return ResultUsernameNotExist
	}

	notify, err := Encode(Header{
		Command:   CmdMessageNotify,
		Result:    ResultSuccess,
		Timestamp: p.now().Unix(),
	}, NotifyRequest{Message: Message{FromID: from, Content: req.Message.Content}})
	if err != nil {
		slog.Error("[chat] encode notify failed", "from", from, "error", err)
		return ResultErrorServer
	}
	for name, stub := range targets {
		if err := p.sender.SendPacket(stub, notify); err != nil {
			slog.Warn("[chat] notify failed", "from", from, "to", name, "client", stub.String(), "error", err)
			return ResultErrorServer
		}
		slog.Debug("[chat] message delivered", "from", from, "to", name)
	}
	return ResultSuccess
}

func decodeRequest(body []byte, req interface{ Validate() error }) error {
	if err := DecodeBody(body, req); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return req.Validate()
}
