package worker

import (
	"context"

	"gtcpd/internal/endpoint"
)

// Sender pushes a packet to a client outside the request/reply cadence.
type Sender interface {
	SendPacket(client endpoint.Stub, payload []byte) error
}

// Processor is the application hosted by a worker. A nil reply from
// OnPacket or OnClientConnect is answered with NONE; any non-nil reply,
// including an empty one, is relayed to the client.
//
// A returned error or a panic closes the dispatcher connection; the runtime
// then reconnects.
type Processor interface {
	OnInit(ctx context.Context, sender Sender) error
	OnPacket(ctx context.Context, client *endpoint.Endpoint, payload []byte) ([]byte, error)
	OnClientConnect(ctx context.Context, client *endpoint.Endpoint) ([]byte, error)
	OnClientDisconnect(ctx context.Context, client *endpoint.Endpoint) error
}

// Base implements Processor with no-op methods. Embed it to override only
// the callbacks a processor needs.
type Base struct{}

func (Base) OnInit(context.Context, Sender) error { return nil }

func (Base) OnPacket(context.Context, *endpoint.Endpoint, []byte) ([]byte, error) {
	return nil, nil
}

func (Base) OnClientConnect(context.Context, *endpoint.Endpoint) ([]byte, error) {
	return nil, nil
}

func (Base) OnClientDisconnect(context.Context, *endpoint.Endpoint) error { return nil }
