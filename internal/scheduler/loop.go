package scheduler

import (
	"context"
	"log/slog"
	"time"

	"gtcpd/internal/protocol"
)

type clientConnected struct{ peer Peer }

type clientPacket struct {
	peer Peer
	body []byte
}

type clientClosed struct{ peer Peer }

type workerConnected struct{ peer Peer }

type workerPacket struct {
	peer Peer
	body []byte
}

type workerClosed struct{ peer Peer }

type taskExpired struct {
	worker *workerState
	seq    uint64
}

type snapshotRequest struct{ reply chan<- Stats }

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Scheduler) handle(ev any) {
	switch ev := ev.(type) {
	case clientConnected:
		s.handleClientConnect(ev.peer)
	case clientPacket:
		s.handleClientPacket(ev.peer, ev.body)
	case clientClosed:
		s.handleClientClose(ev.peer)
	case workerConnected:
		s.handleWorkerConnect(ev.peer)
	case workerPacket:
		s.handleWorkerPacket(ev.peer, ev.body)
	case workerClosed:
		s.handleWorkerClose(ev.peer)
	case taskExpired:
		s.handleTaskExpired(ev.worker, ev.seq)
	case snapshotRequest:
		ev.reply <- s.snapshot()
	default:
		slog.Error("[scheduler] unknown event", "type", ev)
	}
}

func (s *Scheduler) handleClientConnect(p Peer) {
	stub := p.ID()
	if old, ok := s.clients[stub]; ok && old != p {
		// The newer connection takes over the routing entry; the older one
		// keeps running but can no longer receive replies.
		slog.Warn("[scheduler] client identity collision", "client", stub.String())
		s.emit(Event{Kind: EventIdentityCollision, Client: stub.String()})
	}
	s.clients[stub] = p
	slog.Debug("[scheduler] client connected", "client", p.Label())
	s.emit(Event{Kind: EventClientConnected, Client: stub.String()})

	if err := s.enqueue(s.newTask(p, protocol.Connect, nil)); err != nil {
		s.rejectClient(p, protocol.Connect)
	}
}

func (s *Scheduler) handleClientPacket(p Peer, body []byte) {
	if err := s.enqueue(s.newTask(p, protocol.Relay, body)); err != nil {
		s.rejectClient(p, protocol.Relay)
	}
}

func (s *Scheduler) handleClientClose(p Peer) {
	stub := p.ID()
	if cur, ok := s.clients[stub]; ok && cur != p {
		// A newer connection owns the identity; its session stays with the worker.
		slog.Debug("[scheduler] superseded client closed, no disconnect", "client", p.Label())
	} else {
		if err := s.enqueue(s.newTask(p, protocol.Disconnect, nil)); err != nil {
			slog.Warn("[scheduler] dropping disconnect task, waiting queue full",
				"client", p.Label(), "waiting", s.waiting.len())
		}
		delete(s.clients, stub)
	}
	slog.Debug("[scheduler] client closed", "client", p.Label())
	s.emit(Event{Kind: EventClientClosed, Client: stub.String()})
}

// rejectClient fails a client whose task could not be queued.
func (s *Scheduler) rejectClient(p Peer, cmd protocol.Command) {
	s.stats.Overloads++
	slog.Warn("[scheduler] waiting queue full, closing client",
		"client", p.Label(), "command", cmd.String(), "waiting", s.waiting.len(), "max", s.cfg.MaxQueueSize)
	s.emit(Event{Kind: EventOverload, Client: p.ID().String(), Command: cmd.String()})
	_ = p.Close()
}

func (s *Scheduler) newTask(p Peer, cmd protocol.Command, payload []byte) *task {
	s.taskSeq++
	return &task{seq: s.taskSeq, client: p, stub: p.ID(), command: cmd, payload: payload}
}

// enqueue assigns t to the oldest idle worker, or queues it when none is idle.
func (s *Scheduler) enqueue(t *task) error {
	if w, ok := s.idle.pop(); ok {
		s.assign(w, t)
		return nil
	}
	if s.cfg.MaxQueueSize > 0 && s.waiting.len() >= s.cfg.MaxQueueSize {
		return ErrOverloaded
	}
	s.waiting.push(t)
	s.emit(Event{Kind: EventTaskQueued, Client: t.stub.String(), Command: t.command.String()})
	return nil
}

func (s *Scheduler) assign(w *workerState, t *task) {
	w.running = t
	t.assigned = time.Now()
	s.stats.Assigned++

	if d := s.TaskTimeout(); d > 0 {
		seq := t.seq
		w.timer = time.AfterFunc(d, func() {
			s.post(taskExpired{worker: w, seq: seq})
		})
	}

	if err := w.peer.Send(protocol.Encode(t.command, t.stub, t.payload)); err != nil {
		// A failed send closes the worker connection; its close event fails
		// the client.
		slog.Warn("[scheduler] failed to send task to worker",
			"worker", w.peer.Label(), "client", t.client.Label(), "error", err)
	}
	s.emit(Event{Kind: EventTaskAssigned, Client: t.stub.String(), Worker: w.peer.Label(), Command: t.command.String()})
}

// release hands w the next waiting task, or returns it to the idle queue.
func (s *Scheduler) release(w *workerState) {
	if t, ok := s.waiting.pop(); ok {
		s.assign(w, t)
		return
	}
	s.idle.push(w)
}

func (s *Scheduler) handleWorkerConnect(p Peer) {
	w := &workerState{peer: p}
	s.workers[p] = w
	slog.Info("[scheduler] worker connected", "worker", p.Label(), "workers", len(s.workers))
	s.emit(Event{Kind: EventWorkerConnected, Worker: p.Label()})
	s.release(w)
}

func (s *Scheduler) handleWorkerPacket(p Peer, body []byte) {
	w, ok := s.workers[p]
	if !ok {
		return
	}

	pkt, err := protocol.Decode(body)
	if err != nil {
		slog.Error("[scheduler] malformed worker reply, closing worker",
			"worker", p.Label(), "size", len(body), "error", err)
		s.emit(Event{Kind: EventMalformedReply, Worker: p.Label()})
		s.dropWorker(w)
		return
	}

	switch pkt.Command {
	case protocol.Relay, protocol.Notify:
		s.forward(w, pkt)
	case protocol.None:
		// A processor that produced nothing for a client packet still
		// answers the client with an empty frame.
		if w.running != nil && w.running.command == protocol.Relay {
			if client, ok := s.clients[pkt.Client]; ok {
				s.sendToClient(client, nil)
			} else {
				slog.Debug("[scheduler] empty reply for departed client", "client", pkt.Client.String())
			}
		}
	default:
		slog.Warn("[scheduler] unexpected command from worker",
			"worker", p.Label(), "command", pkt.Command.String())
	}

	if !pkt.Command.CompletesTask() {
		return
	}
	if w.running == nil {
		slog.Debug("[scheduler] reply from worker without a task", "worker", p.Label(), "command", pkt.Command.String())
		return
	}
	t := w.running
	s.clearTask(w)
	s.stats.Completed++
	s.emit(Event{
		Kind:    EventTaskCompleted,
		Client:  t.stub.String(),
		Worker:  p.Label(),
		Command: t.command.String(),
		Latency: time.Since(t.assigned),
	})
	s.release(w)
}

func (s *Scheduler) forward(w *workerState, pkt protocol.Packet) {
	client, ok := s.clients[pkt.Client]
	if !ok {
		s.stats.Misses++
		slog.Warn("[scheduler] reply for unknown client",
			"worker", w.peer.Label(), "client", pkt.Client.String(), "command", pkt.Command.String())
		s.emit(Event{Kind: EventRoutingMiss, Client: pkt.Client.String(), Worker: w.peer.Label(), Command: pkt.Command.String()})
		if w.running != nil {
			_ = w.running.client.Close()
		}
		return
	}
	s.sendToClient(client, pkt.Payload)
	kind := EventReplyForwarded
	if pkt.Command == protocol.Notify {
		kind = EventNotifyForwarded
	}
	s.emit(Event{Kind: kind, Client: pkt.Client.String(), Worker: w.peer.Label()})
}

func (s *Scheduler) sendToClient(client Peer, payload []byte) {
	if err := client.Send(payload); err != nil {
		slog.Debug("[scheduler] failed to send to client", "client", client.Label(), "error", err)
	}
}

func (s *Scheduler) handleWorkerClose(p Peer) {
	w, ok := s.workers[p]
	if !ok {
		return
	}
	s.removeWorker(w)
	slog.Info("[scheduler] worker disconnected", "worker", p.Label(), "workers", len(s.workers))
}

func (s *Scheduler) handleTaskExpired(w *workerState, seq uint64) {
	if w.running == nil || w.running.seq != seq {
		return
	}
	if _, ok := s.workers[w.peer]; !ok {
		return
	}
	s.stats.Timeouts++
	slog.Warn("[scheduler] task deadline exceeded, closing worker",
		"worker", w.peer.Label(), "client", w.running.client.Label(),
		"command", w.running.command.String(), "timeout", s.TaskTimeout())
	s.emit(Event{Kind: EventTaskTimeout, Client: w.running.stub.String(), Worker: w.peer.Label(), Command: w.running.command.String()})
	s.dropWorker(w)
}

// dropWorker closes a worker the scheduler no longer trusts and fails its task.
func (s *Scheduler) dropWorker(w *workerState) {
	s.removeWorker(w)
	_ = w.peer.Close()
}

// removeWorker forgets w and closes the client of its in-flight task.
func (s *Scheduler) removeWorker(w *workerState) {
	delete(s.workers, w.peer)
	s.idle.remove(w)
	if t := w.running; t != nil {
		s.clearTask(w)
		slog.Warn("[scheduler] worker lost with task in flight, closing client",
			"worker", w.peer.Label(), "client", t.client.Label(), "command", t.command.String())
		s.emit(Event{Kind: EventTaskFailed, Client: t.stub.String(), Worker: w.peer.Label(), Command: t.command.String()})
		_ = t.client.Close()
	}
	s.emit(Event{Kind: EventWorkerClosed, Worker: w.peer.Label()})
	if s.onWorkerLost != nil {
		go s.onWorkerLost(w.peer.Label())
	}
}

func (s *Scheduler) clearTask(w *workerState) {
	w.running = nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (s *Scheduler) snapshot() Stats {
	st := s.stats
	st.Clients = len(s.clients)
	st.Workers = len(s.workers)
	st.IdleWorkers = s.idle.len()
	st.BusyWorkers = st.Workers - st.IdleWorkers
	st.WaitingTasks = s.waiting.len()
	st.MaxQueueSize = s.cfg.MaxQueueSize
	st.TaskTimeout = s.TaskTimeout()
	return st
}

func (s *Scheduler) emit(e Event) {
	if len(s.observers) == 0 {
		return
	}
	e.Time = time.Now()
	e.Clients = len(s.clients)
	e.Workers = len(s.workers)
	e.IdleWorkers = s.idle.len()
	e.WaitingTasks = s.waiting.len()
	for _, o := range s.observers {
		o.Observe(e)
	}
}

// closeAll tears down every connection after the loop has exited.
func (s *Scheduler) closeAll() {
	for _, w := range s.workers {
		s.clearTask(w)
		_ = w.peer.Close()
	}
	for _, c := range s.clients {
		_ = c.Close()
	}
	clear(s.workers)
	clear(s.clients)
}
