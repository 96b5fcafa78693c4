package scheduler

import "time"

// EventKind names a scheduler transition.
type EventKind string

const (
	EventClientConnected   EventKind = "client_connected"
	EventClientClosed      EventKind = "client_closed"
	EventWorkerConnected   EventKind = "worker_connected"
	EventWorkerClosed      EventKind = "worker_closed"
	EventTaskQueued        EventKind = "task_queued"
	EventTaskAssigned      EventKind = "task_assigned"
	EventTaskCompleted     EventKind = "task_completed"
	EventTaskTimeout       EventKind = "task_timeout"
	EventTaskFailed        EventKind = "task_failed"
	EventReplyForwarded    EventKind = "reply_forwarded"
	EventNotifyForwarded   EventKind = "notify_forwarded"
	EventRoutingMiss       EventKind = "routing_miss"
	EventOverload          EventKind = "overload"
	EventMalformedReply    EventKind = "malformed_reply"
	EventIdentityCollision EventKind = "identity_collision"
)

// Event describes one scheduler transition together with the table and
// queue sizes right after it.
type Event struct {
	Kind    EventKind     `json:"kind"`
	Time    time.Time     `json:"time"`
	Client  string        `json:"client,omitempty"`
	Worker  string        `json:"worker,omitempty"`
	Command string        `json:"command,omitempty"`
	Latency time.Duration `json:"latency,omitempty"`

	Clients      int `json:"clients"`
	Workers      int `json:"workers"`
	IdleWorkers  int `json:"idle_workers"`
	WaitingTasks int `json:"waiting_tasks"`
}

// Observer receives scheduler events on the event-loop goroutine.
// Implementations must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Clients      int           `json:"clients"`
	Workers      int           `json:"workers"`
	IdleWorkers  int           `json:"idle_workers"`
	BusyWorkers  int           `json:"busy_workers"`
	WaitingTasks int           `json:"waiting_tasks"`
	MaxQueueSize int           `json:"max_queue_size"`
	TaskTimeout  time.Duration `json:"task_timeout"`

	Assigned  uint64 `json:"assigned"`
	Completed uint64 `json:"completed"`
	Overloads uint64 `json:"overloads"`
	Timeouts  uint64 `json:"timeouts"`
	Misses    uint64 `json:"routing_misses"`
}
