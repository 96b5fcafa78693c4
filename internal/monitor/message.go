package monitor

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types published on /ws.
const (
	TypeEvent = "event"
	TypeLog   = "log"
)

const (
	subscribeAction   = "subscribe"
	unsubscribeAction = "unsubscribe"
)

// envelope wraps every message sent to subscribers.
type envelope struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// subscribeMsg changes the set of message types a subscriber receives.
type subscribeMsg struct {
	Action string   `json:"action"`
	Types  []string `json:"types"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func encodeEnvelope(msgType string, data any) ([]byte, error) {
	if msgType == "" {
		return nil, fmt.Errorf("monitor: message type must not be empty")
	}
	payload, err := json.Marshal(envelope{Type: msgType, Time: time.Now(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("monitor: encode %s message: %w", msgType, err)
	}
	return payload, nil
}

func validType(t string) bool {
	return t == TypeEvent || t == TypeLog
}
