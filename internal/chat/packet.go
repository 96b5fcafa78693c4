// Package chat is the demo instant-messaging application hosted by gtcpd
// workers: users register a name and push messages to each other.
package chat

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"gtcpd/internal/bytebuf"
)

// Command identifies a chat request.
type Command string

const (
	CmdUserRegister  Command = "USER_REGISTER"
	CmdMessageSend   Command = "MESSAGE_SEND"
	CmdMessageNotify Command = "MESSAGE_NOTIFY"
)

// Result is the outcome code carried in reply headers.
type Result string

const (
	ResultSuccess             Result = "SUCCESS"
	ResultErrorParams         Result = "ERROR_PARAMS"
	ResultErrorServer         Result = "ERROR_SERVER"
	ResultErrorForbidden      Result = "ERROR_FORBIDDEN"
	ResultUsernameExist       Result = "ERROR_USERNAME_EXIST"
	ResultUsernameNotExist    Result = "ERROR_USERNAME_NOT_EXIST"
	ResultErrorUnknownCommand Result = "ERROR_UNKNOWN_COMMAND"
)

const (
	MaxUsernameLength = 100
	MaxContentLength  = 500
)

// ErrMalformedPacket is returned when the header prefix or header JSON is unreadable.
var ErrMalformedPacket = errors.New("chat: malformed packet")

// Header precedes every chat body. Replies echo ID, Version and Command.
type Header struct {
	ID        uint64  `json:"id"`
	Version   uint32  `json:"version"`
	Command   Command `json:"command"`
	Result    Result  `json:"result,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// Message is a chat line. FromID is filled in by the server.
type Message struct {
	FromID  string `json:"from_id,omitempty"`
	Content string `json:"content"`
}

// RegisterRequest binds a username to the sending connection.
type RegisterRequest struct {
	Username string `json:"username"`
}

// SendRequest delivers Message to each registered target.
type SendRequest struct {
	Targets []string `json:"targets"`
	Message Message  `json:"message"`
}

// NotifyRequest is pushed to message recipients.
type NotifyRequest struct {
	Message Message `json:"message"`
}

// Validate checks username bounds.
func (r RegisterRequest) Validate() error {
	return validateUsername("username", r.Username)
}

// Validate checks target and content bounds.
func (r SendRequest) Validate() error {
	if len(r.Targets) == 0 {
		return errors.New("targets: at least one target is required")
	}
	var errs []error
	for i, target := range r.Targets {
		if err := validateUsername(fmt.Sprintf("targets[%d]", i), target); err != nil {
			errs = append(errs, err)
		}
	}
	n := utf8.RuneCountInString(r.Message.Content)
	if n == 0 {
		errs = append(errs, errors.New("message.content: must not be empty"))
	} else if n > MaxContentLength {
		errs = append(errs, fmt.Errorf("message.content: %d characters exceeds %d", n, MaxContentLength))
	}
	return errors.Join(errs...)
}

func validateUsername(field, name string) error {
	n := utf8.RuneCountInString(name)
	switch {
	case n == 0:
		return fmt.Errorf("%s: must not be empty", field)
	case n > MaxUsernameLength:
		return fmt.Errorf("%s: %d characters exceeds %d", field, n, MaxUsernameLength)
	}
	return nil
}

// Encode builds a packet: big-endian uint16 header length, header JSON, then
// body JSON. A nil body is omitted.
func Encode(h Header, body any) ([]byte, error) {
	head, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if len(head) > math.MaxUint16 {
		return nil, fmt.Errorf("header is %d bytes, limit %d", len(head), math.MaxUint16)
	}
	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", h.Command, err)
		}
	}
	w := bytebuf.NewWriter(binary.BigEndian, 2+len(head)+len(payload))
	w.AddUint16(uint16(len(head)))
	w.AddBuffer(head)
	w.AddBuffer(payload)
	return w.Bytes(), nil
}

// Decode splits packet into its header and raw body.
func Decode(packet []byte) (Header, []byte, error) {
	r := bytebuf.NewReader(packet, binary.BigEndian)
	size := r.Uint16()
	head := r.Buffer(int(size))
	if err := r.Err(); err != nil {
		return Header{}, nil, fmt.Errorf("%w: header length: %w", ErrMalformedPacket, err)
	}
	var h Header
	if err := json.Unmarshal(head, &h); err != nil {
		return Header{}, nil, fmt.Errorf("%w: header: %w", ErrMalformedPacket, err)
	}
	return h, r.Remain(), nil
}

// DecodeBody unmarshals a body into v. An empty body is reported as an error.
func DecodeBody(body []byte, v any) error {
	if len(body) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(body, v)
}
