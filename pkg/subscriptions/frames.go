package subscriptions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

// MessageType is the type discriminant of a frame.
type MessageType string

// Inbound message types.
const (
	TypeInit              MessageType = "init"
	TypeSubscriptionStart MessageType = "subscription_start"
	TypeSubscriptionEnd   MessageType = "subscription_end"
)

// Outbound message types.
const (
	TypeInitSuccess         MessageType = "init_success"
	TypeInitFail            MessageType = "init_fail"
	TypeSubscriptionSuccess MessageType = "subscription_success"
	TypeSubscriptionFail    MessageType = "subscription_fail"
	TypeSubscriptionData    MessageType = "subscription_data"
	TypeKeepAlive           MessageType = "keepalive"
)

// Liveness notifications sent on transport connect and disconnect.
const (
	NoticeConnected    = "connected"
	NoticeDisconnected = "disconnected"
)

// ID is a client-chosen subscription id. It may be any JSON scalar and is
// echoed back exactly as received. The zero value is a null id.
type ID []byte

// IDFromString returns a string id.
func IDFromString(s string) ID {
	b, _ := json.Marshal(s)
	return ID(b)
}

// IDFromInt returns a numeric id.
func IDFromInt(n int) ID {
	return ID(strconv.Itoa(n))
}

// IsNull reports whether the id is absent or JSON null.
func (id ID) IsNull() bool {
	return len(id) == 0 || bytes.Equal(id, []byte("null"))
}

// Key returns the id's table-key form: the unquoted value for JSON strings,
// the literal JSON text for anything else.
func (id ID) Key() string {
	if id.IsNull() {
		return ""
	}
	if id[0] == '"' {
		var s string
		if err := json.Unmarshal(id, &s); err == nil {
			return s
		}
	}
	return string(id)
}

// String implements fmt.Stringer.
func (id ID) String() string {
	if id.IsNull() {
		return "null"
	}
	return id.Key()
}

// MarshalJSON writes the id exactly as received.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsNull() {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

// UnmarshalJSON keeps the raw id bytes.
func (id *ID) UnmarshalJSON(data []byte) error {
	*id = append((*id)[:0], data...)
	return nil
}

// Message is a decoded inbound frame. Body fields stay raw so that a missing
// field can be told apart from an explicit null.
type Message struct {
	Type          MessageType     `json:"type"`
	ID            ID              `json:"id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Query         json.RawMessage `json:"query,omitempty"`
	Variables     json.RawMessage `json:"variables,omitempty"`
	OperationName json.RawMessage `json:"operationName,omitempty"`

	// LegacyOperationName is the snake_case spelling older clients send.
	LegacyOperationName json.RawMessage `json:"operation_name,omitempty"`
}

// ParseMessage decodes one inbound frame. The body must be a JSON object.
func ParseMessage(raw []byte) (*Message, error) {
	if body := bytes.TrimSpace(raw); len(body) == 0 || body[0] != '{' {
		return nil, errors.New("decode message: frame is not a JSON object")
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// idFrame is the envelope for frames addressed to one subscription. The id
// field is always present, null when the client sent none.
type idFrame struct {
	Type    MessageType `json:"type"`
	ID      ID          `json:"id"`
	Payload any         `json:"payload,omitempty"`
	Room    string      `json:"room,omitempty"`
}

// failFrame always carries the payload field, even for an empty reason.
type failFrame struct {
	Type    MessageType `json:"type"`
	ID      ID          `json:"id"`
	Payload string      `json:"payload"`
}

// initFrame always carries the payload field, null on success.
type initFrame struct {
	Type    MessageType `json:"type"`
	Payload *string     `json:"payload"`
}

type dataPayload struct {
	Data any `json:"data"`
}

type errorsPayload struct {
	Errors gqlerror.List `json:"errors"`
}

// EncodeSubscriptionData builds a subscription_data frame routed to room.
// A non-nil errs produces an {errors} payload, otherwise {data}.
func EncodeSubscriptionData(id ID, data any, errs gqlerror.List, room string) ([]byte, error) {
	var payload any = dataPayload{Data: data}
	if errs != nil {
		payload = errorsPayload{Errors: errs}
	}
	return json.Marshal(idFrame{
		Type:    TypeSubscriptionData,
		ID:      id,
		Payload: payload,
		Room:    room,
	})
}

// EncodeSubscriptionFail builds a subscription_fail frame with the error text.
func EncodeSubscriptionFail(id ID, reason string) ([]byte, error) {
	return json.Marshal(failFrame{
		Type:    TypeSubscriptionFail,
		ID:      id,
		Payload: reason,
	})
}

// EncodeSubscriptionSuccess builds a subscription_success frame.
func EncodeSubscriptionSuccess(id ID) ([]byte, error) {
	return json.Marshal(idFrame{
		Type: TypeSubscriptionSuccess,
		ID:   id,
	})
}

// EncodeInitResult builds an init_success frame when reason is nil and an
// init_fail frame carrying the reason otherwise.
func EncodeInitResult(reason error) ([]byte, error) {
	if reason == nil {
		return json.Marshal(initFrame{Type: TypeInitSuccess})
	}
	text := reason.Error()
	return json.Marshal(initFrame{Type: TypeInitFail, Payload: &text})
}

// EncodeKeepAlive builds a keepalive frame.
func EncodeKeepAlive() ([]byte, error) {
	return json.Marshal(struct {
		Type MessageType `json:"type"`
	}{Type: TypeKeepAlive})
}

// EncodeNotice builds a plain liveness notification such as {"data":"connected"}.
func EncodeNotice(notice string) ([]byte, error) {
	return json.Marshal(map[string]string{"data": notice})
}
