package cloud

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventTypeDevice is the wire type attached to every trigger sent by an agent.
const EventTypeDevice = "DEVICE_EVENT"

// TriggerPayload is the JSON body posted to the trigger endpoint. Field names
// follow the server's camelCase convention.
type TriggerPayload struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Source     string         `json:"source"`
	DeviceID   string         `json:"deviceId"`
	UserID     *string        `json:"userId"`
	OccurredAt string         `json:"occurredAt"`
	Data       map[string]any `json:"data"`
}

// NewTriggerPayload builds a payload for a device-originated event. UserID is
// left null; device events carry no user identity.
func NewTriggerPayload(name string, data map[string]any, deviceID, source string) *TriggerPayload {
	if data == nil {
		data = map[string]any{}
	}
	return &TriggerPayload{
		ID:         uuid.NewString(),
		Type:       EventTypeDevice,
		Name:       name,
		Source:     source,
		DeviceID:   deviceID,
		OccurredAt: time.Now().UTC().Format(time.RFC3339Nano),
		Data:       data,
	}
}

// ToolTask is a tool invocation pushed by the server over the streaming
// channel.
type ToolTask struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters"`
}

// DecodeToolTask parses a streamed publication into a ToolTask. Unknown fields
// are ignored and missing fields default to empty values so that older server
// versions remain compatible.
func DecodeToolTask(data []byte) (*ToolTask, error) {
	var task ToolTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	if task.Parameters == nil {
		task.Parameters = map[string]any{}
	}
	return &task, nil
}

// tokenEnvelope wraps the token endpoint's response body.
type tokenEnvelope struct {
	Response tokenResponse `json:"response"`
}

type tokenResponse struct {
	ConnectionToken   string `json:"connectionToken"`
	SubscriptionToken string `json:"subscriptionToken"`
	Channel           string `json:"channel"`
	WSURL             string `json:"wsUrl"`
}

// clientFrame is a message sent to the streaming server. Exactly one command
// field is set; a frame with no fields is a ping reply.
type clientFrame struct {
	ID          int                 `json:"id,omitempty"`
	Connect     *connectRequest     `json:"connect,omitempty"`
	Subscribe   *subscribeRequest   `json:"subscribe,omitempty"`
	Unsubscribe *unsubscribeRequest `json:"unsubscribe,omitempty"`
}

type connectRequest struct {
	Token string `json:"token"`
}

type subscribeRequest struct {
	Channel string `json:"channel"`
	Token   string `json:"token"`
}

type unsubscribeRequest struct {
	Channel string `json:"channel"`
}

// serverFrame is a message received from the streaming server. Replies carry
// the ID of the command they answer; pushes carry no ID; an empty frame is a
// ping.
type serverFrame struct {
	ID        int              `json:"id,omitempty"`
	Error     *frameError      `json:"error,omitempty"`
	Connect   *connectResult   `json:"connect,omitempty"`
	Subscribe *subscribeResult `json:"subscribe,omitempty"`
	Push      *pushFrame       `json:"push,omitempty"`
}

type frameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type connectResult struct {
	Client  string `json:"client"`
	Version string `json:"version"`
}

type subscribeResult struct{}

type pushFrame struct {
	Channel string       `json:"channel"`
	Pub     *publication `json:"pub,omitempty"`
}

type publication struct {
	Data json.RawMessage `json:"data"`
}

func (f *serverFrame) isPing() bool {
	return f.ID == 0 && f.Error == nil && f.Connect == nil && f.Subscribe == nil && f.Push == nil
}
