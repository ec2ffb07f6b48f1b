package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Wire events. Client → server events are processed; server → client events are emitted.
const (
	EventConnected            = "colony:connected"
	EventEntityUpdate         = "entity:update"
	EventEntityUpdated        = "entity:updated"
	EventNotificationSend     = "notification:send"
	EventNotificationReceived = "notification:received"
	EventJoinChannel          = "join_channel"
	EventLeaveChannel         = "leave_channel"
	EventError                = "error"
)

const GlobalFeed = "global_feed"

const maxChannelName = 64

var ErrInvalidPayload = errors.New("invalid payload")

// Frame is the envelope of every websocket text message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ConnectedPayload struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	SocketID  string `json:"socketId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// EntityUpdate is the validated view of an entity:update payload.
// The raw payload is what gets relayed.
type EntityUpdate struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	UpdateData json.RawMessage `json:"updateData"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: expected object", ErrInvalidPayload)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return obj, nil
}

func requiredString(obj map[string]json.RawMessage, field string) (string, error) {
	v, ok := obj[field]
	if !ok {
		return "", fmt.Errorf("%w: %s required", ErrInvalidPayload, field)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidPayload, field)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %s required", ErrInvalidPayload, field)
	}
	return s, nil
}

func ParseEntityUpdate(raw json.RawMessage) (EntityUpdate, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return EntityUpdate{}, err
	}
	var u EntityUpdate
	if u.EntityType, err = requiredString(obj, "entityType"); err != nil {
		return EntityUpdate{}, err
	}
	if u.EntityID, err = requiredString(obj, "entityId"); err != nil {
		return EntityUpdate{}, err
	}
	u.UpdateData = obj["updateData"]
	return u, nil
}

// ValidateNotification only requires a JSON object; its fields are free-form.
func ValidateNotification(raw json.RawMessage) error {
	_, err := decodeObject(raw)
	return err
}

func ParseChannel(raw json.RawMessage) (string, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", fmt.Errorf("%w: channel must be a string", ErrInvalidPayload)
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxChannelName {
		return "", fmt.Errorf("%w: bad channel name", ErrInvalidPayload)
	}
	return name, nil
}

// isoTimestamp matches JavaScript's Date.toISOString.
func isoTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
