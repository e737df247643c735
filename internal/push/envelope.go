package push

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// MessageType is the envelope type of a push message.
type MessageType string

const (
	TypeStatus MessageType = "status"
	TypeInfo   MessageType = "info"
)

// ErrMalformedEnvelope is returned for push frames that cannot be parsed.
var ErrMalformedEnvelope = errors.New("malformed push envelope")

// Message is one decoded push frame.
type Message struct {
	NodeID string
	Type   MessageType
	Data   json.RawMessage
}

// Known reports whether the runtime handles messages of this type.
func (t MessageType) Known() bool {
	return t == TypeStatus || t == TypeInfo
}

type envelope struct {
	NodeID nodeID          `json:"nodeId"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

// nodeID accepts both JSON strings and numbers; the server is not
// consistent about which one it sends.
type nodeID string

func (n *nodeID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = nodeID(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return fmt.Errorf("node id: %w", err)
	}
	if _, err := strconv.ParseFloat(num.String(), 64); err != nil {
		return fmt.Errorf("node id: %w", err)
	}
	*n = nodeID(num.String())
	return nil
}

// ParseEnvelope decodes a raw push frame of the form
// {"nodeId": ..., "type": ..., "data": ...}.
func ParseEnvelope(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.NodeID == "" {
		return Message{}, fmt.Errorf("%w: missing nodeId", ErrMalformedEnvelope)
	}
	if env.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return Message{NodeID: string(env.NodeID), Type: MessageType(env.Type), Data: env.Data}, nil
}
