package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudio  MessageType = "audio"
	TypeClientEnd    MessageType = "end"
	TypeReady        MessageType = "ready"
	TypeServerAudio  MessageType = "audio"
	TypeTurnComplete MessageType = "turnComplete"
	TypeInterrupted  MessageType = "interrupted"
	TypeErrorEvent   MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudio carries one base64 chunk of compressed recorder audio.
type ClientAudio struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

// ClientEnd asks the server to finish the session cleanly.
type ClientEnd struct {
	Type MessageType `json:"type"`
}

type Ready struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// ServerAudio carries one playable model audio fragment.
type ServerAudio struct {
	Type     MessageType `json:"type"`
	Data     string      `json:"data"`
	MimeType string      `json:"mimeType"`
}

type TurnComplete struct {
	Type MessageType `json:"type"`
}

type Interrupted struct {
	Type MessageType `json:"type"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// ParseClientMessage decodes and validates one client-to-server payload.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudio:
		var msg ClientAudio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, errors.New("invalid audio message: empty data")
		}
		return msg, nil
	case TypeClientEnd:
		return ClientEnd{Type: TypeClientEnd}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
