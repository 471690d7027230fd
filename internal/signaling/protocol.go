// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package signaling

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ErrInvalidPayload is reported to the sender only; the frame is never relayed.
var ErrInvalidPayload = errors.New("invalid payload")

// Inbound events.
const (
	EventAuthenticate = "authenticate"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice_candidate"
	EventICEFailed    = "ice_failed"
)

// Outbound events.
const (
	EventAuthenticated   = "authenticated"
	EventJoined          = "joined"
	EventRelayedICE      = "ice-candidate"
	EventUseRustDesk     = "use_rustdesk"
	EventRustDeskPause   = "rustdesk_pause"
	EventFallbackEnded   = "fallback_ended"
	EventResourceWarning = "resource_warning"
	EventIoTCommand      = "iot_command"
	EventError           = "error"
)

// relayedAs maps relayable inbound events to the name members receive.
var relayedAs = map[string]string{
	EventOffer:        EventOffer,
	EventAnswer:       EventAnswer,
	EventICECandidate: EventRelayedICE,
}

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type authenticatePayload struct {
	DID   string `json:"did"`
	Token string `json:"token,omitempty"`
}

type roomPayload struct {
	Room string `json:"room"`
}

// JoinedPayload is the reply to join_room.
type JoinedPayload struct {
	Room       string             `json:"room"`
	ICEServers []webrtc.ICEServer `json:"ice_servers"`
}

// ErrorPayload is sent to a single connection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// roomOf extracts a non-empty room from data.
func roomOf(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", ErrInvalidPayload
	}
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", ErrInvalidPayload
	}
	room := strings.TrimSpace(p.Room)
	if room == "" {
		return "", ErrInvalidPayload
	}
	return room, nil
}

// encode builds a frame. Payloads that are already raw JSON are kept verbatim.
func encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		env.Data = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		env.Data = b
	}
	return json.Marshal(env)
}
