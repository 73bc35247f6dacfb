package chatsync

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire format of every push channel frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const (
	typeAuthenticate  = "authenticate"
	typeAuthenticated = "authenticated"
	typeAuthError     = "auth_error"
	typeJoinRoom      = "join_room"
	typeLeaveRoom     = "leave_room"
	typeNewMessage    = "new_message"
	typeMessageStatus = "message_status"
	typeChannelStatus = "channel_status"
	typePing          = "ping"
	typePong          = "pong"
)

// ============================================================================
// Server -> client events
// ============================================================================

// ServerEvent is one of the events a server pushes to a client. The set is
// closed: AuthenticatedEvent, AuthErrorEvent, NewMessageEvent,
// MessageStatusEvent, ChannelStatusEvent and PongEvent.
type ServerEvent interface {
	EventType() string
	serverEvent()
}

type AuthenticatedEvent struct {
	Success bool `json:"success"`
}

type AuthErrorEvent struct {
	Reason string `json:"reason"`
}

type NewMessageEvent struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

type MessageStatusEvent struct {
	ConversationID string         `json:"conversationId,omitempty"`
	MessageID      string         `json:"messageId"`
	Status         DeliveryStatus `json:"status"`
}

// ChannelStatusEvent reports the state of the upstream messaging channel
// session (for example "connected" or "qr_required").
type ChannelStatusEvent struct {
	State string `json:"state"`
}

type PongEvent struct {
	RequestID string `json:"requestId,omitempty"`
}

func (AuthenticatedEvent) EventType() string { return typeAuthenticated }
func (AuthErrorEvent) EventType() string     { return typeAuthError }
func (NewMessageEvent) EventType() string    { return typeNewMessage }
func (MessageStatusEvent) EventType() string { return typeMessageStatus }
func (ChannelStatusEvent) EventType() string { return typeChannelStatus }
func (PongEvent) EventType() string          { return typePong }

func (AuthenticatedEvent) serverEvent() {}
func (AuthErrorEvent) serverEvent()     {}
func (NewMessageEvent) serverEvent()    {}
func (MessageStatusEvent) serverEvent() {}
func (ChannelStatusEvent) serverEvent() {}
func (PongEvent) serverEvent()          {}

// DecodeServerEvent parses a frame received from the server.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Type {
	case typeAuthenticated:
		return decodeAs[AuthenticatedEvent](env)
	case typeAuthError:
		return decodeAs[AuthErrorEvent](env)
	case typeNewMessage:
		var ev NewMessageEvent
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.ConversationID == "" {
			ev.ConversationID = ev.Message.ConversationID
		}
		if ev.Message.ConversationID == "" {
			ev.Message.ConversationID = ev.ConversationID
		}
		if ev.ConversationID == "" || ev.Message.ConversationID != ev.ConversationID {
			return nil, fmt.Errorf("%w: new_message conversation mismatch", ErrMalformedEvent)
		}
		if err := ev.Message.Validate(); err != nil {
			return nil, err
		}
		return ev, nil
	case typeMessageStatus:
		var ev MessageStatusEvent
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.MessageID == "" || ev.Status == "" {
			return nil, fmt.Errorf("%w: message_status without messageId or status", ErrMalformedEvent)
		}
		return ev, nil
	case typeChannelStatus:
		return decodeAs[ChannelStatusEvent](env)
	case typePong:
		return decodeAs[PongEvent](env)
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, env.Type)
	}
}

// ============================================================================
// Client -> server commands
// ============================================================================

// ClientCommand is one of the commands a client sends. The set is closed:
// AuthenticateCommand, JoinRoomCommand, LeaveRoomCommand and PingCommand.
type ClientCommand interface {
	EventType() string
	clientCommand()
}

type AuthenticateCommand struct {
	Credential     string `json:"credential"`
	ConversationID string `json:"conversationId,omitempty"`
}

type JoinRoomCommand struct {
	RoomID string `json:"roomId"`
}

type LeaveRoomCommand struct {
	RoomID string `json:"roomId"`
}

type PingCommand struct {
	RequestID string `json:"requestId,omitempty"`
}

func (AuthenticateCommand) EventType() string { return typeAuthenticate }
func (JoinRoomCommand) EventType() string     { return typeJoinRoom }
func (LeaveRoomCommand) EventType() string    { return typeLeaveRoom }
func (PingCommand) EventType() string         { return typePing }

func (AuthenticateCommand) clientCommand() {}
func (JoinRoomCommand) clientCommand()     {}
func (LeaveRoomCommand) clientCommand()    {}
func (PingCommand) clientCommand()         {}

// DecodeClientCommand parses a frame received from a client.
func DecodeClientCommand(data []byte) (ClientCommand, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Type {
	case typeAuthenticate:
		return decodeAs[AuthenticateCommand](env)
	case typeJoinRoom:
		var cmd JoinRoomCommand
		if err := decodePayload(env, &cmd); err != nil {
			return nil, err
		}
		if cmd.RoomID == "" {
			return nil, fmt.Errorf("%w: join_room without roomId", ErrMalformedEvent)
		}
		return cmd, nil
	case typeLeaveRoom:
		var cmd LeaveRoomCommand
		if err := decodePayload(env, &cmd); err != nil {
			return nil, err
		}
		if cmd.RoomID == "" {
			return nil, fmt.Errorf("%w: leave_room without roomId", ErrMalformedEvent)
		}
		return cmd, nil
	case typePing:
		return decodeAs[PingCommand](env)
	default:
		return nil, fmt.Errorf("%w: unknown command type %q", ErrMalformedEvent, env.Type)
	}
}

// ============================================================================
// Encoding
// ============================================================================

// Encode serializes a ServerEvent or ClientCommand into an envelope frame.
func Encode(v interface{ EventType() string }) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: v.EventType(), Payload: payload})
}

func decodeAs[T any](env Envelope) (T, error) {
	var v T
	if err := decodePayload(env, &v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

func decodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, env.Type, err)
	}
	return nil
}
