package protocol

import (
	"encoding/json"
	"fmt"
)

// Packet is the envelope around every command, reply and event. A
// packet carrying an ID is either a command or the reply to one; an
// event has no ID (except ping events, which echo theirs back).
type Packet struct {
	ID    string          `json:"id,omitempty"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo contains error details attached to a reply
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reply error codes the session state machine dispatches on.
const (
	// ErrCodeBadRoom means the room name was rejected; terminal.
	ErrCodeBadRoom = "bad-room"
	// ErrCodeBadNick means only the nickname was rejected; the caller
	// may submit a corrected one without reconnecting.
	ErrCodeBadNick = "bad-nick"
	// ErrCodeAuthRequired means the identity itself was refused; terminal.
	ErrCodeAuthRequired = "auth-required"
)

// ServerError is a reply-level failure reported by the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Err converts the packet's error field into a ServerError, or nil.
func (p *Packet) Err() error {
	if p.Error == nil {
		return nil
	}
	return &ServerError{Code: p.Error.Code, Message: p.Error.Message}
}

// Packet types. The set is closed: DecodeEvent and DecodeReply match
// exhaustively and report unknown types as errors instead of guessing.
const (
	// Commands and their replies
	TypeJoin          = "join"
	TypeJoinReply     = "join-reply"
	TypeIdentify      = "identify"
	TypeIdentifyReply = "identify-reply"
	TypeSend          = "send"
	TypeSendReply     = "send-reply"
	TypeNick          = "nick"
	TypeNickReply     = "nick-reply"
	TypeWho           = "who"
	TypeWhoReply      = "who-reply"
	TypeLog           = "log"
	TypeLogReply      = "log-reply"
	TypePingReply     = "ping-reply"

	// Server-pushed events
	TypeHelloEvent      = "hello-event"
	TypeSnapshotEvent   = "snapshot-event"
	TypeBounceEvent     = "bounce-event"
	TypeJoinEvent       = "join-event"
	TypePartEvent       = "part-event"
	TypeNickEvent       = "nick-event"
	TypeSendEvent       = "send-event"
	TypeEditEvent       = "edit-message-event"
	TypeDeleteEvent     = "delete-event"
	TypeNetworkEvent    = "network-event"
	TypePingEvent       = "ping-event"
	TypeDisconnectEvent = "disconnect-event"
)

// Command is an outbound request. The session assigns the packet ID;
// commands only know their type and payload.
type Command interface {
	CommandType() string
}

// Join selects the room to participate in.
type Join struct {
	Room string `json:"room"`
}

func (Join) CommandType() string { return TypeJoin }

// Identify claims a nickname, optionally unlocking a private room.
type Identify struct {
	Nick     string `json:"name"`
	Password string `json:"password,omitempty"`
}

func (Identify) CommandType() string { return TypeIdentify }

// Send posts a message, optionally as a child of an existing one.
type Send struct {
	Content string    `json:"content"`
	Parent  MessageID `json:"parent,omitempty"`
}

func (Send) CommandType() string { return TypeSend }

// Nick changes the current nickname.
type Nick struct {
	Name string `json:"name"`
}

func (Nick) CommandType() string { return TypeNick }

// Who requests a full roster snapshot.
type Who struct{}

func (Who) CommandType() string { return TypeWho }

// Log requests up to N messages strictly older than Before. An empty
// Before asks for the newest slice of history.
type Log struct {
	N      int       `json:"n"`
	Before MessageID `json:"before,omitempty"`
}

func (Log) CommandType() string { return TypeLog }

// PingReply answers a server ping-event with the echoed time.
type PingReply struct {
	Time Time `json:"time"`
}

func (PingReply) CommandType() string { return TypePingReply }

// Event is a decoded server-pushed packet.
type Event interface {
	EventType() string
}

// HelloEvent announces the server's view of our own session.
type HelloEvent struct {
	Session SessionView `json:"session"`
}

func (HelloEvent) EventType() string { return TypeHelloEvent }

/// SnapshotEvent completes the join: it carries the current roster
// listing, the most recent slice of the room log, and the nickname the
// server remembers for us, if any.
type SnapshotEvent struct {
	Nick    string        `json:"nick,omitempty"`
	Listing []SessionView `json:"listing"`
	Log     []Message     `json:"log"`
}

func (SnapshotEvent) EventType() string { return TypeSnapshotEvent }

// BounceEvent means the room requires authentication before joining.
type BounceEvent struct {
	Reason string `json:"reason,omitempty"`
}

func (BounceEvent) EventType() string { return TypeBounceEvent }

// JoinEvent announces a session entering the room.
type JoinEvent struct {
	Session SessionView `json:"session"`
}

func (JoinEvent) EventType() string { return TypeJoinEvent }

// PartEvent announces a session leaving the room.
type PartEvent struct {
	Session SessionView `json:"session"`
}

func (PartEvent) EventType() string { return TypePartEvent }

// NickEvent announces a nickname change of another session.
type NickEvent struct {
	SessionID SessionID `json:"session_id"`
	UserID    UserID    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
}

func (NickEvent) EventType() string { return TypeNickEvent }

// SendEvent carries a freshly posted message.
type SendEvent struct {
	Message Message `json:"message"`
}

func (SendEvent) EventType() string { return TypeSendEvent }

// EditEvent carries the new state of an edited or deleted message.
type EditEvent struct {
	Message Message `json:"message"`
}

func (EditEvent) EventType() string { return TypeEditEvent }

// DeleteEvent announces a message retraction.
type DeleteEvent struct {
	ID      MessageID `json:"id"`
	Deleted Time      `json:"deleted"`
}

func (DeleteEvent) EventType() string { return TypeDeleteEvent }

// NetworkEvent reports a server-side partition; all sessions from the
// named server era are gone.
type NetworkEvent struct {
	Type      string `json:"type"`
	ServerID  string `json:"server_id"`
	ServerEra string `json:"server_era"`
}

func (NetworkEvent) EventType() string { return TypeNetworkEvent }

// PingEvent is the server keepalive; it expects a PingReply echoing
// the same time under the same packet ID.
type PingEvent struct {
	Time Time `json:"time"`
}

func (PingEvent) EventType() string { return TypePingEvent }

// DisconnectEvent tells the client the server is about to drop it.
type DisconnectEvent struct {
	Reason string `json:"reason"`
}

func (DisconnectEvent) EventType() string { return TypeDisconnectEvent }

// IsEvent reports whether the packet type names a server-pushed event.
func (p *Packet) IsEvent() bool {
	switch p.Type {
	case TypeHelloEvent, TypeSnapshotEvent, TypeBounceEvent, TypeJoinEvent,
		TypePartEvent, TypeNickEvent, TypeSendEvent, TypeEditEvent,
		TypeDeleteEvent, TypeNetworkEvent, TypePingEvent, TypeDisconnectEvent:
		return true
	}
	return false
}

// IsReply reports whether the packet is a reply to a command.
func (p *Packet) IsReply() bool {
	switch p.Type {
	case TypeJoinReply, TypeIdentifyReply, TypeSendReply, TypeNickReply,
		TypeWhoReply, TypeLogReply:
		return true
	}
	return false
}

// DecodeEvent parses the payload of a server-pushed packet. Unknown
// types are an error so malformed traffic gets logged, not dropped
// silently.
func DecodeEvent(p *Packet) (Event, error) {
	var ev Event
	switch p.Type {
	case TypeHelloEvent:
		ev = &HelloEvent{}
	case TypeSnapshotEvent:
		ev = &SnapshotEvent{}
	case TypeBounceEvent:
		ev = &BounceEvent{}
	case TypeJoinEvent:
		ev = &JoinEvent{}
	case TypePartEvent:
		ev = &PartEvent{}
	case TypeNickEvent:
		ev = &NickEvent{}
	case TypeSendEvent:
		ev = &SendEvent{}
	case TypeEditEvent:
		ev = &EditEvent{}
	case TypeDeleteEvent:
		ev = &DeleteEvent{}
	case TypeNetworkEvent:
		ev = &NetworkEvent{}
	case TypePingEvent:
		ev = &PingEvent{}
	case TypeDisconnectEvent:
		ev = &DisconnectEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", p.Type)
	}
	if len(p.Data) > 0 {
		if err := json.Unmarshal(p.Data, ev); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", p.Type, err)
		}
	}
	return ev, nil
}

// Reply payloads, decoded by the session according to the purpose the
// correlator hands back.

// SendReply confirms a posted message with its server-assigned fields.
type SendReply struct {
	Message Message `json:"message"`
}

// NickReply confirms a nickname change.
type NickReply struct {
	SessionID SessionID `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
}

// WhoReply carries a full roster snapshot.
type WhoReply struct {
	Listing []SessionView `json:"listing"`
}

// LogReply carries a batch of history strictly older than Before.
type LogReply struct {
	Log    []Message `json:"log"`
	Before MessageID `json:"before,omitempty"`
}

// IdentifyReply confirms the nickname applied at identify time.
type IdentifyReply struct {
	SessionID SessionID `json:"session_id"`
	Nick      string    `json:"name"`
}

// NewCommandPacket wraps a command and its assigned ID in an envelope.
func NewCommandPacket(id string, cmd Command) (*Packet, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s command: %w", cmd.CommandType(), err)
	}
	return &Packet{ID: id, Type: cmd.CommandType(), Data: data}, nil
}
