package protocol

import (
	"encoding/json"
	"time"
)

// MessageID is a server-assigned message identifier. IDs are opaque
// strings whose lexicographic order matches arrival order, so they
// double as the tie-breaker when two messages share a timestamp.
type MessageID string

// SessionID identifies one live connection of a participant. A person
// holding two clients at once holds two session IDs.
type SessionID string

// UserID identifies a person across all of their sessions.
type UserID string

// Time is a unix-seconds timestamp on the wire.
type Time struct {
	time.Time
}

// Now returns the current time truncated to wire precision.
func Now() Time {
	return Time{time.Now().UTC().Truncate(time.Second)}
}

// FromUnix builds a Time from unix seconds.
func FromUnix(sec int64) Time {
	return Time{time.Unix(sec, 0).UTC()}
}

// MarshalJSON encodes the time as unix seconds
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Unix())
}

// UnmarshalJSON decodes unix seconds
func (t *Time) UnmarshalJSON(data []byte) error {
	var sec int64
	if err := json.Unmarshal(data, &sec); err != nil {
		return err
	}
	t.Time = time.Unix(sec, 0).UTC()
	return nil
}

// SessionView describes a participant's session as the server sees it.
type SessionView struct {
	SessionID SessionID `json:"session_id"`
	UserID    UserID    `json:"id"`
	Nick      string    `json:"name"`
	ServerID  string    `json:"server_id,omitempty"`
	ServerEra string    `json:"server_era,omitempty"`
}

// Message is one node in a room's log. Immutable on the wire; the
// Edited and Deleted timestamps are soft retraction state.
type Message struct {
	ID      MessageID   `json:"id"`
	Parent  MessageID   `json:"parent,omitempty"`
	Time    Time        `json:"time"`
	Sender  SessionView `json:"sender"`
	Content string      `json:"content"`
	Edited  *Time       `json:"edited,omitempty"`
	Deleted *Time       `json:"deleted,omitempty"`
}
