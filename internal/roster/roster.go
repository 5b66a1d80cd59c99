// Package roster derives the set of currently present users from
// session join/part/rename events. Presence is connection-scoped: the
// room session clears the roster on every disconnect and rebuilds it
// from the next snapshot or who reply.
package roster

import (
	"sort"

	"github.com/codefionn/parley/internal/protocol"
)

// Entry is one present user in a deterministic snapshot. A user with
// several concurrent sessions appears once with Sessions > 1.
type Entry struct {
	UserID   protocol.UserID
	Nick     string
	Sessions int
}

// Roster tracks live sessions keyed by session ID. It is owned by the
// room loop and not safe for concurrent use; the facade only ever sees
// copies produced by Snapshot.
type Roster struct {
	sessions map[protocol.SessionID]protocol.SessionView
}

// New creates an empty roster.
func New() *Roster {
	return &Roster{sessions: make(map[protocol.SessionID]protocol.SessionView)}
}

// ApplyJoin records a session entering the room.
func (r *Roster) ApplyJoin(s protocol.SessionView) {
	r.sessions[s.SessionID] = s
}

// ApplyPart removes a session. Unknown sessions are ignored.
func (r *Roster) ApplyPart(id protocol.SessionID) {
	delete(r.sessions, id)
}

// ApplyNick renames a session. A rename for an unknown session is
// treated as an implicit join under the new nick, so a missed join
// event or stale bulk snapshot cannot make the roster lie about who is
// talking.
func (r *Roster) ApplyNick(ev *protocol.NickEvent) {
	s, ok := r.sessions[ev.SessionID]
	if !ok {
		s = protocol.SessionView{SessionID: ev.SessionID, UserID: ev.UserID}
	}
	s.Nick = ev.To
	r.sessions[ev.SessionID] = s
}

// ReplaceAll swaps the whole roster for a bulk listing (who reply or
// join snapshot). Replaying the same listing is idempotent.
func (r *Roster) ReplaceAll(listing []protocol.SessionView) {
	r.sessions = make(map[protocol.SessionID]protocol.SessionView, len(listing))
	for _, s := range listing {
		r.sessions[s.SessionID] = s
	}
}

// DropEra removes every session from a partitioned server era.
func (r *Roster) DropEra(serverID, serverEra string) {
	for id, s := range r.sessions {
		if s.ServerID == serverID && s.ServerEra == serverEra {
			delete(r.sessions, id)
		}
	}
}

// Clear drops all sessions.
func (r *Roster) Clear() {
	r.sessions = make(map[protocol.SessionID]protocol.SessionView)
}

// Len returns the number of live sessions.
func (r *Roster) Len() int {
	return len(r.sessions)
}

// Snapshot groups live sessions by user and orders entries by nickname,
// then user ID. A user's displayed nick is the nick of their
// lowest-numbered session, so repeated snapshots of the same state are
// identical.
func (r *Roster) Snapshot() []Entry {
	type group struct {
		nick      string
		sessionID protocol.SessionID
		count     int
	}
	groups := make(map[protocol.UserID]group)
	for id, s := range r.sessions {
		g, ok := groups[s.UserID]
		if !ok || id < g.sessionID {
			g.nick = s.Nick
			g.sessionID = id
		}
		g.count++
		groups[s.UserID] = g
	}

	entries := make([]Entry, 0, len(groups))
	for userID, g := range groups {
		entries = append(entries, Entry{UserID: userID, Nick: g.nick, Sessions: g.count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Nick != entries[j].Nick {
			return entries[i].Nick < entries[j].Nick
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}
