package room

import (
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/parley/internal/correlator"
	"github.com/codefionn/parley/internal/protocol"
	"github.com/codefionn/parley/internal/roster"
	"github.com/codefionn/parley/internal/tree"
)

// Facade is the surface handed to the UI layer. It never blocks on the
// network: commands hand back their correlation id immediately and the
// outcome arrives through a later snapshot.
type Facade struct {
	s *Session
}

// Snapshot is a consistent copy of everything a renderer needs. The
// slices are owned by the caller.
type Snapshot struct {
	State        State
	LastError    string
	Nick         string
	OwnSessionID protocol.SessionID
	Roster       []roster.Entry
	Messages     []tree.ViewMessage
	UnseenCount  int
	ReconnectAt  time.Time
	Notices      []Notice
}

// Connect asks the room to dial. It is how both the initial connection
// and a revival after Stop begin; it is a no-op while a socket exists.
func (f *Facade) Connect() error {
	return f.s.submit(intent{kind: intentConnect})
}

// Send posts a message, optionally threaded under parent. The returned
// id correlates the eventual reply; the message appears in snapshots
// once the server confirms it.
func (f *Facade) Send(content string, parent protocol.MessageID) (string, error) {
	return f.command(correlator.PurposeSend, protocol.Send{Content: content, Parent: parent})
}

// ChangeNick renames the active session.
func (f *Facade) ChangeNick(name string) (string, error) {
	return f.command(correlator.PurposeNick, protocol.Nick{Name: name})
}

func (f *Facade) command(purpose correlator.Purpose, cmd protocol.Command) (string, error) {
	f.s.mu.RLock()
	active := f.s.state == StateActive
	f.s.mu.RUnlock()
	if !active {
		return "", ErrNotConnected
	}

	id := f.s.corr.Submit(purpose)
	pkt, err := protocol.NewCommandPacket(id, cmd)
	if err != nil {
		f.s.corr.Resolve(id)
		return "", err
	}
	if err := f.s.submit(intent{kind: intentSendPacket, pkt: pkt, id: id}); err != nil {
		f.s.corr.Resolve(id)
		return "", err
	}
	return id, nil
}

// SupplyNick answers an awaiting-nick pause with a (corrected) name.
func (f *Facade) SupplyNick(name string) error {
	f.s.mu.RLock()
	waiting := f.s.state == StateAwaitingNick
	f.s.mu.RUnlock()
	if !waiting {
		return ErrNotConnected
	}
	return f.s.submit(intent{kind: intentSupplyNick, nick: name})
}

// FetchMoreHistory requests the next older page of the room log.
func (f *Facade) FetchMoreHistory() error {
	return f.s.submit(intent{kind: intentFetchHistory})
}

// MarkSeen marks a message read, optionally propagating to its
// ancestors or whole subtree, and advances the persistent marker.
func (f *Facade) MarkSeen(id protocol.MessageID, propagate tree.Propagate) error {
	return f.s.submit(intent{kind: intentMarkSeen, msgID: id, propagate: propagate})
}

// Fold collapses a message's subtree in future snapshots.
func (f *Facade) Fold(id protocol.MessageID) error {
	return f.s.submit(intent{kind: intentFold, msgID: id, folded: true})
}

// Unfold restores a collapsed subtree.
func (f *Facade) Unfold(id protocol.MessageID) error {
	return f.s.submit(intent{kind: intentFold, msgID: id, folded: false})
}

// ClearNotices dismisses all accumulated notices.
func (f *Facade) ClearNotices() error {
	return f.s.submit(intent{kind: intentClearNotices})
}

// Snapshot copies the current room state.
func (f *Facade) Snapshot() Snapshot {
	s := f.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		State:        s.state,
		LastError:    s.lastErr,
		Nick:         s.nick,
		OwnSessionID: s.ownSession.SessionID,
		Roster:       s.roster.Snapshot(),
		Messages:     s.tree.View(),
		UnseenCount:  s.tree.UnseenCount(),
		ReconnectAt:  s.reconnectAt,
	}
	snap.Notices = append(snap.Notices, s.notices...)
	return snap
}

// Subscribe registers for change notifications. The channel carries at
// most one pending signal; coalesced updates are intended, the
// subscriber re-reads via Snapshot.
func (f *Facade) Subscribe() (string, <-chan struct{}) {
	token := uuid.NewString()
	ch := make(chan struct{}, 1)
	f.s.subMu.Lock()
	f.s.subs[token] = ch
	f.s.subMu.Unlock()
	return token, ch
}

// Unsubscribe drops a subscription by its token.
func (f *Facade) Unsubscribe(token string) {
	f.s.subMu.Lock()
	delete(f.s.subs, token)
	f.s.subMu.Unlock()
}

// notifyLocked signals every subscriber that a snapshot would differ.
// Callers hold s.mu; the send never blocks.
func (s *Session) notifyLocked() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
