package room

import (
	"context"
	"fmt"
	"time"

	"github.com/codefionn/parley/internal/correlator"
	"github.com/codefionn/parley/internal/protocol"
	"github.com/codefionn/parley/internal/tree"
)

type intentKind int

const (
	intentConnect intentKind = iota
	intentSendPacket
	intentSupplyNick
	intentFetchHistory
	intentMarkSeen
	intentFold
	intentClearNotices
)

// intent is one facade request crossing into the room task. Command
// packets arrive prebuilt because their correlation id was already
// handed back to the caller.
type intent struct {
	kind intentKind

	pkt *protocol.Packet
	id  string

	nick      string
	msgID     protocol.MessageID
	propagate tree.Propagate
	folded    bool
}

func (s *Session) handleIntent(ctx context.Context, in intent) time.Duration {
	switch in.kind {
	case intentConnect:
		return s.handleConnectIntent(ctx)

	case intentSendPacket:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.socket == nil || s.state != StateActive {
			if p, ok := s.corr.Resolve(in.id); ok {
				s.noticeLocked(fmt.Sprintf("%s: connection reset", p.Purpose))
				s.notifyLocked()
			}
			return 0
		}
		if err := s.socket.Send(in.pkt); err != nil {
			return s.disconnectLocked(err)
		}

	case intentSupplyNick:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != StateAwaitingNick {
			return 0
		}
		s.nick = in.nick
		s.lastErr = ""
		return s.identifyLocked()

	case intentFetchHistory:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != StateActive {
			return 0
		}
		id := s.corr.Submit(correlator.PurposeLog)
		cmd := protocol.Log{N: s.opts.HistoryPageSize}
		if before, _, ok := s.tree.OldestLoaded(); ok {
			cmd.Before = before
		}
		if err := s.sendLocked(id, cmd); err != nil {
			return s.disconnectLocked(err)
		}

	case intentMarkSeen:
		s.mu.Lock()
		defer s.mu.Unlock()
		s.tree.MarkSeen(in.msgID, in.propagate)
		if in.msgID > s.lastSeen {
			s.lastSeen = in.msgID
			if s.opts.Store != nil {
				if err := s.opts.Store.SetLastSeen(s.roomKey, in.msgID); err != nil {
					s.noticeLocked(fmt.Sprintf("store: %v", err))
				}
			}
		}
		s.notifyLocked()

	case intentFold:
		s.mu.Lock()
		defer s.mu.Unlock()
		if in.folded {
			s.tree.Fold(in.msgID)
		} else {
			s.tree.Unfold(in.msgID)
		}
		s.notifyLocked()

	case intentClearNotices:
		s.mu.Lock()
		defer s.mu.Unlock()
		s.notices = nil
		s.notifyLocked()
	}
	return 0
}

// handleConnectIntent starts a dial if the room is idle. An explicit
// connect also revives a stopped room and resets the backoff curve.
func (s *Session) handleConnectIntent(ctx context.Context) time.Duration {
	s.mu.Lock()
	switch s.state {
	case StateDisconnected, StateStopped:
		s.state = StateDisconnected
		s.attempts = 0
		s.reconnectAt = time.Time{}
		s.mu.Unlock()
		return s.connect(ctx)
	default:
		s.mu.Unlock()
		return 0
	}
}

// submit enqueues an intent without blocking the caller.
func (s *Session) submit(in intent) error {
	select {
	case s.intents <- in:
		return nil
	case <-s.done:
		return ErrStopped
	default:
		return ErrBusy
	}
}
