package room

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/codefionn/parley/internal/correlator"
	"github.com/codefionn/parley/internal/protocol"
	"github.com/codefionn/parley/internal/tree"
)

// handlePacket routes one packet from the socket: replies resolve
// through the correlator, events update roster/tree. Malformed or
// unknown traffic is logged and discarded, never fatal to the room.
func (s *Session) handlePacket(pkt *protocol.Packet) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case pkt.IsReply():
		pending, ok := s.corr.Resolve(pkt.ID)
		if !ok {
			s.log.Warn("discarding reply %s (%s): unknown or stale command id", pkt.ID, pkt.Type)
			return 0
		}
		return s.handleReplyLocked(pending, pkt)

	case pkt.IsEvent():
		ev, err := protocol.DecodeEvent(pkt)
		if err != nil {
			s.log.Warn("discarding packet: %v", err)
			return 0
		}
		return s.handleEventLocked(pkt, ev)

	default:
		s.log.Warn("discarding packet of unexpected type %q", pkt.Type)
		return 0
	}
}

func (s *Session) handleReplyLocked(pending correlator.Pending, pkt *protocol.Packet) time.Duration {
	switch pending.Purpose {
	case correlator.PurposeJoin:
		if err := pkt.Err(); err != nil {
			// An invalid room name will not become valid by retrying.
			s.stopLocked(fmt.Sprintf("room rejected: %v", err))
			return 0
		}
		// The join is acknowledged; hello and snapshot events complete
		// the handshake.

	case correlator.PurposeIdentify:
		return s.handleIdentifyReplyLocked(pkt)

	case correlator.PurposeWho:
		var reply protocol.WhoReply
		if !s.decodeReplyLocked(pkt, pending, &reply) {
			return 0
		}
		s.roster.ReplaceAll(reply.Listing)
		s.notifyLocked()

	case correlator.PurposeSend:
		var reply protocol.SendReply
		if !s.decodeReplyLocked(pkt, pending, &reply) {
			return 0
		}
		s.insertLocked(reply.Message, true)
		s.notifyLocked()

	case correlator.PurposeLog:
		var reply protocol.LogReply
		if !s.decodeReplyLocked(pkt, pending, &reply) {
			return 0
		}
		for _, m := range reply.Log {
			s.insertLocked(m, false)
		}
		s.log.Debug("backfilled %d messages", len(reply.Log))
		// A full page means more history above; a short one is the top
		// of the room.
		if len(reply.Log) >= s.opts.HistoryPageSize {
			if err := s.maybeBackfillLocked(); err != nil {
				return s.disconnectLocked(err)
			}
		}
		s.notifyLocked()

	case correlator.PurposeNick:
		var reply protocol.NickReply
		if !s.decodeReplyLocked(pkt, pending, &reply) {
			return 0
		}
		s.nick = reply.To
		s.ownSession.Nick = reply.To
		s.notifyLocked()
	}
	return 0
}

// decodeReplyLocked unwraps a reply payload, surfacing server errors
// and malformed payloads as notices.
func (s *Session) decodeReplyLocked(pkt *protocol.Packet, pending correlator.Pending, into interface{}) bool {
	if err := pkt.Err(); err != nil {
		s.log.Warn("%s failed: %v", pending.Purpose, err)
		s.noticeLocked(fmt.Sprintf("%s: %v", pending.Purpose, err))
		s.notifyLocked()
		return false
	}
	if err := json.Unmarshal(pkt.Data, into); err != nil {
		s.log.Warn("malformed %s payload: %v", pkt.Type, err)
		return false
	}
	return true
}

func (s *Session) handleIdentifyReplyLocked(pkt *protocol.Packet) time.Duration {
	if err := pkt.Err(); err != nil {
		if serr, ok := err.(*protocol.ServerError); ok && serr.Code == protocol.ErrCodeBadNick {
			// Recoverable: keep the socket, ask the caller for a
			// corrected nickname.
			s.lastErr = serr.Error()
			s.state = StateAwaitingNick
			s.notifyLocked()
			return 0
		}
		s.stopLocked(fmt.Sprintf("identity rejected: %v", err))
		return 0
	}

	var reply protocol.IdentifyReply
	if len(pkt.Data) > 0 {
		if err := json.Unmarshal(pkt.Data, &reply); err != nil {
			s.log.Warn("malformed identify reply: %v", err)
		}
	}
	if reply.Nick != "" {
		s.nick = reply.Nick
	}
	s.ownSession.Nick = s.nick
	s.lastErr = ""
	s.state = StateActive
	s.attempts = 0
	s.log.Info("active as %q", s.nick)

	// Refresh the roster; the snapshot listing may predate us.
	id := s.corr.Submit(correlator.PurposeWho)
	if err := s.sendLocked(id, protocol.Who{}); err != nil {
		return s.disconnectLocked(err)
	}
	if err := s.maybeBackfillLocked(); err != nil {
		return s.disconnectLocked(err)
	}
	s.notifyLocked()
	return 0
}

// maybeBackfillLocked pulls the next older history page while the
// local copy is short of the hydrate cap. An empty tree has no cursor
// to page from, so a freshly created room fills via the snapshot log
// and live events only.
func (s *Session) maybeBackfillLocked() error {
	if s.state != StateActive || s.tree.Len() >= s.opts.HydrateLimit {
		return nil
	}
	before, _, ok := s.tree.OldestLoaded()
	if !ok {
		return nil
	}
	id := s.corr.Submit(correlator.PurposeLog)
	return s.sendLocked(id, protocol.Log{N: s.opts.HistoryPageSize, Before: before})
}

func (s *Session) handleEventLocked(pkt *protocol.Packet, ev protocol.Event) time.Duration {
	switch ev := ev.(type) {
	case *protocol.HelloEvent:
		s.ownSession = ev.Session

	case *protocol.SnapshotEvent:
		return s.handleSnapshotLocked(ev)

	case *protocol.BounceEvent:
		if s.password.IsEmpty() {
			s.stopLocked("authentication required")
			return 0
		}
		// The password rides along with identify.
		if s.nick != "" {
			return s.identifyLocked()
		}
		s.state = StateAwaitingNick
		s.notifyLocked()

	case *protocol.JoinEvent:
		if s.state != StateActive {
			return 0
		}
		s.roster.ApplyJoin(ev.Session)
		s.notifyLocked()

	case *protocol.PartEvent:
		if s.state != StateActive {
			return 0
		}
		s.roster.ApplyPart(ev.Session.SessionID)
		s.notifyLocked()

	case *protocol.NickEvent:
		if s.state != StateActive {
			return 0
		}
		s.roster.ApplyNick(ev)
		if ev.SessionID == s.ownSession.SessionID {
			s.nick = ev.To
			s.ownSession.Nick = ev.To
		}
		s.notifyLocked()

	case *protocol.SendEvent:
		if s.state != StateActive {
			return 0
		}
		own := ev.Message.Sender.SessionID == s.ownSession.SessionID
		s.insertLocked(ev.Message, own)
		s.notifyLocked()

	case *protocol.EditEvent:
		if err := s.tree.ApplyEdit(ev.Message); err != nil {
			s.noticeLocked(fmt.Sprintf("store: %v", err))
		}
		s.notifyLocked()

	case *protocol.DeleteEvent:
		if err := s.tree.ApplyDelete(ev.ID, ev.Deleted); err != nil {
			s.noticeLocked(fmt.Sprintf("store: %v", err))
		}
		s.notifyLocked()

	case *protocol.NetworkEvent:
		if ev.Type == "partition" {
			s.roster.DropEra(ev.ServerID, ev.ServerEra)
			s.notifyLocked()
		}

	case *protocol.PingEvent:
		// Keepalive: echo the time back under the same packet id.
		reply, err := protocol.NewCommandPacket(pkt.ID, protocol.PingReply{Time: ev.Time})
		if err == nil {
			err = s.socket.Send(reply)
		}
		if err != nil {
			return s.disconnectLocked(err)
		}

	case *protocol.DisconnectEvent:
		return s.disconnectLocked(fmt.Errorf("server dropped connection: %s", ev.Reason))
	}
	return 0
}

// handleSnapshotLocked completes the join handshake: it seeds the
// roster and the recent log, then either identifies with the known
// nickname or pauses for one.
func (s *Session) handleSnapshotLocked(ev *protocol.SnapshotEvent) time.Duration {
	s.roster.ReplaceAll(ev.Listing)
	for _, m := range ev.Log {
		s.insertLocked(m, m.Sender.SessionID == s.ownSession.SessionID)
	}
	if s.nick == "" && ev.Nick != "" {
		// The server remembers a nickname for us.
		s.nick = ev.Nick
	}

	if s.nick == "" {
		s.state = StateAwaitingNick
		s.notifyLocked()
		return 0
	}
	return s.identifyLocked()
}

func (s *Session) identifyLocked() time.Duration {
	id := s.corr.Submit(correlator.PurposeIdentify)
	cmd := protocol.Identify{Nick: s.nick}
	s.password.WithString(func(p string) { cmd.Password = p })
	if err := s.sendLocked(id, cmd); err != nil {
		return s.disconnectLocked(err)
	}
	s.state = StateIdentifying
	s.notifyLocked()
	return 0
}

// insertLocked feeds one message into the tree and keeps the last-seen
// marker in step for our own messages. Store failures surface as
// notices; the message itself is never dropped.
func (s *Session) insertLocked(m protocol.Message, own bool) {
	res, err := s.tree.Insert(m, own)
	if err != nil {
		s.noticeLocked(fmt.Sprintf("store: %v", err))
	}
	if res == tree.Duplicate {
		return
	}
	if own && s.opts.Store != nil && m.ID > s.lastSeen {
		s.lastSeen = m.ID
		if err := s.opts.Store.SetLastSeen(s.roomKey, m.ID); err != nil {
			s.noticeLocked(fmt.Sprintf("store: %v", err))
		}
	}
}
