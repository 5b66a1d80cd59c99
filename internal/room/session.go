// Package room implements the connection state machine for one chat
// room: socket lifecycle, join/identify handshake, reply correlation,
// reconnect with backoff, and the in-memory roster and message tree
// fed from server events. All session state is mutated by a single
// goroutine; the facade crosses into it only through intents and
// lock-guarded snapshots.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/parley/internal/correlator"
	"github.com/codefionn/parley/internal/logger"
	"github.com/codefionn/parley/internal/protocol"
	"github.com/codefionn/parley/internal/roster"
	"github.com/codefionn/parley/internal/secret"
	"github.com/codefionn/parley/internal/store"
	"github.com/codefionn/parley/internal/tree"
)

// State is the room connection state
type State int

const (
	// StateDisconnected means no socket exists. LastError and a
	// scheduled reconnect distinguish the flavors.
	StateDisconnected State = iota
	// StateConnecting means a dial is in progress
	StateConnecting
	// StateJoining means the room-selection handshake is in flight
	StateJoining
	// StateAwaitingNick means the session paused for a nickname: either
	// none was ever configured, or the server rejected the last one.
	StateAwaitingNick
	// StateIdentifying means the identify command is in flight
	StateIdentifying
	// StateActive is the only state accepting user commands and live events
	StateActive
	// StateStopped is terminal for this room; only an explicit new
	// Connect leaves it.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoining:
		return "joining"
	case StateAwaitingNick:
		return "awaiting-nick"
	case StateIdentifying:
		return "identifying"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned for user commands issued outside Active.
var ErrNotConnected = errors.New("not connected to room")

// ErrBusy is returned when the intent queue is full.
var ErrBusy = errors.New("room is busy")

// ErrStopped is returned once the session has shut down.
var ErrStopped = errors.New("room session stopped")

// Notice is a dismissible user-facing failure that did not change the
// connection state (reply timeout, history fetch failure, store hiccup).
type Notice struct {
	Text string
	At   time.Time
}

// Options configures one room session.
type Options struct {
	Address  string
	RoomName string
	// Nick is the initial nickname; empty pauses the first connect in
	// awaiting-nick.
	Nick     string
	Password string

	Dialer protocol.Dialer
	Store  *store.Store
	Logger *logger.Logger

	// BackoffInitial and BackoffMax bound the reconnect delay curve.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// ReplyTimeout bounds how long a command may stay unanswered.
	ReplyTimeout time.Duration
	// HistoryPageSize is how many messages one log request asks for.
	HistoryPageSize int
	// HydrateLimit caps messages loaded from the store on open.
	HydrateLimit int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = time.Minute
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 30 * time.Second
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = 100
	}
	if opts.HydrateLimit <= 0 {
		opts.HydrateLimit = 500
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}
	return opts
}

type recvResult struct {
	pkt *protocol.Packet
	err error
}

// Session is the state machine for one room. It exclusively owns the
// socket and the correlator; the roster and tree live and die with it.
type Session struct {
	opts    Options
	roomKey string
	log     *logger.Logger

	// password lives in protected memory; Options.Password is not kept.
	password *secret.Value

	corr *correlator.Correlator

	// mu guards every field below. The run loop takes it briefly per
	// event; Snapshot takes the read side.
	mu          sync.RWMutex
	state       State
	lastErr     string
	nick        string
	ownSession  protocol.SessionView
	roster      *roster.Roster
	tree        *tree.Tree
	lastSeen    protocol.MessageID
	notices     []Notice
	reconnectAt time.Time

	// Connection-epoch fields, touched only by the run loop.
	socket     protocol.Socket
	recv       chan recvResult
	recvCancel context.CancelFunc
	attempts   int
	connected  bool // a socket was ever established

	intents chan intent

	subMu sync.Mutex
	subs  map[string]chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// roomPersister binds the shared store to this room's key for the tree.
type roomPersister struct {
	store   *store.Store
	roomKey string
}

func (p roomPersister) InsertMessage(m protocol.Message) error {
	return p.store.InsertMessage(p.roomKey, m)
}

// New creates a room session and rehydrates its message tree from the
// store. The session does not connect until the facade asks it to.
func New(opts Options) (*Session, error) {
	o := opts.withDefaults()
	if o.Dialer == nil {
		return nil, errors.New("room: dialer is required")
	}

	roomKey := store.RoomKey(o.Address, o.RoomName)
	password := secret.New(o.Password)
	o.Password = ""
	s := &Session{
		opts:     o,
		password: password,
		roomKey:  roomKey,
		log:      o.Logger.WithPrefix(o.RoomName),
		corr:     correlator.New(),
		state:    StateDisconnected,
		nick:     o.Nick,
		roster:   roster.New(),
		tree:     tree.New(nil),
		intents:  make(chan intent, 64),
		subs:     make(map[string]chan struct{}),
		done:     make(chan struct{}),
	}

	if o.Store != nil {
		if err := s.hydrate(); err != nil {
			return nil, err
		}
		s.tree.SetPersister(roomPersister{store: o.Store, roomKey: roomKey})
	}

	return s, nil
}

// hydrate loads stored history into the tree before any live events,
// so a reconnect never re-downloads what we already hold locally.
func (s *Session) hydrate() error {
	msgs, err := s.opts.Store.FetchRecent(s.roomKey, s.opts.HydrateLimit)
	if err != nil {
		return fmt.Errorf("failed to rehydrate room %s: %w", s.opts.RoomName, err)
	}
	lastSeen, ok, err := s.opts.Store.GetLastSeen(s.roomKey)
	if err != nil {
		return fmt.Errorf("failed to read last-seen marker: %w", err)
	}
	if ok {
		s.lastSeen = lastSeen
	}

	for _, m := range msgs {
		s.tree.Insert(m, false)
		if ok && m.ID <= lastSeen {
			s.tree.MarkSeen(m.ID, tree.PropagateNone)
		}
	}
	s.log.Debug("hydrated %d messages from store", len(msgs))
	return nil
}

// Start launches the room task. The session stays Disconnected until a
// connect intent arrives.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop cancels the room task and waits for it to wind down. All
// in-flight replies resolve as connection reset.
func (s *Session) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Facade returns the read/intent surface handed to the UI layer.
func (s *Session) Facade() *Facade {
	return &Facade{s: s}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.teardown()

	expiry := time.NewTicker(5 * time.Second)
	defer expiry.Stop()

	var reconnect *time.Timer
	reconnectC := func() <-chan time.Time {
		if reconnect == nil {
			return nil
		}
		return reconnect.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case in := <-s.intents:
			if in.kind == intentConnect {
				if reconnect != nil {
					reconnect.Stop()
					reconnect = nil
				}
			}
			if d := s.handleIntent(ctx, in); d > 0 {
				reconnect = time.NewTimer(d)
			}

		case r, ok := <-s.recv:
			if !ok {
				s.recv = nil
				continue
			}
			if r.err != nil {
				if d := s.handleDisconnect(r.err); d > 0 {
					reconnect = time.NewTimer(d)
				}
				continue
			}
			if d := s.handlePacket(r.pkt); d > 0 {
				reconnect = time.NewTimer(d)
			}

		case <-reconnectC():
			reconnect = nil
			if d := s.connect(ctx); d > 0 {
				reconnect = time.NewTimer(d)
			}

		case <-expiry.C:
			s.expirePending()
		}
	}
}

// teardown runs when the room task is cancelled: it closes the socket
// and resolves every pending correlation so no waiter leaks across the
// shutdown.
func (s *Session) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeSocketLocked()
	for _, p := range s.corr.Reset() {
		s.log.Debug("pending %s resolved as connection reset at shutdown", p.Purpose)
	}
	s.state = StateDisconnected
	s.password.Destroy()
	s.notifyLocked()
}

// connect performs one dial attempt. It returns a non-zero duration if
// a reconnect should be scheduled after that delay.
func (s *Session) connect(ctx context.Context) time.Duration {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return 0
	}
	s.state = StateConnecting
	s.reconnectAt = time.Time{}
	s.notifyLocked()
	s.mu.Unlock()

	s.log.Info("connecting to %s", s.opts.Address)
	sock, err := s.opts.Dialer.Dial(ctx, s.opts.Address)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.lastErr = err.Error()
		s.state = StateDisconnected
		s.log.Warn("connect failed: %v", err)

		// The very first attempt stops here; only reconnects retry.
		if !s.connected && s.attempts == 0 {
			s.notifyLocked()
			return 0
		}
		return s.scheduleReconnectLocked()
	}

	s.connected = true
	s.socket = sock
	recvCtx, cancel := context.WithCancel(ctx)
	s.recvCancel = cancel
	s.recv = make(chan recvResult, 32)
	go readLoop(recvCtx, sock, s.recv)

	// Fresh socket, fresh epoch: command IDs restart and nothing from
	// the previous connection may resolve here.
	for _, p := range s.corr.Reset() {
		s.noticeLocked(fmt.Sprintf("%s: connection reset", p.Purpose))
	}

	id := s.corr.Submit(correlator.PurposeJoin)
	if err := s.sendLocked(id, protocol.Join{Room: s.opts.RoomName}); err != nil {
		return s.disconnectLocked(err)
	}
	s.state = StateJoining
	s.notifyLocked()
	return 0
}

func readLoop(ctx context.Context, sock protocol.Socket, ch chan<- recvResult) {
	for {
		pkt, err := sock.Recv()
		if err != nil {
			select {
			case ch <- recvResult{err: err}:
			case <-ctx.Done():
			}
			close(ch)
			return
		}
		select {
		case ch <- recvResult{pkt: pkt}:
		case <-ctx.Done():
			close(ch)
			return
		}
	}
}

func (s *Session) sendLocked(id string, cmd protocol.Command) error {
	pkt, err := protocol.NewCommandPacket(id, cmd)
	if err != nil {
		return err
	}
	return s.socket.Send(pkt)
}

// disconnectLocked tears down the current socket after a failure and
// returns the delay before the next reconnect attempt.
func (s *Session) disconnectLocked(cause error) time.Duration {
	s.log.Warn("connection lost: %v", cause)
	s.lastErr = cause.Error()
	s.closeSocketLocked()

	// Presence is connection-scoped, history is not.
	for _, p := range s.corr.Reset() {
		s.noticeLocked(fmt.Sprintf("%s: connection reset", p.Purpose))
	}
	s.roster.Clear()

	s.state = StateDisconnected
	return s.scheduleReconnectLocked()
}

func (s *Session) closeSocketLocked() {
	if s.recvCancel != nil {
		s.recvCancel()
		s.recvCancel = nil
	}
	if s.socket != nil {
		s.socket.Close()
		s.socket = nil
	}
	s.recv = nil
}

func (s *Session) scheduleReconnectLocked() time.Duration {
	delay := s.opts.BackoffInitial << s.attempts
	if delay > s.opts.BackoffMax || delay <= 0 {
		delay = s.opts.BackoffMax
	}
	s.attempts++
	s.reconnectAt = time.Now().Add(delay)
	s.log.Info("reconnecting in %v (attempt %d)", delay, s.attempts)
	s.notifyLocked()
	return delay
}

// handleDisconnect reacts to a read-loop failure.
func (s *Session) handleDisconnect(err error) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socket == nil {
		return 0
	}
	return s.disconnectLocked(err)
}

// stopLocked moves the room to its terminal state; nothing short of a
// fresh connect intent revives it.
func (s *Session) stopLocked(cause string) {
	s.log.Error("room stopped: %s", cause)
	s.lastErr = cause
	s.closeSocketLocked()
	for range s.corr.Reset() {
	}
	s.roster.Clear()
	s.state = StateStopped
	s.reconnectAt = time.Time{}
	s.notifyLocked()
}

func (s *Session) expirePending() {
	expired := s.corr.Expire(s.opts.ReplyTimeout)
	if len(expired) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range expired {
		s.log.Warn("%s command %s timed out", p.Purpose, p.ID)
		s.noticeLocked(fmt.Sprintf("%s: reply timed out", p.Purpose))
	}
	s.notifyLocked()
}

func (s *Session) noticeLocked(text string) {
	s.notices = append(s.notices, Notice{Text: text, At: time.Now()})
	// Keep the tail; the UI re-reads via snapshots.
	if len(s.notices) > 16 {
		s.notices = s.notices[len(s.notices)-16:]
	}
}
