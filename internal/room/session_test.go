package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codefionn/parley/internal/protocol"
	"github.com/codefionn/parley/internal/tree"
)

type fakeSocket struct {
	mu       sync.Mutex
	sent     []*protocol.Packet
	incoming chan *protocol.Packet
	closed   chan struct{}
	once     sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		incoming: make(chan *protocol.Packet, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeSocket) Send(p *protocol.Packet) error {
	select {
	case <-f.closed:
		return protocol.ErrSocketClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeSocket) Recv() (*protocol.Packet, error) {
	select {
	case p, ok := <-f.incoming:
		if !ok {
			return nil, protocol.ErrSocketClosed
		}
		return p, nil
	case <-f.closed:
		return nil, protocol.ErrSocketClosed
	}
}

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// takeSent removes and returns the first outbound packet of the given
// type, or nil if none has been written yet.
func (f *fakeSocket) takeSent(typ string) *protocol.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.sent {
		if p.Type == typ {
			f.sent = append(f.sent[:i], f.sent[i+1:]...)
			return p
		}
	}
	return nil
}

func (f *fakeSocket) push(t *testing.T, id, typ string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.incoming <- &protocol.Packet{ID: id, Type: typ, Data: data}
}

func (f *fakeSocket) pushError(id, typ, code, message string) {
	f.incoming <- &protocol.Packet{
		ID:    id,
		Type:  typ,
		Error: &protocol.ErrorInfo{Code: code, Message: message},
	}
}

func (f *fakeSocket) dropFromServer() {
	close(f.incoming)
}

type fakeDialer struct {
	mu      sync.Mutex
	fails   int
	dials   int
	sockets []*fakeSocket
}

func (d *fakeDialer) Dial(ctx context.Context, address string) (protocol.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fails > 0 {
		d.fails--
		return nil, errors.New("connection refused")
	}
	s := newFakeSocket()
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func awaitSocket(t *testing.T, d *fakeDialer, n int) *fakeSocket {
	t.Helper()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.sockets) >= n
	}, 2*time.Second, 5*time.Millisecond)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[n-1]
}

func awaitSent(t *testing.T, sock *fakeSocket, typ string) *protocol.Packet {
	t.Helper()
	var pkt *protocol.Packet
	require.Eventually(t, func() bool {
		pkt = sock.takeSent(typ)
		return pkt != nil
	}, 2*time.Second, 5*time.Millisecond)
	return pkt
}

func awaitState(t *testing.T, f *Facade, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.Snapshot().State == want
	}, 2*time.Second, 5*time.Millisecond, "want state %s", want)
}

func selfView(nick string) protocol.SessionView {
	return protocol.SessionView{
		SessionID: "s-self",
		UserID:    "u-self",
		Nick:      nick,
		ServerID:  "srv-1",
		ServerEra: "era-1",
	}
}

func otherView(id, nick string) protocol.SessionView {
	return protocol.SessionView{
		SessionID: protocol.SessionID(id),
		UserID:    protocol.UserID("u-" + nick),
		Nick:      nick,
		ServerID:  "srv-1",
		ServerEra: "era-1",
	}
}

func testMessage(id, parent protocol.MessageID, at int64, sender protocol.SessionView, content string) protocol.Message {
	return protocol.Message{
		ID:      id,
		Parent:  parent,
		Time:    protocol.FromUnix(at),
		Sender:  sender,
		Content: content,
	}
}

func startSession(t *testing.T, opts Options) (*Facade, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	opts.Dialer = dialer
	if opts.Address == "" {
		opts.Address = "wss://chat.example.test/room/go"
	}
	if opts.RoomName == "" {
		opts.RoomName = "go"
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = 20 * time.Millisecond
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 100 * time.Millisecond
	}

	sess, err := New(opts)
	require.NoError(t, err)
	sess.Start(context.Background())
	t.Cleanup(sess.Stop)
	return sess.Facade(), dialer
}

// joinRoom drives the server half of the handshake up to the snapshot.
func joinRoom(t *testing.T, sock *fakeSocket, remembered string, listing []protocol.SessionView, log []protocol.Message) {
	t.Helper()
	join := awaitSent(t, sock, protocol.TypeJoin)
	sock.push(t, join.ID, protocol.TypeJoinReply, struct{}{})
	sock.push(t, "", protocol.TypeHelloEvent, protocol.HelloEvent{Session: selfView(remembered)})
	sock.push(t, "", protocol.TypeSnapshotEvent, protocol.SnapshotEvent{
		Nick:    remembered,
		Listing: listing,
		Log:     log,
	})
}

// identifyAs completes identify and the follow-up roster refresh.
func identifyAs(t *testing.T, sock *fakeSocket, nick string, listing []protocol.SessionView) {
	t.Helper()
	ident := awaitSent(t, sock, protocol.TypeIdentify)
	sock.push(t, ident.ID, protocol.TypeIdentifyReply, protocol.IdentifyReply{SessionID: "s-self", Nick: nick})
	who := awaitSent(t, sock, protocol.TypeWho)
	sock.push(t, who.ID, protocol.TypeWhoReply, protocol.WhoReply{Listing: listing})
}

func goActive(t *testing.T, facade *Facade, dialer *fakeDialer, nick string) *fakeSocket {
	t.Helper()
	require.NoError(t, facade.Connect())
	sock := awaitSocket(t, dialer, 1)
	listing := []protocol.SessionView{selfView(nick)}
	joinRoom(t, sock, nick, listing, nil)
	identifyAs(t, sock, nick, listing)
	awaitState(t, facade, StateActive)
	return sock
}

func TestConnectHandshakeToActive(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "alice"})
	sock := goActive(t, facade, dialer, "alice")

	snap := facade.Snapshot()
	require.Equal(t, StateActive, snap.State)
	require.Equal(t, "alice", snap.Nick)
	require.Equal(t, protocol.SessionID("s-self"), snap.OwnSessionID)
	require.Len(t, snap.Roster, 1)
	require.Equal(t, "alice", snap.Roster[0].Nick)

	// No stray reconnect was scheduled.
	require.True(t, snap.ReconnectAt.IsZero())
	_ = sock
}

func TestAwaitingNickThenSupply(t *testing.T) {
	facade, dialer := startSession(t, Options{})
	require.NoError(t, facade.Connect())

	sock := awaitSocket(t, dialer, 1)
	joinRoom(t, sock, "", nil, nil)
	awaitState(t, facade, StateAwaitingNick)

	// Commands are refused while no identity exists.
	_, err := facade.Send("hello", "")
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, facade.SupplyNick("alice"))
	ident := awaitSent(t, sock, protocol.TypeIdentify)
	var cmd protocol.Identify
	require.NoError(t, json.Unmarshal(ident.Data, &cmd))
	require.Equal(t, "alice", cmd.Nick)

	sock.push(t, ident.ID, protocol.TypeIdentifyReply, protocol.IdentifyReply{SessionID: "s-self", Nick: "alice"})
	awaitState(t, facade, StateActive)
	require.Equal(t, "alice", facade.Snapshot().Nick)
}

func TestBadNickIsRecoverable(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "taken"})
	require.NoError(t, facade.Connect())

	sock := awaitSocket(t, dialer, 1)
	joinRoom(t, sock, "taken", nil, nil)

	ident := awaitSent(t, sock, protocol.TypeIdentify)
	sock.pushError(ident.ID, protocol.TypeIdentifyReply, protocol.ErrCodeBadNick, "nickname already in use")
	awaitState(t, facade, StateAwaitingNick)
	require.Contains(t, facade.Snapshot().LastError, "nickname already in use")

	// A corrected nickname retries identify on the same socket.
	require.NoError(t, facade.SupplyNick("taken2"))
	retry := awaitSent(t, sock, protocol.TypeIdentify)
	var cmd protocol.Identify
	require.NoError(t, json.Unmarshal(retry.Data, &cmd))
	require.Equal(t, "taken2", cmd.Nick)

	sock.push(t, retry.ID, protocol.TypeIdentifyReply, protocol.IdentifyReply{SessionID: "s-self", Nick: "taken2"})
	awaitState(t, facade, StateActive)
	require.Empty(t, facade.Snapshot().LastError)
}

func TestBadRoomStopsSession(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "alice"})
	require.NoError(t, facade.Connect())

	sock := awaitSocket(t, dialer, 1)
	join := awaitSent(t, sock, protocol.TypeJoin)
	sock.pushError(join.ID, protocol.TypeJoinReply, protocol.ErrCodeBadRoom, "no such room")

	awaitState(t, facade, StateStopped)
	require.Contains(t, facade.Snapshot().LastError, "no such room")
	require.Equal(t, 1, dialer.dialCount())
}

func TestAuthRequiredWithoutPasswordStops(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "alice"})
	require.NoError(t, facade.Connect())

	sock := awaitSocket(t, dialer, 1)
	join := awaitSent(t, sock, protocol.TypeJoin)
	sock.push(t, join.ID, protocol.TypeJoinReply, struct{}{})
	sock.push(t, "", protocol.TypeBounceEvent, protocol.BounceEvent{Reason: "authentication required"})

	awaitState(t, facade, StateStopped)
}

func TestBounceWithPasswordIdentifies(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "alice", Password: "hunter2"})
	require.NoError(t, facade.Connect())

	sock := awaitSocket(t, dialer, 1)
	join := awaitSent(t, sock, protocol.TypeJoin)
	sock.push(t, join.ID, protocol.TypeJoinReply, struct{}{})
	sock.push(t, "", protocol.TypeHelloEvent, protocol.HelloEvent{Session: selfView("alice")})
	sock.push(t, "", protocol.TypeBounceEvent, protocol.BounceEvent{Reason: "authentication required"})

	ident := awaitSent(t, sock, protocol.TypeIdentify)
	var cmd protocol.Identify
	require.NoError(t, json.Unmarshal(ident.Data, &cmd))
	require.Equal(t, "alice", cmd.Nick)
	require.Equal(t, "hunter2", cmd.Password)
}

func TestOutOfOrderPostsSortByTime(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "alice"})
	sock := goActive(t, facade, dialer, "alice")

	bob := otherView("s-bob", "bob")
	// The later message arrives first; display order must not care.
	sock.push(t, "", protocol.TypeSendEvent, protocol.SendEvent{
		Message: testMessage("m5", "", 500, bob, "fifth"),
	})
	sock.push(t, "", protocol.TypeSendEvent, protocol.SendEvent{
		Message: testMessage("m3", "", 300, bob, "third"),
	})

	require.Eventually(t, func() bool {
		return len(facade.Snapshot().Messages) == 2
	}, 2*time.Second, 5*time.Millisecond)

	msgs := facade.Snapshot().Messages
	require.Equal(t, protocol.MessageID("m3"), msgs[0].ID)
	require.Equal(t, protocol.MessageID("m5"), msgs[1].ID)
	require.Equal(t, 2, facade.Snapshot().UnseenCount)
}

func TestOwnSendConfirmedAndSeen(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "alice"})
	sock := goActive(t, facade, dialer, "alice")

	id, err := facade.Send("hi there", "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sent := awaitSent(t, sock, protocol.TypeSend)
	require.Equal(t, id, sent.ID)
	var cmd protocol.Send
	require.NoError(t, json.Unmarshal(sent.Data, &cmd))
	require.Equal(t, "hi there", cmd.Content)

	sock.push(t, sent.ID, protocol.TypeSendReply, protocol.SendReply{
		Message: testMessage("m1", "", 100, selfView("alice"), "hi there"),
	})

	require.Eventually(t, func() bool {
		snap := facade.Snapshot()
		return len(snap.Messages) == 1 && snap.Messages[0].Seen
	}, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, facade.Snapshot().UnseenCount)
}

func TestDisconnectDropsPresenceKeepsHistory(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "alice"})
	sock := goActive(t, facade, dialer, "alice")

	bob := otherView("s-bob", "bob")
	sock.push(t, "", protocol.TypeJoinEvent, protocol.JoinEvent{Session: bob})
	sock.push(t, "", protocol.TypeSendEvent, protocol.SendEvent{
		Message: testMessage("m1", "", 100, bob, "before the drop"),
	})
	require.Eventually(t, func() bool {
		snap := facade.Snapshot()
		return len(snap.Messages) == 1 && len(snap.Roster) == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Two commands in flight when the server vanishes.
	id1, err := facade.Send("one", "")
	require.NoError(t, err)
	id2, err := facade.Send("two", "")
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
	awaitSent(t, sock, protocol.TypeSend)
	awaitSent(t, sock, protocol.TypeSend)

	sock.dropFromServer()

	awaitState(t, facade, StateDisconnected)
	snap := facade.Snapshot()
	require.Empty(t, snap.Roster, "presence is connection-scoped")
	require.Len(t, snap.Messages, 1, "history survives the drop")
	require.False(t, snap.ReconnectAt.IsZero())
	require.Len(t, snap.Notices, 2)
	for _, n := range snap.Notices {
		require.Contains(t, n.Text, "connection reset")
	}

	// The automatic reconnect opens a fresh epoch: command ids restart.
	sock2 := awaitSocket(t, dialer, 2)
	join := awaitSent(t, sock2, protocol.TypeJoin)
	require.Equal(t, "1", join.ID)
}

func TestFirstDialFailureDoesNotRetry(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "alice"})
	dialer.fails = 1

	require.NoError(t, facade.Connect())
	awaitState(t, facade, StateDisconnected)
	require.Contains(t, facade.Snapshot().LastError, "connection refused")

	// Well past the backoff window no second dial happened.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, dialer.dialCount())

	// An explicit connect tries again.
	require.NoError(t, facade.Connect())
	awaitSocket(t, dialer, 1)
}

func TestDialFailureDuringReconnectBacksOff(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "alice"})
	sock := goActive(t, facade, dialer, "alice")

	dialer.mu.Lock()
	dialer.fails = 2
	dialer.mu.Unlock()
	sock.dropFromServer()

	// Two failed redials, then a successful one.
	require.Eventually(t, func() bool {
		return dialer.dialCount() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	sock2 := awaitSocket(t, dialer, 2)
	awaitSent(t, sock2, protocol.TypeJoin)
}

func TestServerPingAnswered(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "alice"})
	sock := goActive(t, facade, dialer, "alice")

	sock.push(t, "ping-7", protocol.TypePingEvent, protocol.PingEvent{Time: protocol.FromUnix(777)})

	reply := awaitSent(t, sock, protocol.TypePingReply)
	require.Equal(t, "ping-7", reply.ID)
	var pr protocol.PingReply
	require.NoError(t, json.Unmarshal(reply.Data, &pr))
	require.Equal(t, int64(777), pr.Time.Unix())
	_ = facade
}

func TestRosterFollowsSessionEvents(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "alice"})
	sock := goActive(t, facade, dialer, "alice")

	bob := otherView("s-bob", "bob")
	sock.push(t, "", protocol.TypeJoinEvent, protocol.JoinEvent{Session: bob})
	require.Eventually(t, func() bool {
		return len(facade.Snapshot().Roster) == 2
	}, 2*time.Second, 5*time.Millisecond)

	sock.push(t, "", protocol.TypeNickEvent, protocol.NickEvent{
		SessionID: bob.SessionID, UserID: bob.UserID, From: "bob", To: "robert",
	})
	require.Eventually(t, func() bool {
		for _, e := range facade.Snapshot().Roster {
			if e.Nick == "robert" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	sock.push(t, "", protocol.TypePartEvent, protocol.PartEvent{Session: bob})
	require.Eventually(t, func() bool {
		return len(facade.Snapshot().Roster) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFetchMoreHistory(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "alice", HistoryPageSize: 2})
	bob := otherView("s-bob", "bob")

	require.NoError(t, facade.Connect())
	sock := awaitSocket(t, dialer, 1)
	listing := []protocol.SessionView{selfView("alice")}
	joinRoom(t, sock, "alice", listing, []protocol.Message{
		testMessage("m8", "", 800, bob, "newest"),
	})
	identifyAs(t, sock, "alice", listing)
	awaitState(t, facade, StateActive)

	require.NoError(t, facade.FetchMoreHistory())
	logCmd := awaitSent(t, sock, protocol.TypeLog)
	var cmd protocol.Log
	require.NoError(t, json.Unmarshal(logCmd.Data, &cmd))
	require.Equal(t, 2, cmd.N)
	require.Equal(t, protocol.MessageID("m8"), cmd.Before)

	sock.push(t, logCmd.ID, protocol.TypeLogReply, protocol.LogReply{
		Log: []protocol.Message{
			testMessage("m6", "", 600, bob, "older"),
			testMessage("m7", "", 700, bob, "old"),
		},
		Before: "m8",
	})

	require.Eventually(t, func() bool {
		return len(facade.Snapshot().Messages) == 3
	}, 2*time.Second, 5*time.Millisecond)
	msgs := facade.Snapshot().Messages
	require.Equal(t, protocol.MessageID("m6"), msgs[0].ID)
	require.Equal(t, protocol.MessageID("m8"), msgs[2].ID)
}

func TestMarkSeenAndFoldIntents(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "alice"})
	sock := goActive(t, facade, dialer, "alice")

	bob := otherView("s-bob", "bob")
	sock.push(t, "", protocol.TypeSendEvent, protocol.SendEvent{
		Message: testMessage("m1", "", 100, bob, "root"),
	})
	sock.push(t, "", protocol.TypeSendEvent, protocol.SendEvent{
		Message: testMessage("m2", "m1", 200, bob, "child"),
	})
	require.Eventually(t, func() bool {
		return len(facade.Snapshot().Messages) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, facade.MarkSeen("m1", tree.PropagateSubtree))
	require.Eventually(t, func() bool {
		return facade.Snapshot().UnseenCount == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, facade.Fold("m1"))
	require.Eventually(t, func() bool {
		msgs := facade.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].Folded && msgs[0].Hidden == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, facade.Unfold("m1"))
	require.Eventually(t, func() bool {
		return len(facade.Snapshot().Messages) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNetworkPartitionDropsEra(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "alice"})
	sock := goActive(t, facade, dialer, "alice")

	far := protocol.SessionView{
		SessionID: "s-far", UserID: "u-far", Nick: "faraway",
		ServerID: "srv-2", ServerEra: "era-9",
	}
	sock.push(t, "", protocol.TypeJoinEvent, protocol.JoinEvent{Session: far})
	require.Eventually(t, func() bool {
		return len(facade.Snapshot().Roster) == 2
	}, 2*time.Second, 5*time.Millisecond)

	sock.push(t, "", protocol.TypeNetworkEvent, protocol.NetworkEvent{
		Type: "partition", ServerID: "srv-2", ServerEra: "era-9",
	})
	require.Eventually(t, func() bool {
		return len(facade.Snapshot().Roster) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "alice", facade.Snapshot().Roster[0].Nick)
}

func TestNoticesClear(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "alice"})
	sock := goActive(t, facade, dialer, "alice")

	_, err := facade.Send("lost", "")
	require.NoError(t, err)
	awaitSent(t, sock, protocol.TypeSend)
	sock.dropFromServer()
	awaitState(t, facade, StateDisconnected)
	require.NotEmpty(t, facade.Snapshot().Notices)

	require.NoError(t, facade.ClearNotices())
	require.Eventually(t, func() bool {
		return len(facade.Snapshot().Notices) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribeSignalsOnChange(t *testing.T) {
	facade, dialer := startSession(t, Options{Nick: "alice"})

	token, ch := facade.Subscribe()
	defer facade.Unsubscribe(token)

	goActive(t, facade, dialer, "alice")

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification during handshake")
	}
}
