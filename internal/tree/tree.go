// Package tree maintains the in-memory message forest of one room:
// parent/child structure, seen/unseen and fold flags, and the
// pagination cursor for history backfill. Messages are stored in an
// arena keyed by ID; children arriving before their parent wait in an
// orphan buffer, so no real object links exist that could dangle.
package tree

import (
	"sort"
	"time"

	"github.com/codefionn/parley/internal/protocol"
)

// Persister mirrors successful inserts to durable storage. A nil
// persister keeps the tree purely in memory.
type Persister interface {
	InsertMessage(m protocol.Message) error
}

// InsertResult describes what Insert did with a message.
type InsertResult int

const (
	// Attached means the message (and possibly buffered descendants)
	// is now part of the forest.
	Attached InsertResult = iota
	// Pending means the parent is still missing and the message waits
	// in the orphan buffer.
	Pending
	// Duplicate means the ID was already known; nothing changed.
	Duplicate
)

// Propagate selects how far MarkSeen reaches beyond one message.
type Propagate int

const (
	// PropagateNone marks only the one message.
	PropagateNone Propagate = iota
	// PropagateAncestors marks the message and its chain up to the
	// root ("mark this and everything older as seen").
	PropagateAncestors
	// PropagateSubtree marks the message and everything below it
	// ("mark this visible subtree seen").
	PropagateSubtree
)

// ViewMessage is one row of the display-ordered flattened forest.
type ViewMessage struct {
	ID      protocol.MessageID
	Parent  protocol.MessageID
	Depth   int
	Time    time.Time
	Nick    string
	Content string
	Seen    bool
	Folded  bool
	Hidden  int // descendants suppressed by the fold
	Edited  bool
	Deleted bool
}

type node struct {
	msg      protocol.Message
	seen     bool
	folded   bool
	children []protocol.MessageID
}

type orphan struct {
	msg protocol.Message
	own bool
}

// Tree is the message forest of one room. It is owned by the room loop
// and not safe for concurrent use.
type Tree struct {
	nodes   map[protocol.MessageID]*node
	roots   []protocol.MessageID
	orphans map[protocol.MessageID][]orphan
	known   map[protocol.MessageID]bool

	oldestID   protocol.MessageID
	oldestTime time.Time
	hasOldest  bool

	persist Persister
}

// New creates an empty tree. persist may be nil.
func New(persist Persister) *Tree {
	return &Tree{
		nodes:   make(map[protocol.MessageID]*node),
		orphans: make(map[protocol.MessageID][]orphan),
		known:   make(map[protocol.MessageID]bool),
		persist: persist,
	}
}

// SetPersister swaps the persistence sink. Rooms rehydrate from the
// store with persistence off, then turn it on before live events flow.
func (t *Tree) SetPersister(p Persister) {
	t.persist = p
}

// Insert adds a message to the forest. own marks the caller's just-sent
// message, which starts out seen instead of unseen. Re-inserting a
// known ID is a no-op. A persistence failure is returned alongside the
// result; the message is kept in memory either way so nothing is ever
// silently dropped.
func (t *Tree) Insert(m protocol.Message, own bool) (InsertResult, error) {
	if t.known[m.ID] {
		return Duplicate, nil
	}
	t.known[m.ID] = true
	t.trackOldest(m)

	var persistErr error
	if t.persist != nil {
		persistErr = t.persist.InsertMessage(m)
	}

	if m.Parent != "" {
		if _, ok := t.nodes[m.Parent]; !ok {
			t.orphans[m.Parent] = append(t.orphans[m.Parent], orphan{msg: m, own: own})
			return Pending, persistErr
		}
	}

	t.attach(m, own)
	return Attached, persistErr
}

// attach links a message whose parent (if any) exists, then drains any
// orphans that were waiting for it, cascading.
func (t *Tree) attach(m protocol.Message, own bool) {
	t.nodes[m.ID] = &node{msg: m, seen: own}
	if m.Parent == "" {
		t.roots = insertOrdered(t.roots, m.ID, t.before)
	} else {
		parent := t.nodes[m.Parent]
		parent.children = insertOrdered(parent.children, m.ID, t.before)
	}

	queue := []protocol.MessageID{m.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		waiting, ok := t.orphans[id]
		if !ok {
			continue
		}
		delete(t.orphans, id)
		for _, o := range waiting {
			t.nodes[o.msg.ID] = &node{msg: o.msg, seen: o.own}
			parent := t.nodes[id]
			parent.children = insertOrdered(parent.children, o.msg.ID, t.before)
			queue = append(queue, o.msg.ID)
		}
	}
}

// before is the display order within a sibling list: timestamp
// ascending, ties broken by ID ascending.
func (t *Tree) before(a, b protocol.MessageID) bool {
	na, nb := t.nodes[a], t.nodes[b]
	ta, tb := na.msg.Time.Time, nb.msg.Time.Time
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a < b
}

func insertOrdered(ids []protocol.MessageID, id protocol.MessageID, less func(a, b protocol.MessageID) bool) []protocol.MessageID {
	i := sort.Search(len(ids), func(i int) bool { return less(id, ids[i]) })
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func (t *Tree) trackOldest(m protocol.Message) {
	if !t.hasOldest || m.Time.Before(t.oldestTime) ||
		(m.Time.Equal(t.oldestTime) && m.ID < t.oldestID) {
		t.oldestID = m.ID
		t.oldestTime = m.Time.Time
		t.hasOldest = true
	}
}

// OldestLoaded returns the backfill cursor: history fetches request
// messages strictly older than this.
func (t *Tree) OldestLoaded() (protocol.MessageID, time.Time, bool) {
	return t.oldestID, t.oldestTime, t.hasOldest
}

// Len returns the number of attached messages.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// OrphanCount returns how many messages wait for a missing parent.
func (t *Tree) OrphanCount() int {
	n := 0
	for _, waiting := range t.orphans {
		n += len(waiting)
	}
	return n
}

// UnseenCount returns the number of attached unseen messages.
func (t *Tree) UnseenCount() int {
	n := 0
	for _, nd := range t.nodes {
		if !nd.seen {
			n++
		}
	}
	return n
}

// MarkSeen sets the seen flag on one message and, depending on p, its
// ancestor chain or its subtree. Returns false for unknown IDs.
func (t *Tree) MarkSeen(id protocol.MessageID, p Propagate) bool {
	nd, ok := t.nodes[id]
	if !ok {
		return false
	}
	nd.seen = true

	switch p {
	case PropagateAncestors:
		for cur := nd.msg.Parent; cur != ""; {
			parent, ok := t.nodes[cur]
			if !ok {
				break
			}
			parent.seen = true
			cur = parent.msg.Parent
		}
	case PropagateSubtree:
		t.walkSubtree(id, func(n *node) { n.seen = true })
	}
	return true
}

// Seen reports the seen flag of an attached message.
func (t *Tree) Seen(id protocol.MessageID) bool {
	nd, ok := t.nodes[id]
	return ok && nd.seen
}

// Fold collapses the subtree rooted at id in the display; the data is
// untouched. Returns false for unknown IDs.
func (t *Tree) Fold(id protocol.MessageID) bool {
	return t.setFolded(id, true)
}

// Unfold re-expands a folded subtree.
func (t *Tree) Unfold(id protocol.MessageID) bool {
	return t.setFolded(id, false)
}

func (t *Tree) setFolded(id protocol.MessageID, folded bool) bool {
	nd, ok := t.nodes[id]
	if !ok {
		return false
	}
	nd.folded = folded
	return true
}

func (t *Tree) walkSubtree(id protocol.MessageID, fn func(*node)) {
	nd, ok := t.nodes[id]
	if !ok {
		return
	}
	fn(nd)
	for _, child := range nd.children {
		t.walkSubtree(child, fn)
	}
}

// ApplyEdit replaces the content and retraction state of a known
// message. Unknown IDs are ignored; edits to messages we never loaded
// are not worth buffering.
func (t *Tree) ApplyEdit(m protocol.Message) error {
	nd, ok := t.nodes[m.ID]
	if !ok {
		return nil
	}
	nd.msg.Content = m.Content
	nd.msg.Edited = m.Edited
	nd.msg.Deleted = m.Deleted
	if t.persist != nil {
		return t.persist.InsertMessage(nd.msg)
	}
	return nil
}

// ApplyDelete sets the deleted soft-state on a known message.
func (t *Tree) ApplyDelete(id protocol.MessageID, at protocol.Time) error {
	nd, ok := t.nodes[id]
	if !ok {
		return nil
	}
	nd.msg.Deleted = &at
	if t.persist != nil {
		return t.persist.InsertMessage(nd.msg)
	}
	return nil
}

// View flattens the forest in display order: roots by (time, id), each
// followed by its subtree depth-first, siblings by (time, id).
// Descendants of a folded message are suppressed and counted in Hidden.
func (t *Tree) View() []ViewMessage {
	out := make([]ViewMessage, 0, len(t.nodes))
	for _, root := range t.roots {
		out = t.appendView(out, root, 0)
	}
	return out
}

func (t *Tree) appendView(out []ViewMessage, id protocol.MessageID, depth int) []ViewMessage {
	nd := t.nodes[id]
	vm := ViewMessage{
		ID:      nd.msg.ID,
		Parent:  nd.msg.Parent,
		Depth:   depth,
		Time:    nd.msg.Time.Time,
		Nick:    nd.msg.Sender.Nick,
		Content: nd.msg.Content,
		Seen:    nd.seen,
		Folded:  nd.folded,
		Edited:  nd.msg.Edited != nil,
		Deleted: nd.msg.Deleted != nil,
	}
	if nd.folded {
		hidden := 0
		for _, child := range nd.children {
			t.walkSubtree(child, func(*node) { hidden++ })
		}
		vm.Hidden = hidden
		return append(out, vm)
	}
	out = append(out, vm)
	for _, child := range nd.children {
		out = t.appendView(out, child, depth+1)
	}
	return out
}
