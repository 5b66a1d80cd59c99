package tree

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/parley/internal/protocol"
)

func msg(id, parent string, sec int64, content string) protocol.Message {
	return protocol.Message{
		ID:      protocol.MessageID(id),
		Parent:  protocol.MessageID(parent),
		Time:    protocol.FromUnix(sec),
		Sender:  protocol.SessionView{SessionID: "s1", UserID: "u1", Nick: "alice"},
		Content: content,
	}
}

func ids(view []ViewMessage) []protocol.MessageID {
	out := make([]protocol.MessageID, len(view))
	for i, vm := range view {
		out[i] = vm.ID
	}
	return out
}

func TestInsertAndDisplayOrder(t *testing.T) {
	tr := New(nil)

	res, err := tr.Insert(msg("m1", "", 100, "root one"), false)
	require.NoError(t, err)
	assert.Equal(t, Attached, res)
	tr.Insert(msg("m4", "", 400, "root two"), false)
	tr.Insert(msg("m3", "m1", 300, "later child"), false)
	tr.Insert(msg("m2", "m1", 200, "earlier child"), false)

	view := tr.View()
	assert.Equal(t, []protocol.MessageID{"m1", "m2", "m3", "m4"}, ids(view))
	assert.Equal(t, []int{0, 1, 1, 0}, []int{view[0].Depth, view[1].Depth, view[2].Depth, view[3].Depth})
}

func TestTimestampTieBrokenByID(t *testing.T) {
	tr := New(nil)
	tr.Insert(msg("r", "", 100, ""), false)
	tr.Insert(msg("b", "r", 200, ""), false)
	tr.Insert(msg("a", "r", 200, ""), false)

	assert.Equal(t, []protocol.MessageID{"r", "a", "b"}, ids(tr.View()))
}

func TestOrphanBuffering(t *testing.T) {
	tr := New(nil)

	// Child arrives before its parent
	res, err := tr.Insert(msg("m5", "m3", 500, "child"), false)
	require.NoError(t, err)
	assert.Equal(t, Pending, res)
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, 1, tr.OrphanCount())

	res, err = tr.Insert(msg("m3", "", 300, "parent"), false)
	require.NoError(t, err)
	assert.Equal(t, Attached, res)
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, 0, tr.OrphanCount())

	view := tr.View()
	require.Len(t, view, 2)
	assert.Equal(t, protocol.MessageID("m3"), view[0].ID)
	assert.Equal(t, protocol.MessageID("m5"), view[1].ID)
	assert.Equal(t, 1, view[1].Depth)
}

func TestOrphanChainCascades(t *testing.T) {
	tr := New(nil)

	// Grandchild, then child, then root: attaching the root must pull
	// in the whole buffered chain.
	tr.Insert(msg("c", "b", 300, ""), false)
	tr.Insert(msg("b", "a", 200, ""), false)
	assert.Equal(t, 2, tr.OrphanCount())

	tr.Insert(msg("a", "", 100, ""), false)
	assert.Equal(t, 3, tr.Len())
	assert.Equal(t, 0, tr.OrphanCount())
	assert.Equal(t, []protocol.MessageID{"a", "b", "c"}, ids(tr.View()))
}

func TestInsertOrderCommutes(t *testing.T) {
	msgs := []protocol.Message{
		msg("m1", "", 100, ""),
		msg("m2", "m1", 200, ""),
		msg("m3", "m1", 250, ""),
		msg("m4", "m2", 300, ""),
		msg("m5", "", 150, ""),
		msg("m6", "m5", 400, ""),
		msg("m7", "m4", 500, ""),
	}

	reference := New(nil)
	for _, m := range msgs {
		reference.Insert(m, false)
	}
	want := ids(reference.View())

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		shuffled := append([]protocol.Message(nil), msgs...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		tr := New(nil)
		for _, m := range shuffled {
			tr.Insert(m, false)
		}
		assert.Equal(t, want, ids(tr.View()), "trial %d order %v", trial, shuffled)
	}
}

func TestDuplicateInsertIsNoOp(t *testing.T) {
	tr := New(nil)
	tr.Insert(msg("m1", "", 100, "original"), false)
	tr.Insert(msg("m2", "m1", 200, ""), false)

	res, err := tr.Insert(msg("m1", "", 100, "imposter"), false)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, "original", tr.View()[0].Content)

	// Duplicate of a buffered orphan too
	tr.Insert(msg("m9", "missing", 900, ""), false)
	res, _ = tr.Insert(msg("m9", "missing", 900, ""), false)
	assert.Equal(t, Duplicate, res)
	assert.Equal(t, 1, tr.OrphanCount())
}

func TestSeenFlags(t *testing.T) {
	tr := New(nil)
	tr.Insert(msg("m1", "", 100, ""), false)
	assert.Equal(t, 1, tr.UnseenCount())

	// Own messages are seen on arrival
	tr.Insert(msg("m2", "m1", 200, ""), true)
	assert.Equal(t, 1, tr.UnseenCount())
	assert.True(t, tr.Seen("m2"))
	assert.False(t, tr.Seen("m1"))
}

func TestMarkSeenAncestors(t *testing.T) {
	tr := New(nil)
	tr.Insert(msg("m1", "", 100, ""), false)
	tr.Insert(msg("m2", "m1", 200, ""), false)
	tr.Insert(msg("m3", "m2", 300, ""), false)
	tr.Insert(msg("m4", "m1", 400, "sibling branch"), false)

	require.True(t, tr.MarkSeen("m3", PropagateAncestors))

	// No unseen message remains on the path from m3 to its root
	assert.True(t, tr.Seen("m3"))
	assert.True(t, tr.Seen("m2"))
	assert.True(t, tr.Seen("m1"))
	// The sibling branch is untouched
	assert.False(t, tr.Seen("m4"))
}

func TestMarkSeenSubtree(t *testing.T) {
	tr := New(nil)
	tr.Insert(msg("m1", "", 100, ""), false)
	tr.Insert(msg("m2", "m1", 200, ""), false)
	tr.Insert(msg("m3", "m2", 300, ""), false)
	tr.Insert(msg("m0", "", 50, "other root"), false)

	require.True(t, tr.MarkSeen("m1", PropagateSubtree))
	assert.True(t, tr.Seen("m1"))
	assert.True(t, tr.Seen("m2"))
	assert.True(t, tr.Seen("m3"))
	assert.False(t, tr.Seen("m0"))

	assert.False(t, tr.MarkSeen("nope", PropagateNone))
}

func TestFoldHidesSubtreeOnly(t *testing.T) {
	tr := New(nil)
	tr.Insert(msg("m1", "", 100, ""), false)
	tr.Insert(msg("m2", "m1", 200, ""), false)
	tr.Insert(msg("m3", "m2", 300, ""), false)
	tr.Insert(msg("m4", "", 400, ""), false)

	require.True(t, tr.Fold("m1"))
	view := tr.View()
	require.Len(t, view, 2)
	assert.Equal(t, protocol.MessageID("m1"), view[0].ID)
	assert.True(t, view[0].Folded)
	assert.Equal(t, 2, view[0].Hidden)
	assert.Equal(t, protocol.MessageID("m4"), view[1].ID)

	// Folding never discards data
	assert.Equal(t, 4, tr.Len())
	require.True(t, tr.Unfold("m1"))
	assert.Len(t, tr.View(), 4)
}

func TestEditAndDeleteSoftState(t *testing.T) {
	tr := New(nil)
	tr.Insert(msg("m1", "", 100, "first draft"), false)

	edited := msg("m1", "", 100, "final")
	et := protocol.FromUnix(150)
	edited.Edited = &et
	require.NoError(t, tr.ApplyEdit(edited))

	view := tr.View()
	assert.Equal(t, "final", view[0].Content)
	assert.True(t, view[0].Edited)

	require.NoError(t, tr.ApplyDelete("m1", protocol.FromUnix(160)))
	assert.True(t, tr.View()[0].Deleted)

	// Unknown IDs are ignored
	require.NoError(t, tr.ApplyDelete("ghost", protocol.FromUnix(1)))
}

func TestOldestLoadedCursor(t *testing.T) {
	tr := New(nil)
	_, _, ok := tr.OldestLoaded()
	assert.False(t, ok)

	tr.Insert(msg("m5", "", 500, ""), false)
	tr.Insert(msg("m2", "", 200, ""), false)
	// Orphans count towards the cursor too; they are loaded history
	tr.Insert(msg("m1", "m0", 100, ""), false)

	id, at, ok := tr.OldestLoaded()
	require.True(t, ok)
	assert.Equal(t, protocol.MessageID("m1"), id)
	assert.Equal(t, int64(100), at.Unix())
}

type recordingPersister struct {
	inserted []protocol.MessageID
	err      error
}

func (p *recordingPersister) InsertMessage(m protocol.Message) error {
	if p.err != nil {
		return p.err
	}
	p.inserted = append(p.inserted, m.ID)
	return nil
}

func TestInsertMirrorsToPersister(t *testing.T) {
	p := &recordingPersister{}
	tr := New(p)

	tr.Insert(msg("m1", "", 100, ""), false)
	tr.Insert(msg("m3", "m2", 300, "orphan still persisted"), false)
	tr.Insert(msg("m1", "", 100, "duplicate not persisted"), false)

	assert.Equal(t, []protocol.MessageID{"m1", "m3"}, p.inserted)
}

func TestPersistFailureKeepsMessage(t *testing.T) {
	p := &recordingPersister{err: errors.New("database is locked")}
	tr := New(p)

	res, err := tr.Insert(msg("m1", "", 100, ""), false)
	assert.Error(t, err)
	assert.Equal(t, Attached, res)
	assert.Equal(t, 1, tr.Len(), "message survives a store failure")
}
