// Package correlator matches asynchronous replies to the commands that
// requested them. Command IDs are strictly increasing within one
// socket epoch and never cross epochs: Reset clears the table and
// restarts the counter, so a stale reply from a previous connection can
// never resolve against the current one.
package correlator

import (
	"strconv"
	"sync"
	"time"
)

// Purpose is the semantic intent of an in-flight command.
type Purpose int

const (
	PurposeJoin Purpose = iota
	PurposeIdentify
	PurposeWho
	PurposeSend
	PurposeLog
	PurposeNick
)

func (p Purpose) String() string {
	switch p {
	case PurposeJoin:
		return "join"
	case PurposeIdentify:
		return "identify"
	case PurposeWho:
		return "who"
	case PurposeSend:
		return "send"
	case PurposeLog:
		return "log"
	case PurposeNick:
		return "nick"
	default:
		return "unknown"
	}
}

// Pending describes one command awaiting its reply.
type Pending struct {
	ID       string
	Purpose  Purpose
	IssuedAt time.Time
}

// Correlator tracks in-flight command IDs. It is the one piece of the
// room core that is mutated from multiple goroutines (facade intents
// submit, the room loop resolves), so it carries its own lock.
type Correlator struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[string]Pending
	now     func() time.Time
}

// New creates an empty correlator.
func New() *Correlator {
	return &Correlator{
		pending: make(map[string]Pending),
		now:     time.Now,
	}
}

// Submit allocates the next command ID and records the purpose waiting
// on it.
func (c *Correlator) Submit(purpose Purpose) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	c.pending[id] = Pending{ID: id, Purpose: purpose, IssuedAt: c.now()}
	return id
}

// Resolve removes and returns the pending entry for a reply ID. A
// false result means the ID is unknown (late, duplicate, or from a
// previous epoch); callers log and discard those.
func (c *Correlator) Resolve(id string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return p, ok
}

// Expire removes and returns every entry pending longer than timeout,
// so the waiting operation can be failed as timed out instead of
// hanging forever.
func (c *Correlator) Expire(timeout time.Duration) []Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-timeout)
	var expired []Pending
	for id, p := range c.pending {
		if p.IssuedAt.Before(cutoff) {
			expired = append(expired, p)
			delete(c.pending, id)
		}
	}
	return expired
}

// Reset clears the table for a fresh socket epoch and returns what was
// pending so each purpose can be failed as connection reset. The ID
// counter restarts, making pre-reset IDs unresolvable afterwards.
func (c *Correlator) Reset() []Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	var orphaned []Pending
	for _, p := range c.pending {
		orphaned = append(orphaned, p)
	}
	c.pending = make(map[string]Pending)
	c.nextID = 0
	return orphaned
}

// Len returns the number of in-flight commands.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
