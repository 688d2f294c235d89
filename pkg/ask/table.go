package ask

import (
	"sync"

	"github.com/google/uuid"
)

// pending is a live correlation table entry. All of its fields are set
// under the table lock before the entry is published into the indexes and
// never written again; readers obtain the entry through the same lock, so
// no half-built entry is ever observable.
type pending struct {
	id         string
	externalID string // caller-protocol correlation id, "" if none
	req        Request
	timer      *Countdown
	watch      *DropWatch
	done       chan Outcome // buffered(1); written exactly once at settlement
}

// Table is the dual-index correlation table: primary index by internal id,
// secondary index translating the caller protocol's own request id back to
// the internal one (needed only for notifications/cancelled).
//
// Insert and Remove update both indexes under one lock, so no entry can
// ever be observed with a dangling cross-reference.
type Table struct {
	mu       sync.Mutex
	byID     map[string]*pending
	external map[string]string // external id → internal id
}

// NewTable creates an empty correlation table.
func NewTable() *Table {
	return &Table{
		byID:     make(map[string]*pending),
		external: make(map[string]string),
	}
}

// Insert creates a new entry, runs arm to complete it (attach the timer
// and the drop watch), and only then publishes it into both indexes — all
// under one lock. A cancellation arriving on another connection the moment
// the external id resolves therefore always observes a fully built entry.
// arm runs with the lock held and must not call back into the table; the
// timer and watch fire from their own goroutines, which serialize behind
// the publish. The internal id is a fresh uuid, never reused. externalID
// may be empty.
func (t *Table) Insert(req Request, externalID string, arm func(p *pending)) *pending {
	p := &pending{
		id:         uuid.NewString(),
		externalID: externalID,
		req:        req,
		done:       make(chan Outcome, 1),
	}
	p.req.ID = p.id

	t.mu.Lock()
	if arm != nil {
		arm(p)
	}
	t.byID[p.id] = p
	if externalID != "" {
		t.external[externalID] = p.id
	}
	t.mu.Unlock()
	return p
}

// Get returns the entry for id, or nil.
func (t *Table) Get(id string) *pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[id]
}

// ByExternalID translates a caller-protocol id to the live entry, or nil if
// no mapping exists (a valid race: the call may have already settled).
func (t *Table) ByExternalID(externalID string) *pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.external[externalID]
	if !ok {
		return nil
	}
	return t.byID[id]
}

// Remove deletes id from both indexes. It returns the removed entry to
// exactly one caller; concurrent removers of the same id get (nil, false)
// and must perform no side effects. This is the idempotency guard every
// settlement path funnels through.
func (t *Table) Remove(id string) (*pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, id)
	if p.externalID != "" {
		delete(t.external, p.externalID)
	}
	return p, true
}

// Drain removes and returns every live entry. Used when the server is torn
// down and all survivors must be force-settled.
func (t *Table) Drain() []*pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pending, 0, len(t.byID))
	for _, p := range t.byID {
		out = append(out, p)
	}
	t.byID = make(map[string]*pending)
	t.external = make(map[string]string)
	return out
}

// Len returns the number of in-flight entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
