package gateway

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/billm/baaaht/awareness/pkg/types"
)

// ClientRecord binds a client identity to the principal that connected it
// and to the watcher linked to its peer.
type ClientRecord struct {
	ID          types.ClientID  `json:"client_id"`
	Owner       types.Principal `json:"owner"`
	Peer        PeerHandle      `json:"-"`
	ConnectedAt time.Time       `json:"connected_at"`

	watcher *deathWatcher
}

// String returns a string representation of the record
func (r ClientRecord) String() string {
	peer := "<nil>"
	if r.Peer != nil {
		peer = r.Peer.String()
	}
	return fmt.Sprintf("ClientRecord{ID: %d, Owner: %s, Peer: %s, ConnectedAt: %s}",
		r.ID, r.Owner, peer, r.ConnectedAt.Format(time.RFC3339))
}

// Registry is the table of live clients. Every read and write happens under
// one mutex; all operations are constant time so the lock is never held
// across a call into another component.
type Registry struct {
	mu      sync.Mutex
	records map[types.ClientID]*ClientRecord
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[types.ClientID]*ClientRecord),
	}
}

// Insert adds a record. An identity that is already present is an internal
// consistency fault: the allocator never hands out the same value twice.
func (r *Registry) Insert(rec *ClientRecord) error {
	if rec == nil || !rec.ID.IsValid() {
		return types.NewError(types.ErrCodeInternalConsistency, "invalid client record")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.ID]; exists {
		return types.NewError(types.ErrCodeInternalConsistency,
			fmt.Sprintf("client identity already registered: %d", rec.ID))
	}
	r.records[rec.ID] = rec
	return nil
}

// Owner returns the principal that owns id
func (r *Registry) Owner(id types.ClientID) (types.Principal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[id]
	if !exists {
		return types.Principal{}, false
	}
	return rec.Owner, true
}

// lookup returns the live record for id
func (r *Registry) lookup(id types.ClientID) (*ClientRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[id]
	return rec, exists
}

// Remove deletes id and returns the record it held. Removing an absent
// identity is a no-op reported by the second return value; of any number of
// concurrent callers for the same identity exactly one receives the record.
func (r *Registry) Remove(id types.ClientID) (*ClientRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[id]
	if !exists {
		return nil, false
	}
	delete(r.records, id)
	return rec, true
}

// Snapshot returns a point-in-time copy of every record, ordered by identity
func (r *Registry) Snapshot() []ClientRecord {
	r.mu.Lock()
	out := make([]ClientRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live clients
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
