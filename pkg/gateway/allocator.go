package gateway

import (
	"sync/atomic"

	"github.com/billm/baaaht/awareness/pkg/types"
)

// Allocator issues client identities. The first identity is 1; every call
// returns a value strictly greater than all values returned before it, so
// concurrent callers never share an identity.
type Allocator struct {
	last atomic.Int64
}

// NewAllocator creates an allocator whose first identity is 1
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Next returns a fresh client identity
func (a *Allocator) Next() types.ClientID {
	return types.ClientID(a.last.Add(1))
}

// Peek returns the identity the next call to Next will return
func (a *Allocator) Peek() types.ClientID {
	return types.ClientID(a.last.Load() + 1)
}
