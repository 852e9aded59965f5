package gateway

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/billm/baaaht/awareness/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(id types.ClientID, owner types.Principal) *ClientRecord {
	return &ClientRecord{ID: id, Owner: owner, ConnectedAt: time.Now()}
}

func TestRegistryInsertOwner(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(newRecord(1, alice)))

	owner, ok := r.Owner(1)
	require.True(t, ok)
	assert.Equal(t, alice, owner)

	_, ok = r.Owner(2)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryInsertDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(newRecord(1, alice)))

	err := r.Insert(newRecord(1, bob))
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInternalConsistency))

	owner, _ := r.Owner(1)
	assert.Equal(t, alice, owner, "owner must not change")
}

func TestRegistryInsertInvalid(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Insert(nil))
	assert.Error(t, r.Insert(newRecord(types.NoClient, alice)))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(newRecord(7, alice)))

	rec, ok := r.Remove(7)
	require.True(t, ok)
	assert.Equal(t, types.ClientID(7), rec.ID)

	rec, ok = r.Remove(7)
	assert.False(t, ok)
	assert.Nil(t, rec)

	_, ok = r.Remove(99)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRemoveConcurrentSingleWinner(t *testing.T) {
	r := NewRegistry()
	for id := types.ClientID(1); id <= 50; id++ {
		require.NoError(t, r.Insert(newRecord(id, alice)))
	}

	var winners atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := types.ClientID(1); id <= 50; id++ {
				if _, ok := r.Remove(id); ok {
					winners.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), winners.Load())
	assert.Equal(t, 0, r.Len())
}

func TestRegistrySnapshotSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []types.ClientID{5, 2, 9, 1} {
		require.NoError(t, r.Insert(newRecord(id, bob)))
	}

	snap := r.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, []types.ClientID{1, 2, 5, 9},
		[]types.ClientID{snap[0].ID, snap[1].ID, snap[2].ID, snap[3].ID})

	// The snapshot is a copy.
	r.Remove(1)
	assert.Len(t, snap, 4)
	assert.Equal(t, 3, r.Len())
}
