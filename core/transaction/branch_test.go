package transaction

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBranchDelistIsExactlyOnce(t *testing.T) {
	b := NewBranch("tx-1", nil)
	require.False(t, b.MarkDelisted(), "never-enlisted branch cannot be delisted")
	require.True(t, b.MarkEnlisted())

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.MarkDelisted() {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), wins)
	require.Equal(t, BranchDelisted, b.State())
	require.False(t, b.MarkEnlisted(), "delisted branch cannot be re-enlisted")
}

func TestBranchSuspendResume(t *testing.T) {
	b := NewBranch("tx-2", nil)
	require.False(t, b.MarkSuspended())
	require.True(t, b.MarkEnlisted())
	require.True(t, b.MarkSuspended())
	require.Equal(t, BranchSuspended, b.State())
	require.True(t, b.MarkEnlisted())
	require.True(t, b.ClaimSynchronization())
	require.False(t, b.ClaimSynchronization())
}

func TestContextCarriesTransaction(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)

	ctx := WithTransaction(context.Background(), "tx-3")
	id, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, ID("tx-3"), id)

	_, ok = FromContext(WithoutTransaction(ctx))
	require.False(t, ok)
}

func TestStatusCompleted(t *testing.T) {
	require.True(t, StatusCommitted.Completed())
	require.True(t, StatusRolledBack.Completed())
	require.False(t, StatusActive.Completed())
	require.False(t, StatusMarkedRollback.Completed())
	require.Equal(t, "marked_rollback", StatusMarkedRollback.String())
}
