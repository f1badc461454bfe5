package embedded

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/organledger/internal/chaincode"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

var harvested = time.Date(2026, 4, 2, 6, 30, 0, 0, time.UTC)

func kidney(id string) chaincode.OrganRecord {
	return chaincode.OrganRecord{
		OrganID:     id,
		OrganType:   "KIDNEY",
		BloodType:   "O+",
		HarvestedAt: harvested,
		ExpiresAt:   harvested.Add(36 * time.Hour),
	}
}

func TestSubmitAndQuery(t *testing.T) {
	ctx := context.Background()
	l, err := Open("", Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	receipt, err := l.Submit(ctx, domain.LedgerOrgan, domain.FnRegisterOrgan, kidney("K-1"))
	require.NoError(t, err)
	require.True(t, receipt.OK)
	require.Len(t, receipt.TxID, 64)
	assert.Equal(t, uint64(1), l.Height())

	var organ chaincode.OrganRecord
	require.NoError(t, l.Query(ctx, domain.LedgerOrgan, domain.FnGetOrgan, chaincode.Lookup{OrganID: "K-1"}, &organ))
	assert.Equal(t, "AVAILABLE", organ.Status)

	rec, err := l.Transaction(receipt.TxID)
	require.NoError(t, err)
	assert.Equal(t, domain.FnRegisterOrgan, rec.Function)
}

func TestRejectedSubmitLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	l, err := Open("", Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	receipt, err := l.Submit(ctx, domain.LedgerOrgan, domain.FnAllocateOrgan, chaincode.AllocationRecord{OrganID: "missing", MatchID: "m"})
	require.NoError(t, err)
	assert.False(t, receipt.OK)
	assert.Contains(t, receipt.Message, "does not exist")
	assert.Zero(t, l.Height())
}

func TestStaleReadsServePreviousState(t *testing.T) {
	ctx := context.Background()
	l, err := Open("", Options{StaleReads: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	_, err = l.Submit(ctx, domain.LedgerOrgan, domain.FnRegisterOrgan, kidney("K-1"))
	require.NoError(t, err)

	var organ chaincode.OrganRecord
	for i := 0; i < 2; i++ {
		require.Error(t, l.Query(ctx, domain.LedgerOrgan, domain.FnGetOrgan, chaincode.Lookup{OrganID: "K-1"}, &organ))
	}
	require.NoError(t, l.Query(ctx, domain.LedgerOrgan, domain.FnGetOrgan, chaincode.Lookup{OrganID: "K-1"}, &organ))
	assert.Equal(t, "K-1", organ.OrganID)
}

func TestStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger")

	l, err := Open(path, Options{})
	require.NoError(t, err)
	first, err := l.Submit(ctx, domain.LedgerOrgan, domain.FnRegisterOrgan, kidney("K-1"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	assert.Equal(t, uint64(1), l.Height())

	second, err := l.Submit(ctx, domain.LedgerOrgan, domain.FnRegisterOrgan, kidney("K-2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.TxID, second.TxID)
	assert.Equal(t, uint64(2), l.Height())
}

func TestCancelledContext(t *testing.T) {
	l, err := Open("", Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Submit(ctx, domain.LedgerOrgan, domain.FnRegisterOrgan, kidney("K-1"))
	require.ErrorIs(t, err, context.Canceled)
}
