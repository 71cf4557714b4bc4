package txledger

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/workescrow/internal/pagination"
)

var testHash = "0x" + strings.Repeat("ab", 32)

func TestWriter_Record(t *testing.T) {
	store := NewMemoryStore()
	w := NewWriter(store, nil)

	r, err := w.Record(context.Background(), Entry{
		MilestoneID: "m1",
		Purpose:     PurposeFundEscrow,
		ChainID:     31337,
		From:        "0x00000000000000000000000000000000000000B1",
		To:          "0x00000000000000000000000000000000000000E1",
		TxHash:      strings.ToUpper(testHash[:4]) + testHash[4:],
		UserID:      "client-1",
		BlockNumber: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, r.Status)
	assert.Equal(t, testHash, r.TxHash)
	assert.Equal(t, "0x00000000000000000000000000000000000000b1", r.From)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, 1, store.Len())
}

func TestWriter_DuplicateHashReturnsExisting(t *testing.T) {
	store := NewMemoryStore()
	w := NewWriter(store, nil)
	ctx := context.Background()

	first, err := w.Record(ctx, Entry{MilestoneID: "m1", Purpose: PurposeDeliverWork, TxHash: testHash})
	require.NoError(t, err)
	second, err := w.Record(ctx, Entry{MilestoneID: "m1", Purpose: PurposeDeliverWork, TxHash: testHash})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.Len())
}

func TestWriter_RejectsBadInput(t *testing.T) {
	w := NewWriter(NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := w.Record(ctx, Entry{Purpose: "refund", TxHash: testHash})
	assert.ErrorIs(t, err, ErrInvalidPurpose)

	_, err = w.Record(ctx, Entry{Purpose: PurposeFundEscrow, TxHash: "0x1234"})
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = w.Record(ctx, Entry{Purpose: PurposeFundEscrow})
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestMemoryStore_Lists(t *testing.T) {
	store := NewMemoryStore()
	w := NewWriter(store, nil)
	ctx := context.Background()

	for i, p := range []Purpose{PurposeFundEscrow, PurposeDeliverWork, PurposeApproveWork} {
		hash := "0x" + strings.Repeat(string("abc"[i]), 64)
		_, err := w.Record(ctx, Entry{MilestoneID: "m1", Purpose: p, TxHash: hash, UserID: "u1"})
		require.NoError(t, err)
	}
	_, err := w.Record(ctx, Entry{MilestoneID: "m2", Purpose: PurposeFundEscrow, TxHash: "0x" + strings.Repeat("d", 64), UserID: "u2"})
	require.NoError(t, err)

	byMilestone, err := store.ListByMilestone(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, byMilestone, 3)
	assert.Equal(t, PurposeFundEscrow, byMilestone[0].Purpose)

	byUser, err := store.ListByUser(ctx, "u1", 2, nil)
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, PurposeApproveWork, byUser[0].Purpose)

	rest, err := store.ListByUser(ctx, "u1", 2, &pagination.Cursor{CreatedAt: byUser[1].CreatedAt, ID: byUser[1].ID})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, PurposeFundEscrow, rest[0].Purpose)

	_, err = store.GetByHash(ctx, "0x"+strings.Repeat("f", 64))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurpose_Valid(t *testing.T) {
	for _, p := range []Purpose{
		PurposeFundEscrow, PurposeDeliverWork, PurposeApproveWork, PurposeWithdrawFunds,
		PurposeInitiateDispute, PurposePayDisputeFee, PurposeBuyerJoinDispute,
		PurposeResolveDispute, PurposeCancelEscrow, PurposeCreateEscrow,
	} {
		assert.True(t, p.Valid(), p)
	}
	assert.False(t, Purpose("withdraw").Valid())
}
