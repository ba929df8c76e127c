package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/pagination"
)

func storeDeal(t *testing.T, s *MemoryStore, id string, status Status, mutate func(*Deal)) {
	t.Helper()
	d := newTestDeal()
	d.ID = id
	d.Status = status
	if mutate != nil {
		mutate(d)
	}
	require.NoError(t, s.Create(context.Background(), d))
}

func at(d time.Duration) *time.Time {
	v := t0.Add(d)
	return &v
}

func TestMemoryStore_CreateGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d := newTestDeal()
	require.NoError(t, s.Create(ctx, d))
	assert.Equal(t, int64(1), d.Version)
	assert.ErrorIs(t, s.Create(ctx, d), errDuplicateDeal)

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	// Returned deals are copies.
	got.Status = StatusCompleted
	again, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Status, again.Status)

	_, err = s.Get(ctx, "deal_missing")
	assert.ErrorIs(t, err, ErrDealNotFound)
}

func TestMemoryStore_UpdateVersionCheck(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d := newTestDeal()
	require.NoError(t, s.Create(ctx, d))

	first, _ := s.Get(ctx, d.ID)
	second, _ := s.Get(ctx, d.ID)

	first.Status = StatusAwaitingDeposit
	require.NoError(t, s.Update(ctx, first, 1))
	assert.Equal(t, int64(2), first.Version)

	second.Status = StatusCancelled
	assert.ErrorIs(t, s.Update(ctx, second, 1), ErrVersionConflict)

	got, _ := s.Get(ctx, d.ID)
	assert.Equal(t, StatusAwaitingDeposit, got.Status)

	assert.ErrorIs(t, s.Update(ctx, &Deal{ID: "deal_missing"}, 1), ErrDealNotFound)
}

func TestMemoryStore_ListDue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	storeDeal(t, s, "deal_late", StatusInFinalApproval, func(d *Deal) { d.FinalApprovalDeadline = at(2 * time.Hour) })
	storeDeal(t, s, "deal_early", StatusInFinalApproval, func(d *Deal) { d.FinalApprovalDeadline = at(time.Hour) })
	storeDeal(t, s, "deal_exact", StatusInFinalApproval, func(d *Deal) { d.FinalApprovalDeadline = at(3 * time.Hour) })
	storeDeal(t, s, "deal_future", StatusInFinalApproval, func(d *Deal) { d.FinalApprovalDeadline = at(4 * time.Hour) })
	storeDeal(t, s, "deal_disputed", StatusInDispute, func(d *Deal) { d.DisputeResolutionDeadline = at(time.Hour) })
	storeDeal(t, s, "deal_cc", StatusInFinalApproval, func(d *Deal) {
		d.IsCrossChain = true
		d.FinalApprovalDeadline = at(90 * time.Minute)
	})

	due, err := s.ListDue(ctx, DueQuery{
		Status:   StatusInFinalApproval,
		Deadline: FinalApprovalDeadline,
		Before:   t0.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	ids := make([]string, len(due))
	for i, d := range due {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"deal_early", "deal_cc", "deal_late", "deal_exact"}, ids, "inclusive and ordered by deadline")

	limited, err := s.ListDue(ctx, DueQuery{
		Status:   StatusInFinalApproval,
		Deadline: FinalApprovalDeadline,
		Before:   t0.Add(3 * time.Hour),
		Limit:    2,
	})
	require.NoError(t, err)
	require.Len(t, limited, 2)

	last := DueKeyset(limited[1], FinalApprovalDeadline)
	rest, err := s.ListDue(ctx, DueQuery{
		Status:   StatusInFinalApproval,
		Deadline: FinalApprovalDeadline,
		Before:   t0.Add(3 * time.Hour),
		Limit:    2,
		After:    &last,
	})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "deal_late", rest[0].ID)
	assert.Equal(t, "deal_exact", rest[1].ID)

	cc, err := s.ListDue(ctx, DueQuery{
		Status:         StatusInFinalApproval,
		Deadline:       FinalApprovalDeadline,
		Before:         t0.Add(3 * time.Hour),
		CrossChainOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, cc, 1)
	assert.Equal(t, "deal_cc", cc[0].ID)

	disputes, err := s.ListDue(ctx, DueQuery{
		Status:   StatusInDispute,
		Deadline: DisputeResolutionDeadline,
		Before:   t0.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, disputes, 1)
}

func TestMemoryStore_ListByStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	storeDeal(t, s, "deal_b", StatusReadyForUniversalRelease, func(d *Deal) {
		d.IsCrossChain = true
		d.CreatedAt = t0.Add(time.Hour)
	})
	storeDeal(t, s, "deal_a", StatusReadyForUniversalRelease, func(d *Deal) {
		d.IsCrossChain = true
		d.CreatedAt = t0
	})
	storeDeal(t, s, "deal_local", StatusReadyForUniversalRelease, nil)

	all, err := s.ListByStatus(ctx, StatusReadyForUniversalRelease, false, 0, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	cc, err := s.ListByStatus(ctx, StatusReadyForUniversalRelease, true, 0, nil)
	require.NoError(t, err)
	require.Len(t, cc, 2)
	assert.Equal(t, "deal_a", cc[0].ID)
	assert.Equal(t, "deal_b", cc[1].ID)

	first := CreatedKeyset(cc[0])
	page, err := s.ListByStatus(ctx, StatusReadyForUniversalRelease, true, 1, &first)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "deal_b", page[0].ID)
}

func TestMemoryStore_ListDueTiesBreakOnID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"deal_c", "deal_a", "deal_b"} {
		storeDeal(t, s, id, StatusInFinalApproval, func(d *Deal) { d.FinalApprovalDeadline = at(time.Hour) })
	}

	q := DueQuery{Status: StatusInFinalApproval, Deadline: FinalApprovalDeadline, Before: t0.Add(time.Hour), Limit: 1}
	var seen []string
	for {
		page, err := s.ListDue(ctx, q)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		seen = append(seen, page[0].ID)
		k := DueKeyset(page[0], FinalApprovalDeadline)
		q.After = &k
	}
	assert.Equal(t, []string{"deal_a", "deal_b", "deal_c"}, seen)
}

func TestMemoryStore_ListByParty(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	storeDeal(t, s, "deal_old", StatusAwaitingDeposit, nil)
	storeDeal(t, s, "deal_new", StatusAwaitingDeposit, func(d *Deal) { d.CreatedAt = t0.Add(time.Hour) })
	storeDeal(t, s, "deal_other", StatusAwaitingDeposit, func(d *Deal) {
		d.BuyerID = "someone"
		d.SellerID = "else"
	})

	deals, err := s.ListByParty(ctx, "seller", 10, nil)
	require.NoError(t, err)
	require.Len(t, deals, 2)
	assert.Equal(t, "deal_new", deals[0].ID)

	older, err := s.ListByParty(ctx, "seller", 10, &pagination.Cursor{CreatedAt: deals[0].CreatedAt, ID: deals[0].ID})
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, "deal_old", older[0].ID)

	none, err := s.ListByParty(ctx, "", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}
