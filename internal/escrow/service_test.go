package escrow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/network"
	"github.com/mbd888/escrowd/internal/pagination"
)

const (
	evmBuyer  = "0x52908400098527886E0F7030069857D2E4169EE7"
	evmSeller = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
	solWallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	btcWallet = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
)

type fakeSettler struct {
	mu       sync.Mutex
	releases []string
	cancels  []string
	fail     error
}

func (f *fakeSettler) TriggerRelease(_ context.Context, h Handle, dealID string) (*SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.releases = append(f.releases, dealID)
	return &SettlementResult{TxHash: "0xrelease_" + dealID}, nil
}

func (f *fakeSettler) TriggerCancel(_ context.Context, h Handle, dealID string) (*SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.cancels = append(f.cancels, dealID)
	return &SettlementResult{TxHash: "0xcancel_" + dealID}, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *clock) {
	t.Helper()
	resolver, err := network.NewResolver(network.Config{})
	require.NoError(t, err)
	store := NewMemoryStore()
	clk := &clock{now: t0}
	svc := NewService(store, NewMachine(DefaultPolicy()), resolver).WithClock(clk.Now)
	return svc, store, clk
}

func validRequest() CreateRequest {
	return CreateRequest{
		BuyerID:           "buyer",
		SellerID:          "seller",
		BuyerWallet:       evmBuyer,
		SellerWallet:      evmSeller,
		Amount:            "1000",
		Token:             "USDC",
		SettlementAddress: "0x1111111111111111111111111111111111111111",
	}
}

func TestService_CreateDeal(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	deal, err := svc.CreateDeal(ctx, validRequest())
	require.NoError(t, err)
	assert.True(t, len(deal.ID) > len("deal_"))
	assert.Equal(t, StatusAwaitingConditionSetup, deal.Status)
	assert.Equal(t, "ethereum", deal.BuyerNetwork)
	assert.False(t, deal.IsCrossChain)
	assert.Equal(t, int64(1), deal.Version)
	require.Len(t, deal.Timeline, 1)
	assert.Equal(t, "deal_created", deal.Timeline[0].Event)

	stored, err := store.Get(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, deal, stored)
}

func TestService_CreateDealWithConditions(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := validRequest()
	req.Conditions = []ConditionInput{{ID: "delivery", Description: "goods delivered"}}

	deal, err := svc.CreateDeal(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingDeposit, deal.Status)
	assert.Len(t, deal.Conditions, 1)
}

// Scenario D: a Solana buyer paying an Ethereum seller is cross-chain.
func TestService_CreateDeal_CrossChain(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := validRequest()
	req.BuyerWallet = solWallet

	deal, err := svc.CreateDeal(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, deal.IsCrossChain)
	assert.Equal(t, "solana", deal.BuyerNetwork)
	assert.Equal(t, "ethereum", deal.SellerNetwork)
	require.NotNil(t, deal.Timeline[0].CrossChainDetails)
	assert.Equal(t, "solana", deal.Timeline[0].CrossChainDetails.SourceNetwork)
}

func TestService_CreateDeal_TokenRoutingIsCrossChain(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := validRequest()
	req.TokenRouting = "DAI"

	deal, err := svc.CreateDeal(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, deal.IsCrossChain)
}

func TestService_CreateDeal_Rejections(t *testing.T) {
	svc, _, _ := newTestService(t)

	tests := []struct {
		name    string
		mutate  func(*CreateRequest)
		wantErr error
	}{
		{"missing buyer", func(r *CreateRequest) { r.BuyerID = "" }, ErrInvalidDeal},
		{"buyer is seller", func(r *CreateRequest) { r.SellerID = r.BuyerID }, ErrInvalidDeal},
		{"non numeric amount", func(r *CreateRequest) { r.Amount = "abc" }, ErrInvalidDeal},
		{"zero amount", func(r *CreateRequest) { r.Amount = "0" }, ErrInvalidAmount},
		{"fractional amount", func(r *CreateRequest) { r.Amount = "1.5" }, ErrInvalidAmount},
		{"no bridge for bitcoin to solana", func(r *CreateRequest) {
			r.BuyerWallet = btcWallet
			r.SellerWallet = solWallet
		}, ErrUnsupportedNetwork},
		{"unknown network hint", func(r *CreateRequest) { r.BuyerNetwork = "dogecoin" }, ErrUnsupportedNetwork},
		{"duplicate conditions", func(r *CreateRequest) {
			r.Conditions = []ConditionInput{{ID: "a"}, {ID: "a"}}
		}, ErrInvalidConditions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := svc.CreateDeal(context.Background(), req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestService_StrictClassificationRejectsUnknownWallet(t *testing.T) {
	resolver, err := network.NewResolver(network.Config{Strict: true})
	require.NoError(t, err)
	svc := NewService(NewMemoryStore(), NewMachine(DefaultPolicy()), resolver)

	req := validRequest()
	req.SellerWallet = "seller-wallet-that-is-not-an-address"
	_, err = svc.CreateDeal(context.Background(), req)
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)
}

func TestService_FullFlow(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()

	deal, err := svc.CreateDeal(ctx, validRequest())
	require.NoError(t, err)
	id := deal.ID

	_, err = svc.SetConditions(ctx, id, "stranger", []ConditionInput{{ID: "a"}})
	assert.ErrorIs(t, err, ErrUnauthorized)

	deal, err = svc.SetConditions(ctx, id, "seller", []ConditionInput{{ID: "a"}})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingDeposit, deal.Status)

	deal, err = svc.ConfirmDeposit(ctx, id, "1000", "0xdep")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingFulfillment, deal.Status)

	_, err = svc.FulfillCondition(ctx, id, "seller", "a", "")
	assert.ErrorIs(t, err, ErrUnauthorized, "only the buyer fulfils conditions")

	deal, err = svc.FulfillCondition(ctx, id, "buyer", "a", "looks good")
	require.NoError(t, err)
	assert.Equal(t, StatusReadyForFinalApproval, deal.Status)

	deal, err = svc.StartFinalApproval(ctx, id, "buyer")
	require.NoError(t, err)
	assert.Equal(t, StatusInFinalApproval, deal.Status)

	clk.Advance(49 * time.Hour)
	_, err = svc.RaiseDispute(ctx, id, "buyer", "a", "too late")
	assert.ErrorIs(t, err, ErrDeadlinePassed)

	deal, err = svc.ReleaseAfterApprovalElapsed(ctx, id, "0xrel")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, deal.Status)
	assert.Equal(t, "20", deal.ServiceFee)
	assert.Equal(t, "980", deal.SellerPayout)
	assert.Equal(t, int64(6), deal.Version)
}

func TestService_DisputeAndExpiry(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()

	req := validRequest()
	req.Conditions = []ConditionInput{{ID: "a"}}
	deal, err := svc.CreateDeal(ctx, req)
	require.NoError(t, err)
	id := deal.ID

	_, err = svc.ConfirmDeposit(ctx, id, "1000", "")
	require.NoError(t, err)
	_, err = svc.FulfillCondition(ctx, id, "buyer", "a", "")
	require.NoError(t, err)
	_, err = svc.StartFinalApproval(ctx, id, "buyer")
	require.NoError(t, err)

	deal, err = svc.RaiseDispute(ctx, id, "buyer", "a", "not as described")
	require.NoError(t, err)
	assert.Equal(t, StatusInDispute, deal.Status)
	assert.Equal(t, "not as described", deal.Timeline[len(deal.Timeline)-1].Detail)

	_, err = svc.CancelOnDisputeExpiry(ctx, id, "")
	assert.ErrorIs(t, err, ErrDeadlineNotReached)

	clk.Advance(7*24*time.Hour + time.Minute)
	deal, err = svc.CancelOnDisputeExpiry(ctx, id, "0xcancel")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, deal.Status)
	assert.Equal(t, "1000", deal.RefundAmount)
}

func TestService_MutualCancelAfterDeposit(t *testing.T) {
	svc, _, _ := newTestService(t)
	settler := &fakeSettler{}
	svc.WithSettler(settler)
	ctx := context.Background()

	req := validRequest()
	req.Conditions = []ConditionInput{{ID: "a"}}
	deal, err := svc.CreateDeal(ctx, req)
	require.NoError(t, err)
	_, err = svc.ConfirmDeposit(ctx, deal.ID, "1000", "")
	require.NoError(t, err)

	_, err = svc.MutualCancel(ctx, deal.ID, "stranger")
	assert.ErrorIs(t, err, ErrUnauthorized)

	settler.fail = errors.New("rpc unavailable")
	_, err = svc.MutualCancel(ctx, deal.ID, "seller")
	assert.ErrorIs(t, err, ErrSettlementFailed)

	unchanged, err := svc.Get(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingFulfillment, unchanged.Status)
	assert.Equal(t, "cancel_failed", unchanged.Timeline[len(unchanged.Timeline)-1].Event)

	settler.fail = nil
	cancelled, err := svc.MutualCancel(ctx, deal.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "1000", cancelled.RefundAmount)
	assert.Equal(t, []string{deal.ID}, settler.cancels)
	assert.Equal(t, "0xcancel_"+deal.ID, cancelled.Timeline[len(cancelled.Timeline)-1].TransactionHash)
}

func TestService_MutualCancelWithoutDepositSkipsSettler(t *testing.T) {
	svc, _, _ := newTestService(t)
	settler := &fakeSettler{}
	svc.WithSettler(settler)

	deal, err := svc.CreateDeal(context.Background(), validRequest())
	require.NoError(t, err)

	cancelled, err := svc.MutualCancel(context.Background(), deal.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Empty(t, settler.cancels)
}

// failingUpdateStore fails the next armed Update with a non-retryable error.
type failingUpdateStore struct {
	*MemoryStore
	armed atomic.Bool
}

func (f *failingUpdateStore) Update(ctx context.Context, d *Deal, expected int64) error {
	if f.armed.CompareAndSwap(true, false) {
		return errors.New("connection reset by peer")
	}
	return f.MemoryStore.Update(ctx, d, expected)
}

func TestService_MutualCancelRecordsTxWhenWriteFails(t *testing.T) {
	resolver, err := network.NewResolver(network.Config{})
	require.NoError(t, err)
	store := &failingUpdateStore{MemoryStore: NewMemoryStore()}
	settler := &fakeSettler{}
	svc := NewService(store, NewMachine(DefaultPolicy()), resolver).WithSettler(settler)
	ctx := context.Background()

	req := validRequest()
	req.Conditions = []ConditionInput{{ID: "a"}}
	deal, err := svc.CreateDeal(ctx, req)
	require.NoError(t, err)
	_, err = svc.ConfirmDeposit(ctx, deal.ID, "1000", "")
	require.NoError(t, err)

	store.armed.Store(true)
	_, err = svc.MutualCancel(ctx, deal.ID, "buyer")
	require.Error(t, err)
	assert.Equal(t, []string{deal.ID}, settler.cancels)

	got, err := svc.Get(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingFulfillment, got.Status)
	last := got.Timeline[len(got.Timeline)-1]
	assert.Equal(t, "cancel_record_failed", last.Event)
	assert.Equal(t, "0xcancel_"+deal.ID, last.TransactionHash)
	assert.Equal(t, "buyer", last.UserID)
}

func TestService_MutualCancelRejectedBeforeSettlerCall(t *testing.T) {
	svc, _, _ := newTestService(t)
	settler := &fakeSettler{}
	svc.WithSettler(settler)
	ctx := context.Background()

	req := validRequest()
	req.Conditions = []ConditionInput{{ID: "a"}}
	deal, err := svc.CreateDeal(ctx, req)
	require.NoError(t, err)
	_, err = svc.ConfirmDeposit(ctx, deal.ID, "1000", "")
	require.NoError(t, err)
	_, err = svc.FulfillCondition(ctx, deal.ID, "buyer", "a", "")
	require.NoError(t, err)

	_, err = svc.MutualCancel(ctx, deal.ID, "buyer")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Empty(t, settler.cancels, "contract must not be cancelled for a rejected transition")
}

func TestService_MutualCancelMissingHandle(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.WithSettler(&fakeSettler{})
	ctx := context.Background()

	req := validRequest()
	req.SettlementAddress = ""
	req.Conditions = []ConditionInput{{ID: "a"}}
	deal, err := svc.CreateDeal(ctx, req)
	require.NoError(t, err)
	_, err = svc.ConfirmDeposit(ctx, deal.ID, "1000", "")
	require.NoError(t, err)

	_, err = svc.MutualCancel(ctx, deal.ID, "buyer")
	assert.ErrorIs(t, err, ErrMissingSettlementHandle)
}

func TestService_AppendTimeline(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	deal, err := svc.CreateDeal(ctx, validRequest())
	require.NoError(t, err)

	require.NoError(t, svc.AppendTimeline(ctx, deal.ID, TimelineEvent{Event: "settlement_failed", Detail: "rpc timeout"}))

	got, err := svc.Get(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, deal.Status, got.Status)
	last := got.Timeline[len(got.Timeline)-1]
	assert.Equal(t, "settlement_failed", last.Event)
	assert.True(t, last.System)
	assert.Equal(t, t0, last.Timestamp)

	assert.ErrorIs(t, svc.AppendTimeline(ctx, "deal_missing", TimelineEvent{Event: "x"}), ErrDealNotFound)
}

// conflictStore fails the first n updates with a version conflict after
// bumping the stored version, as a concurrent writer would.
type conflictStore struct {
	*MemoryStore
	remaining atomic.Int32
}

func (c *conflictStore) Update(ctx context.Context, d *Deal, expected int64) error {
	if c.remaining.Add(-1) >= 0 {
		current, err := c.MemoryStore.Get(ctx, d.ID)
		if err != nil {
			return err
		}
		current.Timeline = append(current.Timeline, TimelineEvent{Event: "concurrent_write"})
		if err := c.MemoryStore.Update(ctx, current, current.Version); err != nil {
			return err
		}
	}
	return c.MemoryStore.Update(ctx, d, expected)
}

func TestService_RetriesVersionConflicts(t *testing.T) {
	resolver, err := network.NewResolver(network.Config{})
	require.NoError(t, err)
	store := &conflictStore{MemoryStore: NewMemoryStore()}
	svc := NewService(store, NewMachine(DefaultPolicy()), resolver)
	ctx := context.Background()

	deal, err := svc.CreateDeal(ctx, validRequest())
	require.NoError(t, err)

	store.remaining.Store(2)
	updated, err := svc.SetConditions(ctx, deal.ID, "buyer", []ConditionInput{{ID: "a"}})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingDeposit, updated.Status)
	assert.Equal(t, int64(4), updated.Version, "two concurrent writes plus ours")

	events := make([]string, 0, len(updated.Timeline))
	for _, ev := range updated.Timeline {
		events = append(events, ev.Event)
	}
	assert.Equal(t, []string{"deal_created", "concurrent_write", "concurrent_write", "conditions_set"}, events,
		"re-applied on the fresh snapshot, nothing lost")
}

func TestService_ConcurrentFulfilmentsAreSerialised(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	req := validRequest()
	req.Conditions = []ConditionInput{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	deal, err := svc.CreateDeal(ctx, req)
	require.NoError(t, err)
	_, err = svc.ConfirmDeposit(ctx, deal.ID, "1000", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(cid string) {
			defer wg.Done()
			_, err := svc.FulfillCondition(ctx, deal.ID, "buyer", cid, "")
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	final, err := svc.Get(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReadyForFinalApproval, final.Status)
	assert.True(t, final.AllConditionsMet())
}

func TestService_ListByParty(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.CreateDeal(ctx, validRequest())
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}

	deals, next, err := svc.ListByParty(ctx, "seller", 2, "")
	require.NoError(t, err)
	require.Len(t, deals, 2)
	assert.True(t, deals[0].CreatedAt.After(deals[1].CreatedAt), "newest first")
	require.NotEmpty(t, next)

	rest, next, err := svc.ListByParty(ctx, "seller", 2, next)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Empty(t, next)
	assert.True(t, rest[0].CreatedAt.Before(deals[1].CreatedAt))

	_, _, err = svc.ListByParty(ctx, "seller", 2, "not-a-cursor!")
	assert.ErrorIs(t, err, pagination.ErrInvalidCursor)

	none, _, err := svc.ListByParty(ctx, "nobody", 10, "")
	require.NoError(t, err)
	assert.Empty(t, none)
}
