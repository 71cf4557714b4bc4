package reconcile

import (
	"context"
	"errors"
	"math/big"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/workescrow/internal/chain"
	"github.com/mbd888/workescrow/internal/circuitbreaker"
	"github.com/mbd888/workescrow/internal/events"
	"github.com/mbd888/workescrow/internal/milestone"
	"github.com/mbd888/workescrow/internal/syncutil"
	"github.com/mbd888/workescrow/internal/txledger"
)

var (
	escrowAddr = "0x00000000000000000000000000000000000000e1"
	buyer      = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	vendor     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type fakeReader struct {
	mu       sync.Mutex
	infos    map[common.Address]*chain.EscrowInfo
	txStates map[string]chain.TxState
	readErr  error
	reads    int
}

func newFakeReader() *fakeReader {
	return &fakeReader{infos: map[common.Address]*chain.EscrowInfo{}, txStates: map[string]chain.TxState{}}
}

func (f *fakeReader) setState(addr string, state chain.State) *chain.EscrowInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := &chain.EscrowInfo{
		Address:          common.HexToAddress(addr),
		Buyer:            buyer,
		Vendor:           vendor,
		DisputeFeeAmount: big.NewInt(100),
		State:            state,
	}
	f.infos[info.Address] = info
	return info
}

func (f *fakeReader) EscrowInfo(_ context.Context, escrow common.Address) (*chain.EscrowInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	info, ok := f.infos[escrow]
	if !ok {
		return nil, errors.New("no contract code")
	}
	cp := *info
	return &cp, nil
}

func (f *fakeReader) TxStatus(_ context.Context, txHash string) (chain.TxState, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.txStates[strings.ToLower(txHash)]
	if !ok {
		return chain.TxPending, 0, nil
	}
	if state == chain.TxSucceeded {
		return state, 42, nil
	}
	return state, 0, nil
}

type harness struct {
	reader     *fakeReader
	store      *milestone.MemoryStore
	ledger     *txledger.MemoryStore
	queue      *MemoryQueue
	recorder   *events.Recorder
	reconciler *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reader:   newFakeReader(),
		store:    milestone.NewMemoryStore(),
		ledger:   txledger.NewMemoryStore(),
		queue:    NewMemoryQueue(),
		recorder: &events.Recorder{},
	}
	h.reconciler = New(h.reader, h.store, txledger.NewWriter(h.ledger, nil), h.queue, syncutil.NewKeyedMutex(), nil).
		WithPublisher(h.recorder)
	return h
}

// boundMilestone creates a milestone bound to escrowAddr with the given
// persisted status.
func (h *harness) boundMilestone(t *testing.T, status milestone.Status) *milestone.Milestone {
	t.Helper()
	ctx := context.Background()
	job := &milestone.Job{ClientID: "client-1"}
	require.NoError(t, h.store.CreateJob(ctx, job))
	m := &milestone.Milestone{JobID: job.ID, ClientID: "client-1", Amount: "1", OrderIndex: 1}
	require.NoError(t, h.store.Create(ctx, m))
	_, err := h.store.BindEscrow(ctx, m.ID, escrowAddr)
	require.NoError(t, err)
	if status != milestone.StatusPendingFund {
		_, err = h.store.UpdateStatus(ctx, m.ID, milestone.StatusPendingFund, status)
		require.NoError(t, err)
	}
	got, err := h.store.Get(ctx, m.ID)
	require.NoError(t, err)
	return got
}

func txHash(c string) string { return "0x" + strings.Repeat(c, 64) }

func TestRunOnce_AppliesPersistFailedRepair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.boundMilestone(t, milestone.StatusPendingFund)
	h.reader.setState(escrowAddr, chain.StateFunded)

	require.NoError(t, h.queue.Enqueue(ctx, Repair{
		MilestoneID: m.ID,
		Operation:   "fund",
		Purpose:     txledger.PurposeFundEscrow,
		From:        milestone.StatusPendingFund,
		To:          milestone.StatusFunded,
		ChainID:     31337,
		FromAddr:    buyer.Hex(),
		ToAddr:      escrowAddr,
		TxHash:      txHash("a"),
		UserID:      "client-1",
		BlockNumber: 9,
		Reason:      ReasonPersistFailed,
		EnqueuedAt:  time.Now(),
	}))

	res, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RepairsApplied)
	assert.Equal(t, 0, res.Advanced, "scan sees the repaired status")
	assert.Empty(t, res.Mismatches)

	got, err := h.store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, milestone.StatusFunded, got.Status)

	rec, err := h.ledger.GetByHash(ctx, txHash("a"))
	require.NoError(t, err)
	assert.Equal(t, txledger.PurposeFundEscrow, rec.Purpose)
	assert.Equal(t, uint64(9), rec.BlockNumber)
	assert.Equal(t, 0, h.queue.Len())

	evs := h.recorder.Events()
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Reconciled)
	assert.Equal(t, "funded", evs[0].To)

	// Running again changes nothing.
	res, err = h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RepairsApplied)
	assert.Equal(t, 1, h.ledger.Len())
}

func TestRunOnce_RepairWithStatusAlreadyWrittenOnlyRecordsLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.boundMilestone(t, milestone.StatusDelivered)
	h.reader.setState(escrowAddr, chain.StateDelivered)

	require.NoError(t, h.queue.Enqueue(ctx, Repair{
		MilestoneID: m.ID, Operation: "deliver", Purpose: txledger.PurposeDeliverWork,
		From: milestone.StatusFunded, To: milestone.StatusDelivered,
		TxHash: txHash("b"), BlockNumber: 3, Reason: ReasonPersistFailed,
	}))

	res, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RepairsApplied)
	assert.Equal(t, 1, h.ledger.Len())
	assert.Empty(t, h.recorder.Events())
}

func TestRunOnce_UnconfirmedRepair(t *testing.T) {
	ctx := context.Background()

	t.Run("pending stays queued", func(t *testing.T) {
		h := newHarness(t)
		m := h.boundMilestone(t, milestone.StatusPendingFund)
		h.reader.setState(escrowAddr, chain.StateAwaitingFunding)
		require.NoError(t, h.queue.Enqueue(ctx, Repair{
			MilestoneID: m.ID, Purpose: txledger.PurposeFundEscrow,
			From: milestone.StatusPendingFund, To: milestone.StatusFunded,
			TxHash: txHash("c"), Reason: ReasonUnconfirmed,
		}))

		res, err := h.reconciler.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.RepairsPending)
		assert.Equal(t, 1, h.queue.Len())
		pending, _ := h.queue.Pending(ctx, m.ID)
		assert.True(t, pending)
	})

	t.Run("reverted is dropped", func(t *testing.T) {
		h := newHarness(t)
		m := h.boundMilestone(t, milestone.StatusPendingFund)
		h.reader.setState(escrowAddr, chain.StateAwaitingFunding)
		h.reader.txStates[txHash("d")] = chain.TxFailed
		require.NoError(t, h.queue.Enqueue(ctx, Repair{
			MilestoneID: m.ID, Purpose: txledger.PurposeFundEscrow,
			From: milestone.StatusPendingFund, To: milestone.StatusFunded,
			TxHash: txHash("d"), Reason: ReasonUnconfirmed,
		}))

		res, err := h.reconciler.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.RepairsDropped)
		assert.Equal(t, 0, h.queue.Len())
		assert.Equal(t, 0, h.ledger.Len())
		got, _ := h.store.Get(ctx, m.ID)
		assert.Equal(t, milestone.StatusPendingFund, got.Status)
	})

	t.Run("mined success is applied with its block", func(t *testing.T) {
		h := newHarness(t)
		m := h.boundMilestone(t, milestone.StatusPendingFund)
		h.reader.setState(escrowAddr, chain.StateFunded)
		h.reader.txStates[txHash("e")] = chain.TxSucceeded
		require.NoError(t, h.queue.Enqueue(ctx, Repair{
			MilestoneID: m.ID, Purpose: txledger.PurposeFundEscrow,
			From: milestone.StatusPendingFund, To: milestone.StatusFunded,
			TxHash: txHash("e"), Reason: ReasonUnconfirmed,
		}))

		res, err := h.reconciler.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.RepairsApplied)
		rec, err := h.ledger.GetByHash(ctx, txHash("e"))
		require.NoError(t, err)
		assert.Equal(t, uint64(42), rec.BlockNumber)
	})
}

func TestRunOnce_AdvancesLaggingStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.boundMilestone(t, milestone.StatusFunded)
	h.reader.setState(escrowAddr, chain.StateDelivered)

	res, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.Advanced)

	got, _ := h.store.Get(ctx, m.ID)
	assert.Equal(t, milestone.StatusDelivered, got.Status)
	assert.Equal(t, 0, h.ledger.Len(), "the scan never invents ledger records")
}

func TestRunOnce_ScansEveryPage(t *testing.T) {
	h := newHarness(t)
	h.reconciler.WithBatchSize(2)
	ctx := context.Background()

	job := &milestone.Job{ClientID: "client-1"}
	require.NoError(t, h.store.CreateJob(ctx, job))
	var ids []string
	for i := 1; i <= 5; i++ {
		m := &milestone.Milestone{JobID: job.ID, ClientID: "client-1", Amount: "1", OrderIndex: i}
		require.NoError(t, h.store.Create(ctx, m))
		addr := common.BigToAddress(big.NewInt(int64(0xe100 + i))).Hex()
		_, err := h.store.BindEscrow(ctx, m.ID, addr)
		require.NoError(t, err)
		_, err = h.store.UpdateStatus(ctx, m.ID, milestone.StatusPendingFund, milestone.StatusFunded)
		require.NoError(t, err)
		h.reader.setState(addr, chain.StateFunded)
		ids = append(ids, m.ID)
	}

	// The milestone with the highest ID sits on the last page.
	last, err := h.store.Get(ctx, slices.Max(ids))
	require.NoError(t, err)
	h.reader.setState(last.Escrow, chain.StateDelivered)

	res, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Checked)
	assert.Equal(t, 1, res.Advanced)

	got, _ := h.store.Get(ctx, last.ID)
	assert.Equal(t, milestone.StatusDelivered, got.Status)
}

func TestRunOnce_AdvancesIntoDispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.boundMilestone(t, milestone.StatusDelivered)
	info := h.reader.setState(escrowAddr, chain.StateDisputed)
	info.DisputeInitiator = vendor
	info.VendorPaidDisputeFee = true

	_, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	got, _ := h.store.Get(ctx, m.ID)
	assert.Equal(t, milestone.StatusDisputedByFreelancer, got.Status)
}

func TestRunOnce_ReportsBackwardMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.boundMilestone(t, milestone.StatusDelivered)
	h.reader.setState(escrowAddr, chain.StateFunded)

	res, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Mismatches, 1)
	assert.Equal(t, m.ID, res.Mismatches[0].MilestoneID)
	assert.Equal(t, milestone.StatusFunded, res.Mismatches[0].Derived)

	got, _ := h.store.Get(ctx, m.ID)
	assert.Equal(t, milestone.StatusDelivered, got.Status)
}

func TestRunOnce_LegacySubmittedMatchesDelivered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.boundMilestone(t, milestone.StatusSubmitted)
	h.reader.setState(escrowAddr, chain.StateDelivered)

	res, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Advanced)
	assert.Empty(t, res.Mismatches)
}

func TestRunOnce_BreakerSkipsFailingEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reconciler.WithBreaker(circuitbreaker.New("test", 1, time.Hour))
	h.boundMilestone(t, milestone.StatusFunded)
	h.reader.readErr = errors.New("rpc down")

	res, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)

	res, err = h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, h.reader.reads)
}

func TestReconcileMilestone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.boundMilestone(t, milestone.StatusApproved)
	h.reader.setState(escrowAddr, chain.StateReleased)

	res, err := h.reconciler.ReconcileMilestone(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Advanced)

	got, _ := h.store.Get(ctx, m.ID)
	assert.Equal(t, milestone.StatusReleased, got.Status)

	_, err = h.reconciler.ReconcileMilestone(ctx, "missing")
	assert.ErrorIs(t, err, milestone.ErrMilestoneNotFound)
}

func TestTimer_RunsImmediatelyAndStops(t *testing.T) {
	h := newHarness(t)
	timer := NewTimer(h.reconciler, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return !timer.LastRun().IsZero() }, time.Second, 10*time.Millisecond)
	assert.True(t, timer.Running())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
