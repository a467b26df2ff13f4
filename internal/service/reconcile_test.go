package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/models"
	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ledgerFake is an in-memory ledger honoring the store's contract: guarded
// terminal transitions, per-settle credit, self-healing balance reads. A
// single mutex stands in for the database's row locks.
type ledgerFake struct {
	mu        sync.Mutex
	txns      map[string]*models.Transaction
	order     []string
	balances  map[string]int64
	settleErr error
}

func newLedgerFake() *ledgerFake {
	return &ledgerFake{
		txns:     make(map[string]*models.Transaction),
		balances: make(map[string]int64),
	}
}

func (l *ledgerFake) CreateTransaction(_ context.Context, reference, identity string, amount int64) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.txns[reference]; ok {
		return nil, store.ErrDuplicateReference
	}
	txn := &models.Transaction{
		Reference: reference,
		Identity:  identity,
		Amount:    amount,
		Status:    models.StatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	l.txns[reference] = txn
	l.order = append(l.order, reference)
	copied := *txn
	return &copied, nil
}

func (l *ledgerFake) GetTransaction(_ context.Context, reference string) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	txn, ok := l.txns[reference]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	copied := *txn
	return &copied, nil
}

func (l *ledgerFake) TransitionTransaction(_ context.Context, reference, status string, _ json.RawMessage) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	txn, ok := l.txns[reference]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	txn.Status = status
	txn.UpdatedAt = time.Now()
	copied := *txn
	return &copied, nil
}

func (l *ledgerFake) SettleTransaction(_ context.Context, reference, status string, creditAmount int64, _ json.RawMessage) (*models.Transaction, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settleErr != nil {
		return nil, false, l.settleErr
	}
	txn, ok := l.txns[reference]
	if !ok {
		return nil, false, store.ErrTransactionNotFound
	}
	if models.TerminalStatus(txn.Status) {
		copied := *txn
		return &copied, false, nil
	}
	txn.Status = status
	txn.UpdatedAt = time.Now()
	if status == models.StatusSuccess {
		if creditAmount <= 0 {
			creditAmount = txn.Amount
		}
		txn.Amount = creditAmount
		l.balances[txn.Identity] += creditAmount
	}
	copied := *txn
	return &copied, true, nil
}

func (l *ledgerFake) AccountBalance(_ context.Context, identity string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[identity]
	if !ok || balance < 0 {
		balance = 0
		for _, txn := range l.txns {
			if txn.Identity == identity && txn.Status == models.StatusSuccess {
				balance += txn.Amount
			}
		}
		l.balances[identity] = balance
	}
	return balance, nil
}

func (l *ledgerFake) RecentTransactions(_ context.Context, identity string, limit int) ([]models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var txns []models.Transaction
	for i := len(l.order) - 1; i >= 0 && len(txns) < limit; i-- {
		txn := l.txns[l.order[i]]
		if txn.Identity == identity {
			txns = append(txns, *txn)
		}
	}
	return txns, nil
}

type broadcastCall struct {
	identity, status, reference string
}

type hubFake struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (h *hubFake) Broadcast(_ context.Context, identity, status, reference string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, broadcastCall{identity, status, reference})
}

func (h *hubFake) broadcasts() []broadcastCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]broadcastCall(nil), h.calls...)
}

func successCallback(reference, identity string, amount int64) map[string]any {
	return map[string]any{
		"reference": reference,
		"msisdn":    identity,
		"amount":    float64(amount),
		"success":   true,
	}
}

func TestReconcileSuccessCreditsAndBroadcasts(t *testing.T) {
	ledger := newLedgerFake()
	hub := &hubFake{}
	r := NewReconciler(ledger, hub, testLogger())

	_, err := ledger.CreateTransaction(context.Background(), "REF-1", "ACC-1", 100)
	require.NoError(t, err)

	ack, err := r.Reconcile(context.Background(), successCallback("REF-1", "ACC-1", 100))
	require.NoError(t, err)
	assert.Equal(t, models.AckProcessed, ack.Result)

	txn, err := ledger.GetTransaction(context.Background(), "REF-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, txn.Status)

	balance, err := ledger.AccountBalance(context.Background(), "ACC-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	require.Len(t, hub.broadcasts(), 1)
	assert.Equal(t, broadcastCall{"ACC-1", models.StatusSuccess, "REF-1"}, hub.broadcasts()[0])
}

func TestReconcileDuplicateCallbackCreditsOnce(t *testing.T) {
	ledger := newLedgerFake()
	hub := &hubFake{}
	r := NewReconciler(ledger, hub, testLogger())

	_, err := ledger.CreateTransaction(context.Background(), "REF-2", "ACC-1", 100)
	require.NoError(t, err)

	payload := successCallback("REF-2", "ACC-1", 100)
	for i := 0; i < 2; i++ {
		ack, err := r.Reconcile(context.Background(), payload)
		require.NoError(t, err)
		assert.Equal(t, models.AckProcessed, ack.Result)
	}

	balance, err := ledger.AccountBalance(context.Background(), "ACC-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance, "credit must apply exactly once")
	assert.Len(t, hub.broadcasts(), 1, "duplicate must not rebroadcast")
}

func TestReconcileConcurrentDuplicatesCreditOnce(t *testing.T) {
	ledger := newLedgerFake()
	hub := &hubFake{}
	r := NewReconciler(ledger, hub, testLogger())

	_, err := ledger.CreateTransaction(context.Background(), "REF-3", "ACC-1", 250)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Reconcile(context.Background(), successCallback("REF-3", "ACC-1", 250))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := ledger.AccountBalance(context.Background(), "ACC-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance)
	assert.Len(t, hub.broadcasts(), 1)
}

func TestReconcileCountsAppliedCredits(t *testing.T) {
	ledger := newLedgerFake()
	r := NewReconciler(ledger, &hubFake{}, testLogger())

	_, err := ledger.CreateTransaction(context.Background(), "REF-C", "ACC-1", 100)
	require.NoError(t, err)

	before := testutil.ToFloat64(creditsApplied)
	for i := 0; i < 3; i++ {
		_, err := r.Reconcile(context.Background(), successCallback("REF-C", "ACC-1", 100))
		require.NoError(t, err)
	}
	assert.Equal(t, before+1, testutil.ToFloat64(creditsApplied),
		"only the settle that credited counts, duplicates do not")
}

func TestReconcileFailureCallbackNoCredit(t *testing.T) {
	ledger := newLedgerFake()
	hub := &hubFake{}
	r := NewReconciler(ledger, hub, testLogger())

	_, err := ledger.CreateTransaction(context.Background(), "REF-4", "ACC-1", 100)
	require.NoError(t, err)

	ack, err := r.Reconcile(context.Background(), map[string]any{
		"reference":  "REF-4",
		"msisdn":     "ACC-1",
		"amount":     float64(100),
		"ResultCode": float64(1032),
	})
	require.NoError(t, err)
	assert.Equal(t, models.AckProcessed, ack.Result)

	txn, err := ledger.GetTransaction(context.Background(), "REF-4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, txn.Status)

	balance, err := ledger.AccountBalance(context.Background(), "ACC-1")
	require.NoError(t, err)
	assert.Zero(t, balance)

	require.Len(t, hub.broadcasts(), 1)
	assert.Equal(t, models.StatusFailed, hub.broadcasts()[0].status)
}

func TestReconcileIgnoresInvalidDeliveries(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"missing reference", map[string]any{"msisdn": "ACC-1", "amount": float64(100), "success": true}},
		{"missing identity", map[string]any{"reference": "REF-5", "amount": float64(100), "success": true}},
		{"zero amount", map[string]any{"reference": "REF-5", "msisdn": "ACC-1", "amount": float64(0)}},
		{"non numeric amount", map[string]any{"reference": "REF-5", "msisdn": "ACC-1", "amount": "lots"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newLedgerFake()
			hub := &hubFake{}
			r := NewReconciler(ledger, hub, testLogger())
			_, err := ledger.CreateTransaction(context.Background(), "REF-5", "ACC-1", 100)
			require.NoError(t, err)

			ack, err := r.Reconcile(context.Background(), tt.payload)
			require.NoError(t, err)
			assert.Equal(t, models.AckIgnored, ack.Result)

			txn, err := ledger.GetTransaction(context.Background(), "REF-5")
			require.NoError(t, err)
			assert.Equal(t, models.StatusPending, txn.Status, "no state change on ignored callback")
			assert.Empty(t, hub.broadcasts())
		})
	}
}

func TestReconcileUnknownReferenceIgnored(t *testing.T) {
	ledger := newLedgerFake()
	hub := &hubFake{}
	r := NewReconciler(ledger, hub, testLogger())

	ack, err := r.Reconcile(context.Background(), successCallback("REF-MISSING", "ACC-1", 100))
	require.NoError(t, err)
	assert.Equal(t, models.AckIgnored, ack.Result)
	assert.Empty(t, hub.broadcasts())
}

func TestReconcileStorageFailureSurfaces(t *testing.T) {
	ledger := newLedgerFake()
	ledger.settleErr = errors.New("connection refused")
	r := NewReconciler(ledger, &hubFake{}, testLogger())

	_, err := r.Reconcile(context.Background(), successCallback("REF-6", "ACC-1", 100))
	require.Error(t, err)
}

func TestOverrideAppliesGuardedTransition(t *testing.T) {
	ledger := newLedgerFake()
	hub := &hubFake{}
	r := NewReconciler(ledger, hub, testLogger())

	_, err := ledger.CreateTransaction(context.Background(), "REF-7", "ACC-1", 400)
	require.NoError(t, err)

	txn, applied, err := r.Override(context.Background(), "REF-7", "success")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.StatusSuccess, txn.Status)

	balance, err := ledger.AccountBalance(context.Background(), "ACC-1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), balance)
	require.Len(t, hub.broadcasts(), 1)

	// Second override hits the same guard as a duplicate callback.
	_, applied, err = r.Override(context.Background(), "REF-7", "FAILED")
	require.NoError(t, err)
	assert.False(t, applied)
	balance, _ = ledger.AccountBalance(context.Background(), "ACC-1")
	assert.Equal(t, int64(400), balance)
	assert.Len(t, hub.broadcasts(), 1)
}

func TestOverrideRejectsNonTerminalTarget(t *testing.T) {
	r := NewReconciler(newLedgerFake(), &hubFake{}, testLogger())
	for _, status := range []string{"PENDING", "INITIATED", "weird", ""} {
		_, _, err := r.Override(context.Background(), "REF-8", status)
		assert.ErrorIs(t, err, ErrInvalidStatus, fmt.Sprintf("status %q", status))
	}
}

func TestOverrideUnknownReference(t *testing.T) {
	r := NewReconciler(newLedgerFake(), &hubFake{}, testLogger())
	_, _, err := r.Override(context.Background(), "REF-NONE", "FAILED")
	assert.ErrorIs(t, err, store.ErrTransactionNotFound)
}
