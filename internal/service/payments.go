package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/models"
)

var (
	ErrInvalidIdentity = errors.New("identity is required")
	ErrInvalidAmount   = errors.New("positive amount required")
)

// snapshotHistory is how many recent transactions a snapshot carries.
const snapshotHistory = 5

// Payments creates payment intents and serves snapshots.
type Payments struct {
	ledger  Ledger
	gateway Gateway
	hub     Broadcaster
	logger  *slog.Logger
}

func NewPayments(ledger Ledger, gw Gateway, hub Broadcaster, logger *slog.Logger) *Payments {
	if logger == nil {
		logger = slog.Default()
	}
	return &Payments{ledger: ledger, gateway: gw, hub: hub, logger: logger.With("component", "payments")}
}

// CreatePayment records a PENDING transaction and delegates the STK push to
// the gateway. Acceptance moves the record to INITIATED with the gateway's
// response attached; rejection or timeout settles it FAILED and notifies
// subscribers. Gateway failure is reported in the response, not as an error;
// an error return means storage failed.
func (p *Payments) CreatePayment(ctx context.Context, identity string, amount int64) (*models.PayResponse, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrInvalidIdentity
	}
	if amount < 1 {
		return nil, ErrInvalidAmount
	}

	reference := uuid.NewString()
	if _, err := p.ledger.CreateTransaction(ctx, reference, identity, amount); err != nil {
		return nil, fmt.Errorf("payment create failed: %w", err)
	}

	accepted, meta, err := p.gateway.InitiatePayment(ctx, identity, amount, reference)
	audit := wrapMetadata("gateway", meta)
	if err != nil || !accepted {
		p.logger.Warn("gateway declined payment",
			"reference", reference, "identity", identity, "error", err)
		_, applied, settleErr := p.ledger.SettleTransaction(ctx, reference, models.StatusFailed, 0, audit)
		if settleErr != nil {
			return nil, fmt.Errorf("failed settle after gateway error: %w", settleErr)
		}
		if applied {
			p.hub.Broadcast(ctx, identity, models.StatusFailed, reference)
		}
		return &models.PayResponse{
			Accepted:  false,
			Reference: reference,
			Message:   "payment initiation failed",
		}, nil
	}

	if _, err := p.ledger.TransitionTransaction(ctx, reference, models.StatusInitiated, audit); err != nil {
		return nil, fmt.Errorf("initiated transition failed: %w", err)
	}
	return &models.PayResponse{
		Accepted:  true,
		Reference: reference,
		Message:   "payment initiated, confirm on handset",
	}, nil
}

// Snapshot recomputes the current balance (self-healing if the stored value
// is invalid) and the most recent transactions, newest first.
func (p *Payments) Snapshot(ctx context.Context, identity string) (*models.Snapshot, error) {
	return buildSnapshot(ctx, p.ledger, identity)
}

// Snapshots is the standalone snapshot reader the notification hub uses, so
// the hub does not depend on the payment intake path.
type Snapshots struct {
	ledger Ledger
}

func NewSnapshots(ledger Ledger) *Snapshots {
	return &Snapshots{ledger: ledger}
}

func (s *Snapshots) Snapshot(ctx context.Context, identity string) (*models.Snapshot, error) {
	return buildSnapshot(ctx, s.ledger, identity)
}

func buildSnapshot(ctx context.Context, ledger Ledger, identity string) (*models.Snapshot, error) {
	balance, err := ledger.AccountBalance(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("balance read failed: %w", err)
	}
	txns, err := ledger.RecentTransactions(ctx, identity, snapshotHistory)
	if err != nil {
		return nil, fmt.Errorf("history read failed: %w", err)
	}
	return &models.Snapshot{Identity: identity, Balance: balance, Transactions: txns}, nil
}

// wrapMetadata namespaces opaque audit payloads so merges from different
// writers never collide on a key.
func wrapMetadata(key string, raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		raw = json.RawMessage(`null`)
	}
	doc, err := json.Marshal(map[string]json.RawMessage{key: raw})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return doc
}
