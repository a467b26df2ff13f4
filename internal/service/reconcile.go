package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/callback"
	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/models"
	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/store"
)

// ErrInvalidStatus rejects manual overrides targeting anything but a
// terminal status.
var ErrInvalidStatus = errors.New("override status must be SUCCESS or FAILED")

var creditsApplied = promauto.NewCounter(prometheus.CounterOpts{
	Name: "swiftwallet_credits_applied_total",
	Help: "Settlements that credited a balance; duplicates do not count",
})

// Reconciler applies gateway callbacks and manual overrides to the ledger.
// Callback delivery is at-least-once; the settle path's guard makes a replay
// of an already-terminal reference a no-op, so the credit is applied at most
// once per reference no matter how often the gateway retries.
type Reconciler struct {
	ledger Ledger
	hub    Broadcaster
	logger *slog.Logger
}

func NewReconciler(ledger Ledger, hub Broadcaster, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{ledger: ledger, hub: hub, logger: logger.With("component", "reconciler")}
}

// Reconcile processes one callback delivery. Deliveries that cannot be tied
// to a transaction (missing identity or reference, bad amount, unknown
// reference) are acknowledged as ignored with no state change: the gateway
// treats any acknowledgement as delivery, which stops its retry loop. Only a
// storage failure returns an error, and the caller surfaces that as
// retryable.
func (r *Reconciler) Reconcile(ctx context.Context, payload map[string]any) (models.CallbackAck, error) {
	fields := callback.Parse(payload)
	if !fields.Valid() {
		r.logger.Info("callback ignored",
			"reference", fields.Reference, "identity", fields.Identity, "amount", fields.Amount)
		return models.CallbackAck{Result: models.AckIgnored, Message: "missing or invalid fields"}, nil
	}

	status := models.StatusFailed
	creditAmount := int64(0)
	if fields.Success {
		status = models.StatusSuccess
		creditAmount = fields.Amount
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`null`)
	}
	audit := wrapMetadata("callback", raw)

	txn, applied, err := r.ledger.SettleTransaction(ctx, fields.Reference, status, creditAmount, audit)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			r.logger.Info("callback for unknown reference ignored", "reference", fields.Reference)
			return models.CallbackAck{Result: models.AckIgnored, Message: "unknown reference"}, nil
		}
		return models.CallbackAck{}, fmt.Errorf("callback settle failed: %w", err)
	}

	if !applied {
		r.logger.Info("duplicate callback, settle skipped",
			"reference", fields.Reference, "status", txn.Status)
		return models.CallbackAck{Result: models.AckProcessed, Message: "already settled"}, nil
	}

	if status == models.StatusSuccess {
		creditsApplied.Inc()
	}
	r.hub.Broadcast(ctx, txn.Identity, status, txn.Reference)
	r.logger.Info("callback reconciled",
		"reference", txn.Reference, "identity", txn.Identity, "status", status)
	return models.CallbackAck{Result: models.AckProcessed}, nil
}

// Override performs a manual terminal transition, bypassing payload parsing.
// It runs the same guarded settle as a callback, so overriding an already
// settled reference changes nothing. Intended for exceptional recovery only.
func (r *Reconciler) Override(ctx context.Context, reference, status string) (*models.Transaction, bool, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	if status != models.StatusSuccess && status != models.StatusFailed {
		return nil, false, ErrInvalidStatus
	}

	audit := wrapMetadata("override", json.RawMessage(fmt.Sprintf("%q", status)))
	txn, applied, err := r.ledger.SettleTransaction(ctx, reference, status, 0, audit)
	if err != nil {
		return nil, false, err
	}
	if applied {
		if status == models.StatusSuccess {
			creditsApplied.Inc()
		}
		r.hub.Broadcast(ctx, txn.Identity, status, txn.Reference)
		r.logger.Warn("manual override applied",
			"reference", txn.Reference, "identity", txn.Identity, "status", status)
	}
	return txn, applied, nil
}
