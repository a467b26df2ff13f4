package service

import (
	"context"
	"encoding/json"

	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/models"
)

// Ledger is the transaction ledger and balance accumulator contract the
// services depend on. The Postgres store satisfies it.
type Ledger interface {
	CreateTransaction(ctx context.Context, reference, identity string, amount int64) (*models.Transaction, error)
	GetTransaction(ctx context.Context, reference string) (*models.Transaction, error)
	TransitionTransaction(ctx context.Context, reference, status string, metadata json.RawMessage) (*models.Transaction, error)
	SettleTransaction(ctx context.Context, reference, status string, creditAmount int64, metadata json.RawMessage) (*models.Transaction, bool, error)
	AccountBalance(ctx context.Context, identity string) (int64, error)
	RecentTransactions(ctx context.Context, identity string, limit int) ([]models.Transaction, error)
}

// Gateway initiates the STK push for a payment intent.
type Gateway interface {
	InitiatePayment(ctx context.Context, identity string, amount int64, reference string) (bool, json.RawMessage, error)
}

// Broadcaster pushes fresh snapshots to live subscribers of an identity.
type Broadcaster interface {
	Broadcast(ctx context.Context, identity, status, reference string)
}
