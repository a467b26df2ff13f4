package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/models"
)

var (
	ErrDuplicateReference  = errors.New("transaction reference already exists")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Store persists transactions (keyed by reference) and balances (keyed by
// identity) in Postgres. It is both the transaction ledger and the balance
// accumulator: credits execute as a single locked read-modify-write so
// concurrent credits to one identity serialize with no lost updates.
type Store struct {
	Db *pgxpool.Pool
}

func New(connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// serializationRetries bounds the retry loop around contended transactions.
// Under REPEATABLE READ a locking read that waits out a concurrently
// committed writer aborts with SQLSTATE 40001; one contender commits per
// round, so the bound covers a burst of concurrent credits to one identity.
const serializationRetries = 10

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

// inTx runs fn inside a RepeatableRead transaction, retrying when Postgres
// aborts it with a serialization failure or deadlock. fn must be safe to
// rerun: every branch re-reads its state from the fresh snapshot.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < serializationRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// EnsureSchema creates the two tables if they do not exist yet. Records are
// merge-only: nothing in this subsystem ever deletes a row.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			reference  TEXT PRIMARY KEY,
			identity   TEXT NOT NULL,
			amount     BIGINT NOT NULL,
			status     TEXT NOT NULL,
			metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS transactions_identity_created_idx
			ON transactions (identity, created_at DESC);
		CREATE TABLE IF NOT EXISTS balances (
			identity   TEXT PRIMARY KEY,
			balance    BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`)
	if err != nil {
		return fmt.Errorf("schema setup failed: %w", err)
	}
	return nil
}

// CreateTransaction inserts a new PENDING transaction. A reused reference
// fails with ErrDuplicateReference.
func (s *Store) CreateTransaction(ctx context.Context, reference, identity string, amount int64) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.Db.QueryRow(ctx, `
		INSERT INTO transactions (reference, identity, amount, status)
		VALUES ($1, $2, $3, $4)
		RETURNING reference, identity, amount, status, metadata, created_at, updated_at`,
		reference, identity, amount, models.StatusPending,
	).Scan(&txn.Reference, &txn.Identity, &txn.Amount, &txn.Status, &txn.Metadata, &txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("transaction insert failed: %w", err)
	}
	return &txn, nil
}

// GetTransaction retrieves a single transaction by reference.
func (s *Store) GetTransaction(ctx context.Context, reference string) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.Db.QueryRow(ctx, `
		SELECT reference, identity, amount, status, metadata, created_at, updated_at
		FROM transactions WHERE reference = $1`,
		reference,
	).Scan(&txn.Reference, &txn.Identity, &txn.Amount, &txn.Status, &txn.Metadata, &txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("transaction query failed: %w", err)
	}
	return &txn, nil
}

// TransitionTransaction merges a status change and optional metadata into an
// existing record. Only the named fields are written; jsonb || preserves
// metadata keys written by concurrent callers.
func (s *Store) TransitionTransaction(ctx context.Context, reference, status string, metadata json.RawMessage) (*models.Transaction, error) {
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}
	var txn models.Transaction
	err := s.Db.QueryRow(ctx, `
		UPDATE transactions
		SET status = $2, metadata = metadata || $3::jsonb, updated_at = now()
		WHERE reference = $1
		RETURNING reference, identity, amount, status, metadata, created_at, updated_at`,
		reference, status, metadata,
	).Scan(&txn.Reference, &txn.Identity, &txn.Amount, &txn.Status, &txn.Metadata, &txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("transaction update failed: %w", err)
	}
	return &txn, nil
}

// SettleTransaction applies a terminal transition with the idempotency guard.
// The transaction row is locked FOR UPDATE so the guard reads the current
// status, never a stale one; callbacks are delivered at least once and a
// reference that is already terminal results in applied=false with no state
// change. A transition to SUCCESS credits the identity's balance inside the
// same database transaction, so the ledger and the balance move together.
// Concurrent settles for one reference serialize on the row lock; the losers
// are retried and land on the guard. creditAmount is the validated amount
// from the delivery; zero or negative falls back to the recorded transaction
// amount.
func (s *Store) SettleTransaction(ctx context.Context, reference, status string, creditAmount int64, metadata json.RawMessage) (*models.Transaction, bool, error) {
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}

	var txn models.Transaction
	var applied bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		applied = false
		err := tx.QueryRow(ctx, `
			SELECT reference, identity, amount, status, metadata, created_at, updated_at
			FROM transactions WHERE reference = $1 FOR UPDATE`,
			reference,
		).Scan(&txn.Reference, &txn.Identity, &txn.Amount, &txn.Status, &txn.Metadata, &txn.CreatedAt, &txn.UpdatedAt)
		if err != nil {
			if err == pgx.ErrNoRows {
				return ErrTransactionNotFound
			}
			return fmt.Errorf("guard read failed: %w", err)
		}

		if models.TerminalStatus(txn.Status) {
			return nil
		}

		// Credit before flipping the row: a self-heal recompute inside
		// creditInTx must not see this transaction as SUCCESS yet, or the
		// amount would be counted twice.
		amount := creditAmount
		if status == models.StatusSuccess {
			if amount <= 0 {
				amount = txn.Amount
			}
			if _, err := creditInTx(ctx, tx, txn.Identity, amount); err != nil {
				return err
			}
		} else {
			amount = txn.Amount
		}

		// The recorded amount follows the settled amount so the balance
		// stays equal to the sum of SUCCESS amounts for the identity.
		err = tx.QueryRow(ctx, `
			UPDATE transactions
			SET status = $2, amount = $3, metadata = metadata || $4::jsonb, updated_at = now()
			WHERE reference = $1
			RETURNING amount, status, metadata, updated_at`,
			reference, status, amount, metadata,
		).Scan(&txn.Amount, &txn.Status, &txn.Metadata, &txn.UpdatedAt)
		if err != nil {
			return fmt.Errorf("transition failed: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &txn, applied, nil
}

// Credit applies a single atomic credit to an identity's balance.
func (s *Store) Credit(ctx context.Context, identity string, amount int64) (int64, error) {
	var balance int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		balance, err = creditInTx(ctx, tx, identity, amount)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// creditInTx performs the locked read-modify-write. The balances row is
// materialized before the locking read so there is always a row to lock:
// without it, two first credits for a new identity would both miss the lock
// and race their writes. With the lock held, concurrent credits serialize
// and the second always starts from the first's committed result. A freshly
// created or negative stored value is recomputed from SUCCESS transaction
// history before the credit lands.
func creditInTx(ctx context.Context, tx pgx.Tx, identity string, amount int64) (int64, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO balances (identity, balance, updated_at)
		VALUES ($1, 0, now())
		ON CONFLICT (identity) DO NOTHING`,
		identity)
	if err != nil {
		return 0, fmt.Errorf("balance init failed: %w", err)
	}

	var current int64
	err = tx.QueryRow(ctx,
		"SELECT balance FROM balances WHERE identity = $1 FOR UPDATE",
		identity,
	).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("balance lock failed: %w", err)
	}
	if tag.RowsAffected() == 1 || current < 0 {
		current, err = successSum(ctx, tx, identity)
		if err != nil {
			return 0, err
		}
	}

	next := current + amount
	_, err = tx.Exec(ctx,
		"UPDATE balances SET balance = $2, updated_at = now() WHERE identity = $1",
		identity, next)
	if err != nil {
		return 0, fmt.Errorf("balance write failed: %w", err)
	}
	return next, nil
}

func successSum(ctx context.Context, tx pgx.Tx, identity string) (int64, error) {
	var sum int64
	err := tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE identity = $1 AND status = $2",
		identity, models.StatusSuccess,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("balance recompute failed: %w", err)
	}
	return sum, nil
}

// AccountBalance returns the stored balance for an identity. A missing or
// negative stored value is recomputed from SUCCESS transaction history and the
// corrected value persisted before being returned; a valid stored value is
// returned without mutation.
func (s *Store) AccountBalance(ctx context.Context, identity string) (int64, error) {
	var balance int64
	err := s.Db.QueryRow(ctx,
		"SELECT balance FROM balances WHERE identity = $1", identity,
	).Scan(&balance)
	if err == nil && balance >= 0 {
		return balance, nil
	}
	if err != nil && err != pgx.ErrNoRows {
		return 0, fmt.Errorf("balance query failed: %w", err)
	}

	// Self-heal is a zero credit: the locked path recomputes a missing or
	// negative stored value from SUCCESS history and persists it.
	return s.Credit(ctx, identity, 0)
}

// RecentTransactions returns up to limit transactions for an identity,
// newest first.
func (s *Store) RecentTransactions(ctx context.Context, identity string, limit int) ([]models.Transaction, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT reference, identity, amount, status, metadata, created_at, updated_at
		FROM transactions
		WHERE identity = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		identity, limit)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		var txn models.Transaction
		if err := rows.Scan(&txn.Reference, &txn.Identity, &txn.Amount, &txn.Status, &txn.Metadata, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
			return nil, fmt.Errorf("history scan failed: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}
