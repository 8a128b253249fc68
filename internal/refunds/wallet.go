package refunds

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by the wallet ledger.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresWallet appends credits to wallet_ledger. The reference id is
// unique, so replays of the same credit are dropped by the database.
type PostgresWallet struct {
	db DB
}

func NewPostgresWallet(db DB) *PostgresWallet {
	return &PostgresWallet{db: db}
}

func (w *PostgresWallet) Credit(ctx context.Context, userID uuid.UUID, amountPaise int64, reason, referenceID string) error {
	if amountPaise <= 0 {
		return fmt.Errorf("refunds: wallet credit must be positive, got %d", amountPaise)
	}
	_, err := w.db.Exec(ctx, `
		INSERT INTO wallet_ledger (id, user_id, entry_type, amount_paise, reason, reference_id, created_at)
		VALUES ($1, $2, 'credit', $3, $4, $5, now())
		ON CONFLICT (reference_id) DO NOTHING`,
		uuid.New(), userID, amountPaise, reason, referenceID)
	if err != nil {
		return fmt.Errorf("refunds: wallet credit: %w", err)
	}
	return nil
}

// Balance sums the ledger for a user.
func (w *PostgresWallet) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := w.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN entry_type = 'credit' THEN amount_paise ELSE -amount_paise END), 0)
		FROM wallet_ledger WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("refunds: wallet balance: %w", err)
	}
	return balance, nil
}

// MemoryWallet is an in-process ledger for development and tests.
type MemoryWallet struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	seen     map[string]struct{}
}

func NewMemoryWallet() *MemoryWallet {
	return &MemoryWallet{
		balances: make(map[uuid.UUID]int64),
		seen:     make(map[string]struct{}),
	}
}

func (w *MemoryWallet) Credit(_ context.Context, userID uuid.UUID, amountPaise int64, _ string, referenceID string) error {
	if amountPaise <= 0 {
		return fmt.Errorf("refunds: wallet credit must be positive, got %d", amountPaise)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[referenceID]; ok {
		return nil
	}
	w.seen[referenceID] = struct{}{}
	w.balances[userID] += amountPaise
	return nil
}

func (w *MemoryWallet) Balance(_ context.Context, userID uuid.UUID) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[userID], nil
}
