package scheduler

import (
	"context"
	"fmt"

	"github.com/example/renderflow/internal/state"
)

// The ledger is the single sanctioned mutator of credit balances. Every
// other component reads Balance and nothing else; there is no setter to
// bypass.

func (e *Engine) AppendLedger(ctx context.Context, userID string, amount float64, kind, taskID string) error {
	switch kind {
	case state.LedgerPurchase, state.LedgerManual, state.LedgerSpend, state.LedgerRefund, state.LedgerAutoTopup:
	default:
		return fmt.Errorf("unknown ledger entry kind %q", kind)
	}
	return e.store.AppendLedgerEntry(ctx, state.LedgerEntryRecord{
		UserID:    userID,
		Amount:    amount,
		Kind:      kind,
		TaskID:    taskID,
		CreatedAt: e.now(),
	})
}

func (e *Engine) Balance(ctx context.Context, userID string) (float64, error) {
	return e.store.LedgerBalance(ctx, userID)
}

func (e *Engine) LedgerEntries(ctx context.Context, userID string, limit int) ([]state.LedgerEntryRecord, error) {
	return e.store.ListLedgerEntries(ctx, userID, limit)
}
