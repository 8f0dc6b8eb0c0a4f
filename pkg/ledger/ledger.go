// Package ledger keeps the append-only transaction history of every account.
package ledger

import (
	"context"
	"time"

	"bank-ledger/pkg/account"
	"bank-ledger/pkg/logging"
	"bank-ledger/pkg/model"
	"bank-ledger/pkg/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxListLimit caps a single List call.
const MaxListLimit = 1000

// Entry describes a transaction to record.
type Entry struct {
	AccountID   string          `json:"accountId"`
	Direction   model.Direction `json:"direction"`
	Amount      model.Money     `json:"amount"`
	Description string          `json:"description"`
	RequestID   string          `json:"requestId,omitempty"`
}

func (e Entry) validate() error {
	if e.AccountID == "" {
		return model.Invalid("accountId is required")
	}
	if !e.Direction.Valid() {
		return model.Invalid("unknown direction %q", e.Direction)
	}
	if e.Amount <= 0 {
		return model.ErrInvalidAmount
	}
	return nil
}

// Reconciliation compares an account balance with its ledger.
type Reconciliation struct {
	AccountID     string      `json:"accountId"`
	Balance       model.Money `json:"balance"`
	Credits       model.Money `json:"credits"`
	Debits        model.Money `json:"debits"`
	LedgerBalance model.Money `json:"ledgerBalance"`
	Entries       int         `json:"entries"`
	Consistent    bool        `json:"consistent"`
}

// Ledger records and lists transactions.
type Ledger struct {
	store    store.Store
	accounts *account.Service
	logger   *logging.Logger
}

// New creates a ledger over s. accounts applies balance changes for Post.
func New(s store.Store, accounts *account.Service, logger *logging.Logger) *Ledger {
	return &Ledger{
		store:    s,
		accounts: accounts,
		logger:   logging.OrNop(logger).Named("ledger"),
	}
}

// Append records a completed transaction inside tx. Every call creates a new
// record; it never changes a balance.
func (l *Ledger) Append(ctx context.Context, tx store.Tx, e Entry) (*model.Transaction, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	if _, err := tx.GetAccount(ctx, e.AccountID); err != nil {
		return nil, err
	}

	t := &model.Transaction{
		ID:          uuid.NewString(),
		AccountID:   e.AccountID,
		Direction:   e.Direction,
		Amount:      e.Amount,
		Description: e.Description,
		Status:      model.TransactionCompleted,
		RequestID:   e.RequestID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Post is the direct posting path: the balance change and its ledger entry
// are applied together in one unit.
func (l *Ledger) Post(ctx context.Context, e Entry) (*model.Transaction, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	var t *model.Transaction
	err := l.store.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := l.accounts.Adjust(ctx, tx, e.AccountID, e.Direction.Signed(e.Amount)); err != nil {
			return err
		}
		var err error
		t, err = l.Append(ctx, tx, e)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.accounts.RecordAdjustment(e.Direction.Signed(e.Amount))
	l.logger.Info("transaction posted",
		logging.AccountID(e.AccountID),
		zap.String("transaction_id", t.ID),
		zap.String("direction", string(e.Direction)),
		logging.Amount(e.Amount),
	)
	return t, nil
}

// List returns transactions matching f, newest first. At most MaxListLimit
// entries are returned; use Page to learn whether more were left out.
func (l *Ledger) List(ctx context.Context, f store.TransactionFilter) ([]*model.Transaction, error) {
	txs, _, err := l.Page(ctx, f)
	return txs, err
}

// Page is List that also reports whether entries beyond the effective limit
// exist. A zero limit means MaxListLimit, and larger limits are capped to it.
func (l *Ledger) Page(ctx context.Context, f store.TransactionFilter) ([]*model.Transaction, bool, error) {
	if f.Direction != "" && !f.Direction.Valid() {
		return nil, false, model.Invalid("unknown direction %q", f.Direction)
	}
	if f.Limit < 0 {
		return nil, false, model.Invalid("limit must not be negative")
	}
	if f.Limit == 0 || f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	limit := f.Limit
	f.Limit++

	txs, err := store.Read(ctx, l.store, func(ctx context.Context, tx store.Tx) ([]*model.Transaction, error) {
		return tx.ListTransactions(ctx, f)
	})
	if err != nil {
		return nil, false, err
	}
	if len(txs) > limit {
		return txs[:limit], true, nil
	}
	return txs, false, nil
}

// Reconcile sums the ledger of an account and compares it with the balance.
// Balances changed outside the ledger show up as inconsistent.
func (l *Ledger) Reconcile(ctx context.Context, accountID string) (*Reconciliation, error) {
	return store.Read(ctx, l.store, func(ctx context.Context, tx store.Tx) (*Reconciliation, error) {
		a, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		entries, err := tx.ListTransactions(ctx, store.TransactionFilter{AccountID: accountID})
		if err != nil {
			return nil, err
		}

		r := &Reconciliation{AccountID: accountID, Balance: a.Balance, Entries: len(entries)}
		for _, t := range entries {
			if t.Status != model.TransactionCompleted {
				continue
			}
			if t.Direction == model.Credit {
				r.Credits += t.Amount
			} else {
				r.Debits += t.Amount
			}
		}
		r.LedgerBalance = r.Credits - r.Debits
		r.Consistent = r.LedgerBalance == r.Balance
		return r, nil
	})
}
