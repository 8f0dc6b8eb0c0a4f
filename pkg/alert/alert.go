// Package alert raises administrator notices for disallowed user actions.
package alert

import (
	"context"
	"fmt"
	"time"

	"bank-ledger/pkg/logging"
	"bank-ledger/pkg/metrics"
	"bank-ledger/pkg/model"
	"bank-ledger/pkg/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Directory resolves account display names for listed alerts.
type Directory interface {
	Profile(ctx context.Context, accountID string) (model.Profile, error)
}

// Notifier creates and acknowledges alerts.
type Notifier struct {
	store     store.Store
	directory Directory
	metrics   metrics.Collector
	logger    *logging.Logger
}

// NewNotifier creates a notifier. directory may be nil, in which case listed
// alerts carry no account name.
func NewNotifier(s store.Store, directory Directory, collector metrics.Collector, logger *logging.Logger) *Notifier {
	return &Notifier{
		store:     s,
		directory: directory,
		metrics:   metrics.OrNoOp(collector),
		logger:    logging.OrNop(logger).Named("alert"),
	}
}

// DepositBlockedMessage is the alert text for an intercepted deposit of amount.
func DepositBlockedMessage(amount model.Money) string {
	return fmt.Sprintf("User attempted a deposit of $%s. Action blocked, user advised to contact admin.", amount)
}

// RaiseDepositBlocked records an unread alert about a self-service deposit.
func (n *Notifier) RaiseDepositBlocked(ctx context.Context, accountID string, amount model.Money) (*model.Alert, error) {
	a := &model.Alert{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Type:      model.AlertDepositAttempt,
		Message:   DepositBlockedMessage(amount),
		Amount:    amount,
		Status:    model.AlertUnread,
		CreatedAt: time.Now().UTC(),
	}

	err := n.store.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return err
		}
		return tx.InsertAlert(ctx, a)
	})
	if err != nil {
		return nil, err
	}

	n.metrics.RecordDepositBlocked()
	n.logger.Warn("deposit blocked",
		logging.AccountID(accountID),
		logging.AlertID(a.ID),
		logging.Amount(amount),
	)
	return a, nil
}

// MarkRead acknowledges an alert. Marking a read alert again is a no-op.
func (n *Notifier) MarkRead(ctx context.Context, alertID string) (*model.Alert, error) {
	var out *model.Alert
	err := n.store.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.GetAlertForUpdate(ctx, alertID)
		if err != nil {
			return err
		}
		if a.Status == model.AlertRead {
			out = a
			return nil
		}
		out, err = tx.UpdateAlertStatus(ctx, alertID, model.AlertRead)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns alerts matching f, newest first, with account names joined.
func (n *Notifier) List(ctx context.Context, f store.AlertFilter) ([]*model.Alert, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, model.Invalid("unknown alert status %q", f.Status)
	}

	alerts, err := store.Read(ctx, n.store, func(ctx context.Context, tx store.Tx) ([]*model.Alert, error) {
		return tx.ListAlerts(ctx, f)
	})
	if err != nil {
		return nil, err
	}

	if n.directory != nil {
		for _, a := range alerts {
			p, err := n.directory.Profile(ctx, a.AccountID)
			if err != nil {
				// a missing name does not hide the alert
				n.logger.Warn("account name lookup failed", logging.AccountID(a.AccountID), zap.Error(err))
				continue
			}
			a.AccountName = p.Name
		}
	}
	return alerts, nil
}
