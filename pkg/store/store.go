// Package store defines the unit-of-work persistence contract used by the
// ledger components. Implementations live in store/memory and store/postgres.
package store

import (
	"context"

	"bank-ledger/pkg/model"
)

// Store runs units of work. Every write made through the Tx passed to fn is
// published together when fn returns nil and discarded when it returns an error.
type Store interface {
	// Atomically runs fn inside one unit of work. fn receives the unit's own
	// context and must use it for every Tx call.
	Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Name identifies the backend in logs and metrics.
	Name() string

	// Close releases the backend's resources.
	Close() error
}

// Tx is the set of operations available inside a unit of work.
//
// Reads that precede a write to the same entity (GetRequestForUpdate,
// GetAlertForUpdate, AddBalance) lock that entity until the unit ends, so two
// units touching the same account or request are serialized.
type Tx interface {
	AccountTx
	TransactionTx
	RequestTx
	AlertTx
	CardTx
}

// AccountPatch lists the profile fields to change. Nil fields are left as is.
type AccountPatch struct {
	Name     *string
	Email    *string
	IsActive *bool
}

// AccountTx persists accounts.
type AccountTx interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]*model.Account, error)
	UpdateAccount(ctx context.Context, id string, patch AccountPatch) (*model.Account, error)

	// AddBalance adds delta to the balance of an active account and returns
	// the new balance. When allowNegative is false a result below zero fails
	// with model.ErrInsufficientFunds and nothing changes.
	AddBalance(ctx context.Context, id string, delta model.Money, allowNegative bool) (model.Money, error)
}

// TransactionFilter narrows ListTransactions. Zero values match everything.
type TransactionFilter struct {
	AccountID string
	Direction model.Direction
	Limit     int
}

// TransactionTx persists ledger entries.
type TransactionTx interface {
	InsertTransaction(ctx context.Context, t *model.Transaction) error
	ListTransactions(ctx context.Context, f TransactionFilter) ([]*model.Transaction, error)
}

// RequestFilter narrows ListRequests. Zero values match everything.
type RequestFilter struct {
	Status    model.RequestStatus
	AccountID string
}

// RequestTx persists approval requests.
type RequestTx interface {
	InsertRequest(ctx context.Context, r *model.Request) error
	GetRequest(ctx context.Context, id string) (*model.Request, error)
	GetRequestForUpdate(ctx context.Context, id string) (*model.Request, error)
	UpdateRequestStatus(ctx context.Context, id string, status model.RequestStatus) (*model.Request, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]*model.Request, error)
}

// AlertFilter narrows ListAlerts. Zero values match everything.
type AlertFilter struct {
	Status    model.AlertStatus
	AccountID string
}

// AlertTx persists administrator alerts.
type AlertTx interface {
	InsertAlert(ctx context.Context, a *model.Alert) error
	GetAlertForUpdate(ctx context.Context, id string) (*model.Alert, error)
	UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus) (*model.Alert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]*model.Alert, error)
}

// CardTx persists issued cards.
type CardTx interface {
	InsertCard(ctx context.Context, c *model.Card) error
	ListCards(ctx context.Context, accountID string) ([]*model.Card, error)
	CardNumberExists(ctx context.Context, number string) (bool, error)
}

// Read runs fn in a unit that is only used for reads.
func Read[T any](ctx context.Context, s Store, fn func(ctx context.Context, tx Tx) (T, error)) (T, error) {
	var out T
	err := s.Atomically(ctx, func(ctx context.Context, tx Tx) error {
		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
