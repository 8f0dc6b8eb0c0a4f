// Package workflow implements the request approval state machine.
//
// A request is created pending and moves once to approved or rejected.
// Approval applies its effect (balance change plus ledger entry, or card
// issuance) in the same storage unit as the status change, so either all of
// it is visible or none of it is.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bank-ledger/pkg/account"
	"bank-ledger/pkg/alert"
	"bank-ledger/pkg/card"
	"bank-ledger/pkg/ledger"
	"bank-ledger/pkg/logging"
	"bank-ledger/pkg/metrics"
	"bank-ledger/pkg/model"
	"bank-ledger/pkg/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Submission is a request as entered by a user or an administrator.
type Submission struct {
	AccountID   string            `json:"accountId"`
	Kind        model.RequestKind `json:"kind"`
	Amount      model.Money       `json:"amount"`
	Description string            `json:"description"`
	CardType    model.CardType    `json:"cardType,omitempty"`
}

// Workflow coordinates requests with the account, ledger, alert and card components.
type Workflow struct {
	store    store.Store
	accounts *account.Service
	ledger   *ledger.Ledger
	alerts   *alert.Notifier
	cards    *card.Issuer
	metrics  metrics.Collector
	logger   *logging.Logger
}

// New creates a workflow. All components must share the store s.
func New(s store.Store, accounts *account.Service, l *ledger.Ledger, alerts *alert.Notifier, cards *card.Issuer, collector metrics.Collector, logger *logging.Logger) *Workflow {
	return &Workflow{
		store:    s,
		accounts: accounts,
		ledger:   l,
		alerts:   alerts,
		cards:    cards,
		metrics:  metrics.OrNoOp(collector),
		logger:   logging.OrNop(logger).Named("workflow"),
	}
}

// Submit is the self-service path. Deposits are never queued: an alert is
// raised for the administrators and the call fails with model.ErrDepositBlocked.
// Any non-negative deposit amount raises the alert, zero included.
func (w *Workflow) Submit(ctx context.Context, sub Submission) (*model.Request, error) {
	if sub.Kind != model.KindDeposit {
		return w.Open(ctx, sub)
	}

	if sub.Amount < 0 {
		return nil, model.ErrInvalidAmount
	}
	if _, err := w.alerts.RaiseDepositBlocked(ctx, sub.AccountID, sub.Amount); err != nil {
		return nil, err
	}
	return nil, model.ErrDepositBlocked
}

// Open stores a pending request of any kind. It is the administrator path
// and the tail of Submit.
func (w *Workflow) Open(ctx context.Context, sub Submission) (*model.Request, error) {
	if err := normalize(&sub); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	r := &model.Request{
		ID:          uuid.NewString(),
		AccountID:   sub.AccountID,
		Kind:        sub.Kind,
		Amount:      sub.Amount,
		CardType:    sub.CardType,
		Description: sub.Description,
		Status:      model.RequestPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := w.store.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetAccount(ctx, r.AccountID); err != nil {
			return err
		}
		return tx.InsertRequest(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	w.logger.Info("request opened",
		logging.RequestID(r.ID),
		logging.AccountID(r.AccountID),
		logging.Kind(r.Kind),
		logging.Amount(r.Amount),
	)
	return r, nil
}

func normalize(sub *Submission) error {
	if sub.AccountID == "" {
		return model.Invalid("accountId is required")
	}
	sub.Description = strings.TrimSpace(sub.Description)

	switch sub.Kind {
	case model.KindDeposit, model.KindWithdrawal:
		if sub.Amount <= 0 {
			return model.ErrInvalidAmount
		}
		sub.CardType = ""
	case model.KindCard:
		sub.Amount = 0
		if sub.CardType == "" {
			sub.CardType = model.CardDebit
		}
		if !sub.CardType.Valid() {
			return model.Invalid("unknown card type %q", sub.CardType)
		}
	default:
		return model.Invalid("unknown request kind %q", sub.Kind)
	}
	return nil
}

// Get returns one request.
func (w *Workflow) Get(ctx context.Context, id string) (*model.Request, error) {
	return store.Read(ctx, w.store, func(ctx context.Context, tx store.Tx) (*model.Request, error) {
		return tx.GetRequest(ctx, id)
	})
}

// List returns requests matching f, newest first.
func (w *Workflow) List(ctx context.Context, f store.RequestFilter) ([]*model.Request, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, model.Invalid("unknown request status %q", f.Status)
	}
	return store.Read(ctx, w.store, func(ctx context.Context, tx store.Tx) ([]*model.Request, error) {
		return tx.ListRequests(ctx, f)
	})
}

// Decide approves or rejects a pending request. Rejection only changes the
// status. Approval runs the status change and its effect in one unit; if any
// step fails the unit rolls back, the request stays pending and the error
// wraps model.ErrApprovalFailed together with the cause.
func (w *Workflow) Decide(ctx context.Context, id string, approve bool) (*model.Request, error) {
	start := time.Now()

	var (
		decided  *model.Request
		issuance *card.Issuance
		kind     model.RequestKind
	)
	err := w.store.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := tx.GetRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		kind = r.Kind
		if r.Status != model.RequestPending {
			return model.ErrAlreadyDecided
		}

		if !approve {
			decided, err = tx.UpdateRequestStatus(ctx, id, model.RequestRejected)
			return err
		}

		decided, err = tx.UpdateRequestStatus(ctx, id, model.RequestApproved)
		if err != nil {
			return approvalFailed(err)
		}
		issuance, err = w.apply(ctx, tx, r)
		if err != nil {
			return approvalFailed(err)
		}
		return nil
	})

	w.metrics.RecordDecision(decisionKind(kind), decisionOutcome(approve, err), time.Since(start))
	if err != nil {
		if errors.Is(err, model.ErrApprovalFailed) {
			w.logger.Error("approval rolled back",
				logging.RequestID(id),
				logging.Kind(kind),
				logging.ErrorKind(err),
				zap.Error(err),
			)
		}
		return nil, err
	}

	if approve {
		if kind.MovesMoney() {
			w.accounts.RecordAdjustment(kind.Direction().Signed(decided.Amount))
		}
		if issuance != nil {
			w.cards.Committed(issuance)
		}
	}

	w.logger.Info("request decided",
		logging.RequestID(id),
		logging.AccountID(decided.AccountID),
		logging.Kind(kind),
		zap.String("status", string(decided.Status)),
	)
	return decided, nil
}

// apply performs the effect of an approved request inside tx.
func (w *Workflow) apply(ctx context.Context, tx store.Tx, r *model.Request) (*card.Issuance, error) {
	switch {
	case r.Kind.MovesMoney():
		direction := r.Kind.Direction()
		if _, err := w.accounts.Adjust(ctx, tx, r.AccountID, direction.Signed(r.Amount)); err != nil {
			return nil, err
		}
		_, err := w.ledger.Append(ctx, tx, ledger.Entry{
			AccountID:   r.AccountID,
			Direction:   direction,
			Amount:      r.Amount,
			Description: r.Description,
			RequestID:   r.ID,
		})
		return nil, err

	case r.Kind == model.KindCard:
		return w.cards.IssueTx(ctx, tx, card.Request{
			AccountID: r.AccountID,
			CardType:  r.CardType,
		})
	}
	return nil, model.Invalid("unknown request kind %q", r.Kind)
}

func approvalFailed(cause error) error {
	return fmt.Errorf("%w: %w", model.ErrApprovalFailed, cause)
}

func decisionKind(k model.RequestKind) string {
	if k == "" {
		return "unknown"
	}
	return string(k)
}

func decisionOutcome(approve bool, err error) string {
	switch {
	case err != nil:
		return model.ClassifyError(err)
	case approve:
		return "approved"
	default:
		return "rejected"
	}
}
