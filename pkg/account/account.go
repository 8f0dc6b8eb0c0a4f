// Package account owns account balances and profiles.
//
// Balances change only through Adjust, which runs inside a storage unit and
// is atomic per account. Profile reads for display go through a read-through
// directory cache that is invalidated on every profile update.
package account

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"bank-ledger/pkg/cache"
	"bank-ledger/pkg/chain"
	"bank-ledger/pkg/logging"
	"bank-ledger/pkg/metrics"
	"bank-ledger/pkg/model"
	"bank-ledger/pkg/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config controls account policy.
type Config struct {
	// AllowOverdraft lets adjustments drive a balance below zero.
	AllowOverdraft bool

	// DirectoryTTL bounds how long a cached profile may be served.
	DirectoryTTL time.Duration
}

// DefaultConfig allows overdrafts and caches profiles for five minutes.
func DefaultConfig() Config {
	return Config{
		AllowOverdraft: true,
		DirectoryTTL:   5 * time.Minute,
	}
}

const numberAttempts = 5

var (
	profileKeys  = cache.NewKeyPattern("account", ":")
	numberFloor  = big.NewInt(1_000_000_000)
	numberSpread = big.NewInt(9_000_000_000)
)

// Service implements the account operations.
type Service struct {
	store     store.Store
	directory *chain.Chain
	config    Config
	metrics   metrics.Collector
	logger    *logging.Logger
}

// NewService creates an account service. directory may be nil, in which case
// profile lookups always read storage.
func NewService(s store.Store, directory *chain.Chain, config Config, collector metrics.Collector, logger *logging.Logger) *Service {
	return &Service{
		store:     s,
		directory: directory,
		config:    config,
		metrics:   metrics.OrNoOp(collector),
		logger:    logging.OrNop(logger).Named("account"),
	}
}

// Update lists the profile fields to change. Balances are not updatable.
type Update struct {
	Name     *string `json:"name,omitempty"`
	Email    *string `json:"email,omitempty"`
	IsActive *bool   `json:"isActive,omitempty"`
}

// Create opens an active account with a zero balance and a fresh
// ten digit account number. An email already held by another account fails
// with model.ErrEmailTaken; only account number collisions are retried.
func (s *Service) Create(ctx context.Context, name, email string) (*model.Account, error) {
	if err := validateProfile(&name, &email); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		number, err := newAccountNumber()
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		a := &model.Account{
			ID:            uuid.NewString(),
			AccountNumber: number,
			Name:          name,
			Email:         email,
			IsActive:      true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		err = s.store.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.CreateAccount(ctx, a)
		})
		if errors.Is(err, model.ErrConflict) && attempt < numberAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("account created", logging.AccountID(a.ID), zap.String("account_number", number))
		return a, nil
	}
}

// Get returns the account with id.
func (s *Service) Get(ctx context.Context, id string) (*model.Account, error) {
	return store.Read(ctx, s.store, func(ctx context.Context, tx store.Tx) (*model.Account, error) {
		return tx.GetAccount(ctx, id)
	})
}

// List returns every account, oldest first.
func (s *Service) List(ctx context.Context) ([]*model.Account, error) {
	return store.Read(ctx, s.store, func(ctx context.Context, tx store.Tx) ([]*model.Account, error) {
		return tx.ListAccounts(ctx)
	})
}

// GetBalance returns the current balance of an account.
func (s *Service) GetBalance(ctx context.Context, id string) (model.Money, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// Adjust adds delta to the balance of an active account inside tx and
// returns the new balance. It writes no ledger entry.
func (s *Service) Adjust(ctx context.Context, tx store.Tx, id string, delta model.Money) (model.Money, error) {
	return tx.AddBalance(ctx, id, delta, s.config.AllowOverdraft)
}

// AdjustBalance runs Adjust as its own unit.
func (s *Service) AdjustBalance(ctx context.Context, id string, delta model.Money) (model.Money, error) {
	var balance model.Money
	err := s.store.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		balance, err = s.Adjust(ctx, tx, id, delta)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.RecordAdjustment(delta)
	s.logger.Info("balance adjusted", logging.AccountID(id), logging.Amount(delta), zap.Stringer("balance", balance))
	return balance, nil
}

// RecordAdjustment reports a committed balance change.
func (s *Service) RecordAdjustment(delta model.Money) {
	switch {
	case delta > 0:
		s.metrics.RecordAdjustment(string(model.Credit), int64(delta))
	case delta < 0:
		s.metrics.RecordAdjustment(string(model.Debit), int64(-delta))
	}
}

// UpdateProfile changes name, email or activation. The cached profile is
// dropped after the change commits.
func (s *Service) UpdateProfile(ctx context.Context, id string, u Update) (*model.Account, error) {
	if u.Name == nil && u.Email == nil && u.IsActive == nil {
		return nil, model.Invalid("no fields to update")
	}
	if err := validateProfile(u.Name, u.Email); err != nil {
		return nil, err
	}

	var updated *model.Account
	err := s.store.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		updated, err = tx.UpdateAccount(ctx, id, store.AccountPatch{
			Name:     u.Name,
			Email:    u.Email,
			IsActive: u.IsActive,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, id)
	s.logger.Info("account updated", logging.AccountID(id), zap.Bool("active", updated.IsActive))
	return updated, nil
}

// Profile returns the display fields of an account through the directory cache.
func (s *Service) Profile(ctx context.Context, id string) (model.Profile, error) {
	load := func(ctx context.Context) ([]byte, error) {
		a, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(a.Profile())
	}

	var (
		data []byte
		err  error
	)
	if s.directory != nil {
		data, err = s.directory.GetOrLoad(ctx, profileKeys.Build("profile", id), s.config.DirectoryTTL, load)
	} else {
		data, err = load(ctx)
	}
	if err != nil {
		return model.Profile{}, err
	}

	var p model.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return model.Profile{}, fmt.Errorf("account: decode cached profile: %w", err)
	}
	return p, nil
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if s.directory == nil {
		return
	}
	if err := s.directory.Delete(ctx, profileKeys.Build("profile", id)); err != nil {
		s.logger.Warn("profile invalidation failed", logging.AccountID(id), zap.Error(err))
	}
}

// validateProfile trims the given fields in place and checks them.
func validateProfile(name, email *string) error {
	if name != nil {
		*name = strings.TrimSpace(*name)
		if *name == "" {
			return model.Invalid("name is required")
		}
	}
	if email != nil {
		*email = strings.TrimSpace(*email)
		if !strings.Contains(*email, "@") {
			return model.Invalid("email %q is not valid", *email)
		}
	}
	return nil
}

func newAccountNumber() (string, error) {
	n, err := rand.Int(rand.Reader, numberSpread)
	if err != nil {
		return "", fmt.Errorf("account: generate number: %w", err)
	}
	return n.Add(n, numberFloor).String(), nil
}
