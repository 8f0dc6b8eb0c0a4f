// Package memory is an in-process store.Store. Each unit of work stages its
// writes privately and publishes them at commit; entities read for update are
// locked until the unit ends.
package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bank-ledger/pkg/model"
	"bank-ledger/pkg/store"
)

// Config holds configuration for the memory store.
type Config struct {
	// Name is the backend identifier
	Name string

	// LockTimeout bounds how long a unit waits for an entity lock when the
	// caller's context carries no deadline (0 = wait for the context only)
	LockTimeout time.Duration
}

// DefaultConfig returns a default memory store configuration.
func DefaultConfig() Config {
	return Config{
		Name:        "memory",
		LockTimeout: 5 * time.Second,
	}
}

// Store keeps every entity in maps guarded by one RWMutex.
type Store struct {
	mu           sync.RWMutex
	accounts     table[model.Account]
	transactions table[model.Transaction]
	requests     table[model.Request]
	alerts       table[model.Alert]
	cards        table[model.Card]
	cardNumbers  map[string]string

	locks  *lockTable
	config Config
	closed atomic.Bool
}

// table holds committed rows plus their insertion order.
type table[T any] struct {
	rows  map[string]*T
	order []string
}

func newTable[T any]() table[T] {
	return table[T]{rows: make(map[string]*T)}
}

// New creates an empty memory store.
func New(config Config) *Store {
	if config.Name == "" {
		config.Name = "memory"
	}
	return &Store{
		accounts:     newTable[model.Account](),
		transactions: newTable[model.Transaction](),
		requests:     newTable[model.Request](),
		alerts:       newTable[model.Alert](),
		cards:        newTable[model.Card](),
		cardNumbers:  make(map[string]string),
		locks:        newLockTable(),
		config:       config,
	}
}

// Name returns the backend name.
func (s *Store) Name() string {
	return s.config.Name
}

// Close marks the store closed. Later units fail with a dependency error.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Atomically runs fn against a private overlay and publishes the overlay
// only if fn succeeds. Locks taken by the unit are released either way.
func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if s.closed.Load() {
		return model.Unavailable("memory", fmt.Errorf("store %s is closed", s.config.Name))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok && s.config.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.LockTimeout)
		defer cancel()
	}

	t := newTx(ctx, s)
	defer t.releaseLocks()

	if err := fn(ctx, t); err != nil {
		return err
	}
	s.commit(t)
	return nil
}

func (s *Store) commit(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.accounts.apply(&s.accounts)
	t.transactions.apply(&s.transactions)
	t.requests.apply(&s.requests)
	t.alerts.apply(&s.alerts)
	t.cards.apply(&s.cards)
	for number, id := range t.cardNumbers {
		s.cardNumbers[number] = id
	}
}

// staged is a unit's private view of one table.
type staged[T any] struct {
	rows  map[string]*T
	added []string
}

func newStaged[T any]() staged[T] {
	return staged[T]{rows: make(map[string]*T)}
}

func (st *staged[T]) apply(t *table[T]) {
	t.order = append(t.order, st.added...)
	for id, v := range st.rows {
		t.rows[id] = v
	}
}

func clone[T any](v *T) *T {
	c := *v
	return &c
}

type tx struct {
	s    *Store
	unit context.Context
	held map[string]struct{}

	accounts     staged[model.Account]
	transactions staged[model.Transaction]
	requests     staged[model.Request]
	alerts       staged[model.Alert]
	cards        staged[model.Card]
	cardNumbers  map[string]string
}

func newTx(unit context.Context, s *Store) *tx {
	return &tx{
		s:            s,
		unit:         unit,
		held:         make(map[string]struct{}),
		accounts:     newStaged[model.Account](),
		transactions: newStaged[model.Transaction](),
		requests:     newStaged[model.Request](),
		alerts:       newStaged[model.Alert](),
		cards:        newStaged[model.Card](),
		cardNumbers:  make(map[string]string),
	}
}

func (t *tx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		ctx = t.unit
	}
	if err := t.s.locks.acquire(ctx, key); err != nil {
		return fmt.Errorf("memory: waiting for %s: %w", key, err)
	}
	t.held[key] = struct{}{}
	return nil
}

func (t *tx) releaseLocks() {
	for key := range t.held {
		t.s.locks.release(key)
	}
	t.held = nil
}

// lookup reads id from the overlay, then from committed state.
func lookup[T any](s *Store, committed *table[T], st *staged[T], id string) (*T, bool) {
	if v, ok := st.rows[id]; ok {
		return clone(v), true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := committed.rows[id]
	if !ok {
		return nil, false
	}
	return clone(v), true
}

// scan returns the rows matching keep, newest first.
func scan[T any](s *Store, committed *table[T], st *staged[T], keep func(*T) bool) []*T {
	var out []*T
	for i := len(st.added) - 1; i >= 0; i-- {
		if v := st.rows[st.added[i]]; keep(v) {
			out = append(out, clone(v))
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(committed.order) - 1; i >= 0; i-- {
		id := committed.order[i]
		v, ok := st.rows[id]
		if !ok {
			v = committed.rows[id]
		}
		if keep(v) {
			out = append(out, clone(v))
		}
	}
	return out
}

func insert[T any](s *Store, committed *table[T], st *staged[T], id string, v *T) error {
	if _, ok := lookup(s, committed, st, id); ok {
		return fmt.Errorf("%w: id %s already exists", model.ErrConflict, id)
	}
	st.rows[id] = clone(v)
	st.added = append(st.added, id)
	return nil
}

func accountKey(id string) string { return "account:" + id }
func requestKey(id string) string { return "request:" + id }
func alertKey(id string) string   { return "alert:" + id }
func numberKey(n string) string   { return "account-number:" + n }
func emailKey(e string) string    { return "email:" + strings.ToLower(e) }

// Accounts

func (t *tx) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := t.lock(ctx, numberKey(a.AccountNumber)); err != nil {
		return err
	}
	dup := scan(t.s, &t.s.accounts, &t.accounts, func(x *model.Account) bool {
		return x.AccountNumber == a.AccountNumber
	})
	if len(dup) > 0 {
		return fmt.Errorf("%w: account number %s already exists", model.ErrConflict, a.AccountNumber)
	}
	if err := t.claimEmail(ctx, a.ID, a.Email); err != nil {
		return err
	}
	return insert(t.s, &t.s.accounts, &t.accounts, a.ID, a)
}

// claimEmail locks email for the rest of the unit and fails when another
// account already holds it. Emails compare case-insensitively.
func (t *tx) claimEmail(ctx context.Context, owner, email string) error {
	if email == "" {
		return nil
	}
	if err := t.lock(ctx, emailKey(email)); err != nil {
		return err
	}
	taken := scan(t.s, &t.s.accounts, &t.accounts, func(x *model.Account) bool {
		return x.ID != owner && strings.EqualFold(x.Email, email)
	})
	if len(taken) > 0 {
		return model.ErrEmailTaken
	}
	return nil
}

func (t *tx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, ok := lookup(t.s, &t.s.accounts, &t.accounts, id)
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	return a, nil
}

func (t *tx) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	all := scan(t.s, &t.s.accounts, &t.accounts, func(*model.Account) bool { return true })
	// oldest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

func (t *tx) UpdateAccount(ctx context.Context, id string, patch store.AccountPatch) (*model.Account, error) {
	if err := t.lock(ctx, accountKey(id)); err != nil {
		return nil, err
	}
	a, ok := lookup(t.s, &t.s.accounts, &t.accounts, id)
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	if patch.Name != nil {
		a.Name = *patch.Name
	}
	if patch.Email != nil {
		if err := t.claimEmail(ctx, id, *patch.Email); err != nil {
			return nil, err
		}
		a.Email = *patch.Email
	}
	if patch.IsActive != nil {
		a.IsActive = *patch.IsActive
	}
	a.UpdatedAt = time.Now().UTC()
	t.accounts.rows[id] = a
	return clone(a), nil
}

func (t *tx) AddBalance(ctx context.Context, id string, delta model.Money, allowNegative bool) (model.Money, error) {
	if err := t.lock(ctx, accountKey(id)); err != nil {
		return 0, err
	}
	a, ok := lookup(t.s, &t.s.accounts, &t.accounts, id)
	if !ok {
		return 0, model.ErrAccountNotFound
	}
	if !a.IsActive {
		return 0, model.ErrAccountInactive
	}
	if (delta > 0 && a.Balance > math.MaxInt64-delta) || (delta < 0 && a.Balance < math.MinInt64-delta) {
		return 0, model.Invalid("balance of account %s would overflow", id)
	}
	next := a.Balance + delta
	if !allowNegative && next < 0 {
		return 0, model.ErrInsufficientFunds
	}
	a.Balance = next
	a.UpdatedAt = time.Now().UTC()
	t.accounts.rows[id] = a
	return next, nil
}

// Transactions

func (t *tx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	return insert(t.s, &t.s.transactions, &t.transactions, tr.ID, tr)
}

func (t *tx) ListTransactions(ctx context.Context, f store.TransactionFilter) ([]*model.Transaction, error) {
	out := scan(t.s, &t.s.transactions, &t.transactions, func(x *model.Transaction) bool {
		return (f.AccountID == "" || x.AccountID == f.AccountID) &&
			(f.Direction == "" || x.Direction == f.Direction)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Requests

func (t *tx) InsertRequest(ctx context.Context, r *model.Request) error {
	return insert(t.s, &t.s.requests, &t.requests, r.ID, r)
}

func (t *tx) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	r, ok := lookup(t.s, &t.s.requests, &t.requests, id)
	if !ok {
		return nil, model.ErrRequestNotFound
	}
	return r, nil
}

func (t *tx) GetRequestForUpdate(ctx context.Context, id string) (*model.Request, error) {
	if err := t.lock(ctx, requestKey(id)); err != nil {
		return nil, err
	}
	return t.GetRequest(ctx, id)
}

func (t *tx) UpdateRequestStatus(ctx context.Context, id string, status model.RequestStatus) (*model.Request, error) {
	r, err := t.GetRequestForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	t.requests.rows[id] = r
	return clone(r), nil
}

func (t *tx) ListRequests(ctx context.Context, f store.RequestFilter) ([]*model.Request, error) {
	return scan(t.s, &t.s.requests, &t.requests, func(x *model.Request) bool {
		return (f.Status == "" || x.Status == f.Status) &&
			(f.AccountID == "" || x.AccountID == f.AccountID)
	}), nil
}

// Alerts

func (t *tx) InsertAlert(ctx context.Context, a *model.Alert) error {
	return insert(t.s, &t.s.alerts, &t.alerts, a.ID, a)
}

func (t *tx) GetAlertForUpdate(ctx context.Context, id string) (*model.Alert, error) {
	if err := t.lock(ctx, alertKey(id)); err != nil {
		return nil, err
	}
	a, ok := lookup(t.s, &t.s.alerts, &t.alerts, id)
	if !ok {
		return nil, model.ErrAlertNotFound
	}
	return a, nil
}

func (t *tx) UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus) (*model.Alert, error) {
	a, err := t.GetAlertForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Status = status
	t.alerts.rows[id] = a
	return clone(a), nil
}

func (t *tx) ListAlerts(ctx context.Context, f store.AlertFilter) ([]*model.Alert, error) {
	return scan(t.s, &t.s.alerts, &t.alerts, func(x *model.Alert) bool {
		return (f.Status == "" || x.Status == f.Status) &&
			(f.AccountID == "" || x.AccountID == f.AccountID)
	}), nil
}

// Cards

func (t *tx) InsertCard(ctx context.Context, c *model.Card) error {
	exists, err := t.CardNumberExists(ctx, c.CardNumber)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: card number already issued", model.ErrConflict)
	}
	if err := insert(t.s, &t.s.cards, &t.cards, c.ID, c); err != nil {
		return err
	}
	t.cardNumbers[c.CardNumber] = c.ID
	return nil
}

func (t *tx) ListCards(ctx context.Context, accountID string) ([]*model.Card, error) {
	return scan(t.s, &t.s.cards, &t.cards, func(x *model.Card) bool {
		return accountID == "" || x.AccountID == accountID
	}), nil
}

func (t *tx) CardNumberExists(ctx context.Context, number string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("memory: card number lookup: %w", err)
	}
	if _, ok := t.cardNumbers[number]; ok {
		return true, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	_, ok := t.s.cardNumbers[number]
	return ok, nil
}
