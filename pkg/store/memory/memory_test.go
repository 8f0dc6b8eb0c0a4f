package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"bank-ledger/pkg/model"
	"bank-ledger/pkg/store"
)

func seedAccount(t *testing.T, s *Store, id string, balance model.Money, active bool) {
	t.Helper()
	err := s.Atomically(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateAccount(context.Background(), &model.Account{
			ID:            id,
			AccountNumber: "num-" + id,
			Name:          "Holder " + id,
			Balance:       balance,
			IsActive:      active,
		})
	})
	if err != nil {
		t.Fatalf("Failed to seed account %s: %v", id, err)
	}
}

func balanceOf(t *testing.T, s *Store, id string) model.Money {
	t.Helper()
	a, err := store.Read(context.Background(), s, func(ctx context.Context, tx store.Tx) (*model.Account, error) {
		return tx.GetAccount(context.Background(), id)
	})
	if err != nil {
		t.Fatalf("GetAccount(%s) failed: %v", id, err)
	}
	return a.Balance
}

func TestStore_CommitPublishesWrites(t *testing.T) {
	s := New(DefaultConfig())
	seedAccount(t, s, "a1", 0, true)

	ctx := context.Background()
	err := s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.AddBalance(ctx, "a1", 500, true); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &model.Transaction{ID: "t1", AccountID: "a1", Direction: model.Credit, Amount: 500})
	})
	if err != nil {
		t.Fatalf("Atomically failed: %v", err)
	}

	if got := balanceOf(t, s, "a1"); got != 500 {
		t.Errorf("Expected balance 500, got %d", got)
	}

	txns, _ := store.Read(ctx, s, func(ctx context.Context, tx store.Tx) ([]*model.Transaction, error) {
		return tx.ListTransactions(ctx, store.TransactionFilter{AccountID: "a1"})
	})
	if len(txns) != 1 {
		t.Errorf("Expected 1 transaction, got %d", len(txns))
	}
}

func TestStore_ErrorDiscardsWrites(t *testing.T) {
	s := New(DefaultConfig())
	seedAccount(t, s, "a1", 100, true)

	ctx := context.Background()
	boom := errors.New("boom")
	err := s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.AddBalance(ctx, "a1", 900, true); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &model.Transaction{ID: "t1", AccountID: "a1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	if got := balanceOf(t, s, "a1"); got != 100 {
		t.Errorf("Expected balance unchanged at 100, got %d", got)
	}
	txns, _ := store.Read(ctx, s, func(ctx context.Context, tx store.Tx) ([]*model.Transaction, error) {
		return tx.ListTransactions(ctx, store.TransactionFilter{})
	})
	if len(txns) != 0 {
		t.Errorf("Expected no transactions, got %d", len(txns))
	}
	if s.locks.size() != 0 {
		t.Errorf("Expected all locks released, %d held", s.locks.size())
	}
}

func TestStore_AddBalanceRules(t *testing.T) {
	s := New(DefaultConfig())
	seedAccount(t, s, "active", 100, true)
	seedAccount(t, s, "inactive", 100, false)

	ctx := context.Background()
	tests := []struct {
		name          string
		id            string
		delta         model.Money
		allowNegative bool
		wantErr       error
	}{
		{"missing", "nope", 10, true, model.ErrAccountNotFound},
		{"inactive", "inactive", 10, true, model.ErrAccountInactive},
		{"overdraft refused", "active", -200, false, model.ErrInsufficientFunds},
		{"overdraft allowed", "active", -200, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
				_, err := tx.AddBalance(ctx, tt.id, tt.delta, tt.allowNegative)
				return err
			})
			if !errors.Is(err, tt.wantErr) && !(err == nil && tt.wantErr == nil) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if got := balanceOf(t, s, "active"); got != -100 {
		t.Errorf("Expected balance -100 after allowed overdraft, got %d", got)
	}
}

func TestStore_ConcurrentAdjustmentsSerialize(t *testing.T) {
	s := New(DefaultConfig())
	seedAccount(t, s, "a1", 0, true)

	ctx := context.Background()
	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
				_, err := tx.AddBalance(ctx, "a1", 10, true)
				return err
			})
			if err != nil {
				t.Errorf("AddBalance failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := balanceOf(t, s, "a1"); got != workers*10 {
		t.Errorf("Expected balance %d, got %d", workers*10, got)
	}
}

func TestStore_LockWaitHonoursContext(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()
	if err := s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRequest(ctx, &model.Request{ID: "r1", Status: model.RequestPending})
	}); err != nil {
		t.Fatalf("InsertRequest failed: %v", err)
	}

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.GetRequestForUpdate(ctx, "r1"); err != nil {
				return err
			}
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked
	defer close(done)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := s.Atomically(waitCtx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetRequestForUpdate(waitCtx, "r1")
		return err
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded while waiting for lock, got %v", err)
	}
}

func TestStore_ListsNewestFirst(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		id := id
		if err := s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.InsertRequest(ctx, &model.Request{ID: id, AccountID: "a1", Status: model.RequestPending})
		}); err != nil {
			t.Fatalf("InsertRequest failed: %v", err)
		}
	}

	err := s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.UpdateRequestStatus(ctx, "r2", model.RequestRejected)
		return err
	})
	if err != nil {
		t.Fatalf("UpdateRequestStatus failed: %v", err)
	}

	all, _ := store.Read(ctx, s, func(ctx context.Context, tx store.Tx) ([]*model.Request, error) {
		return tx.ListRequests(ctx, store.RequestFilter{})
	})
	if len(all) != 3 || all[0].ID != "r3" || all[2].ID != "r1" {
		t.Fatalf("Expected r3,r2,r1, got %v", ids(all))
	}

	pending, _ := store.Read(ctx, s, func(ctx context.Context, tx store.Tx) ([]*model.Request, error) {
		return tx.ListRequests(ctx, store.RequestFilter{Status: model.RequestPending})
	})
	if len(pending) != 2 {
		t.Errorf("Expected 2 pending requests, got %d", len(pending))
	}
}

func TestStore_CardNumbersUnique(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	card := &model.Card{ID: "c1", AccountID: "a1", CardNumber: "4000000000000002"}
	if err := s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error { return tx.InsertCard(ctx, card) }); err != nil {
		t.Fatalf("InsertCard failed: %v", err)
	}

	dup := &model.Card{ID: "c2", AccountID: "a1", CardNumber: "4000000000000002"}
	err := s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error { return tx.InsertCard(ctx, dup) })
	if !errors.Is(err, model.ErrConflict) {
		t.Errorf("Expected conflict, got %v", err)
	}

	exists, _ := store.Read(ctx, s, func(ctx context.Context, tx store.Tx) (bool, error) {
		return tx.CardNumberExists(ctx, "4000000000000002")
	})
	if !exists {
		t.Error("Expected card number to exist")
	}
}

func TestStore_EmailsUnique(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	create := func(id, number, email string) error {
		return s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.CreateAccount(ctx, &model.Account{ID: id, AccountNumber: number, Email: email, IsActive: true})
		})
	}

	if err := create("a1", "n1", "ada@example.com"); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	err := create("a2", "n2", "ADA@example.com")
	if !errors.Is(err, model.ErrEmailTaken) {
		t.Fatalf("Expected email taken, got %v", err)
	}
	if errors.Is(err, model.ErrConflict) {
		t.Error("Email collisions must not look like account number collisions")
	}

	if err := create("a2", "n2", "grace@example.com"); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	taken := "ada@example.com"
	err = s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.UpdateAccount(ctx, "a2", store.AccountPatch{Email: &taken})
		return err
	})
	if !errors.Is(err, model.ErrEmailTaken) {
		t.Errorf("Expected email taken on update, got %v", err)
	}

	// An account may keep its own email.
	err = s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.UpdateAccount(ctx, "a1", store.AccountPatch{Email: &taken})
		return err
	})
	if err != nil {
		t.Errorf("Expected own email to be accepted, got %v", err)
	}
}

func TestStore_ConcurrentCreatesWithSameEmail(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
				return tx.CreateAccount(ctx, &model.Account{
					ID:            fmt.Sprintf("a%d", i),
					AccountNumber: fmt.Sprintf("n%d", i),
					Email:         "same@example.com",
				})
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case !errors.Is(err, model.ErrEmailTaken):
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Errorf("Expected exactly one account with the email, got %d", created)
	}
}

func TestStore_AddBalanceOverflow(t *testing.T) {
	s := New(DefaultConfig())
	seedAccount(t, s, "a1", math.MaxInt64-10, true)
	seedAccount(t, s, "a2", math.MinInt64+10, true)

	ctx := context.Background()
	err := s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.AddBalance(ctx, "a1", 11, true)
		return err
	})
	if model.KindOf(err) != model.KindInvalidInput {
		t.Errorf("Expected invalid input on overflow, got %v", err)
	}
	if got := balanceOf(t, s, "a1"); got != math.MaxInt64-10 {
		t.Errorf("Expected balance unchanged, got %d", got)
	}

	err = s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.AddBalance(ctx, "a2", -11, true)
		return err
	})
	if model.KindOf(err) != model.KindInvalidInput {
		t.Errorf("Expected invalid input on underflow, got %v", err)
	}

	err = s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.AddBalance(ctx, "a1", 10, true)
		return err
	})
	if err != nil {
		t.Errorf("Expected add up to the limit to succeed, got %v", err)
	}
}

func TestStore_InsertCardFailsWhenLookupFails(t *testing.T) {
	s := New(DefaultConfig())

	err := s.Atomically(context.Background(), func(ctx context.Context, tx store.Tx) error {
		done, cancel := context.WithCancel(ctx)
		cancel()
		return tx.InsertCard(done, &model.Card{ID: "c1", AccountID: "a1", CardNumber: "4000000000000002"})
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected the lookup error, got %v", err)
	}

	cards, _ := store.Read(context.Background(), s, func(ctx context.Context, tx store.Tx) ([]*model.Card, error) {
		return tx.ListCards(ctx, "")
	})
	if len(cards) != 0 {
		t.Errorf("Expected no card stored, got %d", len(cards))
	}
}

func TestStore_Closed(t *testing.T) {
	s := New(DefaultConfig())
	s.Close()

	err := s.Atomically(context.Background(), func(ctx context.Context, tx store.Tx) error { return nil })
	if !errors.Is(err, model.ErrStoreUnavailable) {
		t.Errorf("Expected store unavailable, got %v", err)
	}
	if !model.IsRetryable(err) {
		t.Error("Expected closed store error to be retryable")
	}
}

func ids(rs []*model.Request) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
