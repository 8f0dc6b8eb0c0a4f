// Package card issues payment cards with Luhn-valid, collision-checked numbers.
package card

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"bank-ledger/pkg/logging"
	"bank-ledger/pkg/metrics"
	"bank-ledger/pkg/model"
	"bank-ledger/pkg/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config controls card issuance.
type Config struct {
	// ValidityYears is added to the issue month to form the expiry.
	ValidityYears int

	// MaxAttempts bounds number regeneration after collisions.
	MaxAttempts int

	// ExpectedCards and FalsePositiveRate size the issued-number filter.
	ExpectedCards     uint
	FalsePositiveRate float64
}

// DefaultConfig returns four year cards and a filter sized for 100k cards.
func DefaultConfig() Config {
	return Config{
		ValidityYears:     4,
		MaxAttempts:       10,
		ExpectedCards:     100_000,
		FalsePositiveRate: 0.001,
	}
}

// Request describes a card to issue.
type Request struct {
	AccountID  string         `json:"accountId"`
	HolderName string         `json:"holderName"`
	CardType   model.CardType `json:"cardType"`
}

// Issuance is a card created inside a unit that has not been reported yet.
type Issuance struct {
	Card     *model.Card
	Attempts int
}

// A number is the issuer prefix, randomDigits random digits and a check digit.
const (
	issuerPrefix = "4"
	randomDigits = 14
	numberLength = 16
	expiryLayout = "01/06"
)

var randomSpace = new(big.Int).Exp(big.NewInt(10), big.NewInt(randomDigits), nil)

// Issuer creates cards.
type Issuer struct {
	store   store.Store
	config  Config
	filter  *numberFilter
	metrics metrics.Collector
	logger  *logging.Logger

	now    func() time.Time
	digits func() (string, error)
}

// NewIssuer creates an issuer. Call Warm before serving traffic so numbers
// issued by earlier runs are in the filter.
func NewIssuer(s store.Store, config Config, collector metrics.Collector, logger *logging.Logger) *Issuer {
	if config.ValidityYears <= 0 {
		config.ValidityYears = DefaultConfig().ValidityYears
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}

	return &Issuer{
		store:   s,
		config:  config,
		filter:  newNumberFilter(config.ExpectedCards, config.FalsePositiveRate),
		metrics: metrics.OrNoOp(collector),
		logger:  logging.OrNop(logger).Named("card"),
		now:     time.Now,
		digits:  randomPayload,
	}
}

// Warm loads every issued number into the filter.
func (i *Issuer) Warm(ctx context.Context) error {
	cards, err := i.List(ctx, "")
	if err != nil {
		return err
	}
	for _, c := range cards {
		i.filter.add(c.CardNumber)
	}
	i.logger.Info("card number filter warmed", zap.Int("cards", len(cards)))
	return nil
}

// Issue creates a card in its own unit.
func (i *Issuer) Issue(ctx context.Context, req Request) (*model.Card, error) {
	var is *Issuance
	err := i.store.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		is, err = i.IssueTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	i.Committed(is)
	return is.Card, nil
}

// IssueTx creates a card inside tx. An empty holder name defaults to the
// account name and an empty card type to debit. The caller reports the
// issuance with Committed once the unit commits.
func (i *Issuer) IssueTx(ctx context.Context, tx store.Tx, req Request) (*Issuance, error) {
	if req.CardType == "" {
		req.CardType = model.CardDebit
	}
	if !req.CardType.Valid() {
		return nil, model.Invalid("unknown card type %q", req.CardType)
	}

	a, err := tx.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	holder := strings.TrimSpace(req.HolderName)
	if holder == "" {
		holder = a.Name
	}

	number, attempts, err := i.uniqueNumber(ctx, tx)
	if err != nil {
		return nil, err
	}

	now := i.now().UTC()
	c := &model.Card{
		ID:         uuid.NewString(),
		AccountID:  a.ID,
		CardNumber: number,
		CardType:   req.CardType,
		Expiry:     now.AddDate(i.config.ValidityYears, 0, 0).Format(expiryLayout),
		HolderName: holder,
		CreatedAt:  now,
	}
	if err := tx.InsertCard(ctx, c); err != nil {
		return nil, err
	}

	// A number from a unit that later rolls back stays in the filter; it
	// only costs one extra storage lookup if drawn again.
	i.filter.add(number)
	return &Issuance{Card: c, Attempts: attempts}, nil
}

// Committed reports an issuance whose unit committed.
func (i *Issuer) Committed(is *Issuance) {
	i.metrics.RecordCardIssued(string(is.Card.CardType), is.Attempts)
	i.logger.Info("card issued",
		logging.AccountID(is.Card.AccountID),
		zap.String("card_id", is.Card.ID),
		zap.String("card_type", string(is.Card.CardType)),
		zap.Int("attempts", is.Attempts),
	)
}

func (i *Issuer) uniqueNumber(ctx context.Context, tx store.Tx) (string, int, error) {
	for attempt := 1; attempt <= i.config.MaxAttempts; attempt++ {
		payload, err := i.digits()
		if err != nil {
			return "", attempt, err
		}
		number := issuerPrefix + payload
		number += string(checkDigit(number))

		if !i.filter.mayContain(number) {
			return number, attempt, nil
		}

		exists, err := tx.CardNumberExists(ctx, number)
		if err != nil {
			return "", attempt, err
		}
		if !exists {
			i.filter.falsePositive()
			return number, attempt, nil
		}
		i.logger.Debug("card number collision", zap.Int("attempt", attempt))
	}
	return "", i.config.MaxAttempts, fmt.Errorf("%w: no unique card number after %d attempts", model.ErrConflict, i.config.MaxAttempts)
}

// List returns the cards of an account, or every card when accountID is empty.
func (i *Issuer) List(ctx context.Context, accountID string) ([]*model.Card, error) {
	return store.Read(ctx, i.store, func(ctx context.Context, tx store.Tx) ([]*model.Card, error) {
		if accountID != "" {
			if _, err := tx.GetAccount(ctx, accountID); err != nil {
				return nil, err
			}
		}
		return tx.ListCards(ctx, accountID)
	})
}

// FilterStats reports issued-number filter effectiveness.
func (i *Issuer) FilterStats() FilterStats {
	return i.filter.stats()
}

func randomPayload() (string, error) {
	n, err := rand.Int(rand.Reader, randomSpace)
	if err != nil {
		return "", fmt.Errorf("card: generate number: %w", err)
	}
	return fmt.Sprintf("%0*d", randomDigits, n.Int64()), nil
}

// checkDigit returns the Luhn digit that makes payload+digit valid.
func checkDigit(payload string) byte {
	sum := 0
	double := true
	for i := len(payload) - 1; i >= 0; i-- {
		d := int(payload[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return byte('0' + (10-sum%10)%10)
}

// ValidLuhn reports whether number is a 16 digit string passing the Luhn check.
func ValidLuhn(number string) bool {
	if len(number) != numberLength {
		return false
	}
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
