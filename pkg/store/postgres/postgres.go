// Package postgres is a store.Store on PostgreSQL through database/sql.
// Either lib/pq ("postgres") or pgx ("pgx") can serve as the driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bank-ledger/pkg/model"
	"bank-ledger/pkg/store"

	_ "github.com/jackc/pgx/v4/stdlib"
	_ "github.com/lib/pq"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	// Driver is the database/sql driver name: "postgres" (lib/pq) or "pgx"
	Driver string

	// DSN overrides the individual connection fields when set
	DSN string

	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// ConnectTimeout bounds the initial ping and schema setup
	ConnectTimeout time.Duration
}

// DefaultConfig returns default PostgreSQL configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Database:        "ledger",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}

// ConnString returns the DSN for the configured server.
func (c Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Store runs each unit of work in one sql.Tx.
type Store struct {
	db   *sql.DB
	name string
}

// New opens a connection pool, pings the server and creates missing tables.
func New(cfg Config) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	db, err := sql.Open(cfg.Driver, cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{db: db, name: "postgres-" + cfg.Driver}
	if err := s.initTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init tables: %w", err)
	}

	return s, nil
}

// emailIndex enforces one account per email, compared case-insensitively.
const emailIndex = "accounts_email_key"

func (s *Store) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			account_number TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + emailIndex + ` ON accounts (lower(email))`,
		`CREATE TABLE IF NOT EXISTS transactions (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_account_id ON transactions(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS requests (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			amount BIGINT NOT NULL,
			card_type TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			type TEXT NOT NULL,
			message TEXT NOT NULL,
			amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cards (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			card_number TEXT NOT NULL UNIQUE,
			card_type TEXT NOT NULL,
			expiry TEXT NOT NULL,
			holder_name TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}

	return nil
}

// Name returns the backend name.
func (s *Store) Name() string {
	return s.name
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection to the server.
func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

// Atomically runs fn in a database transaction, committing when fn succeeds.
func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}

	if err := fn(ctx, &tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

type tx struct {
	tx *sql.Tx
}

const accountColumns = `id, account_number, name, email, balance, is_active, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.AccountNumber, &a.Name, &a.Email, &a.Balance, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

// Accounts

func (t *tx) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.AccountNumber, a.Name, a.Email, int64(a.Balance), a.IsActive, a.CreatedAt, a.UpdatedAt,
	)
	return classify("create account", err)
}

func (t *tx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(t.tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrAccountNotFound
	}
	if err != nil {
		return nil, classify("get account", err)
	}
	return a, nil
}

func (t *tx) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY seq`)
	if err != nil {
		return nil, classify("list accounts", err)
	}
	defer rows.Close()

	var out []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, classify("scan account", err)
		}
		out = append(out, a)
	}
	return out, classify("list accounts", rows.Err())
}

func (t *tx) UpdateAccount(ctx context.Context, id string, patch store.AccountPatch) (*model.Account, error) {
	a, err := scanAccount(t.tx.QueryRowContext(ctx, `
		UPDATE accounts SET
			name = COALESCE($2::text, name),
			email = COALESCE($3::text, email),
			is_active = COALESCE($4::boolean, is_active),
			updated_at = $5
		WHERE id = $1
		RETURNING `+accountColumns,
		id, patch.Name, patch.Email, patch.IsActive, time.Now().UTC(),
	))
	if err == sql.ErrNoRows {
		return nil, model.ErrAccountNotFound
	}
	if err != nil {
		return nil, classify("update account", err)
	}
	return a, nil
}

// AddBalance increments the balance in one conditional statement; the row
// lock it takes is held until the unit ends.
func (t *tx) AddBalance(ctx context.Context, id string, delta model.Money, allowNegative bool) (model.Money, error) {
	var balance model.Money
	err := t.tx.QueryRowContext(ctx, `
		UPDATE accounts SET balance = balance + $1::bigint, updated_at = $4
		WHERE id = $2 AND is_active AND ($3::boolean OR balance + $1::bigint >= 0)
		RETURNING balance`,
		int64(delta), id, allowNegative, time.Now().UTC(),
	).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if err != sql.ErrNoRows {
		return 0, classify("add balance", err)
	}

	var active bool
	err = t.tx.QueryRowContext(ctx, `SELECT is_active FROM accounts WHERE id = $1`, id).Scan(&active)
	switch {
	case err == sql.ErrNoRows:
		return 0, model.ErrAccountNotFound
	case err != nil:
		return 0, classify("add balance", err)
	case !active:
		return 0, model.ErrAccountInactive
	default:
		return 0, model.ErrInsufficientFunds
	}
}

// Transactions

const transactionColumns = `id, account_id, direction, amount, description, status, request_id, created_at`

func (t *tx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tr.ID, tr.AccountID, string(tr.Direction), int64(tr.Amount), tr.Description,
		string(tr.Status), tr.RequestID, tr.CreatedAt,
	)
	return classify("insert transaction", err)
}

func (t *tx) ListTransactions(ctx context.Context, f store.TransactionFilter) ([]*model.Transaction, error) {
	w := where{}
	w.eq("account_id", f.AccountID)
	w.eq("direction", string(f.Direction))

	query := `SELECT ` + transactionColumns + ` FROM transactions` + w.String() + ` ORDER BY created_at DESC, seq DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := t.tx.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, classify("list transactions", err)
	}
	defer rows.Close()

	var out []*model.Transaction
	for rows.Next() {
		var tr model.Transaction
		if err := rows.Scan(&tr.ID, &tr.AccountID, &tr.Direction, &tr.Amount, &tr.Description,
			&tr.Status, &tr.RequestID, &tr.CreatedAt); err != nil {
			return nil, classify("scan transaction", err)
		}
		out = append(out, &tr)
	}
	return out, classify("list transactions", rows.Err())
}

// Requests

const requestColumns = `id, account_id, kind, amount, card_type, description, status, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (*model.Request, error) {
	var r model.Request
	err := row.Scan(&r.ID, &r.AccountID, &r.Kind, &r.Amount, &r.CardType, &r.Description,
		&r.Status, &r.CreatedAt, &r.UpdatedAt)
	return &r, err
}

func (t *tx) InsertRequest(ctx context.Context, r *model.Request) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO requests (`+requestColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.AccountID, string(r.Kind), int64(r.Amount), string(r.CardType), r.Description,
		string(r.Status), r.CreatedAt, r.UpdatedAt,
	)
	return classify("insert request", err)
}

func (t *tx) getRequest(ctx context.Context, id, suffix string) (*model.Request, error) {
	r, err := scanRequest(t.tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = $1`+suffix, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrRequestNotFound
	}
	if err != nil {
		return nil, classify("get request", err)
	}
	return r, nil
}

func (t *tx) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	return t.getRequest(ctx, id, "")
}

func (t *tx) GetRequestForUpdate(ctx context.Context, id string) (*model.Request, error) {
	return t.getRequest(ctx, id, " FOR UPDATE")
}

func (t *tx) UpdateRequestStatus(ctx context.Context, id string, status model.RequestStatus) (*model.Request, error) {
	r, err := scanRequest(t.tx.QueryRowContext(ctx,
		`UPDATE requests SET status = $2, updated_at = $3 WHERE id = $1 RETURNING `+requestColumns,
		id, string(status), time.Now().UTC()))
	if err == sql.ErrNoRows {
		return nil, model.ErrRequestNotFound
	}
	if err != nil {
		return nil, classify("update request", err)
	}
	return r, nil
}

func (t *tx) ListRequests(ctx context.Context, f store.RequestFilter) ([]*model.Request, error) {
	w := where{}
	w.eq("status", string(f.Status))
	w.eq("account_id", f.AccountID)

	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests`+w.String()+` ORDER BY created_at DESC, seq DESC`, w.args...)
	if err != nil {
		return nil, classify("list requests", err)
	}
	defer rows.Close()

	var out []*model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, classify("scan request", err)
		}
		out = append(out, r)
	}
	return out, classify("list requests", rows.Err())
}

// Alerts

const alertColumns = `id, account_id, type, message, amount, status, created_at`

func scanAlert(row interface{ Scan(...any) error }) (*model.Alert, error) {
	var a model.Alert
	err := row.Scan(&a.ID, &a.AccountID, &a.Type, &a.Message, &a.Amount, &a.Status, &a.CreatedAt)
	return &a, err
}

func (t *tx) InsertAlert(ctx context.Context, a *model.Alert) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO alerts (`+alertColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.AccountID, a.Type, a.Message, int64(a.Amount), string(a.Status), a.CreatedAt,
	)
	return classify("insert alert", err)
}

func (t *tx) GetAlertForUpdate(ctx context.Context, id string) (*model.Alert, error) {
	a, err := scanAlert(t.tx.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1 FOR UPDATE`, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrAlertNotFound
	}
	if err != nil {
		return nil, classify("get alert", err)
	}
	return a, nil
}

func (t *tx) UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus) (*model.Alert, error) {
	a, err := scanAlert(t.tx.QueryRowContext(ctx,
		`UPDATE alerts SET status = $2 WHERE id = $1 RETURNING `+alertColumns, id, string(status)))
	if err == sql.ErrNoRows {
		return nil, model.ErrAlertNotFound
	}
	if err != nil {
		return nil, classify("update alert", err)
	}
	return a, nil
}

func (t *tx) ListAlerts(ctx context.Context, f store.AlertFilter) ([]*model.Alert, error) {
	w := where{}
	w.eq("status", string(f.Status))
	w.eq("account_id", f.AccountID)

	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts`+w.String()+` ORDER BY created_at DESC, seq DESC`, w.args...)
	if err != nil {
		return nil, classify("list alerts", err)
	}
	defer rows.Close()

	var out []*model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, classify("scan alert", err)
		}
		out = append(out, a)
	}
	return out, classify("list alerts", rows.Err())
}

// Cards

const cardColumns = `id, account_id, card_number, card_type, expiry, holder_name, created_at`

func (t *tx) InsertCard(ctx context.Context, c *model.Card) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO cards (`+cardColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.AccountID, c.CardNumber, string(c.CardType), c.Expiry, c.HolderName, c.CreatedAt,
	)
	return classify("insert card", err)
}

func (t *tx) ListCards(ctx context.Context, accountID string) ([]*model.Card, error) {
	w := where{}
	w.eq("account_id", accountID)

	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards`+w.String()+` ORDER BY created_at DESC, seq DESC`, w.args...)
	if err != nil {
		return nil, classify("list cards", err)
	}
	defer rows.Close()

	var out []*model.Card
	for rows.Next() {
		var c model.Card
		if err := rows.Scan(&c.ID, &c.AccountID, &c.CardNumber, &c.CardType, &c.Expiry,
			&c.HolderName, &c.CreatedAt); err != nil {
			return nil, classify("scan card", err)
		}
		out = append(out, &c)
	}
	return out, classify("list cards", rows.Err())
}

func (t *tx) CardNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM cards WHERE card_number = $1)`, number).Scan(&exists)
	if err != nil {
		return false, classify("card number exists", err)
	}
	return exists, nil
}
