package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"bank-ledger/pkg/model"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"
)

// classify maps a driver error onto the ledger taxonomy.
//
// SQLSTATE classes:
//   - 23 (integrity constraint violation) -> ErrEmailTaken on the email
//     index, ErrConflict otherwise
//   - 22003 (numeric value out of range) -> ErrInvalidInput
//   - everything else -> ErrStoreUnavailable
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("postgres %s: %w", op, err)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return model.Unavailable("postgres "+op, err)
	}

	code, constraint := sqlState(err)
	switch {
	case code == "22003":
		return model.Invalid("postgres %s: value out of range", op)
	case strings.HasPrefix(code, "23") && constraint == emailIndex:
		return fmt.Errorf("%w: postgres %s: %w", model.ErrEmailTaken, op, err)
	case strings.HasPrefix(code, "23"):
		return fmt.Errorf("%w: postgres %s: %w", model.ErrConflict, op, err)
	}
	return model.Unavailable("postgres "+op, err)
}

// sqlState returns the SQLSTATE code of err and the constraint it names,
// or empty strings for errors that did not come from the server.
func sqlState(err error) (code, constraint string) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Constraint
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

// where accumulates equality predicates and their positional arguments.
type where struct {
	clauses []string
	args    []any
}

// eq adds "column = $n" unless value is empty.
func (w *where) eq(column, value string) {
	if value == "" {
		return
	}
	w.args = append(w.args, value)
	w.clauses = append(w.clauses, fmt.Sprintf("%s = $%d", column, len(w.args)))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}
