package postgres

import (
	"errors"

	"github.com/dukerupert/billrun/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const pgUniqueViolation = "23505"

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// storeErr converts a driver error into a domain error. Anything that is not
// a known business condition is reported as EUNAVAILABLE so the job runner
// can abort the cycle.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.Unavailable(err, op)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// parseAmount reads NUMERIC columns selected as ::text.
func parseAmount(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}
