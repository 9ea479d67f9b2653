package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bigbrotr/bigbrotr/internal/errs"
)

// classifyPgError maps a pgx/pgconn error to a transient or permanent
// errs.Kind: connection-class SQLSTATEs and context deadline/
// cancellation are transient (or cancelled); constraint and
// syntax-class SQLSTATEs are permanent.
func classifyPgError(err error) *errs.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return errs.New(errs.KindCancelled, "", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New(errs.KindTransientDB, "", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization_failure, deadlock_detected
			return errs.New(errs.KindTransientDB, "", err)
		case pgErr.Code[:2] == "08": // connection exception class
			return errs.New(errs.KindTransientPool, "", err)
		case pgErr.Code == "57014": // query_canceled (statement_timeout)
			return errs.New(errs.KindTransientDB, "", err)
		default:
			return errs.New(errs.KindPermanentDB, "", err)
		}
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return errs.New(errs.KindTransientPool, "", err)
	}

	// Unrecognized errors (e.g. a network blip surfaced without a
	// pg-specific type) are treated as transient-pool: retrying a pool
	// acquire is always safe, whereas assuming permanent would halt the
	// service on a blip.
	return errs.New(errs.KindTransientPool, "", err)
}
