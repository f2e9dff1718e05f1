package reperrors

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsRetryableError walks the error chain and reports whether the failure is
// transient infrastructure: worth another attempt on the same or a fresh
// connection.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	for {
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "40001", // serialization_failure
				"40P01",   // deadlock_detected
				"55P03",   // lock_not_available
				"57P03",   // cannot_connect_now
				"53300",   // too_many_connections
				"53400",   // configuration_limit_exceeded
				"08000", "08003", "08006": // connection failures
				return true
			}
			if pgErr.Code == "25P02" { // in_failed_sql_transaction
				return true
			}
		}

		nextErr := errors.Unwrap(err)
		if nextErr == nil {
			break
		}
		err = nextErr
	}

	return false
}

// IsAbortedTx reports the "current transaction is aborted" class. The
// connection that produced it must be discarded, never reused.
func IsAbortedTx(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "25P02"
	}
	return false
}

// IsUniqueViolation reports a unique-constraint violation. For this
// pipeline that is idempotent success, not an error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
