// Package sqlxrepos implements the stores on Postgres.
package sqlxrepos

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
)

// postgres error codes
const (
	uniqueViolation     pq.ErrorCode = "23505"
	foreignKeyViolation pq.ErrorCode = "23503"
	adminShutdown       pq.ErrorCode = "57P01"
	crashShutdown       pq.ErrorCode = "57P02"
	cannotConnectNow    pq.ErrorCode = "57P03"
)

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

// wrapErr wraps err with msg. Errors of a database going away become core shutdown errors.
func wrapErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	switch pqCode(err) {
	case adminShutdown, crashShutdown, cannotConnectNow:
		return core.NewShutdownError(msg + ": " + err.Error())
	}
	return errors.Wrap(err, msg)
}

// isUUID filters out ids that cannot match a UUID column (postgres rejects them).
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func uuids(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if isUUID(id) {
			out = append(out, id)
		}
	}
	return out
}

// in expands the slice args of query and rebinds it for db.
func in(db *sqlx.DB, query string, args ...interface{}) (string, []interface{}, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, errors.Wrap(err, "expanding query")
	}
	return db.Rebind(q), a, nil
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr(err, "beginning transaction")
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return wrapErr(tx.Commit(), "committing transaction")
}
