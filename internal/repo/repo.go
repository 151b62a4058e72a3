// Package repo is the atomic store adapter. Every mutation is a single
// conditional statement against one row: a precondition mismatch reports
// applied=false, anything else the store returns is a *FatalError.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// FatalError is any store failure other than a precondition mismatch:
// connectivity, timeouts, constraint violations, decode errors.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

func fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsFatal(err) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &FatalError{Op: op, Err: err}
}

var tracer = otel.Tracer("civicforge/repo")

// conditional runs one guarded write and reports whether a row changed.
func (r Repo) conditional(ctx context.Context, op, query string, args ...any) (bool, error) {
	ctx, span := tracer.Start(ctx, "repo."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fatal(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fatal(op, err)
	}
	span.SetAttributes(attribute.Bool("store.applied", n > 0))
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func normalizeLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
