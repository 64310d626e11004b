package qr

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPGSchema = "karma"

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const issueColumns = `id, jti, status, subject_ref, issuer_ref, redeemer_ref,
		       amount, metadata, expires_at, redeemed_at, created_at, updated_at`

// PostgresStore persists the ledger in PostgreSQL.
//
// The pool is owned by the caller. Every timestamp comes from the server's
// now(), so expiry is judged on database time.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the schema holding qr_issues (default "karma").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" || !pgIdentRe.MatchString(schema) {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: defaultPGSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

// Close is a no-op; the app owns the pool.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) table() string { return pgIdent(s.schema, "qr_issues") }

// Insert creates an issued row with expires_at = now() + TTL.
func (s *PostgresStore) Insert(ctx context.Context, in InsertRecord) (Issue, error) {
	const op = "qr.postgres.Insert"
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.JTI) == "" {
		return Issue{}, ErrInvalidInput
	}
	meta, err := encodeMetadata(in.Metadata)
	if err != nil {
		return Issue{}, ErrInvalidInput
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table()+` (
		     id, jti, status, subject_ref, issuer_ref, amount, metadata,
		     expires_at, created_at, updated_at
		   ) VALUES (
		     $1, $2, 'issued', $3, $4, $5, $6,
		     now() + ($7::bigint * interval '1 microsecond'), now(), now()
		   )
		RETURNING `+issueColumns,
		in.ID,
		in.JTI,
		in.SubjectRef,
		in.IssuerRef,
		in.Amount,
		meta,
		ttlTicks(in.TTL, time.Microsecond),
	)
	out, err := scanIssue(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Issue{}, ErrDuplicateID
		}
		return Issue{}, persistErr(op, err)
	}
	return out, nil
}

// Redeem is the single conditional statement the whole engine relies on.
func (s *PostgresStore) Redeem(ctx context.Context, in RedeemRecord) (Issue, error) {
	const op = "qr.postgres.Redeem"

	row := s.pool.QueryRow(ctx,
		`UPDATE `+s.table()+`
		    SET status = 'redeemed',
		        redeemed_at = now(),
		        redeemer_ref = $2,
		        updated_at = now()
		  WHERE jti = $1
		    AND status = 'issued'
		    AND expires_at >= now()
		RETURNING `+issueColumns,
		in.JTI,
		in.RedeemerRef,
	)
	out, err := scanIssue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Issue{}, ErrNotFound
		}
		return Issue{}, persistErr(op, err)
	}
	return out, nil
}

// Inspect reads a row and the database clock in one statement.
func (s *PostgresStore) Inspect(ctx context.Context, jti string) (Inspection, error) {
	const op = "qr.postgres.Inspect"

	var out Inspection
	row := s.pool.QueryRow(ctx,
		`SELECT `+issueColumns+`, now()
		   FROM `+s.table()+`
		  WHERE jti = $1`,
		jti,
	)
	iss, err := scanIssue(row, &out.Now)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Inspection{}, ErrNotFound
		}
		return Inspection{}, persistErr(op, err)
	}
	out.Issue = iss
	out.Now = out.Now.UTC()
	return out, nil
}

// ListByIssuer returns an issuer's rows newest first.
func (s *PostgresStore) ListByIssuer(ctx context.Context, f ListFilter) ([]Issue, error) {
	const op = "qr.postgres.ListByIssuer"
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}

	var status *string
	if f.Status != nil {
		v := string(*f.Status)
		status = &v
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+issueColumns+`
		   FROM `+s.table()+`
		  WHERE issuer_ref = $1
		    AND ($2::text IS NULL OR status = $2)
		  ORDER BY created_at DESC, id DESC
		  LIMIT $3`,
		f.IssuerRef,
		status,
		f.Limit,
	)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()

	out := make([]Issue, 0, f.Limit)
	for rows.Next() {
		iss, err := scanIssue(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		out = append(out, iss)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr(op, err)
	}
	return out, nil
}

// Revoke moves an issued row to revoked.
func (s *PostgresStore) Revoke(ctx context.Context, jti string) (Issue, error) {
	const op = "qr.postgres.Revoke"

	row := s.pool.QueryRow(ctx,
		`UPDATE `+s.table()+`
		    SET status = 'revoked',
		        updated_at = now()
		  WHERE jti = $1
		    AND status = 'issued'
		RETURNING `+issueColumns,
		jti,
	)
	out, err := scanIssue(row)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Issue{}, persistErr(op, err)
	}

	// Distinguish not-found vs not-active.
	if _, err := s.Inspect(ctx, jti); err != nil {
		return Issue{}, err
	}
	return Issue{}, ErrNotActive
}

// ExpireStale flips overdue issued rows to expired in one statement.
func (s *PostgresStore) ExpireStale(ctx context.Context, limit int) (int64, error) {
	const op = "qr.postgres.ExpireStale"
	if limit <= 0 {
		limit = 1000
	}
	t := s.table()
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+t+`
		    SET status = 'expired',
		        updated_at = now()
		  WHERE id IN (
		        SELECT id FROM `+t+`
		         WHERE status = 'issued' AND expires_at < now()
		         ORDER BY expires_at
		         LIMIT $1
		           FOR UPDATE SKIP LOCKED
		  )
		    AND status = 'issued'`,
		limit,
	)
	if err != nil {
		return 0, persistErr(op, err)
	}
	return tag.RowsAffected(), nil
}

func scanIssue(row pgx.Row, extra ...any) (Issue, error) {
	var (
		out    Issue
		status string
		meta   *string
	)
	dest := []any{
		&out.ID,
		&out.JTI,
		&status,
		&out.SubjectRef,
		&out.IssuerRef,
		&out.RedeemerRef,
		&out.Amount,
		&meta,
		&out.ExpiresAt,
		&out.RedeemedAt,
		&out.CreatedAt,
		&out.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Issue{}, err
	}
	m, err := decodeMetadata(meta)
	if err != nil {
		return Issue{}, err
	}
	out.Status = Status(status)
	out.Metadata = m
	out.ExpiresAt = out.ExpiresAt.UTC()
	out.CreatedAt = out.CreatedAt.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	if out.RedeemedAt != nil {
		v := out.RedeemedAt.UTC()
		out.RedeemedAt = &v
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
