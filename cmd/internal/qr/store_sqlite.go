package qr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteNowMS is the database clock in unix milliseconds. SQLite evaluates
// 'now' once per statement, so every use inside one statement agrees.
const sqliteNowMS = `CAST(ROUND((julianday('now') - 2440587.5) * 86400000.0) AS INTEGER)`

const sqliteIssueColumns = `id, jti, status, subject_ref, issuer_ref, redeemer_ref,
       amount, metadata, expires_at, redeemed_at, created_at, updated_at`

// SQLiteStore persists the ledger in a single SQLite file.
//
// It holds one connection: SQLite serializes writers anyway, and a single
// connection keeps ":memory:" databases coherent.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and applies migrations.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		path = filepath.Clean(path)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applySQLiteMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert creates an issued row with expires_at = now + TTL.
func (s *SQLiteStore) Insert(ctx context.Context, in InsertRecord) (Issue, error) {
	const op = "qr.sqlite.Insert"
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.JTI) == "" {
		return Issue{}, ErrInvalidInput
	}
	meta, err := encodeMetadata(in.Metadata)
	if err != nil {
		return Issue{}, ErrInvalidInput
	}

	row := s.db.QueryRowContext(ctx, `
INSERT INTO qr_issues (
    id, jti, status, subject_ref, issuer_ref, amount, metadata,
    expires_at, created_at, updated_at
) VALUES (
    ?, ?, 'issued', ?, ?, ?, ?,
    `+sqliteNowMS+` + ?, `+sqliteNowMS+`, `+sqliteNowMS+`
)
RETURNING `+sqliteIssueColumns,
		in.ID,
		in.JTI,
		in.SubjectRef,
		in.IssuerRef,
		in.Amount,
		meta,
		ttlTicks(in.TTL, time.Millisecond),
	)
	out, err := scanSQLiteIssue(row)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return Issue{}, ErrDuplicateID
		}
		return Issue{}, persistErr(op, err)
	}
	return out, nil
}

// Redeem performs the conditional issued -> redeemed update.
func (s *SQLiteStore) Redeem(ctx context.Context, in RedeemRecord) (Issue, error) {
	const op = "qr.sqlite.Redeem"

	row := s.db.QueryRowContext(ctx, `
UPDATE qr_issues
   SET status = 'redeemed',
       redeemed_at = `+sqliteNowMS+`,
       redeemer_ref = ?,
       updated_at = `+sqliteNowMS+`
 WHERE jti = ?
   AND status = 'issued'
   AND expires_at >= `+sqliteNowMS+`
RETURNING `+sqliteIssueColumns,
		in.RedeemerRef,
		in.JTI,
	)
	out, err := scanSQLiteIssue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Issue{}, ErrNotFound
		}
		return Issue{}, persistErr(op, err)
	}
	return out, nil
}

// Inspect reads a row and the database clock.
func (s *SQLiteStore) Inspect(ctx context.Context, jti string) (Inspection, error) {
	const op = "qr.sqlite.Inspect"

	var nowMS int64
	row := s.db.QueryRowContext(ctx, `
SELECT `+sqliteIssueColumns+`, `+sqliteNowMS+`
  FROM qr_issues
 WHERE jti = ?`, jti)
	iss, err := scanSQLiteIssue(row, &nowMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Inspection{}, ErrNotFound
		}
		return Inspection{}, persistErr(op, err)
	}
	return Inspection{Issue: iss, Now: time.UnixMilli(nowMS).UTC()}, nil
}

// ListByIssuer returns an issuer's rows newest first.
func (s *SQLiteStore) ListByIssuer(ctx context.Context, f ListFilter) ([]Issue, error) {
	const op = "qr.sqlite.ListByIssuer"
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	var status any
	if f.Status != nil {
		status = string(*f.Status)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+sqliteIssueColumns+`
  FROM qr_issues
 WHERE issuer_ref = ?
   AND (? IS NULL OR status = ?)
 ORDER BY created_at DESC, id DESC
 LIMIT ?`,
		f.IssuerRef, status, status, f.Limit,
	)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Issue, 0, f.Limit)
	for rows.Next() {
		iss, err := scanSQLiteIssue(rows)
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
func (s *SQLiteStore) Revoke(ctx context.Context, jti string) (Issue, error) {
	const op = "qr.sqlite.Revoke"

	row := s.db.QueryRowContext(ctx, `
UPDATE qr_issues
   SET status = 'revoked',
       updated_at = `+sqliteNowMS+`
 WHERE jti = ?
   AND status = 'issued'
RETURNING `+sqliteIssueColumns, jti)
	out, err := scanSQLiteIssue(row)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Issue{}, persistErr(op, err)
	}
	if _, err := s.Inspect(ctx, jti); err != nil {
		return Issue{}, err
	}
	return Issue{}, ErrNotActive
}

// ExpireStale flips overdue issued rows to expired.
func (s *SQLiteStore) ExpireStale(ctx context.Context, limit int) (int64, error) {
	const op = "qr.sqlite.ExpireStale"
	if limit <= 0 {
		limit = 1000
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE qr_issues
   SET status = 'expired',
       updated_at = `+sqliteNowMS+`
 WHERE id IN (
       SELECT id FROM qr_issues
        WHERE status = 'issued' AND expires_at < `+sqliteNowMS+`
        ORDER BY expires_at
        LIMIT ?
 )`, limit)
	if err != nil {
		return 0, persistErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr(op, err)
	}
	return n, nil
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteIssue(row sqlScanner, extra ...any) (Issue, error) {
	var (
		out        Issue
		status     string
		redeemer   sql.NullString
		meta       sql.NullString
		expiresAt  int64
		redeemedAt sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	dest := []any{
		&out.ID,
		&out.JTI,
		&status,
		&out.SubjectRef,
		&out.IssuerRef,
		&redeemer,
		&out.Amount,
		&meta,
		&expiresAt,
		&redeemedAt,
		&createdAt,
		&updatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Issue{}, err
	}

	out.Status = Status(status)
	if redeemer.Valid {
		v := redeemer.String
		out.RedeemerRef = &v
	}
	if meta.Valid {
		m, err := decodeMetadata(&meta.String)
		if err != nil {
			return Issue{}, err
		}
		out.Metadata = m
	}
	out.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if redeemedAt.Valid {
		v := time.UnixMilli(redeemedAt.Int64).UTC()
		out.RedeemedAt = &v
	}
	out.CreatedAt = time.UnixMilli(createdAt).UTC()
	out.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return out, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	default:
		return false
	}
}
