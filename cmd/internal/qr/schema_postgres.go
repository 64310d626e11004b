package qr

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchemaSQL returns the DDL for the ledger in schema.
//
// It also creates qr_audit_log, written by the HTTP layer.
// jti uniqueness is a storage constraint. A trigger keeps status monotonic:
// once a row leaves 'issued' it can never change status again.
func PostgresSchemaSQL(schema string) string {
	s := pgx.Identifier{schema}.Sanitize()
	t := pgIdent(schema, "qr_issues")
	fn := pgIdent(schema, "qr_issues_status_guard")
	audit := pgIdent(schema, "qr_audit_log")

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[2]s (
  id TEXT PRIMARY KEY,
  jti TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'issued',
  subject_ref TEXT NOT NULL,
  issuer_ref TEXT NOT NULL,
  redeemer_ref TEXT NULL,
  amount BIGINT NOT NULL DEFAULT 0,
  metadata TEXT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  redeemed_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT chk_qr_issues_id_ulid_len CHECK (char_length(id) = 26),
  CONSTRAINT chk_qr_issues_jti_len CHECK (char_length(jti) >= 32),
  CONSTRAINT chk_qr_issues_status CHECK (status IN ('issued', 'redeemed', 'expired', 'revoked')),
  CONSTRAINT chk_qr_issues_redeemed_at CHECK ((status = 'redeemed') = (redeemed_at IS NOT NULL)),
  CONSTRAINT chk_qr_issues_redeemer CHECK (status = 'redeemed' OR redeemer_ref IS NULL)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_qr_issues_jti ON %[2]s (jti);
CREATE INDEX IF NOT EXISTS idx_qr_issues_issuer_status ON %[2]s (issuer_ref, status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_qr_issues_expires ON %[2]s (expires_at) WHERE status = 'issued';

CREATE OR REPLACE FUNCTION %[3]s() RETURNS trigger AS $$
BEGIN
  IF OLD.status <> 'issued' AND NEW.status IS DISTINCT FROM OLD.status THEN
    RAISE EXCEPTION 'qr_issues: status %% is terminal', OLD.status;
  END IF;
  IF NEW.jti <> OLD.jti OR NEW.subject_ref <> OLD.subject_ref OR NEW.issuer_ref <> OLD.issuer_ref
     OR NEW.amount <> OLD.amount OR NEW.expires_at <> OLD.expires_at
     OR NEW.metadata IS DISTINCT FROM OLD.metadata THEN
    RAISE EXCEPTION 'qr_issues: immutable column changed';
  END IF;
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_qr_issues_status_guard ON %[2]s;
CREATE TRIGGER trg_qr_issues_status_guard
  BEFORE UPDATE ON %[2]s
  FOR EACH ROW EXECUTE FUNCTION %[3]s();

CREATE TABLE IF NOT EXISTS %[4]s (
  id BIGSERIAL PRIMARY KEY,
  action TEXT NOT NULL,
  jti TEXT NULL,
  actor_ref TEXT NULL,
  outcome TEXT NULL,
  ip TEXT NULL,
  user_agent TEXT NULL,
  meta JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_qr_audit_log_jti ON %[4]s (jti, created_at DESC);
`, s, t, fn, audit)
}

// EnsurePostgresSchema applies PostgresSchemaSQL. Idempotent.
func EnsurePostgresSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil || !pgIdentRe.MatchString(schema) {
		return ErrInvalidInput
	}
	if _, err := pool.Exec(ctx, PostgresSchemaSQL(schema)); err != nil {
		return persistErr("qr.postgres.EnsureSchema", err)
	}
	return nil
}
