package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Record is one structured decision, allowed or denied.
type Record struct {
	DecisionID string          `json:"decision_id"`
	Kind       string          `json:"kind"`
	Identity   string          `json:"identity"`
	Channel    string          `json:"channel"`
	Verdict    string          `json:"verdict"`
	Reason     string          `json:"reason"`
	Demoted    bool            `json:"demoted"`
	LogLevel   string          `json:"log_level"`
	RequestRaw json.RawMessage `json:"request_raw,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Writer appends decision records to postgres.
type Writer struct {
	DB auditDB
}

func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS decision_records (
			decision_id TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			identity    TEXT NOT NULL DEFAULT '',
			channel     TEXT NOT NULL DEFAULT '',
			verdict     TEXT NOT NULL,
			reason      TEXT NOT NULL,
			demoted     BOOLEAN NOT NULL DEFAULT FALSE,
			log_level   TEXT NOT NULL DEFAULT 'info',
			request_raw JSONB,
			created_at  TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO decision_records
		(decision_id, kind, identity, channel, verdict, reason, demoted, log_level, request_raw, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.DecisionID, rec.Kind, rec.Identity, rec.Channel, rec.Verdict, rec.Reason, rec.Demoted, rec.LogLevel, rec.RequestRaw, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, kind, identity, channel, verdict, reason, demoted, log_level, request_raw, created_at
		FROM decision_records WHERE decision_id=$1
	`, decisionID)
	var raw json.RawMessage
	if err := row.Scan(&rec.DecisionID, &rec.Kind, &rec.Identity, &rec.Channel, &rec.Verdict, &rec.Reason, &rec.Demoted, &rec.LogLevel, &raw, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.RequestRaw = raw
	return rec, nil
}
