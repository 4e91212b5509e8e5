package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/photobatch/internal/domain"
	_ "github.com/lib/pq"
)

const batchSchemaSQL = `
CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	input TEXT NOT NULL,
	output TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	bound INTEGER NOT NULL DEFAULT 0,
	background TEXT NOT NULL DEFAULT '',
	crop_pattern TEXT,
	result JSONB NOT NULL DEFAULT '{}'::jsonb,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

type PostgresBatchStore struct {
	db *sql.DB
}

func NewPostgresBatchStore(ctx context.Context, dsn string) (*PostgresBatchStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresBatchStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresBatchStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, batchSchemaSQL); err != nil {
		return fmt.Errorf("ensure batches schema: %w", err)
	}
	return nil
}

func (s *PostgresBatchStore) Close() error {
	return s.db.Close()
}

func (s *PostgresBatchStore) Create(ctx context.Context, batch domain.Batch) error {
	resultJSON, err := json.Marshal(batch.Result)
	if err != nil {
		return fmt.Errorf("marshal batch result: %w", err)
	}

	var cropPattern sql.NullString
	if batch.CropPattern != nil {
		cropPattern = sql.NullString{String: *batch.CropPattern, Valid: true}
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO batches (id, status, source_type, input, output, webhook_url, bound, background, crop_pattern, result, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		batch.ID,
		batch.Status,
		batch.SourceType,
		batch.Input,
		batch.Output,
		batch.WebhookURL,
		batch.Bound,
		batch.Background,
		cropPattern,
		resultJSON,
		batch.Error,
		batch.CreatedAt,
		batch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	return nil
}

func (s *PostgresBatchStore) Get(ctx context.Context, id string) (domain.Batch, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, status, source_type, input, output, webhook_url, bound, background, crop_pattern, result, error, created_at, updated_at
		 FROM batches
		 WHERE id = $1`,
		id,
	)

	var (
		batch       domain.Batch
		cropPattern sql.NullString
		resultJSON  []byte
	)
	if err := row.Scan(
		&batch.ID,
		&batch.Status,
		&batch.SourceType,
		&batch.Input,
		&batch.Output,
		&batch.WebhookURL,
		&batch.Bound,
		&batch.Background,
		&cropPattern,
		&resultJSON,
		&batch.Error,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Batch{}, false, nil
		}
		return domain.Batch{}, false, fmt.Errorf("query batch: %w", err)
	}

	if cropPattern.Valid {
		pattern := cropPattern.String
		batch.CropPattern = &pattern
	}
	if err := json.Unmarshal(resultJSON, &batch.Result); err != nil {
		return domain.Batch{}, false, fmt.Errorf("unmarshal batch result: %w", err)
	}

	return batch, true, nil
}

func (s *PostgresBatchStore) UpdateStatus(ctx context.Context, id, status string) (domain.Batch, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE batches
		 SET status = $1, updated_at = $2
		 WHERE id = $3`,
		status,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("update batch status: %w", err)
	}
	return s.reload(ctx, id, res)
}

func (s *PostgresBatchStore) RecordResult(ctx context.Context, id, status string, result domain.BatchResult, errMsg string) (domain.Batch, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("marshal batch result: %w", err)
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE batches
		 SET status = $1, result = $2, error = $3, updated_at = $4
		 WHERE id = $5`,
		status,
		resultJSON,
		errMsg,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("record batch result: %w", err)
	}
	return s.reload(ctx, id, res)
}

func (s *PostgresBatchStore) reload(ctx context.Context, id string, res sql.Result) (domain.Batch, error) {
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Batch{}, ErrBatchNotFound
	}

	batch, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Batch{}, err
	}
	if !ok {
		return domain.Batch{}, ErrBatchNotFound
	}
	return batch, nil
}
