package store

import (
	"context"
	"errors"

	"github.com/dunamismax/photobatch/internal/domain"
)

var ErrBatchNotFound = errors.New("batch not found")

type BatchStore interface {
	Create(ctx context.Context, batch domain.Batch) error
	Get(ctx context.Context, id string) (domain.Batch, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Batch, error)
	// RecordResult stores the outcome of a run together with its final status.
	RecordResult(ctx context.Context, id, status string, result domain.BatchResult, errMsg string) (domain.Batch, error)
}

// Open returns the postgres store for dsn, or an in-memory store when dsn is
// empty. The returned close function is never nil.
func Open(ctx context.Context, dsn string) (BatchStore, func() error, error) {
	if dsn == "" {
		return NewMemoryBatchStore(), func() error { return nil }, nil
	}
	pg, err := NewPostgresBatchStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
