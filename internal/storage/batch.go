package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/rex/internal/model"
)

// Batch is a set of journal records written in one transaction. Missions,
// tasks, and domains are upserts; logs are appended.
type Batch struct {
	Missions []model.Mission
	Tasks    []model.Task
	Domains  []model.Domain
	Logs     []model.RexLog
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Missions) + len(b.Tasks) + len(b.Domains) + len(b.Logs)
}

// WriteBatch persists a journal batch atomically and returns the number of
// records written. Transient serialization and deadlock failures are retried.
// A batch that would un-rotate a domain fails with ErrImmutable.
func (db *DB) WriteBatch(ctx context.Context, b Batch) (int, error) {
	if b.Len() == 0 {
		return 0, nil
	}
	err := WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			var pb pgx.Batch
			for _, m := range b.Missions {
				if err := queueMissionUpsert(&pb, m); err != nil {
					return err
				}
			}
			for _, t := range b.Tasks {
				if err := queueTaskUpsert(&pb, t); err != nil {
					return err
				}
			}
			for _, d := range b.Domains {
				queueDomainUpsert(&pb, d)
			}
			for _, l := range b.Logs {
				if err := queueLogInsert(&pb, l); err != nil {
					return err
				}
			}
			return tx.SendBatch(ctx, &pb).Close()
		})
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "P0001" {
			return 0, fmt.Errorf("storage: write batch: %s: %w", pgErr.Message, ErrImmutable)
		}
		return 0, fmt.Errorf("storage: write batch: %w", err)
	}
	return b.Len(), nil
}

// jsonOrNil marshals v, mapping nil pointers and empty raw messages to SQL NULL.
func jsonOrNil(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(x) == 0 {
			return nil, nil
		}
		return x, nil
	case *model.ResourceAllocation:
		if x == nil {
			return nil, nil
		}
	case *model.MissionOutcome:
		if x == nil {
			return nil, nil
		}
	case *model.MissionError:
		if x == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// unmarshalNullable decodes JSON into dst when src is non-empty.
func unmarshalNullable(src []byte, dst any) error {
	if len(src) == 0 {
		return nil
	}
	return json.Unmarshal(src, dst)
}
