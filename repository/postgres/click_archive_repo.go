package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/repository"
)

type clickArchiveRepository struct {
	pool *pgxpool.Pool
}

// NewClickArchiveRepository returns the audit store for expired clicks.
func NewClickArchiveRepository(pool *pgxpool.Pool) repository.ClickArchive {
	return &clickArchiveRepository{pool: pool}
}

func (r *clickArchiveRepository) Archive(ctx context.Context, clicks []domain.ClickEvent) error {
	if len(clicks) == 0 {
		return nil
	}
	const query = `
	INSERT INTO click_audit (click_id, partner_id, session_key, clicked_at, expires_at, metadata)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (click_id) DO NOTHING
	`
	batch := &pgx.Batch{}
	for _, click := range clicks {
		metadata, err := json.Marshal(click.Metadata)
		if err != nil {
			return err
		}
		batch.Queue(query, click.ClickID, click.PartnerID, click.SessionKey, click.Timestamp, click.ExpiresAt, metadata)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}

func (r *clickArchiveRepository) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM click_audit WHERE expires_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
