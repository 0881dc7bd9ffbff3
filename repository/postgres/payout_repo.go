package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/repository"
)

const batchColumns = `batch_id, partner_id, period_start, period_end, total_payable, status, reference, created_at, updated_at`

type payoutRepository struct {
	pool *pgxpool.Pool
}

// NewPayoutRepository returns a Postgres-backed implementation of PayoutRepository.
func NewPayoutRepository(pool *pgxpool.Pool) repository.PayoutRepository {
	return &payoutRepository{pool: pool}
}

func (r *payoutRepository) Get(ctx context.Context, batchID string) (*domain.PayoutBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM payout_batches WHERE batch_id = $1`
	batch, err := scanBatch(r.pool.QueryRow(ctx, query, batchID))
	if err != nil {
		return nil, err
	}
	return batch, r.loadEntryIDs(ctx, batch)
}

func (r *payoutRepository) FindByPeriod(ctx context.Context, partnerID string, period domain.Period) (*domain.PayoutBatch, error) {
	query := `
	SELECT ` + batchColumns + `
	FROM payout_batches
	WHERE partner_id = $1 AND period_start = $2 AND period_end = $3
	`
	batch, err := scanBatch(r.pool.QueryRow(ctx, query, partnerID, period.Start, period.End))
	if err != nil {
		return nil, err
	}
	return batch, r.loadEntryIDs(ctx, batch)
}

func (r *payoutRepository) Create(ctx context.Context, batch *domain.PayoutBatch) error {
	if batch == nil || batch.BatchID == "" {
		return domain.ErrInvalidPayload
	}
	const insertBatch = `
	INSERT INTO payout_batches (batch_id, partner_id, period_start, period_end, total_payable, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, 'open', $6, $7)
	ON CONFLICT (partner_id, period_start, period_end) DO NOTHING
	`
	const linkEntries = `
	INSERT INTO payout_batch_entries (entry_id, batch_id)
	SELECT unnest($1::text[]), $2
	ON CONFLICT (entry_id) DO NOTHING
	`
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertBatch,
			batch.BatchID,
			batch.PartnerID,
			batch.PeriodStart,
			batch.PeriodEnd,
			batch.TotalPayable,
			batch.CreatedAt,
			batch.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrBatchState
		}
		tag, err = tx.Exec(ctx, linkEntries, batch.EntryIDs, batch.BatchID)
		if err != nil {
			return err
		}
		if int(tag.RowsAffected()) != len(batch.EntryIDs) {
			return domain.ErrEntryAlreadyBatched
		}
		return nil
	})
	if err != nil {
		return err
	}
	batch.Status = domain.BatchOpen
	return nil
}

func (r *payoutRepository) MarkClaimed(ctx context.Context, batchID string, at time.Time) error {
	const query = `
	UPDATE payout_batches
	SET status = 'claimed', updated_at = $2
	WHERE batch_id = $1 AND status IN ('open', 'claimed')
	`
	tag, err := r.pool.Exec(ctx, query, batchID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.stateError(ctx, batchID)
	}
	return nil
}

func (r *payoutRepository) MarkPaid(ctx context.Context, batchID, reference string, at time.Time) error {
	const markEntries = `
	INSERT INTO ledger_entry_events (entry_id, status, recorded_at)
	SELECT e.entry_id, 'paid', $2
	FROM payout_batch_entries b
	JOIN ledger_entries e ON e.entry_id = b.entry_id
	WHERE b.batch_id = $1 AND e.kind = 'commission'
	`
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM payout_batches WHERE batch_id = $1 FOR UPDATE`, batchID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrBatchNotFound
			}
			return err
		}
		switch domain.BatchStatus(status) {
		case domain.BatchPaid:
			return nil
		case domain.BatchClaimed:
		default:
			return domain.ErrBatchState
		}

		if _, err := tx.Exec(ctx,
			`UPDATE payout_batches SET status = 'paid', reference = $2, updated_at = $3 WHERE batch_id = $1`,
			batchID, reference, at,
		); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, markEntries, batchID, at)
		return err
	})
}

func (r *payoutRepository) Reopen(ctx context.Context, batchID, reason string, at time.Time) error {
	const query = `
	UPDATE payout_batches
	SET status = 'open', status_reason = $2, updated_at = $3
	WHERE batch_id = $1 AND status = 'claimed'
	`
	tag, err := r.pool.Exec(ctx, query, batchID, reason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.stateError(ctx, batchID)
	}
	return nil
}

func (r *payoutRepository) stateError(ctx context.Context, batchID string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payout_batches WHERE batch_id = $1)`, batchID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrBatchNotFound
	}
	return domain.ErrBatchState
}

func (r *payoutRepository) loadEntryIDs(ctx context.Context, batch *domain.PayoutBatch) error {
	rows, err := r.pool.Query(ctx, `SELECT entry_id FROM payout_batch_entries WHERE batch_id = $1 ORDER BY entry_id`, batch.BatchID)
	if err != nil {
		return err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return err
	}
	batch.EntryIDs = ids
	return nil
}

func scanBatch(row rowScanner) (*domain.PayoutBatch, error) {
	var (
		batch  domain.PayoutBatch
		status string
	)
	if err := row.Scan(
		&batch.BatchID,
		&batch.PartnerID,
		&batch.PeriodStart,
		&batch.PeriodEnd,
		&batch.TotalPayable,
		&status,
		&batch.Reference,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, err
	}
	batch.Status = domain.BatchStatus(status)
	return &batch, nil
}
