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

// entrySelect joins every entry with its latest status event and batch link.
const entrySelect = `
	SELECT e.entry_id, e.kind, e.partner_id, e.conversion_id, e.click_id,
		COALESCE(e.reverses_entry_id, ''), e.weight, e.effective_rate, e.rate_snapshot,
		e.amount, e.created_at, cur.status, COALESCE(b.batch_id, '')
	FROM ledger_entries e
	JOIN LATERAL (
		SELECT ev.status FROM ledger_entry_events ev
		WHERE ev.entry_id = e.entry_id
		ORDER BY ev.id DESC
		LIMIT 1
	) cur ON TRUE
	LEFT JOIN payout_batch_entries b ON b.entry_id = e.entry_id
`

type ledgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository returns a Postgres-backed implementation of LedgerRepository.
func NewLedgerRepository(pool *pgxpool.Pool) repository.LedgerRepository {
	return &ledgerRepository{pool: pool}
}

func (r *ledgerRepository) Append(ctx context.Context, entries []domain.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return appendEntries(ctx, tx, entries)
	})
}

func (r *ledgerRepository) AppendReversals(ctx context.Context, reversals []domain.LedgerEntry, at time.Time) error {
	if len(reversals) == 0 {
		return nil
	}
	// Originals that can still be stopped get a reversed event; a confirmed
	// original already in a batch is netted by the reversal in a later batch.
	const stopOriginal = `
	WITH current AS (
		SELECT ev.status FROM ledger_entry_events ev
		WHERE ev.entry_id = $1
		ORDER BY ev.id DESC
		LIMIT 1
	)
	INSERT INTO ledger_entry_events (entry_id, status, recorded_at)
	SELECT $1, 'reversed', $2 FROM current
	WHERE current.status = 'pending'
	   OR (current.status = 'confirmed'
	       AND NOT EXISTS (SELECT 1 FROM payout_batch_entries b WHERE b.entry_id = $1))
	`
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, reversal := range reversals {
			if _, err := tx.Exec(ctx, `SELECT 1 FROM ledger_entries WHERE entry_id = $1 FOR UPDATE`, reversal.ReversesEntryID); err != nil {
				return err
			}
		}
		if err := appendEntries(ctx, tx, reversals); err != nil {
			return err
		}
		for _, reversal := range reversals {
			if _, err := tx.Exec(ctx, stopOriginal, reversal.ReversesEntryID, at); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *ledgerRepository) ListByConversion(ctx context.Context, conversionID string) ([]domain.LedgerEntry, error) {
	query := entrySelect + `
	WHERE e.conversion_id = $1
	ORDER BY e.created_at, e.entry_id
	`
	rows, err := r.pool.Query(ctx, query, conversionID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (r *ledgerRepository) Confirm(ctx context.Context, conversionID string, at time.Time) (int, error) {
	const query = `
	WITH targets AS (
		SELECT e.entry_id
		FROM ledger_entries e
		JOIN LATERAL (
			SELECT ev.status FROM ledger_entry_events ev
			WHERE ev.entry_id = e.entry_id
			ORDER BY ev.id DESC
			LIMIT 1
		) cur ON TRUE
		WHERE e.conversion_id = $1
		  AND e.kind = 'commission'
		  AND cur.status = 'pending'
		FOR UPDATE OF e
	)
	INSERT INTO ledger_entry_events (entry_id, status, recorded_at)
	SELECT entry_id, 'confirmed', $2 FROM targets
	`
	tag, err := r.pool.Exec(ctx, query, conversionID, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

const payableFilter = `
	LEFT JOIN LATERAL (
		SELECT ev.status FROM ledger_entry_events ev
		WHERE ev.entry_id = e.reverses_entry_id
		ORDER BY ev.id DESC
		LIMIT 1
	) orig ON TRUE
	WHERE e.created_at < $1
	  AND b.entry_id IS NULL
	  AND ((e.kind = 'commission' AND cur.status = 'confirmed')
	    OR (e.kind = 'reversal' AND orig.status IN ('confirmed', 'paid')))
`

func (r *ledgerRepository) ListPayable(ctx context.Context, partnerID string, before time.Time) ([]domain.LedgerEntry, error) {
	query := entrySelect + payableFilter + `
	  AND e.partner_id = $2
	ORDER BY e.created_at, e.entry_id
	`
	rows, err := r.pool.Query(ctx, query, before, partnerID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (r *ledgerRepository) ListPayablePartners(ctx context.Context, before time.Time) ([]string, error) {
	query := `SELECT DISTINCT partner_id FROM (` + entrySelect + payableFilter + `) payable ORDER BY partner_id`
	rows, err := r.pool.Query(ctx, query, before)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func appendEntries(ctx context.Context, tx pgx.Tx, entries []domain.LedgerEntry) error {
	const insertEntry = `
	INSERT INTO ledger_entries (entry_id, kind, partner_id, conversion_id, click_id, reverses_entry_id,
		weight, effective_rate, rate_snapshot, amount, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (entry_id) DO NOTHING
	`
	const insertEvent = `
	INSERT INTO ledger_entry_events (entry_id, status, recorded_at)
	VALUES ($1, $2, $3)
	`
	for _, entry := range entries {
		snapshot, err := json.Marshal(entry.Rate)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, insertEntry,
			entry.EntryID,
			string(entry.Kind),
			entry.PartnerID,
			entry.ConversionID,
			entry.ClickID,
			nullString(entry.ReversesEntryID),
			entry.Weight,
			entry.EffectiveRate,
			snapshot,
			entry.Amount,
			entry.CreatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, insertEvent, entry.EntryID, string(entry.InitialStatus()), entry.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func collectEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanEntry(row rowScanner) (*domain.LedgerEntry, error) {
	var (
		entry    domain.LedgerEntry
		kind     string
		status   string
		snapshot []byte
	)
	if err := row.Scan(
		&entry.EntryID,
		&kind,
		&entry.PartnerID,
		&entry.ConversionID,
		&entry.ClickID,
		&entry.ReversesEntryID,
		&entry.Weight,
		&entry.EffectiveRate,
		&snapshot,
		&entry.Amount,
		&entry.CreatedAt,
		&status,
		&entry.BatchID,
	); err != nil {
		return nil, err
	}
	entry.Kind = domain.EntryKind(kind)
	entry.Status = domain.EntryStatus(status)
	if err := json.Unmarshal(snapshot, &entry.Rate); err != nil {
		return nil, err
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return &entry, nil
}
