package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/repository"
)

const claimColumns = `conversion_id, state, owner, conversion, result, entries, attempts, last_error, claimed_at, lease_expires_at, updated_at`

type claimRepository struct {
	pool *pgxpool.Pool
}

// NewClaimRepository returns a Postgres-backed implementation of ClaimRepository.
func NewClaimRepository(pool *pgxpool.Pool) repository.ClaimRepository {
	return &claimRepository{pool: pool}
}

func (r *claimRepository) Claim(ctx context.Context, conversion domain.ConversionEvent, owner string, lease time.Duration, now time.Time) (*domain.ConversionClaim, error) {
	payload, err := json.Marshal(conversion)
	if err != nil {
		return nil, err
	}

	// The stored payload wins on takeover so retries replay what was first accepted.
	const query = `
	INSERT INTO conversion_claims (conversion_id, state, owner, conversion, attempts, claimed_at, lease_expires_at, updated_at)
	VALUES ($1, 'processing', $2, $3, 1, $4, $5, $4)
	ON CONFLICT (conversion_id) DO UPDATE
	SET state = 'processing',
		owner = EXCLUDED.owner,
		attempts = conversion_claims.attempts + 1,
		claimed_at = EXCLUDED.claimed_at,
		lease_expires_at = EXCLUDED.lease_expires_at,
		updated_at = EXCLUDED.updated_at
	WHERE conversion_claims.state = 'needs_review'
	   OR (conversion_claims.state = 'processing' AND conversion_claims.lease_expires_at <= EXCLUDED.claimed_at)
	RETURNING ` + claimColumns

	row := r.pool.QueryRow(ctx, query, conversion.ConversionID, owner, payload, now, now.Add(lease))
	claim, err := scanClaim(row)
	if err == nil {
		return claim, nil
	}
	if !errors.Is(err, domain.ErrClaimNotFound) {
		return nil, err
	}

	existing, err := r.Get(ctx, conversion.ConversionID)
	if err != nil {
		return nil, err
	}
	if existing.State == domain.ClaimComplete {
		return existing, domain.ErrDuplicateConversion
	}
	return nil, domain.ErrClaimInProgress
}

func (r *claimRepository) Checkpoint(ctx context.Context, conversionID, owner string, result domain.AttributionResult, entries []domain.LedgerEntry, at time.Time) error {
	resultPayload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	entriesPayload, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	const query = `
	UPDATE conversion_claims
	SET result = $3,
		entries = $4,
		updated_at = $5
	WHERE conversion_id = $1 AND owner = $2 AND state = 'processing' AND result IS NULL
	`
	tag, err := r.pool.Exec(ctx, query, conversionID, owner, resultPayload, entriesPayload, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

func (r *claimRepository) Complete(ctx context.Context, conversionID, owner string, result domain.AttributionResult, at time.Time) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	const query = `
	UPDATE conversion_claims
	SET state = 'complete',
		result = $3,
		last_error = '',
		updated_at = $4
	WHERE conversion_id = $1 AND owner = $2 AND state = 'processing'
	`
	tag, err := r.pool.Exec(ctx, query, conversionID, owner, payload, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

func (r *claimRepository) Release(ctx context.Context, conversionID, owner, reason string, at time.Time) error {
	const query = `
	UPDATE conversion_claims
	SET state = 'needs_review',
		last_error = $3,
		updated_at = $4
	WHERE conversion_id = $1 AND owner = $2 AND state = 'processing'
	`
	tag, err := r.pool.Exec(ctx, query, conversionID, owner, reason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

func (r *claimRepository) Get(ctx context.Context, conversionID string) (*domain.ConversionClaim, error) {
	query := `SELECT ` + claimColumns + ` FROM conversion_claims WHERE conversion_id = $1`
	return scanClaim(r.pool.QueryRow(ctx, query, conversionID))
}

func (r *claimRepository) ListReviewable(ctx context.Context, now time.Time, limit int) ([]domain.ConversionClaim, error) {
	query := `
	SELECT ` + claimColumns + `
	FROM conversion_claims
	WHERE state = 'needs_review'
	   OR (state = 'processing' AND lease_expires_at <= $1)
	ORDER BY updated_at, conversion_id
	LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []domain.ConversionClaim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, *claim)
	}
	return claims, rows.Err()
}

func scanClaim(row rowScanner) (*domain.ConversionClaim, error) {
	var (
		claim      domain.ConversionClaim
		state      string
		conversion []byte
		result     []byte
		entries    []byte
	)
	if err := row.Scan(
		&claim.ConversionID,
		&state,
		&claim.Owner,
		&conversion,
		&result,
		&entries,
		&claim.Attempts,
		&claim.LastError,
		&claim.ClaimedAt,
		&claim.LeaseExpiresAt,
		&claim.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrClaimNotFound
		}
		return nil, err
	}

	claim.State = domain.ClaimState(state)
	if err := json.Unmarshal(conversion, &claim.Conversion); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		var stored domain.AttributionResult
		if err := json.Unmarshal(result, &stored); err != nil {
			return nil, err
		}
		claim.Result = &stored
	}
	if len(entries) > 0 {
		if err := json.Unmarshal(entries, &claim.Entries); err != nil {
			return nil, err
		}
	}
	return &claim, nil
}
