package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/repository"
)

// Store keeps claims, ledger and payout state in process. All repositories
// returned by a Store share one lock so multi-table operations stay atomic.
type Store struct {
	mu sync.Mutex

	claims map[string]domain.ConversionClaim

	entries    map[string]domain.LedgerEntry
	entryOrder []string
	statusLog  map[string][]domain.EntryStatus
	batchOf    map[string]string

	batches    map[string]domain.PayoutBatch
	batchByKey map[string]string

	locks map[string]lease
	now   func() time.Time
}

type lease struct {
	token     string
	expiresAt time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		claims:     make(map[string]domain.ConversionClaim),
		entries:    make(map[string]domain.LedgerEntry),
		statusLog:  make(map[string][]domain.EntryStatus),
		batchOf:    make(map[string]string),
		batches:    make(map[string]domain.PayoutBatch),
		batchByKey: make(map[string]string),
		locks:      make(map[string]lease),
		now:        time.Now,
	}
}

func (s *Store) Claims() *ClaimRepository   { return &ClaimRepository{s: s} }
func (s *Store) Ledger() *LedgerRepository  { return &LedgerRepository{s: s} }
func (s *Store) Payouts() *PayoutRepository { return &PayoutRepository{s: s} }
func (s *Store) Locks() *PeriodLocker       { return &PeriodLocker{s: s} }

// ClaimRepository is the in-memory conversion claim table.
type ClaimRepository struct{ s *Store }

var _ repository.ClaimRepository = (*ClaimRepository)(nil)

func (r *ClaimRepository) Claim(_ context.Context, conversion domain.ConversionEvent, owner string, leaseFor time.Duration, now time.Time) (*domain.ConversionClaim, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	existing, ok := r.s.claims[conversion.ConversionID]
	if !ok {
		claim := domain.ConversionClaim{
			ConversionID:   conversion.ConversionID,
			State:          domain.ClaimProcessing,
			Owner:          owner,
			Conversion:     conversion,
			Attempts:       1,
			ClaimedAt:      now,
			LeaseExpiresAt: now.Add(leaseFor),
			UpdatedAt:      now,
		}
		r.s.claims[conversion.ConversionID] = claim
		return copyClaim(claim), nil
	}
	if existing.State == domain.ClaimComplete {
		return copyClaim(existing), domain.ErrDuplicateConversion
	}
	if !existing.Reclaimable(now) {
		return nil, domain.ErrClaimInProgress
	}
	existing.State = domain.ClaimProcessing
	existing.Owner = owner
	existing.Attempts++
	existing.ClaimedAt = now
	existing.LeaseExpiresAt = now.Add(leaseFor)
	existing.UpdatedAt = now
	r.s.claims[conversion.ConversionID] = existing
	return copyClaim(existing), nil
}

func (r *ClaimRepository) Checkpoint(_ context.Context, conversionID, owner string, result domain.AttributionResult, entries []domain.LedgerEntry, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	claim, ok := r.s.claims[conversionID]
	if !ok || claim.Owner != owner || claim.State != domain.ClaimProcessing || claim.Result != nil {
		return domain.ErrClaimLost
	}
	stored := copyResult(result)
	claim.Result = &stored
	claim.Entries = append([]domain.LedgerEntry(nil), entries...)
	claim.UpdatedAt = at
	r.s.claims[conversionID] = claim
	return nil
}

func (r *ClaimRepository) Complete(_ context.Context, conversionID, owner string, result domain.AttributionResult, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	claim, ok := r.s.claims[conversionID]
	if !ok || claim.Owner != owner || claim.State != domain.ClaimProcessing {
		return domain.ErrClaimLost
	}
	stored := copyResult(result)
	claim.State = domain.ClaimComplete
	claim.Result = &stored
	claim.LastError = ""
	claim.UpdatedAt = at
	r.s.claims[conversionID] = claim
	return nil
}

func (r *ClaimRepository) Release(_ context.Context, conversionID, owner, reason string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	claim, ok := r.s.claims[conversionID]
	if !ok || claim.Owner != owner || claim.State != domain.ClaimProcessing {
		return domain.ErrClaimLost
	}
	claim.State = domain.ClaimNeedsReview
	claim.LastError = reason
	claim.UpdatedAt = at
	r.s.claims[conversionID] = claim
	return nil
}

func (r *ClaimRepository) Get(_ context.Context, conversionID string) (*domain.ConversionClaim, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	claim, ok := r.s.claims[conversionID]
	if !ok {
		return nil, domain.ErrClaimNotFound
	}
	return copyClaim(claim), nil
}

func (r *ClaimRepository) ListReviewable(_ context.Context, now time.Time, limit int) ([]domain.ConversionClaim, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.ConversionClaim
	for _, claim := range r.s.claims {
		if claim.Reclaimable(now) {
			out = append(out, *copyClaim(claim))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ConversionID < out[j].ConversionID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LedgerRepository is the in-memory append-only ledger.
type LedgerRepository struct{ s *Store }

var _ repository.LedgerRepository = (*LedgerRepository)(nil)

func (r *LedgerRepository) Append(_ context.Context, entries []domain.LedgerEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.appendLocked(entries)
	return nil
}

func (r *LedgerRepository) AppendReversals(_ context.Context, reversals []domain.LedgerEntry, _ time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.appendLocked(reversals)
	for _, reversal := range reversals {
		original := reversal.ReversesEntryID
		_, batched := r.s.batchOf[original]
		switch r.s.statusLocked(original) {
		case domain.EntryPending:
			r.s.pushStatus(original, domain.EntryReversed)
		case domain.EntryConfirmed:
			if !batched {
				r.s.pushStatus(original, domain.EntryReversed)
			}
		}
	}
	return nil
}

func (r *LedgerRepository) ListByConversion(_ context.Context, conversionID string) ([]domain.LedgerEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.LedgerEntry
	for _, id := range r.s.entryOrder {
		entry := r.s.entries[id]
		if entry.ConversionID == conversionID {
			out = append(out, r.s.viewLocked(entry))
		}
	}
	sortEntries(out)
	return out, nil
}

func (r *LedgerRepository) Confirm(_ context.Context, conversionID string, _ time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	confirmed := 0
	for _, id := range r.s.entryOrder {
		entry := r.s.entries[id]
		if entry.ConversionID != conversionID || entry.Kind != domain.EntryCommission {
			continue
		}
		if r.s.statusLocked(id) == domain.EntryPending {
			r.s.pushStatus(id, domain.EntryConfirmed)
			confirmed++
		}
	}
	return confirmed, nil
}

func (r *LedgerRepository) ListPayable(_ context.Context, partnerID string, before time.Time) ([]domain.LedgerEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.LedgerEntry
	for _, id := range r.s.entryOrder {
		entry := r.s.entries[id]
		if entry.PartnerID == partnerID && r.s.payableLocked(entry, before) {
			out = append(out, r.s.viewLocked(entry))
		}
	}
	sortEntries(out)
	return out, nil
}

func (r *LedgerRepository) ListPayablePartners(_ context.Context, before time.Time) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	seen := make(map[string]struct{})
	var partners []string
	for _, id := range r.s.entryOrder {
		entry := r.s.entries[id]
		if _, ok := seen[entry.PartnerID]; ok {
			continue
		}
		if r.s.payableLocked(entry, before) {
			seen[entry.PartnerID] = struct{}{}
			partners = append(partners, entry.PartnerID)
		}
	}
	sort.Strings(partners)
	return partners, nil
}

// PayoutRepository is the in-memory payout batch table.
type PayoutRepository struct{ s *Store }

var _ repository.PayoutRepository = (*PayoutRepository)(nil)

func (r *PayoutRepository) Get(_ context.Context, batchID string) (*domain.PayoutBatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	batch, ok := r.s.batches[batchID]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	return copyBatch(batch), nil
}

func (r *PayoutRepository) FindByPeriod(_ context.Context, partnerID string, period domain.Period) (*domain.PayoutBatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	id, ok := r.s.batchByKey[period.Key(partnerID)]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	return copyBatch(r.s.batches[id]), nil
}

func (r *PayoutRepository) Create(_ context.Context, batch *domain.PayoutBatch) error {
	if batch == nil || batch.BatchID == "" {
		return domain.ErrInvalidPayload
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := domain.Period{Start: batch.PeriodStart, End: batch.PeriodEnd}.Key(batch.PartnerID)
	if _, exists := r.s.batchByKey[key]; exists {
		return domain.ErrBatchState
	}
	for _, id := range batch.EntryIDs {
		if _, linked := r.s.batchOf[id]; linked {
			return domain.ErrEntryAlreadyBatched
		}
	}
	batch.Status = domain.BatchOpen
	r.s.batches[batch.BatchID] = *copyBatch(*batch)
	r.s.batchByKey[key] = batch.BatchID
	for _, id := range batch.EntryIDs {
		r.s.batchOf[id] = batch.BatchID
	}
	return nil
}

func (r *PayoutRepository) MarkClaimed(_ context.Context, batchID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	batch, ok := r.s.batches[batchID]
	if !ok {
		return domain.ErrBatchNotFound
	}
	switch batch.Status {
	case domain.BatchClaimed:
		return nil
	case domain.BatchOpen:
		batch.Status = domain.BatchClaimed
		batch.UpdatedAt = at
		r.s.batches[batchID] = batch
		return nil
	default:
		return domain.ErrBatchState
	}
}

func (r *PayoutRepository) MarkPaid(_ context.Context, batchID, reference string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	batch, ok := r.s.batches[batchID]
	if !ok {
		return domain.ErrBatchNotFound
	}
	switch batch.Status {
	case domain.BatchPaid:
		return nil
	case domain.BatchClaimed:
	default:
		return domain.ErrBatchState
	}
	batch.Status = domain.BatchPaid
	batch.Reference = reference
	batch.UpdatedAt = at
	r.s.batches[batchID] = batch
	for _, id := range batch.EntryIDs {
		if r.s.entries[id].Kind == domain.EntryCommission {
			r.s.pushStatus(id, domain.EntryPaid)
		}
	}
	return nil
}

func (r *PayoutRepository) Reopen(_ context.Context, batchID, _ string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	batch, ok := r.s.batches[batchID]
	if !ok {
		return domain.ErrBatchNotFound
	}
	if batch.Status != domain.BatchClaimed {
		return domain.ErrBatchState
	}
	batch.Status = domain.BatchOpen
	batch.UpdatedAt = at
	r.s.batches[batchID] = batch
	return nil
}

// PeriodLocker is an in-process lease table.
type PeriodLocker struct{ s *Store }

var _ repository.PeriodLocker = (*PeriodLocker)(nil)

func (l *PeriodLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	now := l.s.now()
	if held, ok := l.s.locks[key]; ok && held.expiresAt.After(now) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.s.locks[key] = lease{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *PeriodLocker) Release(_ context.Context, key, token string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if held, ok := l.s.locks[key]; ok && held.token == token {
		delete(l.s.locks, key)
	}
	return nil
}

func (s *Store) appendLocked(entries []domain.LedgerEntry) {
	for _, entry := range entries {
		if _, exists := s.entries[entry.EntryID]; exists {
			continue
		}
		entry.Status = ""
		entry.BatchID = ""
		s.entries[entry.EntryID] = entry
		s.entryOrder = append(s.entryOrder, entry.EntryID)
		s.pushStatus(entry.EntryID, entry.InitialStatus())
	}
}

func (s *Store) pushStatus(entryID string, status domain.EntryStatus) {
	s.statusLog[entryID] = append(s.statusLog[entryID], status)
}

func (s *Store) statusLocked(entryID string) domain.EntryStatus {
	log := s.statusLog[entryID]
	if len(log) == 0 {
		return ""
	}
	return log[len(log)-1]
}

func (s *Store) viewLocked(entry domain.LedgerEntry) domain.LedgerEntry {
	entry.Status = s.statusLocked(entry.EntryID)
	entry.BatchID = s.batchOf[entry.EntryID]
	return entry
}

func (s *Store) payableLocked(entry domain.LedgerEntry, before time.Time) bool {
	if !entry.CreatedAt.Before(before) {
		return false
	}
	if _, linked := s.batchOf[entry.EntryID]; linked {
		return false
	}
	switch entry.Kind {
	case domain.EntryCommission:
		return s.statusLocked(entry.EntryID) == domain.EntryConfirmed
	case domain.EntryReversal:
		original := s.statusLocked(entry.ReversesEntryID)
		return original == domain.EntryConfirmed || original == domain.EntryPaid
	}
	return false
}

func sortEntries(entries []domain.LedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.EntryID < b.EntryID
	})
}

func copyClaim(claim domain.ConversionClaim) *domain.ConversionClaim {
	out := claim
	if claim.Result != nil {
		result := copyResult(*claim.Result)
		out.Result = &result
	}
	out.Entries = append([]domain.LedgerEntry(nil), claim.Entries...)
	return &out
}

func copyResult(result domain.AttributionResult) domain.AttributionResult {
	out := result
	if result.Credits != nil {
		out.Credits = make([]domain.Credit, len(result.Credits))
		copy(out.Credits, result.Credits)
	}
	return out
}

func copyBatch(batch domain.PayoutBatch) *domain.PayoutBatch {
	out := batch
	out.EntryIDs = append([]string(nil), batch.EntryIDs...)
	return &out
}
