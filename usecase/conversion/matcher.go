// Package conversion consumes conversion events exactly once and turns them
// into stored attribution results and ledger entries.
package conversion

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/pkg/metrics"
	"github.com/fastygo/attribution/repository"
	"github.com/fastygo/attribution/usecase/attribution"
	"github.com/fastygo/attribution/usecase/commission"
	"github.com/fastygo/attribution/usecase/session"
)

const releaseTimeout = 2 * time.Second

// Programs resolves the program a conversion belongs to. An empty ID selects
// the default program.
type Programs interface {
	Program(programID string) (domain.Program, error)
}

// Outcome is what a match produced, or what an earlier match stored.
type Outcome struct {
	Result   domain.AttributionResult `json:"result"`
	Entries  []domain.LedgerEntry     `json:"entries"`
	Replayed bool                     `json:"replayed"`
}

// Organic reports whether no partner was credited.
func (o *Outcome) Organic() bool {
	return o == nil || o.Result.Organic()
}

type Options struct {
	// Owner identifies this worker on claim records.
	Owner string
	// Lease bounds how long a claim may stay in processing before another
	// worker may take it over.
	Lease time.Duration
}

type Matcher struct {
	claims     repository.ClaimRepository
	ledger     repository.LedgerRepository
	correlator *session.Correlator
	calculator *commission.Calculator
	programs   Programs
	opts       Options
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func New(
	claims repository.ClaimRepository,
	ledger repository.LedgerRepository,
	correlator *session.Correlator,
	calculator *commission.Calculator,
	programs Programs,
	opts Options,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Matcher {
	if opts.Owner == "" {
		opts.Owner = "matcher"
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		claims:     claims,
		ledger:     ledger,
		correlator: correlator,
		calculator: calculator,
		programs:   programs,
		opts:       opts,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the time source used for claim bookkeeping.
func (m *Matcher) WithClock(now func() time.Time) *Matcher {
	if now != nil {
		m.now = now
	}
	return m
}

// Match attributes a conversion once. Redelivery of a completed conversion
// returns the stored result with Replayed set and writes nothing.
func (m *Matcher) Match(ctx context.Context, event domain.ConversionEvent) (*Outcome, error) {
	event.ConversionID = strings.TrimSpace(event.ConversionID)
	if event.ConversionID == "" {
		return nil, domain.NewError(domain.ErrCodeInvalid, "conversion_id is required")
	}
	if event.Timestamp.IsZero() {
		return nil, domain.NewError(domain.ErrCodeInvalid, "timestamp is required")
	}
	if event.GrossAmount.IsNegative() {
		return nil, domain.NewError(domain.ErrCodeInvalid, "gross_amount must not be negative")
	}
	event.Timestamp = event.Timestamp.UTC()

	program, err := m.programs.Program(event.ProgramID)
	if err != nil {
		return nil, err
	}
	event.ProgramID = program.ID

	claim, err := m.claims.Claim(ctx, event, m.opts.Owner, m.opts.Lease, m.now())
	switch {
	case errors.Is(err, domain.ErrDuplicateConversion):
		m.metrics.ConversionMatched(ctx, "duplicate")
		return m.replay(ctx, claim)
	case err != nil:
		m.metrics.ConversionMatched(ctx, "conflict")
		return nil, asRetryable("claim conversion", err)
	}

	outcome, err := m.settle(ctx, claim)
	if err == nil {
		err = m.claims.Complete(ctx, claim.ConversionID, m.opts.Owner, outcome.Result, m.now())
	}
	if err != nil {
		m.release(ctx, claim.ConversionID, err)
		m.metrics.ConversionMatched(ctx, "failed")
		if !domain.IsRetryable(err) {
			err = domain.Transient("match conversion failed", err)
		}
		return nil, err
	}

	if outcome.Organic() {
		m.metrics.ConversionMatched(ctx, "organic")
	} else {
		m.metrics.ConversionMatched(ctx, "attributed")
	}
	m.logger.Info("conversion matched",
		zap.String("conversion_id", claim.ConversionID),
		zap.String("program_id", outcome.Result.ProgramID),
		zap.Int("credits", len(outcome.Result.Credits)),
		zap.Int("attempt", claim.Attempts))
	return outcome, nil
}

// Retry re-runs a claim that was released for review or whose lease expired.
func (m *Matcher) Retry(ctx context.Context, claim domain.ConversionClaim) (*Outcome, error) {
	return m.Match(ctx, claim.Conversion)
}

// settle writes the claim's outcome to the ledger. The first attempt computes
// the outcome and checkpoints it on the claim before any ledger write; later
// attempts settle that checkpoint as stored, whatever the click store or a
// redelivered payload say by then.
func (m *Matcher) settle(ctx context.Context, claim *domain.ConversionClaim) (*Outcome, error) {
	if claim.Checkpointed() {
		m.logger.Debug("settling checkpointed conversion",
			zap.String("conversion_id", claim.ConversionID),
			zap.Int("attempt", claim.Attempts))
	} else {
		program, err := m.programs.Program(claim.Conversion.ProgramID)
		if err != nil {
			return nil, err
		}
		result, entries, err := m.compute(ctx, program, claim.Conversion)
		if err != nil {
			return nil, err
		}
		if err := m.claims.Checkpoint(ctx, claim.ConversionID, m.opts.Owner, result, entries, m.now()); err != nil {
			return nil, err
		}
		claim.Result, claim.Entries = &result, entries
	}

	entries := append([]domain.LedgerEntry{}, claim.Entries...)
	if len(entries) > 0 {
		if err := m.ledger.Append(ctx, entries); err != nil {
			return nil, err
		}
	}
	return &Outcome{Result: *claim.Result, Entries: entries}, nil
}

func (m *Matcher) compute(ctx context.Context, program domain.Program, event domain.ConversionEvent) (domain.AttributionResult, []domain.LedgerEntry, error) {
	touchpoints, err := m.correlator.Within(program.Window).Correlate(ctx, event.CorrelationKey(), event.Timestamp)
	if err != nil {
		return domain.AttributionResult{}, nil, err
	}
	if len(touchpoints) > program.MaxTouchpoints {
		touchpoints = touchpoints[len(touchpoints)-program.MaxTouchpoints:]
	}

	credits, err := attribution.Attribute(touchpoints, event.Timestamp, program.Model)
	if err != nil {
		return domain.AttributionResult{}, nil, err
	}
	if credits == nil {
		credits = []domain.Credit{}
	}
	result := domain.AttributionResult{
		ConversionID: event.ConversionID,
		ProgramID:    program.ID,
		Model:        program.Model.Kind,
		ConvertedAt:  event.Timestamp,
		Credits:      credits,
	}
	if result.Organic() {
		return result, []domain.LedgerEntry{}, nil
	}

	entries, err := m.calculator.Compute(ctx, program, result, event.GrossAmount)
	if err != nil {
		return domain.AttributionResult{}, nil, err
	}
	for i := range entries {
		entries[i].Status = entries[i].InitialStatus()
	}
	return result, entries, nil
}

func (m *Matcher) replay(ctx context.Context, claim *domain.ConversionClaim) (*Outcome, error) {
	if claim == nil || claim.Result == nil {
		return nil, domain.ErrConversionPending
	}
	entries, err := m.ledger.ListByConversion(ctx, claim.ConversionID)
	if err != nil {
		return nil, asRetryable("load ledger entries", err)
	}
	return &Outcome{Result: *claim.Result, Entries: commissions(entries), Replayed: true}, nil
}

// release flags the claim for review. It runs detached from ctx so an
// expired request deadline cannot strand the claim in processing.
func (m *Matcher) release(ctx context.Context, conversionID string, cause error) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := m.claims.Release(releaseCtx, conversionID, m.opts.Owner, cause.Error(), m.now()); err != nil {
		m.logger.Error("release conversion claim",
			zap.String("conversion_id", conversionID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}
	m.logger.Warn("conversion released for review",
		zap.String("conversion_id", conversionID),
		zap.Error(cause))
}

// Result returns the stored attribution and the conversion's ledger entries.
func (m *Matcher) Result(ctx context.Context, conversionID string) (*Outcome, error) {
	claim, err := m.completedClaim(ctx, conversionID)
	if err != nil {
		return nil, err
	}
	entries, err := m.ledger.ListByConversion(ctx, conversionID)
	if err != nil {
		return nil, asRetryable("load ledger entries", err)
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	return &Outcome{Result: *claim.Result, Entries: entries, Replayed: true}, nil
}

// Confirm moves the conversion's pending commissions to confirmed, making them
// eligible for payout.
func (m *Matcher) Confirm(ctx context.Context, conversionID string) (int, error) {
	if _, err := m.completedClaim(ctx, conversionID); err != nil {
		return 0, err
	}
	n, err := m.ledger.Confirm(ctx, conversionID, m.now())
	if err != nil {
		return 0, asRetryable("confirm ledger entries", err)
	}
	m.logger.Info("conversion confirmed", zap.String("conversion_id", conversionID), zap.Int("entries", n))
	return n, nil
}

// Cancel appends a reversal for every commission of the conversion. Originals
// stay untouched; repeating a cancellation returns the existing reversals.
func (m *Matcher) Cancel(ctx context.Context, conversionID string, cancelledAt time.Time, reason string) ([]domain.LedgerEntry, error) {
	claim, err := m.completedClaim(ctx, conversionID)
	if err != nil {
		return nil, err
	}
	program, err := m.programs.Program(claim.Conversion.ProgramID)
	if err != nil {
		return nil, err
	}
	if cancelledAt.IsZero() {
		cancelledAt = m.now()
	}
	cancelledAt = cancelledAt.UTC()
	if deadline := claim.Conversion.Timestamp.Add(program.Window); cancelledAt.After(deadline) {
		m.logger.Warn("cancellation outside correction window, needs manual reconciliation",
			zap.String("conversion_id", conversionID),
			zap.String("program_id", program.ID),
			zap.Time("cancelled_at", cancelledAt),
			zap.Time("window_closed_at", deadline),
			zap.String("reason", reason))
		return nil, domain.ErrCorrectionWindowShut
	}

	entries, err := m.ledger.ListByConversion(ctx, conversionID)
	if err != nil {
		return nil, asRetryable("load ledger entries", err)
	}
	var reversals []domain.LedgerEntry
	for _, original := range commissions(entries) {
		reversals = append(reversals, domain.LedgerEntry{
			EntryID:         domain.LedgerEntryID(conversionID, original.PartnerID, domain.EntryReversal),
			Kind:            domain.EntryReversal,
			PartnerID:       original.PartnerID,
			ConversionID:    conversionID,
			ClickID:         original.ClickID,
			ReversesEntryID: original.EntryID,
			Weight:          original.Weight,
			EffectiveRate:   original.EffectiveRate,
			Rate:            original.Rate,
			Amount:          original.Amount.Neg(),
			Status:          domain.EntryReversed,
			CreatedAt:       cancelledAt,
		})
	}
	if len(reversals) == 0 {
		return []domain.LedgerEntry{}, nil
	}
	if err := m.ledger.AppendReversals(ctx, reversals, cancelledAt); err != nil {
		return nil, asRetryable("append reversals", err)
	}

	entries, err = m.ledger.ListByConversion(ctx, conversionID)
	if err != nil {
		return nil, asRetryable("load ledger entries", err)
	}
	stored := make([]domain.LedgerEntry, 0, len(reversals))
	for _, entry := range entries {
		if entry.Kind == domain.EntryReversal {
			stored = append(stored, entry)
		}
	}
	m.logger.Info("conversion cancelled",
		zap.String("conversion_id", conversionID),
		zap.String("reason", reason),
		zap.Int("reversals", len(stored)))
	return stored, nil
}

func (m *Matcher) completedClaim(ctx context.Context, conversionID string) (*domain.ConversionClaim, error) {
	claim, err := m.claims.Get(ctx, conversionID)
	if err != nil {
		return nil, asRetryable("load conversion claim", err)
	}
	if claim.State != domain.ClaimComplete || claim.Result == nil {
		return nil, domain.ErrConversionPending
	}
	return claim, nil
}

func commissions(entries []domain.LedgerEntry) []domain.LedgerEntry {
	out := make([]domain.LedgerEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Kind == domain.EntryCommission {
			out = append(out, entry)
		}
	}
	return out
}

// asRetryable keeps domain classifications and marks anything else transient.
func asRetryable(op string, err error) error {
	var dErr *domain.Error
	if errors.As(err, &dErr) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.Transient(op+" failed", err)
}
