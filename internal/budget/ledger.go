// Package budget enforces tiered daily USD spend caps per user and
// accounts cost per run. The ledger is the single writer of spend state
// shared across concurrent runs.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/projectloom/loom/pkg/models"
)

// ExceededError indicates a run was refused before execution because
// the user's daily budget is exhausted. Terminal: no spend is incurred.
type ExceededError struct {
	UserID string
	Tier   models.Tier
	Cap    float64
	Spent  float64
	// EstimateUSD is the expected run cost that was refused, 0 when the
	// refusal came from an already exhausted budget.
	EstimateUSD float64
}

func (e *ExceededError) Error() string {
	if e.EstimateUSD > 0 {
		return fmt.Sprintf("budget exceeded for user %s (tier %s): expected cost %.2f USD exceeds remaining %.2f of %.2f USD today",
			e.UserID, e.Tier, e.EstimateUSD, e.Cap-e.Spent, e.Cap)
	}
	return fmt.Sprintf("budget exceeded for user %s (tier %s): spent %.2f of %.2f USD today",
		e.UserID, e.Tier, e.Spent, e.Cap)
}

// Store persists cumulative spend keyed by (day, user). Implementations
// must never lose or double-count a reported amount.
type Store interface {
	// Spent returns the accumulated spend for the key, 0 if absent.
	Spent(day, userID string) (float64, error)
	// Add atomically adds amount and returns the new total.
	Add(day, userID string, amount float64) (float64, error)
	// Close releases any underlying resources.
	Close() error
}

// Caps maps each tier to its daily USD cap. A nil entry means the tier
// is unlimited; the absence of a cap is explicit, never a sentinel number.
type Caps map[models.Tier]*float64

// DefaultCaps returns the standard tier table.
func DefaultCaps() Caps {
	free := 1.00
	pro := 25.00
	return Caps{
		models.TierFree:       &free,
		models.TierPro:        &pro,
		models.TierEnterprise: nil,
	}
}

// Summary is the external budget query result.
type Summary struct {
	Date         string      `json:"date"`
	Tier         models.Tier `json:"tier"`
	DailyCapUSD  *float64    `json:"daily_cap_usd"`
	SpentUSD     float64     `json:"spent_usd"`
	RemainingUSD *float64    `json:"remaining_usd"`
}

// Ledger enforces daily caps. One mutex serializes check/apply pairs;
// the cap is checked before a run starts, not enforced mid-run, so a
// single in-flight run may overshoot by its own cost at most.
type Ledger struct {
	mu    sync.Mutex
	caps  Caps
	store Store
	now   func() time.Time
}

// NewLedger creates a ledger over the given store. A nil store falls
// back to an in-memory one.
func NewLedger(caps Caps, store Store) *Ledger {
	if caps == nil {
		caps = DefaultCaps()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Ledger{caps: caps, store: store, now: time.Now}
}

// SetClock overrides the time source, for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// day returns the calendar-day bucket key.
func (l *Ledger) day() string {
	return l.now().UTC().Format("2006-01-02")
}

// Remaining returns the remaining budget for today, floored at zero.
// unlimited is true for tiers with no cap, in which case remaining is
// meaningless.
func (l *Ledger) Remaining(userID string, tier models.Tier) (remaining float64, unlimited bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingLocked(userID, tier)
}

func (l *Ledger) remainingLocked(userID string, tier models.Tier) (float64, bool, error) {
	cap, ok := l.caps[tier]
	if !ok {
		return 0, false, fmt.Errorf("unknown tier %q", tier)
	}
	if cap == nil {
		return 0, true, nil
	}
	spent, err := l.store.Spent(l.day(), userID)
	if err != nil {
		return 0, false, fmt.Errorf("read spend: %w", err)
	}
	remaining := *cap - spent
	if remaining < 0 {
		remaining = 0
	}
	return remaining, false, nil
}

// Authorize checks whether a run may start for the user today. It fails
// fast with an ExceededError, before any spend is incurred, when the
// remaining budget is non-positive or when the run's expected cost does
// not fit into it. An estimate of 0 means the cost is unknown and only
// the non-positive check applies.
func (l *Ledger) Authorize(userID string, tier models.Tier, estimateUSD float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining, unlimited, err := l.remainingLocked(userID, tier)
	if err != nil {
		return err
	}
	if unlimited {
		return nil
	}
	if remaining <= 0 || estimateUSD > remaining {
		spent, _ := l.store.Spent(l.day(), userID)
		return &ExceededError{UserID: userID, Tier: tier, Cap: *l.caps[tier],
			Spent: spent, EstimateUSD: estimateUSD}
	}
	return nil
}

// ApplySpend atomically adds the reported amount to today's spend.
// Negative amounts are rejected: spend is monotonically non-decreasing
// within a day.
func (l *Ledger) ApplySpend(userID string, tier models.Tier, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("negative spend %f for user %s", amount, userID)
	}
	if amount == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.store.Add(l.day(), userID, amount); err != nil {
		return fmt.Errorf("apply spend: %w", err)
	}
	return nil
}

// Summarize answers the external budget query for (user, tier).
func (l *Ledger) Summarize(userID string, tier models.Tier) (Summary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	day := l.day()
	spent, err := l.store.Spent(day, userID)
	if err != nil {
		return Summary{}, fmt.Errorf("read spend: %w", err)
	}
	s := Summary{Date: day, Tier: tier, SpentUSD: spent}
	if cap, ok := l.caps[tier]; ok && cap != nil {
		s.DailyCapUSD = cap
		remaining := *cap - spent
		if remaining < 0 {
			remaining = 0
		}
		s.RemainingUSD = &remaining
	}
	return s, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
