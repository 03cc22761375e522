package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// RateLookup finds the most recent automatically resolved rate in the ledger.
type RateLookup interface {
	LatestAutoRate(ctx context.Context) (decimal.Decimal, bool, error)
}

// RateResolver decides which exchange rate a record uses.
//
// Auto mode scans every active auto-rate record regardless of currency pair or
// scope; the ledger runs on a single global rate.
type RateResolver struct {
	defaultRate decimal.Decimal
}

// NewRateResolver constructs a resolver falling back to defaultRate, rounded
// to the stored rate scale.
func NewRateResolver(defaultRate decimal.Decimal) *RateResolver {
	return &RateResolver{defaultRate: defaultRate.Round(RateScale)}
}

// DefaultRate returns the configured fallback rate.
func (r *RateResolver) DefaultRate() decimal.Decimal {
	return r.defaultRate
}

// Resolve returns the rate to apply for mode.
func (r *RateResolver) Resolve(ctx context.Context, lookup RateLookup, mode RateMode, supplied *decimal.Decimal) (Resolution, error) {
	switch mode {
	case RateModeManual:
		if supplied == nil || !supplied.IsPositive() {
			return Resolution{}, ErrInvalidRate
		}
		if !supplied.Equal(supplied.Truncate(RateScale)) {
			return Resolution{}, fmt.Errorf("%w: at most %d decimal places", ErrInvalidRate, RateScale)
		}
		return Resolution{Rate: *supplied, Source: RateSourceManual}, nil
	case RateModeAuto:
		rate, ok, err := lookup.LatestAutoRate(ctx)
		if err != nil {
			return Resolution{}, fmt.Errorf("ledger: latest auto rate: %w", err)
		}
		if ok && rate.IsPositive() {
			return Resolution{Rate: rate, Source: RateSourceRecent}, nil
		}
		return Resolution{Rate: r.defaultRate, Source: RateSourceDefault}, nil
	default:
		return Resolution{}, fmt.Errorf("%w: unknown rate mode %q", ErrValidation, mode)
	}
}
