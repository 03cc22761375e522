package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Effect describes how a record type moves a scope's balance.
type Effect int

const (
	EffectAdd Effect = iota + 1
	EffectSubtract
	EffectRateAdjust
)

var balanceEffects = map[RecordType]Effect{
	RecordPrepayDeposit:    EffectAdd,
	RecordPrepayRefund:     EffectAdd,
	RecordPurchaseOrder:    EffectAdd,
	RecordShipment:         EffectAdd,
	RecordPrepayUsage:      EffectSubtract,
	RecordPrepayWithdraw:   EffectSubtract,
	RecordPOPayment:        EffectSubtract,
	RecordDepositPayment:   EffectSubtract,
	RecordLogisticsPayment: EffectSubtract,
	RecordPrepayRateAdjust: EffectRateAdjust,
}

// BalanceQuery selects the rows folded into a balance.
type BalanceQuery struct {
	ScopeKey string
	// From folds rows dated before it into the beginning balance.
	From *time.Time
	// AsOf drops rows dated after it.
	AsOf *time.Time
}

func (q BalanceQuery) normalize() (BalanceQuery, error) {
	q.ScopeKey = strings.TrimSpace(q.ScopeKey)
	if q.ScopeKey == "" {
		return q, fmt.Errorf("%w: scope key required", ErrValidation)
	}
	if q.From != nil {
		d := truncateDate(*q.From)
		q.From = &d
	}
	if q.AsOf != nil {
		d := truncateDate(*q.AsOf)
		q.AsOf = &d
	}
	if q.From != nil && q.AsOf != nil && q.From.After(*q.AsOf) {
		return q, fmt.Errorf("%w: from is after asOf", ErrValidation)
	}
	return q, nil
}

// BalanceRow is one record's contribution to a running balance.
type BalanceRow struct {
	RecordID          int64           `json:"recordId"`
	RecordNo          string          `json:"recordNo"`
	RecordType        RecordType      `json:"recordType"`
	Date              time.Time       `json:"date"`
	Amount            decimal.Decimal `json:"amount"`
	RequestedCurrency string          `json:"requestedCurrency"`
	ExchangeRate      decimal.Decimal `json:"exchangeRate"`
	Quantity          decimal.Decimal `json:"quantity"`
	Settlement        decimal.Decimal `json:"settlement"`
	RunningQuantity   decimal.Decimal `json:"runningQuantity"`
	RunningBalance    decimal.Decimal `json:"runningBalance"`
	Note              string          `json:"note"`
}

// Balance is the running balance of a scope in its settlement currency.
type Balance struct {
	ScopeKey          string          `json:"scopeKey"`
	From              *time.Time      `json:"from,omitempty"`
	AsOf              *time.Time      `json:"asOf,omitempty"`
	BeginningQuantity decimal.Decimal `json:"beginningQuantity"`
	BeginningBalance  decimal.Decimal `json:"beginningBalance"`
	Rows              []BalanceRow    `json:"transactions"`
	EndingQuantity    decimal.Decimal `json:"endingQuantity"`
	EndingBalance     decimal.Decimal `json:"endingBalance"`
}

// ComputeBalance folds the active records of a scope into a running balance,
// serving from the balance cache when one is configured.
func (s *Service) ComputeBalance(ctx context.Context, q BalanceQuery) (Balance, error) {
	q, err := q.normalize()
	if err != nil {
		return Balance{}, err
	}
	load := func(ctx context.Context) (Balance, error) {
		records, err := s.repo.ListActiveByScope(ctx, q.ScopeKey, q.AsOf)
		if err != nil {
			return Balance{}, fmt.Errorf("ledger: list scope %s: %w", q.ScopeKey, err)
		}
		return FoldBalance(ctx, q, records)
	}
	if s.cache == nil {
		return load(ctx)
	}
	return s.cache.Fetch(ctx, q, load)
}

// FoldBalance computes a balance from records in any order. Rows are sorted by
// (date, recordNo) and converted with their own recorded rate.
func FoldBalance(ctx context.Context, q BalanceQuery, records []FinancialRecord) (Balance, error) {
	sorted := make([]FinancialRecord, 0, len(records))
	for _, r := range records {
		if !r.Active() || r.ScopeKey != q.ScopeKey {
			continue
		}
		if q.AsOf != nil && r.Date.After(*q.AsOf) {
			continue
		}
		sorted = append(sorted, r)
	}
	sortRecords(sorted)

	bal := Balance{
		ScopeKey:          q.ScopeKey,
		From:              q.From,
		AsOf:              q.AsOf,
		BeginningQuantity: decimal.Zero,
		BeginningBalance:  decimal.Zero,
		Rows:              []BalanceRow{},
	}
	quantity, settlement := decimal.Zero, decimal.Zero
	for i, r := range sorted {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return Balance{}, err
			}
		}
		qty, amt, err := contribution(r)
		if err != nil {
			return Balance{}, err
		}
		quantity = quantity.Add(qty)
		settlement = settlement.Add(amt)
		if q.From != nil && r.Date.Before(*q.From) {
			bal.BeginningQuantity = quantity
			bal.BeginningBalance = settlement
			continue
		}
		bal.Rows = append(bal.Rows, BalanceRow{
			RecordID:          r.ID,
			RecordNo:          r.RecordNo,
			RecordType:        r.RecordType,
			Date:              r.Date,
			Amount:            r.Amount,
			RequestedCurrency: r.RequestedCurrency,
			ExchangeRate:      r.ExchangeRate,
			Quantity:          qty,
			Settlement:        amt,
			RunningQuantity:   quantity,
			RunningBalance:    settlement,
			Note:              r.Note,
		})
	}
	bal.EndingQuantity = quantity
	bal.EndingBalance = settlement
	return bal, nil
}

// contribution returns the signed quantity and settlement amounts of r.
// Rate adjustments are booked in the settlement currency and move no quantity.
func contribution(r FinancialRecord) (decimal.Decimal, decimal.Decimal, error) {
	effect, ok := balanceEffects[r.RecordType]
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("ledger: no balance rule for %q", r.RecordType)
	}
	switch effect {
	case EffectRateAdjust:
		return decimal.Zero, r.Amount, nil
	case EffectSubtract:
		return r.Amount.Neg(), settle(r).Neg(), nil
	default:
		return r.Amount, settle(r), nil
	}
}

func settle(r FinancialRecord) decimal.Decimal {
	if r.RequestedCurrency == r.SettlementCurrency {
		return r.Amount
	}
	return r.Amount.Mul(r.ExchangeRate)
}

// sortRecords orders by (date, recordNo); recordNo breaks same-day ties.
func sortRecords(records []FinancialRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Date.Equal(records[j].Date) {
			return records[i].Date.Before(records[j].Date)
		}
		return records[i].RecordNo < records[j].RecordNo
	})
}
