package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Decimal places kept by the ledger_records and scope_terms columns.
const (
	AmountScale  int32 = 4
	RateScale    int32 = 8
	PercentScale int32 = 4
)

// checkScale rejects values carrying more significant decimal places than
// the column stores. Trailing zeros are allowed.
func checkScale(name string, v decimal.Decimal, places int32) error {
	if !v.Equal(v.Truncate(places)) {
		return fmt.Errorf("%w: %s allows at most %d decimal places", ErrValidation, name, places)
	}
	return nil
}

// NormalizeCurrency upper-cases code and checks it is an ISO 4217 currency.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", fmt.Errorf("%w: currency required", ErrValidation)
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", fmt.Errorf("%w: unknown currency %q", ErrValidation, code)
	}
	return unit.String(), nil
}

func (s *Service) normalizeCreate(in CreateInput) (CreateInput, error) {
	if !in.RecordType.Valid() {
		return in, fmt.Errorf("%w: unknown record type %q", ErrValidation, in.RecordType)
	}
	in.ScopeKey = strings.TrimSpace(in.ScopeKey)
	if in.ScopeKey == "" {
		return in, fmt.Errorf("%w: scope key required", ErrValidation)
	}
	if in.Date.IsZero() {
		return in, fmt.Errorf("%w: date required", ErrValidation)
	}
	in.Date = truncateDate(in.Date)
	if err := checkAmount(in.RecordType, in.Amount); err != nil {
		return in, err
	}
	var err error
	if in.RequestedCurrency, err = NormalizeCurrency(in.RequestedCurrency); err != nil {
		return in, err
	}
	if strings.TrimSpace(in.SettlementCurrency) == "" {
		in.SettlementCurrency = s.settlementCurrency
	}
	if in.SettlementCurrency, err = NormalizeCurrency(in.SettlementCurrency); err != nil {
		return in, err
	}
	if !in.RateMode.Valid() {
		return in, fmt.Errorf("%w: rate mode must be auto or manual", ErrValidation)
	}
	in.Note = strings.TrimSpace(in.Note)
	if in.RecordType.IsPrepayment() && in.Note == "" {
		return in, fmt.Errorf("%w: note required for prepayments", ErrValidation)
	}
	in.Operator = strings.TrimSpace(in.Operator)
	if in.Operator == "" {
		return in, fmt.Errorf("%w: operator required", ErrValidation)
	}
	return in, nil
}

// checkAmount enforces positive amounts; rate adjustments may be negative but not zero.
func checkAmount(t RecordType, amount decimal.Decimal) error {
	if amount.IsZero() {
		return fmt.Errorf("%w: amount must not be zero", ErrValidation)
	}
	if amount.IsNegative() && t != RecordPrepayRateAdjust {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	return checkScale("amount", amount, AmountScale)
}
