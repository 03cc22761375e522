package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Field names used in FieldChange.Field.
const (
	FieldRecordNo           = "record_no"
	FieldRecordType         = "record_type"
	FieldScopeKey           = "scope_key"
	FieldDate               = "date"
	FieldAmount             = "amount"
	FieldRequestedCurrency  = "requested_currency"
	FieldSettlementCurrency = "settlement_currency"
	FieldExchangeRate       = "exchange_rate"
	FieldRateMode           = "rate_mode"
	FieldNote               = "note"
	FieldOperator           = "operator"
	FieldDeletedAt          = "deleted_at"
)

func strPtr(s string) *string { return &s }

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	return strPtr(t.UTC().Format(time.RFC3339Nano))
}

// snapshot renders the business state of r in a fixed field order.
func snapshot(r FinancialRecord) []FieldChange {
	values := []struct {
		field string
		value string
	}{
		{FieldRecordNo, r.RecordNo},
		{FieldRecordType, string(r.RecordType)},
		{FieldScopeKey, r.ScopeKey},
		{FieldDate, r.Date.Format(dateLayout)},
		{FieldAmount, r.Amount.String()},
		{FieldRequestedCurrency, r.RequestedCurrency},
		{FieldSettlementCurrency, r.SettlementCurrency},
		{FieldExchangeRate, r.ExchangeRate.String()},
		{FieldRateMode, string(r.RateMode)},
		{FieldNote, r.Note},
		{FieldOperator, r.Operator},
	}
	changes := make([]FieldChange, 0, len(values))
	for _, v := range values {
		changes = append(changes, FieldChange{Field: v.field, Old: strPtr(v.value), New: strPtr(v.value)})
	}
	return changes
}

// creationChanges lists every initial field as {field, nil, value}.
func creationChanges(r FinancialRecord) []FieldChange {
	changes := snapshot(r)
	for i := range changes {
		changes[i].Old = nil
	}
	return changes
}

// diffRecords compares the mutable fields of before and after.
func diffRecords(before, after FinancialRecord) []FieldChange {
	var changes []FieldChange
	add := func(field, oldV, newV string) {
		changes = append(changes, FieldChange{Field: field, Old: strPtr(oldV), New: strPtr(newV)})
	}
	if !before.Date.Equal(after.Date) {
		add(FieldDate, before.Date.Format(dateLayout), after.Date.Format(dateLayout))
	}
	if !before.Amount.Equal(after.Amount) {
		add(FieldAmount, before.Amount.String(), after.Amount.String())
	}
	if before.RequestedCurrency != after.RequestedCurrency {
		add(FieldRequestedCurrency, before.RequestedCurrency, after.RequestedCurrency)
	}
	if before.SettlementCurrency != after.SettlementCurrency {
		add(FieldSettlementCurrency, before.SettlementCurrency, after.SettlementCurrency)
	}
	if !before.ExchangeRate.Equal(after.ExchangeRate) {
		add(FieldExchangeRate, before.ExchangeRate.String(), after.ExchangeRate.String())
	}
	if before.RateMode != after.RateMode {
		add(FieldRateMode, string(before.RateMode), string(after.RateMode))
	}
	if before.Note != after.Note {
		add(FieldNote, before.Note, after.Note)
	}
	return changes
}

// classifyUpdate picks the event type for a non-empty update diff.
func classifyUpdate(changes []FieldChange) EventType {
	amount, rate, other := false, false, false
	for _, c := range changes {
		switch c.Field {
		case FieldAmount, FieldRequestedCurrency, FieldSettlementCurrency:
			amount = true
		case FieldExchangeRate, FieldRateMode:
			rate = true
		default:
			other = true
		}
	}
	switch {
	case amount:
		return EventAmountChange
	case rate && !other:
		return EventRateChange
	default:
		return EventUpdate
	}
}

// Replay folds an event stream into the projection it describes.
func Replay(events []LedgerEvent) (FinancialRecord, error) {
	var r FinancialRecord
	for i, evt := range events {
		if evt.EventSeq != int64(i+1) {
			return FinancialRecord{}, fmt.Errorf("ledger: replay: expected seq %d, got %d", i+1, evt.EventSeq)
		}
		if i == 0 {
			if evt.EventType != EventCreate {
				return FinancialRecord{}, fmt.Errorf("ledger: replay: first event is %s", evt.EventType)
			}
			r.ID = evt.RecordID
			r.CreatedAt = evt.CreatedAt
		}
		for _, c := range evt.Changes {
			if err := applyChange(&r, c); err != nil {
				return FinancialRecord{}, fmt.Errorf("ledger: replay seq %d: %w", evt.EventSeq, err)
			}
		}
		r.UpdatedAt = evt.CreatedAt
		r.Version = evt.EventSeq
	}
	return r, nil
}

func applyChange(r *FinancialRecord, c FieldChange) error {
	if c.Field == FieldDeletedAt {
		if c.New == nil {
			r.DeletedAt = nil
			return nil
		}
		ts, err := time.Parse(time.RFC3339Nano, *c.New)
		if err != nil {
			return err
		}
		r.DeletedAt = &ts
		return nil
	}
	if c.New == nil {
		return fmt.Errorf("field %s has no new value", c.Field)
	}
	v := *c.New
	switch c.Field {
	case FieldRecordNo:
		r.RecordNo = v
	case FieldRecordType:
		r.RecordType = RecordType(v)
	case FieldScopeKey:
		r.ScopeKey = v
	case FieldDate:
		d, err := time.Parse(dateLayout, v)
		if err != nil {
			return err
		}
		r.Date = d
	case FieldAmount:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		r.Amount = d
	case FieldRequestedCurrency:
		r.RequestedCurrency = v
	case FieldSettlementCurrency:
		r.SettlementCurrency = v
	case FieldExchangeRate:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		r.ExchangeRate = d
	case FieldRateMode:
		r.RateMode = RateMode(v)
	case FieldNote:
		r.Note = v
	case FieldOperator:
		r.Operator = v
	default:
		return fmt.Errorf("unknown field %s", c.Field)
	}
	return nil
}

// SameState reports whether two projections agree on every field carried by the event log.
func SameState(a, b FinancialRecord) bool {
	if (a.DeletedAt == nil) != (b.DeletedAt == nil) {
		return false
	}
	if a.DeletedAt != nil && !a.DeletedAt.Equal(*b.DeletedAt) {
		return false
	}
	return a.RecordNo == b.RecordNo &&
		a.RecordType == b.RecordType &&
		a.ScopeKey == b.ScopeKey &&
		a.Date.Equal(b.Date) &&
		a.Amount.Equal(b.Amount) &&
		a.RequestedCurrency == b.RequestedCurrency &&
		a.SettlementCurrency == b.SettlementCurrency &&
		a.ExchangeRate.Equal(b.ExchangeRate) &&
		a.RateMode == b.RateMode &&
		a.Note == b.Note &&
		a.Operator == b.Operator
}
