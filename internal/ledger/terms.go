package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	FieldTermsCurrency   = "currency"
	FieldFloatPercent    = "float_percent"
	FieldDepositPercent  = "deposit_percent"
	FieldRequiresDeposit = "requires_deposit"
)

var hundred = decimal.NewFromInt(100)

// TermsInput is a sparse change of a scope's contract terms.
type TermsInput struct {
	Currency        *string
	FloatPercent    *decimal.Decimal
	DepositPercent  *decimal.Decimal
	RequiresDeposit *bool
	ExpectedVersion *int64
	Note            string
	Operator        string
}

// SetTerms creates or changes the contract terms of a scope and appends one
// event to the scope's terms stream.
func (s *Service) SetTerms(ctx context.Context, scopeKey string, input TermsInput) (Terms, error) {
	scopeKey = strings.TrimSpace(scopeKey)
	operator := strings.TrimSpace(input.Operator)
	if scopeKey == "" {
		return Terms{}, fmt.Errorf("%w: scope key required", ErrValidation)
	}
	if operator == "" {
		return Terms{}, fmt.Errorf("%w: operator required", ErrValidation)
	}
	var saved Terms
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, found, err := tx.LockTerms(ctx, scopeKey)
		if err != nil {
			return err
		}
		if found && input.ExpectedVersion != nil && *input.ExpectedVersion != cur.Version {
			return ErrConcurrentModification
		}
		if !found {
			cur = Terms{ScopeKey: scopeKey, FloatPercent: decimal.Zero, DepositPercent: decimal.Zero}
		}
		next, err := applyTerms(cur, input)
		if err != nil {
			return err
		}
		if !found && next.Currency == "" {
			return fmt.Errorf("%w: currency required", ErrValidation)
		}
		now := s.timestamp()
		next.UpdatedAt = now
		evt := TermsEvent{
			ID:        uuid.New(),
			ScopeKey:  scopeKey,
			Note:      strings.TrimSpace(input.Note),
			Operator:  operator,
			CreatedAt: now,
		}
		if !found {
			next.Version = 1
			evt.EventType = EventCreate
			evt.EventSeq = 1
			evt.Changes = termsDiff(Terms{}, next, true)
			if err := tx.InsertTerms(ctx, next); err != nil {
				return err
			}
		} else {
			evt.Changes = termsDiff(cur, next, false)
			if len(evt.Changes) == 0 {
				return ErrNoChanges
			}
			next.Version = cur.Version + 1
			evt.EventType = EventUpdate
			if err := tx.UpdateTerms(ctx, next, cur.Version); err != nil {
				return err
			}
			maxSeq, err := tx.MaxTermsSeq(ctx, scopeKey)
			if err != nil {
				return err
			}
			evt.EventSeq = maxSeq + 1
		}
		if evt.Note == "" {
			evt.Note = fmt.Sprintf("terms %s by %s", strings.ToLower(string(evt.EventType)), operator)
		}
		if err := tx.AppendTermsEvent(ctx, evt); err != nil {
			return err
		}
		saved = next
		return nil
	})
	s.metrics.write("terms", err)
	if err != nil {
		return Terms{}, err
	}
	s.invalidate(ctx, scopeKey)
	return saved, nil
}

// GetTerms returns the current contract terms of a scope.
func (s *Service) GetTerms(ctx context.Context, scopeKey string) (Terms, error) {
	return s.repo.GetTerms(ctx, strings.TrimSpace(scopeKey))
}

func applyTerms(cur Terms, in TermsInput) (Terms, error) {
	next := cur
	if in.Currency != nil {
		code, err := NormalizeCurrency(*in.Currency)
		if err != nil {
			return next, err
		}
		next.Currency = code
	}
	if in.FloatPercent != nil {
		if err := checkPercent("float percent", *in.FloatPercent); err != nil {
			return next, err
		}
		next.FloatPercent = *in.FloatPercent
	}
	if in.DepositPercent != nil {
		if err := checkPercent("deposit percent", *in.DepositPercent); err != nil {
			return next, err
		}
		next.DepositPercent = *in.DepositPercent
	}
	if in.RequiresDeposit != nil {
		next.RequiresDeposit = *in.RequiresDeposit
	}
	if next.RequiresDeposit && !next.DepositPercent.IsPositive() {
		return next, fmt.Errorf("%w: deposit percent required when a deposit is required", ErrValidation)
	}
	return next, nil
}

func checkPercent(name string, v decimal.Decimal) error {
	if v.IsNegative() || v.GreaterThan(hundred) {
		return fmt.Errorf("%w: %s must be between 0 and 100", ErrValidation, name)
	}
	return checkScale(name, v, PercentScale)
}

// termsDiff lists changed terms fields; initial lists every field with a nil old value.
func termsDiff(before, after Terms, initial bool) []FieldChange {
	pairs := []struct {
		field    string
		old, new string
		same     bool
	}{
		{FieldTermsCurrency, before.Currency, after.Currency, before.Currency == after.Currency},
		{FieldFloatPercent, before.FloatPercent.String(), after.FloatPercent.String(), before.FloatPercent.Equal(after.FloatPercent)},
		{FieldDepositPercent, before.DepositPercent.String(), after.DepositPercent.String(), before.DepositPercent.Equal(after.DepositPercent)},
		{FieldRequiresDeposit, strconv.FormatBool(before.RequiresDeposit), strconv.FormatBool(after.RequiresDeposit), before.RequiresDeposit == after.RequiresDeposit},
	}
	var changes []FieldChange
	for _, p := range pairs {
		switch {
		case initial:
			changes = append(changes, FieldChange{Field: p.field, New: strPtr(p.new)})
		case !p.same:
			changes = append(changes, FieldChange{Field: p.field, Old: strPtr(p.old), New: strPtr(p.new)})
		}
	}
	return changes
}
