package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type createRequest struct {
	RecordType         string       `json:"recordType" validate:"required"`
	ScopeKey           string       `json:"scopeKey" validate:"required,max=64"`
	Date               string       `json:"date" validate:"required,datetime=2006-01-02"`
	Amount             json.Number  `json:"amount" validate:"required,numeric"`
	RequestedCurrency  string       `json:"requestedCurrency" validate:"required,len=3"`
	SettlementCurrency string       `json:"settlementCurrency" validate:"omitempty,len=3"`
	RateMode           string       `json:"rateMode" validate:"required,oneof=auto manual"`
	ExchangeRate       *json.Number `json:"exchangeRate" validate:"omitempty,numeric"`
	Note               string       `json:"note" validate:"max=1000"`
}

func (req createRequest) toInput(operator string) (CreateInput, error) {
	date, err := parseDate(req.Date)
	if err != nil {
		return CreateInput{}, err
	}
	amount, err := parseDecimal("amount", req.Amount)
	if err != nil {
		return CreateInput{}, err
	}
	rate, err := parseOptionalDecimal("exchangeRate", req.ExchangeRate)
	if err != nil {
		return CreateInput{}, err
	}
	return CreateInput{
		RecordType:         RecordType(req.RecordType),
		ScopeKey:           req.ScopeKey,
		Date:               date,
		Amount:             amount,
		RequestedCurrency:  req.RequestedCurrency,
		SettlementCurrency: req.SettlementCurrency,
		RateMode:           RateMode(req.RateMode),
		ExchangeRate:       rate,
		Note:               req.Note,
		Operator:           operator,
	}, nil
}

// fingerprint hashes the decoded request so a reused idempotency key can be
// told apart from a retry of the same create.
func (req createRequest) fingerprint() string {
	raw, _ := json.Marshal(req)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

type createResponse struct {
	ID           int64           `json:"id"`
	RecordNo     string          `json:"recordNo"`
	Amount       decimal.Decimal `json:"amount"`
	ExchangeRate decimal.Decimal `json:"exchangeRate"`
	RateSource   RateSource      `json:"rateSource,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func newCreateResponse(rec FinancialRecord, source RateSource) createResponse {
	return createResponse{
		ID:           rec.ID,
		RecordNo:     rec.RecordNo,
		Amount:       rec.Amount,
		ExchangeRate: rec.ExchangeRate,
		RateSource:   source,
		Version:      rec.Version,
		CreatedAt:    rec.CreatedAt,
	}
}

type patchRequest struct {
	Date               *string      `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Amount             *json.Number `json:"amount" validate:"omitempty,numeric"`
	RequestedCurrency  *string      `json:"requestedCurrency" validate:"omitempty,len=3"`
	SettlementCurrency *string      `json:"settlementCurrency" validate:"omitempty,len=3"`
	RateMode           *string      `json:"rateMode" validate:"omitempty,oneof=auto manual"`
	ExchangeRate       *json.Number `json:"exchangeRate" validate:"omitempty,numeric"`
	Note               *string      `json:"note" validate:"omitempty,max=1000"`
	ExpectedVersion    *int64       `json:"expectedVersion" validate:"omitempty,min=1"`
}

func (req patchRequest) toPatch(operator string) (Patch, error) {
	patch := Patch{
		RequestedCurrency:  req.RequestedCurrency,
		SettlementCurrency: req.SettlementCurrency,
		Note:               req.Note,
		ExpectedVersion:    req.ExpectedVersion,
		Operator:           operator,
	}
	if req.Date != nil {
		d, err := parseDate(*req.Date)
		if err != nil {
			return Patch{}, err
		}
		patch.Date = &d
	}
	var err error
	if patch.Amount, err = parseOptionalDecimal("amount", req.Amount); err != nil {
		return Patch{}, err
	}
	if patch.ExchangeRate, err = parseOptionalDecimal("exchangeRate", req.ExchangeRate); err != nil {
		return Patch{}, err
	}
	if req.RateMode != nil {
		mode := RateMode(*req.RateMode)
		patch.RateMode = &mode
	}
	return patch, nil
}

type deleteRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type restoreRequest struct {
	Note string `json:"note" validate:"max=500"`
}

type termsRequest struct {
	Currency        *string      `json:"currency" validate:"omitempty,len=3"`
	FloatPercent    *json.Number `json:"floatPercent" validate:"omitempty,numeric"`
	DepositPercent  *json.Number `json:"depositPercent" validate:"omitempty,numeric"`
	RequiresDeposit *bool        `json:"requiresDeposit"`
	ExpectedVersion *int64       `json:"expectedVersion" validate:"omitempty,min=1"`
	Note            string       `json:"note" validate:"max=500"`
}

func (req termsRequest) toInput(operator string) (TermsInput, error) {
	in := TermsInput{
		Currency:        req.Currency,
		RequiresDeposit: req.RequiresDeposit,
		ExpectedVersion: req.ExpectedVersion,
		Note:            req.Note,
		Operator:        operator,
	}
	var err error
	if in.FloatPercent, err = parseOptionalDecimal("floatPercent", req.FloatPercent); err != nil {
		return TermsInput{}, err
	}
	if in.DepositPercent, err = parseOptionalDecimal("depositPercent", req.DepositPercent); err != nil {
		return TermsInput{}, err
	}
	return in, nil
}

func parseDate(raw string) (time.Time, error) {
	d, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrValidation)
	}
	return d, nil
}

func parseOptionalDate(name, raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be YYYY-MM-DD", ErrValidation, name)
	}
	return &d, nil
}

func parseDecimal(name string, raw json.Number) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s is not a number", ErrValidation, name)
	}
	return d, nil
}

func parseOptionalDecimal(name string, raw *json.Number) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := parseDecimal(name, *raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// validationError flattens validator errors into one ErrValidation.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}
