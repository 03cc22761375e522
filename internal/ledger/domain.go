package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RecordType enumerates the financial record kinds kept in the ledger.
type RecordType string

const (
	RecordPrepayDeposit    RecordType = "prepay-deposit"
	RecordPrepayUsage      RecordType = "prepay-usage"
	RecordPrepayWithdraw   RecordType = "prepay-withdraw"
	RecordPrepayRefund     RecordType = "prepay-refund"
	RecordPrepayRateAdjust RecordType = "prepay-rate-adjust"
	RecordPOPayment        RecordType = "po-payment"
	RecordLogisticsPayment RecordType = "logistics-payment"
	RecordDepositPayment   RecordType = "deposit-payment"
	RecordPurchaseOrder    RecordType = "purchase-order"
	RecordShipment         RecordType = "shipment"
)

var recordTags = map[RecordType]string{
	RecordPrepayDeposit:    "in",
	RecordPrepayUsage:      "out",
	RecordPrepayWithdraw:   "wd",
	RecordPrepayRefund:     "rf",
	RecordPrepayRateAdjust: "fx",
	RecordPOPayment:        "pay",
	RecordLogisticsPayment: "lgp",
	RecordDepositPayment:   "dep",
	RecordPurchaseOrder:    "po",
	RecordShipment:         "shp",
}

// Valid reports whether t is a known record type.
func (t RecordType) Valid() bool {
	_, ok := recordTags[t]
	return ok
}

// IsPrepayment reports whether the record belongs to a supplier prepayment account.
func (t RecordType) IsPrepayment() bool {
	return strings.HasPrefix(string(t), "prepay-")
}

// RateMode describes how the exchange rate of a record was obtained.
type RateMode string

const (
	RateModeAuto   RateMode = "auto"
	RateModeManual RateMode = "manual"
)

// Valid reports whether m is auto or manual.
func (m RateMode) Valid() bool {
	return m == RateModeAuto || m == RateModeManual
}

// EventType classifies ledger events.
type EventType string

const (
	EventCreate       EventType = "CREATE"
	EventUpdate       EventType = "UPDATE"
	EventDelete       EventType = "DELETE"
	EventRestore      EventType = "RESTORE"
	EventAmountChange EventType = "AMOUNT_CHANGE"
	EventRateChange   EventType = "RATE_CHANGE"
)

// FinancialRecord is the mutable projection of one financial record.
type FinancialRecord struct {
	ID                 int64           `json:"id"`
	RecordNo           string          `json:"recordNo"`
	RecordType         RecordType      `json:"recordType"`
	ScopeKey           string          `json:"scopeKey"`
	Date               time.Time       `json:"date"`
	Amount             decimal.Decimal `json:"amount"`
	RequestedCurrency  string          `json:"requestedCurrency"`
	SettlementCurrency string          `json:"settlementCurrency"`
	ExchangeRate       decimal.Decimal `json:"exchangeRate"`
	RateMode           RateMode        `json:"rateMode"`
	Note               string          `json:"note"`
	Operator           string          `json:"operator"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	DeletedAt          *time.Time      `json:"deletedAt,omitempty"`
	Version            int64           `json:"version"`
}

// Active reports whether the record has not been soft deleted.
func (r FinancialRecord) Active() bool {
	return r.DeletedAt == nil
}

// FieldChange is one field-level before/after pair. Nil means the value did not exist.
type FieldChange struct {
	Field string  `json:"field"`
	Old   *string `json:"old"`
	New   *string `json:"new"`
}

// LedgerEvent is an immutable entry of a record's event stream.
type LedgerEvent struct {
	ID        uuid.UUID     `json:"id"`
	RecordID  int64         `json:"recordId"`
	RecordNo  string        `json:"recordNo"`
	EventType EventType     `json:"eventType"`
	EventSeq  int64         `json:"eventSeq"`
	Changes   []FieldChange `json:"changes"`
	Note      string        `json:"note"`
	Operator  string        `json:"operator"`
	CreatedAt time.Time     `json:"createdAt"`
}

// RateSource tells where a resolved exchange rate came from.
type RateSource string

const (
	RateSourceManual  RateSource = "manual"
	RateSourceRecent  RateSource = "recent"
	RateSourceDefault RateSource = "default"
)

// Resolution is the outcome of resolving an exchange rate.
type Resolution struct {
	Rate   decimal.Decimal `json:"rate"`
	Source RateSource      `json:"source"`
}

// CreateInput carries the fields of a new financial record.
type CreateInput struct {
	RecordType         RecordType
	ScopeKey           string
	Date               time.Time
	Amount             decimal.Decimal
	RequestedCurrency  string
	SettlementCurrency string
	RateMode           RateMode
	ExchangeRate       *decimal.Decimal
	Note               string
	Operator           string
}

// Patch is a sparse update. Nil fields are left untouched.
type Patch struct {
	Date               *time.Time
	Amount             *decimal.Decimal
	RequestedCurrency  *string
	SettlementCurrency *string
	RateMode           *RateMode
	ExchangeRate       *decimal.Decimal
	Note               *string
	ExpectedVersion    *int64
	Operator           string
}

// DeleteResult is returned by SoftDelete.
type DeleteResult struct {
	RecordNo      string `json:"recordNo"`
	AffectedCount int64  `json:"affectedCount"`
}

// Terms are the contract terms agreed with a supplier scope.
type Terms struct {
	ScopeKey        string          `json:"scopeKey"`
	Currency        string          `json:"currency"`
	FloatPercent    decimal.Decimal `json:"floatPercent"`
	DepositPercent  decimal.Decimal `json:"depositPercent"`
	RequiresDeposit bool            `json:"requiresDeposit"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	Version         int64           `json:"version"`
}

// TermsEvent is an immutable entry of a scope's contract terms stream.
type TermsEvent struct {
	ID        uuid.UUID     `json:"id"`
	ScopeKey  string        `json:"scopeKey"`
	EventType EventType     `json:"eventType"`
	EventSeq  int64         `json:"eventSeq"`
	Changes   []FieldChange `json:"changes"`
	Note      string        `json:"note"`
	Operator  string        `json:"operator"`
	CreatedAt time.Time     `json:"createdAt"`
}

const dateLayout = "2006-01-02"

func truncateDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
