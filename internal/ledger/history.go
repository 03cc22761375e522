package ledger

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// HistoryEntry renders one event of a stream.
type HistoryEntry struct {
	Seq       int64         `json:"seq"`
	Date      time.Time     `json:"date"`
	Operator  string        `json:"operator"`
	Note      string        `json:"note"`
	IsInitial bool          `json:"isInitial"`
	EventType EventType     `json:"eventType"`
	Changes   []FieldChange `json:"changes"`
}

// History is the three column audit view of a record.
//
// Rate carries exchange rate, rate mode and currency changes. Amount is the
// record details column: amount, date, note and deleted_at changes land there,
// so a note-only edit appears in Amount with EventType UPDATE rather than
// AMOUNT_CHANGE. Terms is the scope's contract terms stream.
type History struct {
	RecordID int64          `json:"recordId"`
	RecordNo string         `json:"recordNo"`
	Terms    []HistoryEntry `json:"terms"`
	Rate     []HistoryEntry `json:"rate"`
	Amount   []HistoryEntry `json:"amount"`
}

var rateFields = map[string]bool{
	FieldExchangeRate:       true,
	FieldRateMode:           true,
	FieldRequestedCurrency:  true,
	FieldSettlementCurrency: true,
}

var amountFields = map[string]bool{
	FieldAmount:    true,
	FieldDate:      true,
	FieldNote:      true,
	FieldDeletedAt: true,
}

// AssembleHistory loads a record's stream, and the contract terms stream of its
// scope for prepayments, and splits them into the terms, rate and amount columns.
// Each column keeps its own seq order.
func (s *Service) AssembleHistory(ctx context.Context, recordID int64) (History, error) {
	rec, err := s.repo.GetRecord(ctx, recordID)
	if err != nil {
		return History{}, err
	}
	var (
		events      []LedgerEvent
		termsEvents []TermsEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		events, err = s.repo.ListEvents(gctx, recordID)
		if err != nil {
			return fmt.Errorf("ledger: list events of %d: %w", recordID, err)
		}
		return nil
	})
	if rec.RecordType.IsPrepayment() {
		g.Go(func() error {
			var err error
			termsEvents, err = s.repo.ListTermsEvents(gctx, rec.ScopeKey)
			if err != nil {
				return fmt.Errorf("ledger: list terms events of %s: %w", rec.ScopeKey, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return History{}, err
	}

	h := History{
		RecordID: rec.ID,
		RecordNo: rec.RecordNo,
		Terms:    make([]HistoryEntry, 0, len(termsEvents)),
		Rate:     []HistoryEntry{},
		Amount:   []HistoryEntry{},
	}
	for _, evt := range termsEvents {
		h.Terms = append(h.Terms, HistoryEntry{
			Seq:       evt.EventSeq,
			Date:      evt.CreatedAt,
			Operator:  evt.Operator,
			Note:      evt.Note,
			IsInitial: evt.EventSeq == 1,
			EventType: evt.EventType,
			Changes:   evt.Changes,
		})
	}
	for _, evt := range events {
		if changes := pickChanges(evt, rateFields); len(changes) > 0 {
			h.Rate = append(h.Rate, entryOf(evt, changes))
		}
		if changes := pickChanges(evt, amountFields); len(changes) > 0 {
			h.Amount = append(h.Amount, entryOf(evt, changes))
		}
	}
	return h, nil
}

// pickChanges keeps the changes of evt touching fields. Lifecycle snapshots only
// contribute the fields that actually moved, plus amount on the amount column.
func pickChanges(evt LedgerEvent, fields map[string]bool) []FieldChange {
	lifecycle := evt.EventType == EventDelete || evt.EventType == EventRestore
	var out []FieldChange
	for _, c := range evt.Changes {
		if !fields[c.Field] {
			continue
		}
		if lifecycle && c.Field != FieldDeletedAt && c.Field != FieldAmount {
			continue
		}
		out = append(out, c)
	}
	return out
}

func entryOf(evt LedgerEvent, changes []FieldChange) HistoryEntry {
	return HistoryEntry{
		Seq:       evt.EventSeq,
		Date:      evt.CreatedAt,
		Operator:  evt.Operator,
		Note:      evt.Note,
		IsInitial: evt.EventSeq == 1,
		EventType: evt.EventType,
		Changes:   changes,
	}
}
