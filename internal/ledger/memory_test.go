package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// memoryRepo is an in-memory RepositoryPort. WithTx serialises writers and
// rolls back every map on error.
type memoryRepo struct {
	mu          sync.Mutex
	nextID      int64
	records     map[int64]FinancialRecord
	events      map[int64][]LedgerEvent
	terms       map[string]Terms
	termsEvents map[string][]TermsEvent

	// beforeInsert runs ahead of InsertRecord's uniqueness check.
	beforeInsert func(m *memoryRepo, rec FinancialRecord)
	// outside holds rows committed by simulated concurrent writers; rollbacks keep them.
	outside []FinancialRecord
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		records:     make(map[int64]FinancialRecord),
		events:      make(map[int64][]LedgerEvent),
		terms:       make(map[string]Terms),
		termsEvents: make(map[string][]TermsEvent),
	}
}

type memoryState struct {
	nextID      int64
	records     map[int64]FinancialRecord
	events      map[int64][]LedgerEvent
	terms       map[string]Terms
	termsEvents map[string][]TermsEvent
}

func (m *memoryRepo) save() memoryState {
	st := memoryState{
		nextID:      m.nextID,
		records:     make(map[int64]FinancialRecord, len(m.records)),
		events:      make(map[int64][]LedgerEvent, len(m.events)),
		terms:       make(map[string]Terms, len(m.terms)),
		termsEvents: make(map[string][]TermsEvent, len(m.termsEvents)),
	}
	for k, v := range m.records {
		st.records[k] = v
	}
	for k, v := range m.events {
		st.events[k] = append([]LedgerEvent(nil), v...)
	}
	for k, v := range m.terms {
		st.terms[k] = v
	}
	for k, v := range m.termsEvents {
		st.termsEvents[k] = append([]TermsEvent(nil), v...)
	}
	return st
}

func (m *memoryRepo) restore(st memoryState) {
	m.nextID = st.nextID
	m.records = st.records
	m.events = st.events
	m.terms = st.terms
	m.termsEvents = st.termsEvents
	for _, rec := range m.outside {
		m.store(rec)
	}
}

func (m *memoryRepo) store(rec FinancialRecord) {
	if rec.ID > m.nextID {
		m.nextID = rec.ID
	}
	m.records[rec.ID] = rec
	m.events[rec.ID] = []LedgerEvent{{RecordID: rec.ID, RecordNo: rec.RecordNo, EventType: EventCreate, EventSeq: 1, Changes: creationChanges(rec)}}
}

// commitOutside stores rec as if another transaction had committed it. The
// caller must hold mu.
func (m *memoryRepo) commitOutside(rec FinancialRecord) {
	rec.ID = m.nextID + 1
	if rec.Version == 0 {
		rec.Version = 1
	}
	m.store(rec)
	m.outside = append(m.outside, rec)
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.save()
	if err := fn(ctx, &memoryTx{m: m}); err != nil {
		m.restore(st)
		return err
	}
	return nil
}

// put stores rec and a CREATE event for it without going through the service.
func (m *memoryRepo) put(rec FinancialRecord) FinancialRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.nextID + 1
	if rec.Version == 0 {
		rec.Version = 1
	}
	m.store(rec)
	return rec
}

// tamper edits a projection in place, bypassing the event stream.
func (m *memoryRepo) tamper(id int64, fn func(*FinancialRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	fn(&rec)
	m.records[id] = rec
}

func (m *memoryRepo) eventsOf(id int64) []LedgerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LedgerEvent(nil), m.events[id]...)
}

func (m *memoryRepo) GetRecord(_ context.Context, id int64) (FinancialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return FinancialRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *memoryRepo) ListActiveByScope(_ context.Context, scopeKey string, asOf *time.Time) ([]FinancialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FinancialRecord
	for _, rec := range m.records {
		if !rec.Active() || rec.ScopeKey != scopeKey {
			continue
		}
		if asOf != nil && rec.Date.After(*asOf) {
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (m *memoryRepo) ListEvents(_ context.Context, recordID int64) ([]LedgerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LedgerEvent(nil), m.events[recordID]...), nil
}

func (m *memoryRepo) ListTermsEvents(_ context.Context, scopeKey string) ([]TermsEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TermsEvent(nil), m.termsEvents[scopeKey]...), nil
}

func (m *memoryRepo) GetTerms(_ context.Context, scopeKey string) (Terms, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	terms, ok := m.terms[scopeKey]
	if !ok {
		return Terms{}, ErrNotFound
	}
	return terms, nil
}

func (m *memoryRepo) ListRecordIDs(_ context.Context, afterID int64, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id := range m.records {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memoryRepo) LatestAutoRate(_ context.Context) (decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestAutoRate()
}

func (m *memoryRepo) latestAutoRate() (decimal.Decimal, bool, error) {
	var best *FinancialRecord
	for _, rec := range m.records {
		rec := rec
		if !rec.Active() || rec.RateMode != RateModeAuto || !rec.ExchangeRate.IsPositive() {
			continue
		}
		if best == nil || rec.Date.After(best.Date) || (rec.Date.Equal(best.Date) && rec.RecordNo > best.RecordNo) {
			best = &rec
		}
	}
	if best == nil {
		return decimal.Zero, false, nil
	}
	return best.ExchangeRate, true, nil
}

// memoryTx runs with memoryRepo.mu held.
type memoryTx struct {
	m *memoryRepo
}

func (t *memoryTx) LatestAutoRate(_ context.Context) (decimal.Decimal, bool, error) {
	return t.m.latestAutoRate()
}

func (t *memoryTx) LockSequencePrefix(context.Context, string) error { return nil }

func (t *memoryTx) HighestRecordNo(_ context.Context, recordType RecordType, prefix string) (string, bool, error) {
	best, bestTail := "", -1
	for _, rec := range t.m.records {
		if rec.RecordType != recordType || !strings.HasPrefix(rec.RecordNo, prefix) {
			continue
		}
		tail, err := sequenceTail(prefix, rec.RecordNo)
		if err != nil {
			continue
		}
		if tail > bestTail {
			best, bestTail = rec.RecordNo, tail
		}
	}
	return best, bestTail >= 0, nil
}

func (t *memoryTx) LockRecord(_ context.Context, id int64) (FinancialRecord, error) {
	rec, ok := t.m.records[id]
	if !ok {
		return FinancialRecord{}, ErrNotFound
	}
	return rec, nil
}

func (t *memoryTx) ActiveRecordByNo(_ context.Context, recordType RecordType, recordNo string) (FinancialRecord, error) {
	for _, rec := range t.m.records {
		if rec.RecordType == recordType && rec.RecordNo == recordNo && rec.Active() {
			return rec, nil
		}
	}
	return FinancialRecord{}, ErrNotFound
}

func (t *memoryTx) InsertRecord(_ context.Context, rec FinancialRecord) (int64, error) {
	if t.m.beforeInsert != nil {
		t.m.beforeInsert(t.m, rec)
	}
	for _, existing := range t.m.records {
		if existing.RecordType == rec.RecordType && existing.RecordNo == rec.RecordNo {
			return 0, ErrSequenceConflict
		}
	}
	t.m.nextID++
	rec.ID = t.m.nextID
	t.m.records[rec.ID] = rec
	return rec.ID, nil
}

func (t *memoryTx) UpdateRecord(_ context.Context, rec FinancialRecord, expectedVersion int64) error {
	cur, ok := t.m.records[rec.ID]
	if !ok || cur.Version != expectedVersion {
		return ErrConcurrentModification
	}
	t.m.records[rec.ID] = rec
	return nil
}

func (t *memoryTx) MaxEventSeq(_ context.Context, recordID int64) (int64, error) {
	var highest int64
	for _, evt := range t.m.events[recordID] {
		if evt.EventSeq > highest {
			highest = evt.EventSeq
		}
	}
	return highest, nil
}

func (t *memoryTx) AppendEvent(_ context.Context, evt LedgerEvent) error {
	for _, existing := range t.m.events[evt.RecordID] {
		if existing.EventSeq == evt.EventSeq {
			return ErrConcurrentModification
		}
	}
	evt.Changes = append([]FieldChange(nil), evt.Changes...)
	t.m.events[evt.RecordID] = append(t.m.events[evt.RecordID], evt)
	return nil
}

func (t *memoryTx) LockTerms(_ context.Context, scopeKey string) (Terms, bool, error) {
	terms, ok := t.m.terms[scopeKey]
	return terms, ok, nil
}

func (t *memoryTx) InsertTerms(_ context.Context, terms Terms) error {
	if _, ok := t.m.terms[terms.ScopeKey]; ok {
		return ErrConcurrentModification
	}
	t.m.terms[terms.ScopeKey] = terms
	return nil
}

func (t *memoryTx) UpdateTerms(_ context.Context, terms Terms, expectedVersion int64) error {
	cur, ok := t.m.terms[terms.ScopeKey]
	if !ok || cur.Version != expectedVersion {
		return ErrConcurrentModification
	}
	t.m.terms[terms.ScopeKey] = terms
	return nil
}

func (t *memoryTx) MaxTermsSeq(_ context.Context, scopeKey string) (int64, error) {
	var highest int64
	for _, evt := range t.m.termsEvents[scopeKey] {
		if evt.EventSeq > highest {
			highest = evt.EventSeq
		}
	}
	return highest, nil
}

func (t *memoryTx) AppendTermsEvent(_ context.Context, evt TermsEvent) error {
	for _, existing := range t.m.termsEvents[evt.ScopeKey] {
		if existing.EventSeq == evt.EventSeq {
			return ErrConcurrentModification
		}
	}
	t.m.termsEvents[evt.ScopeKey] = append(t.m.termsEvents[evt.ScopeKey], evt)
	return nil
}
