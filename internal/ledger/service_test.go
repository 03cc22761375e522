package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func day(s string) time.Time {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

// stepClock advances one second per call so events get distinct timestamps.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type countingCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (c *countingCache) Fetch(ctx context.Context, _ BalanceQuery, load func(context.Context) (Balance, error)) (Balance, error) {
	return load(ctx)
}

func (c *countingCache) Invalidate(_ context.Context, scopeKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, scopeKey)
	return nil
}

func newTestService(t *testing.T) (*Service, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	clock := &stepClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
	svc := NewService(repo, NewRateResolver(decimal.NewFromInt(1)), ServiceConfig{
		SettlementCurrency: "CNY",
		Now:                clock.Now,
	})
	return svc, repo
}

func depositInput() CreateInput {
	return CreateInput{
		RecordType:        RecordPrepayDeposit,
		ScopeKey:          "SUP01",
		Date:              day("2026-01-01"),
		Amount:            dec("1000"),
		RequestedCurrency: "USD",
		RateMode:          RateModeManual,
		ExchangeRate:      decPtr("7.0"),
		Note:              "initial deposit",
		Operator:          "alice",
	}
}

func endingBalance(t *testing.T, svc *Service, scope string) decimal.Decimal {
	t.Helper()
	bal, err := svc.ComputeBalance(context.Background(), BalanceQuery{ScopeKey: scope})
	require.NoError(t, err)
	return bal.EndingBalance
}

func TestCreatePrepayDeposit(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, depositInput())
	require.NoError(t, err)
	rec := res.Record
	assert.Equal(t, "SUP01_20260101_in_01", rec.RecordNo)
	assert.Equal(t, RateSourceManual, res.RateSource)
	assert.Equal(t, "CNY", rec.SettlementCurrency)
	assert.Equal(t, int64(1), rec.Version)

	events := repo.eventsOf(rec.ID)
	require.Len(t, events, 1)
	assert.Equal(t, EventCreate, events[0].EventType)
	assert.Equal(t, int64(1), events[0].EventSeq)
	for _, c := range events[0].Changes {
		assert.Nil(t, c.Old, c.Field)
		assert.NotNil(t, c.New, c.Field)
	}

	assert.True(t, dec("7000").Equal(endingBalance(t, svc, "SUP01")))
}

func TestUpdateAmountAppendsAmountChange(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	res, err := svc.Create(ctx, depositInput())
	require.NoError(t, err)

	updated, err := svc.Update(ctx, res.Record.ID, Patch{Amount: decPtr("1500"), Operator: "bob"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "alice", updated.Operator)

	events := repo.eventsOf(res.Record.ID)
	require.Len(t, events, 2)
	evt := events[1]
	assert.Equal(t, EventAmountChange, evt.EventType)
	assert.Equal(t, int64(2), evt.EventSeq)
	assert.Equal(t, []FieldChange{{Field: FieldAmount, Old: strPtr("1000"), New: strPtr("1500")}}, evt.Changes)
	assert.Equal(t, "amount change by bob", evt.Note)
	assert.Equal(t, "bob", evt.Operator)

	assert.True(t, dec("10500").Equal(endingBalance(t, svc, "SUP01")))
}

func TestDeleteThenRestore(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	res, err := svc.Create(ctx, depositInput())
	require.NoError(t, err)
	id := res.Record.ID
	_, err = svc.Update(ctx, id, Patch{Amount: decPtr("1500"), Operator: "bob"})
	require.NoError(t, err)
	before := endingBalance(t, svc, "SUP01")
	original, err := svc.Get(ctx, id)
	require.NoError(t, err)

	del, err := svc.SoftDelete(ctx, id, DeleteInput{Reason: "duplicate", Operator: "carol"})
	require.NoError(t, err)
	assert.Equal(t, DeleteResult{RecordNo: original.RecordNo, AffectedCount: 1}, del)
	assert.True(t, decimal.Zero.Equal(endingBalance(t, svc, "SUP01")))

	_, err = svc.SoftDelete(ctx, id, DeleteInput{Reason: "again", Operator: "carol"})
	require.ErrorIs(t, err, ErrAlreadyDeleted)
	_, err = svc.Update(ctx, id, Patch{Amount: decPtr("1"), Operator: "carol"})
	require.ErrorIs(t, err, ErrNotFound)

	restored, err := svc.Restore(ctx, id, RestoreInput{Operator: "dave", Note: "was valid"})
	require.NoError(t, err)
	assert.Nil(t, restored.DeletedAt)
	assert.Equal(t, int64(4), restored.Version)
	assert.True(t, original.Amount.Equal(restored.Amount))
	assert.True(t, original.ExchangeRate.Equal(restored.ExchangeRate))
	assert.Equal(t, original.RequestedCurrency, restored.RequestedCurrency)
	assert.Equal(t, original.SettlementCurrency, restored.SettlementCurrency)
	assert.True(t, before.Equal(endingBalance(t, svc, "SUP01")))

	_, err = svc.Restore(ctx, id, RestoreInput{Operator: "dave"})
	require.ErrorIs(t, err, ErrNotDeleted)

	events := repo.eventsOf(id)
	require.Len(t, events, 4)
	assert.Equal(t, EventDelete, events[2].EventType)
	assert.Equal(t, int64(3), events[2].EventSeq)
	assert.Contains(t, events[2].Note, "deleted by carol")
	assert.Contains(t, events[2].Note, "duplicate")
	assert.Equal(t, EventRestore, events[3].EventType)
	assert.Equal(t, int64(4), events[3].EventSeq)
	assert.Equal(t, "restored by dave on 2026-01-01: was valid", events[3].Note)
}

func TestCreateRetriesSequenceConflictOnce(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	// A competing writer commits the same number between allocation and insert.
	raced := false
	repo.beforeInsert = func(m *memoryRepo, rec FinancialRecord) {
		if raced {
			return
		}
		raced = true
		competitor := rec
		competitor.Operator = "other"
		m.commitOutside(competitor)
	}

	res, err := svc.Create(ctx, depositInput())
	require.NoError(t, err)
	assert.True(t, raced)
	assert.Equal(t, "SUP01_20260101_in_02", res.Record.RecordNo)
}

func TestCreateSequenceConflictTwiceFails(t *testing.T) {
	svc, repo := newTestService(t)
	repo.beforeInsert = func(m *memoryRepo, rec FinancialRecord) {
		m.commitOutside(rec)
	}
	_, err := svc.Create(context.Background(), depositInput())
	require.ErrorIs(t, err, ErrSequenceConflict)
	assert.Equal(t, KindSequenceConflict, KindOf(err))
}

func TestConcurrentCreatesGetDistinctNumbers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const writers = 8
	numbers := make(chan string, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Create(ctx, depositInput())
			if err != nil {
				t.Error(err)
				return
			}
			numbers <- res.Record.RecordNo
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]bool)
	for n := range numbers {
		assert.False(t, seen[n], n)
		seen[n] = true
	}
	assert.Len(t, seen, writers)
	assert.True(t, seen["SUP01_20260101_in_01"])
	assert.True(t, seen["SUP01_20260101_in_08"])
}

func TestSequenceSkipsDeletedNumbers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	first, err := svc.Create(ctx, depositInput())
	require.NoError(t, err)
	_, err = svc.SoftDelete(ctx, first.Record.ID, DeleteInput{Reason: "typo", Operator: "alice"})
	require.NoError(t, err)

	second, err := svc.Create(ctx, depositInput())
	require.NoError(t, err)
	assert.Equal(t, "SUP01_20260101_in_02", second.Record.RecordNo)
}

func TestResolveAutoWithoutHistoryUsesDefault(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	res, err := svc.ResolveRate(ctx, RateModeAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, RateSourceDefault, res.Source)
	assert.True(t, decimal.NewFromInt(1).Equal(res.Rate))

	repo.put(FinancialRecord{RecordNo: "SUP01_20260101_in_01", RecordType: RecordPrepayDeposit, ScopeKey: "SUP01", Date: day("2026-01-01"), RateMode: RateModeAuto, ExchangeRate: dec("7.1")})
	repo.put(FinancialRecord{RecordNo: "SUP02_20260105_in_01", RecordType: RecordPrepayDeposit, ScopeKey: "SUP02", Date: day("2026-01-05"), RateMode: RateModeAuto, ExchangeRate: dec("7.3")})
	repo.put(FinancialRecord{RecordNo: "SUP03_20260109_in_01", RecordType: RecordPrepayDeposit, ScopeKey: "SUP03", Date: day("2026-01-09"), RateMode: RateModeManual, ExchangeRate: dec("9")})

	res, err = svc.ResolveRate(ctx, RateModeAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, RateSourceRecent, res.Source)
	assert.True(t, dec("7.3").Equal(res.Rate))
}

func TestCreateAutoUsesRecentRate(t *testing.T) {
	svc, repo := newTestService(t)
	repo.put(FinancialRecord{RecordNo: "SUP09_20251201_in_01", RecordType: RecordPrepayDeposit, ScopeKey: "SUP09", Date: day("2025-12-01"), RateMode: RateModeAuto, ExchangeRate: dec("7.2")})

	in := depositInput()
	in.RateMode = RateModeAuto
	in.ExchangeRate = nil
	res, err := svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, RateSourceRecent, res.RateSource)
	assert.True(t, dec("7.2").Equal(res.Record.ExchangeRate))
}

func TestCreateValidation(t *testing.T) {
	cases := map[string]struct {
		mutate func(*CreateInput)
		err    error
	}{
		"unknown type":         {func(in *CreateInput) { in.RecordType = "loan" }, ErrValidation},
		"blank scope":          {func(in *CreateInput) { in.ScopeKey = "  " }, ErrValidation},
		"zero date":            {func(in *CreateInput) { in.Date = time.Time{} }, ErrValidation},
		"zero amount":          {func(in *CreateInput) { in.Amount = decimal.Zero }, ErrValidation},
		"negative amount":      {func(in *CreateInput) { in.Amount = dec("-5") }, ErrValidation},
		"unknown currency":     {func(in *CreateInput) { in.RequestedCurrency = "ABC" }, ErrValidation},
		"prepay without note":  {func(in *CreateInput) { in.Note = "" }, ErrValidation},
		"missing operator":     {func(in *CreateInput) { in.Operator = "" }, ErrValidation},
		"bad rate mode":        {func(in *CreateInput) { in.RateMode = "fixed" }, ErrValidation},
		"manual without rate":  {func(in *CreateInput) { in.ExchangeRate = nil }, ErrInvalidRate},
		"manual non-positive":  {func(in *CreateInput) { in.ExchangeRate = decPtr("0") }, ErrInvalidRate},
		"manual negative rate": {func(in *CreateInput) { in.ExchangeRate = decPtr("-7") }, ErrInvalidRate},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc, repo := newTestService(t)
			in := depositInput()
			tc.mutate(&in)
			_, err := svc.Create(context.Background(), in)
			require.ErrorIs(t, err, tc.err)
			assert.Empty(t, repo.records)
			assert.Empty(t, repo.events)
		})
	}
}

func TestRateAdjustAllowsNegativeAmount(t *testing.T) {
	svc, _ := newTestService(t)
	in := depositInput()
	in.RecordType = RecordPrepayRateAdjust
	in.Amount = dec("-120.50")
	in.Note = "month end revaluation"
	res, err := svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "SUP01_20260101_fx_01", res.Record.RecordNo)
}

func TestPaymentsRequireActiveParent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	po, err := svc.Create(ctx, CreateInput{
		RecordType:        RecordPurchaseOrder,
		ScopeKey:          "ACME",
		Date:              day("2026-02-01"),
		Amount:            dec("500"),
		RequestedCurrency: "CNY",
		RateMode:          RateModeAuto,
		Operator:          "alice",
	})
	require.NoError(t, err)

	payment := CreateInput{
		RecordType:        RecordPOPayment,
		ScopeKey:          po.Record.RecordNo,
		Date:              day("2026-02-03"),
		Amount:            dec("200"),
		RequestedCurrency: "CNY",
		RateMode:          RateModeAuto,
		Operator:          "alice",
	}
	_, err = svc.Create(ctx, payment)
	require.NoError(t, err)

	payment.RecordType = RecordLogisticsPayment
	_, err = svc.Create(ctx, payment)
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.SoftDelete(ctx, po.Record.ID, DeleteInput{Reason: "cancelled", Operator: "alice"})
	require.NoError(t, err)
	payment.RecordType = RecordDepositPayment
	_, err = svc.Create(ctx, payment)
	require.ErrorIs(t, err, ErrValidation)
}

func TestUpdateRejectsNoopAndStaleVersion(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	res, err := svc.Create(ctx, depositInput())
	require.NoError(t, err)
	id := res.Record.ID

	_, err = svc.Update(ctx, id, Patch{Amount: decPtr("1000.00"), Operator: "bob"})
	require.ErrorIs(t, err, ErrNoChanges)

	stale := int64(5)
	_, err = svc.Update(ctx, id, Patch{Amount: decPtr("2000"), ExpectedVersion: &stale, Operator: "bob"})
	require.ErrorIs(t, err, ErrConcurrentModification)

	_, err = svc.Update(ctx, id, Patch{Amount: decPtr("2000")})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Update(ctx, 999, Patch{Amount: decPtr("2000"), Operator: "bob"})
	require.ErrorIs(t, err, ErrNotFound)

	current := int64(1)
	_, err = svc.Update(ctx, id, Patch{Amount: decPtr("2000"), ExpectedVersion: &current, Operator: "bob"})
	require.NoError(t, err)
	assert.Len(t, repo.eventsOf(id), 2)
}

func TestUpdateRateAndNote(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	res, err := svc.Create(ctx, depositInput())
	require.NoError(t, err)
	id := res.Record.ID

	rec, err := svc.Update(ctx, id, Patch{ExchangeRate: decPtr("7.2"), Operator: "bob"})
	require.NoError(t, err)
	assert.True(t, dec("7.2").Equal(rec.ExchangeRate))
	assert.Equal(t, RateModeManual, rec.RateMode)

	auto := RateModeAuto
	_, err = svc.Update(ctx, id, Patch{RateMode: &auto, ExchangeRate: decPtr("9"), Operator: "bob"})
	require.ErrorIs(t, err, ErrValidation, "a supplied rate is never dropped silently")
	kept, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RateModeManual, kept.RateMode)
	assert.True(t, dec("7.2").Equal(kept.ExchangeRate))

	rec, err = svc.Update(ctx, id, Patch{RateMode: &auto, Operator: "bob"})
	require.NoError(t, err)
	assert.Equal(t, RateModeAuto, rec.RateMode)
	assert.True(t, decimal.NewFromInt(1).Equal(rec.ExchangeRate), "no other auto rows, falls back to default")

	_, err = svc.Update(ctx, id, Patch{RateMode: &auto, ExchangeRate: decPtr("7.5"), Operator: "bob"})
	require.ErrorIs(t, err, ErrValidation)

	note := "top-up for Q1"
	rec, err = svc.Update(ctx, id, Patch{Note: &note, Operator: "bob"})
	require.NoError(t, err)
	assert.Equal(t, note, rec.Note)

	empty := " "
	_, err = svc.Update(ctx, id, Patch{Note: &empty, Operator: "bob"})
	require.ErrorIs(t, err, ErrValidation)

	events := repo.eventsOf(id)
	require.Len(t, events, 4)
	assert.Equal(t, EventRateChange, events[1].EventType)
	assert.Equal(t, EventRateChange, events[2].EventType)
	assert.Equal(t, EventUpdate, events[3].EventType)
	assert.Equal(t, note, events[3].Note)
}

func TestEventsAreNeverRewritten(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	res, err := svc.Create(ctx, depositInput())
	require.NoError(t, err)
	id := res.Record.ID
	_, err = svc.Update(ctx, id, Patch{Amount: decPtr("1200"), Operator: "bob"})
	require.NoError(t, err)
	snapshot := repo.eventsOf(id)

	_, err = svc.Update(ctx, id, Patch{ExchangeRate: decPtr("6.9"), Operator: "bob"})
	require.NoError(t, err)
	_, err = svc.SoftDelete(ctx, id, DeleteInput{Reason: "x", Operator: "bob"})
	require.NoError(t, err)
	_, err = svc.Restore(ctx, id, RestoreInput{Operator: "bob"})
	require.NoError(t, err)
	_, err = svc.Update(ctx, id, Patch{Amount: decPtr("1200"), Operator: "bob"})
	require.ErrorIs(t, err, ErrNoChanges)

	after := repo.eventsOf(id)
	require.Len(t, after, len(snapshot)+3)
	assert.Equal(t, snapshot, after[:len(snapshot)])
}

func TestStreamsStayContiguousAndReplayable(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	res, err := svc.Create(ctx, depositInput())
	require.NoError(t, err)
	id := res.Record.ID

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Update(ctx, id, Patch{Amount: decPtr(decimal.NewFromInt(int64(1000 + i)).String()), Operator: "bob"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	_, err = svc.SoftDelete(ctx, id, DeleteInput{Reason: "x", Operator: "bob"})
	require.NoError(t, err)
	_, err = svc.Restore(ctx, id, RestoreInput{Operator: "bob"})
	require.NoError(t, err)

	events := repo.eventsOf(id)
	require.Len(t, events, 13)
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.EventSeq)
	}
	rec, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, CheckStream(rec, events))

	replayed, err := Replay(events)
	require.NoError(t, err)
	assert.True(t, SameState(replayed, rec))
	assert.Equal(t, rec.Version, replayed.Version)
}

func TestWritesInvalidateBalanceCache(t *testing.T) {
	repo := newMemoryRepo()
	cache := &countingCache{}
	svc := NewService(repo, NewRateResolver(decimal.NewFromInt(1)), ServiceConfig{SettlementCurrency: "CNY", Cache: cache})
	ctx := context.Background()

	res, err := svc.Create(ctx, depositInput())
	require.NoError(t, err)
	_, err = svc.Update(ctx, res.Record.ID, Patch{Amount: decPtr("10"), Operator: "bob"})
	require.NoError(t, err)
	_, err = svc.Update(ctx, res.Record.ID, Patch{Amount: decPtr("10"), Operator: "bob"})
	require.ErrorIs(t, err, ErrNoChanges)

	assert.Equal(t, []string{"SUP01", "SUP01"}, cache.invalidated)
}

func TestWritesRejectScaleBeyondStoredColumns(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	in := depositInput()
	in.Amount = dec("1000.123456")
	_, err := svc.Create(ctx, in)
	require.ErrorIs(t, err, ErrValidation)

	in = depositInput()
	in.ExchangeRate = decPtr("7.123456789")
	_, err = svc.Create(ctx, in)
	require.ErrorIs(t, err, ErrInvalidRate)
	assert.Equal(t, KindInvalidRate, KindOf(err))

	in = depositInput()
	in.Amount = dec("1000.12340")
	in.ExchangeRate = decPtr("7.12345678")
	res, err := svc.Create(ctx, in)
	require.NoError(t, err)
	id := res.Record.ID

	_, err = svc.Update(ctx, id, Patch{Amount: decPtr("5.00001"), Operator: "bob"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.Update(ctx, id, Patch{ExchangeRate: decPtr("0.000000001"), Operator: "bob"})
	require.ErrorIs(t, err, ErrInvalidRate)

	// The projection as NUMERIC(20,4)/NUMERIC(20,8) columns hold it still replays cleanly.
	rec, err := svc.Get(ctx, id)
	require.NoError(t, err)
	rec.Amount = rec.Amount.Round(AmountScale)
	rec.ExchangeRate = rec.ExchangeRate.Round(RateScale)
	assert.Nil(t, CheckStream(rec, repo.eventsOf(id)))
}
