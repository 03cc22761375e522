package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRecords(t *testing.T, svc *Service, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		res, err := svc.Create(context.Background(), depositInput())
		require.NoError(t, err)
		ids = append(ids, res.Record.ID)
	}
	return ids
}

func TestVerifyCleanLedger(t *testing.T) {
	svc, _ := newTestService(t)
	ids := seedRecords(t, svc, 3)
	_, err := svc.Update(context.Background(), ids[0], Patch{Amount: decPtr("10"), Operator: "bob"})
	require.NoError(t, err)
	_, err = svc.SoftDelete(context.Background(), ids[1], DeleteInput{Reason: "dup", Operator: "bob"})
	require.NoError(t, err)

	report, err := svc.Verify(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.True(t, report.Clean())
	assert.Empty(t, report.Anomalies)
}

func TestVerifyReportsAnomalies(t *testing.T) {
	svc, repo := newTestService(t)
	ids := seedRecords(t, svc, 4)

	repo.tamper(ids[0], func(r *FinancialRecord) { r.Amount = dec("999") })
	repo.tamper(ids[1], func(r *FinancialRecord) { r.Version = 5 })
	repo.mu.Lock()
	delete(repo.events, ids[2])
	repo.events[ids[3]][0].EventSeq = 2
	repo.mu.Unlock()

	report, err := svc.Verify(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Checked)
	require.Len(t, report.Anomalies, 4)

	kinds := map[int64]AnomalyKind{}
	for _, a := range report.Anomalies {
		kinds[a.RecordID] = a.Kind
		assert.NotEmpty(t, a.RecordNo)
		assert.NotEmpty(t, a.Detail)
	}
	assert.Equal(t, AnomalyProjectionDrift, kinds[ids[0]])
	assert.Equal(t, AnomalyVersionMismatch, kinds[ids[1]])
	assert.Equal(t, AnomalyMissingEvents, kinds[ids[2]])
	assert.Equal(t, AnomalyBrokenSequence, kinds[ids[3]])
}

func TestCheckStream(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	res, err := svc.Create(ctx, depositInput())
	require.NoError(t, err)
	rec, err := svc.Update(ctx, res.Record.ID, Patch{Note: strp("topped up"), Operator: "bob"})
	require.NoError(t, err)
	events := repo.eventsOf(rec.ID)

	assert.Nil(t, CheckStream(rec, events))

	first := events[0]
	first.EventType = EventUpdate
	a := CheckStream(rec, append([]LedgerEvent{first}, events[1:]...))
	require.NotNil(t, a)
	assert.Equal(t, AnomalyBrokenSequence, a.Kind)

	a = CheckStream(rec, events[:1])
	require.NotNil(t, a)
	assert.Equal(t, AnomalyProjectionDrift, a.Kind)
}

func TestVerifyHonoursCancellation(t *testing.T) {
	svc, _ := newTestService(t)
	seedRecords(t, svc, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Verify(ctx, 10)
	require.ErrorIs(t, err, context.Canceled)
}
