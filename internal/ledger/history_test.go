package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fields(changes []FieldChange) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Field)
	}
	return out
}

func TestAssembleHistorySplitsColumns(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	usd := "USD"
	_, err := svc.SetTerms(ctx, "SUP01", TermsInput{Currency: &usd, FloatPercent: decPtr("2.5"), Operator: "alice"})
	require.NoError(t, err)

	res, err := svc.Create(ctx, depositInput())
	require.NoError(t, err)
	id := res.Record.ID
	_, err = svc.Update(ctx, id, Patch{ExchangeRate: decPtr("7.2"), Operator: "bob"})
	require.NoError(t, err)
	_, err = svc.Update(ctx, id, Patch{Amount: decPtr("1500"), Operator: "bob"})
	require.NoError(t, err)
	_, err = svc.SoftDelete(ctx, id, DeleteInput{Reason: "wrong supplier", Operator: "carol"})
	require.NoError(t, err)
	_, err = svc.Restore(ctx, id, RestoreInput{Operator: "carol"})
	require.NoError(t, err)

	_, err = svc.SetTerms(ctx, "SUP01", TermsInput{DepositPercent: decPtr("30"), RequiresDeposit: boolPtr(true), Operator: "alice"})
	require.NoError(t, err)

	h, err := svc.AssembleHistory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, res.Record.RecordNo, h.RecordNo)

	require.Len(t, h.Terms, 2)
	assert.True(t, h.Terms[0].IsInitial)
	assert.Equal(t, EventCreate, h.Terms[0].EventType)
	assert.Equal(t, []string{FieldDepositPercent, FieldRequiresDeposit}, fields(h.Terms[1].Changes))

	require.Len(t, h.Rate, 2)
	assert.True(t, h.Rate[0].IsInitial)
	assert.Equal(t, []string{FieldRequestedCurrency, FieldSettlementCurrency, FieldExchangeRate, FieldRateMode}, fields(h.Rate[0].Changes))
	assert.Equal(t, int64(2), h.Rate[1].Seq)
	assert.Equal(t, []string{FieldExchangeRate}, fields(h.Rate[1].Changes))
	assert.Equal(t, "bob", h.Rate[1].Operator)

	require.Len(t, h.Amount, 4)
	assert.Equal(t, []int64{1, 3, 4, 5}, []int64{h.Amount[0].Seq, h.Amount[1].Seq, h.Amount[2].Seq, h.Amount[3].Seq})
	assert.Equal(t, []string{FieldDate, FieldAmount, FieldNote}, fields(h.Amount[0].Changes))
	assert.Equal(t, []string{FieldAmount}, fields(h.Amount[1].Changes))
	assert.Equal(t, EventDelete, h.Amount[2].EventType)
	assert.Equal(t, []string{FieldAmount, FieldDeletedAt}, fields(h.Amount[2].Changes))
	assert.Equal(t, EventRestore, h.Amount[3].EventType)
	assert.Nil(t, h.Amount[3].Changes[1].New)
}

func TestAssembleHistoryNoteEditIsAnUpdateInAmountColumn(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	res, err := svc.Create(ctx, depositInput())
	require.NoError(t, err)
	note := "deposit for Q2 batch"
	_, err = svc.Update(ctx, res.Record.ID, Patch{Note: &note, Operator: "bob"})
	require.NoError(t, err)

	h, err := svc.AssembleHistory(ctx, res.Record.ID)
	require.NoError(t, err)
	require.Len(t, h.Rate, 1)
	require.Len(t, h.Amount, 2)
	assert.Equal(t, EventUpdate, h.Amount[1].EventType)
	assert.Equal(t, []string{FieldNote}, fields(h.Amount[1].Changes))
}

func TestAssembleHistorySkipsTermsForNonPrepayments(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	cny := "CNY"
	_, err := svc.SetTerms(ctx, "ACME", TermsInput{Currency: &cny, Operator: "alice"})
	require.NoError(t, err)

	po, err := svc.Create(ctx, CreateInput{
		RecordType:        RecordPurchaseOrder,
		ScopeKey:          "ACME",
		Date:              day("2026-03-01"),
		Amount:            dec("80"),
		RequestedCurrency: "CNY",
		RateMode:          RateModeAuto,
		Operator:          "alice",
	})
	require.NoError(t, err)

	h, err := svc.AssembleHistory(ctx, po.Record.ID)
	require.NoError(t, err)
	assert.NotNil(t, h.Terms)
	assert.Empty(t, h.Terms)
	assert.Len(t, h.Rate, 1)
	assert.Len(t, h.Amount, 1)
}

func TestAssembleHistoryUnknownRecord(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.AssembleHistory(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func boolPtr(b bool) *bool { return &b }
