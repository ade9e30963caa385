package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"knowledge-agent/internal/domain"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func sampleLog(id, session string, at time.Time) domain.QueryLog {
	return domain.QueryLog{
		ID:                  id,
		SessionID:           session,
		UserID:              "u-1",
		ClientIP:            "10.0.0.1",
		Question:            "How many vacation days?",
		ResolvedQuestion:    "How many vacation days do employees get?",
		Answer:              "25 days [1].",
		HasAnswer:           true,
		Confidence:          domain.ConfidenceHigh,
		Sources:             []string{"hr.pdf"},
		PassagesRetrieved:   3,
		ResponseTimeSeconds: 1.23,
		Model:               "gpt-4o",
		PromptVersion:       "v2",
		TopK:                7,
		Threshold:           0.3,
		Category:            "hr",
		Temperature:         0.2,
		MaxTokens:           600,
		Stage:               "returned",
		CreatedAt:           at,
	}
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open("  ")
	require.ErrorContains(t, err, "dsn is required")
}

func TestNewRecorder_NilDB(t *testing.T) {
	_, err := NewRecorder(nil)
	require.ErrorContains(t, err, "db must not be nil")
}

func TestRecordAndRecent(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	require.NoError(t, r.Record(ctx, sampleLog("q-1", "s-1", base)))
	require.NoError(t, r.Record(ctx, sampleLog("q-2", "s-1", base.Add(time.Minute))))
	require.NoError(t, r.Record(ctx, sampleLog("q-3", "s-2", base)))

	got, err := r.Recent(ctx, "s-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "q-2", got[0].ID)
	require.Equal(t, "q-1", got[1].ID)

	first := got[1]
	require.Equal(t, []string{"hr.pdf"}, first.Sources)
	require.Equal(t, domain.ConfidenceHigh, first.Confidence)
	require.True(t, first.HasAnswer)
	require.Equal(t, "How many vacation days do employees get?", first.ResolvedQuestion)
	require.Equal(t, 7, first.TopK)
	require.InDelta(t, 1.23, first.ResponseTimeSeconds, 1e-9)
	require.True(t, first.CreatedAt.Equal(base))
}

func TestRecord_FailureRecordKeepsErrorFields(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()
	rec := sampleLog("q-err", "s-9", time.Now())
	rec.HasAnswer = false
	rec.Answer = ""
	rec.Sources = nil
	rec.Stage = "error"
	rec.ErrorType = "TERMINAL_UPSTREAM"
	rec.ErrorMessage = "retrieval_unavailable"
	require.NoError(t, r.Record(ctx, rec))

	got, err := r.Recent(ctx, "s-9", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.False(t, got[0].HasAnswer)
	require.Equal(t, "error", got[0].Stage)
	require.Equal(t, "TERMINAL_UPSTREAM", got[0].ErrorType)
	require.Empty(t, got[0].Sources)
}

func TestRecord_RejectsMissingOrDuplicateID(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()
	require.ErrorContains(t, r.Record(ctx, domain.QueryLog{}), "id is required")

	rec := sampleLog("dup", "s", time.Now())
	require.NoError(t, r.Record(ctx, rec))
	require.Error(t, r.Record(ctx, rec))
}
