package usecase

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"knowledge-agent/internal/domain"
	"knowledge-agent/internal/integrations/openai"
)

func TestRetrieve_FiltersSortsAndCaps(t *testing.T) {
	idx := &fakeIndex{passages: []domain.Passage{
		{Text: "b", Source: "sop.pdf", Score: 0.5},
		{Text: "a", Source: "menu.docx", Score: 0.9},
		{Text: "low", Source: "hr.pdf", Score: 0.1},
		{Text: "z", Source: "b.docx", Score: 0.7},
		{Text: "y", Source: "a.docx", Score: 0.7},
	}}
	r := NewRetriever(idx, testRetry(), nil)

	out, err := r.Retrieve(context.Background(), domain.SearchRequest{Query: "q", TopK: 3, Threshold: 0.3})
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, []string{"menu.docx", "a.docx", "b.docx"}, []string{out[0].Source, out[1].Source, out[2].Source})
	for _, p := range out {
		require.GreaterOrEqual(t, p.Score, 0.3)
	}
}

func TestRetrieve_ZeroThresholdKeepsEverything(t *testing.T) {
	idx := &fakeIndex{passages: []domain.Passage{{Source: "a", Score: 0.01}, {Source: "b", Score: 0}}}
	out, err := NewRetriever(idx, testRetry(), nil).Retrieve(context.Background(), domain.SearchRequest{TopK: 7})
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestRetrieve_EmptyIsNotAnError(t *testing.T) {
	out, err := NewRetriever(&fakeIndex{}, testRetry(), nil).Retrieve(context.Background(), domain.SearchRequest{TopK: 7})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestRetrieve_InvalidTopK(t *testing.T) {
	_, err := NewRetriever(&fakeIndex{}, testRetry(), nil).Retrieve(context.Background(), domain.SearchRequest{TopK: 0})
	expectAskError(t, err, ErrorValidation, "invalid_top_k")
}

func TestRetrieve_RetriesTransientFailures(t *testing.T) {
	idx := &fakeIndex{
		errs:     []error{&openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}, context.DeadlineExceeded},
		passages: []domain.Passage{{Source: "menu.docx", Score: 0.8}},
	}
	out, err := NewRetriever(idx, testRetry(), nil).Retrieve(context.Background(), domain.SearchRequest{TopK: 7})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, idx.requests, 3)
}

func TestRetrieve_ExhaustedRetries(t *testing.T) {
	idx := &fakeIndex{errs: []error{context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded}}
	_, err := NewRetriever(idx, testRetry(), nil).Retrieve(context.Background(), domain.SearchRequest{TopK: 7})
	expectAskError(t, err, ErrorTerminalUpstream, "retrieval_unavailable")
	require.Len(t, idx.requests, 3)
}

func TestRetrieve_TerminalFailure(t *testing.T) {
	idx := &fakeIndex{errs: []error{errors.New("collection missing")}}
	_, err := NewRetriever(idx, testRetry(), nil).Retrieve(context.Background(), domain.SearchRequest{TopK: 7})
	expectAskError(t, err, ErrorTerminalUpstream, "retrieval_failed")
	require.Len(t, idx.requests, 1)
}
