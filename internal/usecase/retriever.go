package usecase

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"knowledge-agent/internal/domain"
)

// DocumentIndex is the similarity search capability behind the retriever.
type DocumentIndex interface {
	Search(ctx context.Context, req domain.SearchRequest) ([]domain.Passage, error)
}

type Retriever struct {
	index  DocumentIndex
	retry  RetryPolicy
	logger *zap.Logger
}

func NewRetriever(index DocumentIndex, retry RetryPolicy, log *zap.Logger) *Retriever {
	if log == nil {
		log = zap.NewNop()
	}
	return &Retriever{index: index, retry: retry, logger: log}
}

// Retrieve returns at most req.TopK passages scoring at least req.Threshold
// (a zero threshold disables the filter), best first. Equal scores are
// ordered by source and text so results are deterministic. An empty result is
// not an error.
func (r *Retriever) Retrieve(ctx context.Context, req domain.SearchRequest) ([]domain.Passage, error) {
	if req.TopK <= 0 {
		return nil, newError(ErrorValidation, "invalid_top_k", nil)
	}

	var found []domain.Passage
	attempt := 0
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		out, err := r.index.Search(ctx, req)
		if err != nil {
			r.logger.Warn("retrieval_attempt_failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		found = out
		return nil
	})
	if err != nil {
		if IsTransient(err) {
			return nil, newError(ErrorTerminalUpstream, "retrieval_unavailable", err)
		}
		return nil, newError(ErrorTerminalUpstream, "retrieval_failed", err)
	}

	passages := make([]domain.Passage, 0, len(found))
	for _, p := range found {
		if req.Threshold > 0 && p.Score < req.Threshold {
			continue
		}
		passages = append(passages, p)
	}
	sort.SliceStable(passages, func(i, j int) bool {
		a, b := passages[i], passages[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Text < b.Text
	})
	if len(passages) > req.TopK {
		passages = passages[:req.TopK]
	}
	return passages, nil
}
