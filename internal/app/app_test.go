package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"knowledge-agent/internal/config"
	"knowledge-agent/internal/domain"
	"knowledge-agent/internal/repository"
	"knowledge-agent/internal/usecase"
)

type stubIndex struct {
	passages []domain.Passage
}

func (s *stubIndex) Search(_ context.Context, req domain.SearchRequest) ([]domain.Passage, error) {
	if len(s.passages) > req.TopK {
		return s.passages[:req.TopK], nil
	}
	return s.passages, nil
}

type stubLLM struct {
	mu     sync.Mutex
	answer string
	calls  int
}

func (s *stubLLM) Chat(_ context.Context, _ domain.ChatRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.answer, nil
}

type collectAudit struct {
	mu   sync.Mutex
	recs []domain.QueryLog
}

func (c *collectAudit) Submit(rec domain.QueryLog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Session.Backend = config.BackendRedis
	cfg.Gate.UserLimit = 2
	cfg.Gate.IPLimit = 100
	cfg.Retry.Attempts = 1
	cfg.Retry.Delay = time.Millisecond
	cfg.Retry.MaxJitter = 0
	return &cfg
}

func newRedisStore(t *testing.T) *repository.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store, err := repository.NewRedisStore(rdb, 10, 30*time.Minute)
	require.NoError(t, err)
	return store
}

func TestAssemble_RequiresCollaborators(t *testing.T) {
	_, err := Assemble(testConfig(), Components{}, nil)
	require.ErrorContains(t, err, "required")
}

func TestAssemble_RejectsBadDenyPattern(t *testing.T) {
	cfg := testConfig()
	cfg.Gate.DenyPatterns = []string{"("}
	_, err := Assemble(cfg, Components{Store: newRedisStore(t), Index: &stubIndex{}, LLM: &stubLLM{}}, nil)
	require.ErrorContains(t, err, "sanitizer")
}

func TestAssemble_AnswersAndPersists(t *testing.T) {
	store := newRedisStore(t)
	llm := &stubLLM{answer: "Employees get 25 vacation days [1]."}
	sink := &collectAudit{}
	a, err := Assemble(testConfig(), Components{
		Store: store,
		Index: &stubIndex{passages: []domain.Passage{{Text: "Employees get 25 vacation days.", Source: "hr.pdf", Category: "hr", Score: 0.95}}},
		LLM:   llm,
		Audit: sink,
		Ping:  store.Ping,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Health(context.Background()))

	res, err := a.Gate.Ask(context.Background(), usecase.AskInput{Question: "How many vacation days?", SessionID: "s-1", UserID: "u-1"})
	require.NoError(t, err)
	require.True(t, res.HasAnswer)
	require.Equal(t, domain.ConfidenceHigh, res.Confidence)
	require.Equal(t, []string{"hr.pdf"}, res.Sources)
	require.Equal(t, "s-1", res.SessionID)

	turns, err := a.Sessions.Get(context.Background(), "s-1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, "How many vacation days?", turns[0].Question)

	require.Len(t, sink.recs, 1)
	require.Equal(t, "u-1", sink.recs[0].UserID)
	require.Equal(t, usecase.BuiltinPromptConfig().Version, sink.recs[0].PromptVersion)
}

func TestAssemble_RateLimitsPerUser(t *testing.T) {
	llm := &stubLLM{answer: "I could not find this in the documents."}
	a, err := Assemble(testConfig(), Components{
		Store: newRedisStore(t),
		Index: &stubIndex{},
		LLM:   llm,
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := a.Gate.Ask(ctx, usecase.AskInput{Question: "What is on the menu?", SessionID: "s", UserID: "u-1"})
		require.NoError(t, err)
	}
	res, err := a.Gate.Ask(ctx, usecase.AskInput{Question: "What is on the menu?", SessionID: "s", UserID: "u-1"})
	require.Equal(t, usecase.ErrorRateLimited, usecase.CodeOf(err))
	require.False(t, res.HasAnswer)

	var ue *usecase.Error
	require.True(t, errors.As(err, &ue))
	require.GreaterOrEqual(t, ue.RetryAfter, time.Second)

	// Another user is unaffected.
	_, err = a.Gate.Ask(ctx, usecase.AskInput{Question: "What is on the menu?", SessionID: "s2", UserID: "u-2"})
	require.NoError(t, err)
}

func TestApp_HealthAndClose(t *testing.T) {
	var order []string
	a := &App{ping: func(context.Context) error { return errors.New("down") }}
	a.onClose(func(context.Context) error { order = append(order, "first"); return nil })
	a.onClose(func(context.Context) error { order = append(order, "second"); return errors.New("flush failed") })

	require.ErrorContains(t, a.Health(context.Background()), "down")
	require.ErrorContains(t, a.Close(context.Background()), "flush failed")
	require.Equal(t, []string{"second", "first"}, order)
	require.NoError(t, a.Close(context.Background()))

	require.NoError(t, (&App{}).Health(context.Background()))
}

func TestSettings_FromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Query.DefaultTopK = 4
	cfg.Query.Categories = []string{"faq"}
	s := Settings(cfg)
	require.Equal(t, 4, s.DefaultTopK)
	require.Equal(t, []string{"faq"}, s.Categories)
	require.Equal(t, cfg.Query.MaxTokens, s.MaxTokens)
}
