package usecase

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"knowledge-agent/internal/domain"
	"knowledge-agent/internal/logger"
	"knowledge-agent/internal/metrics"
)

const (
	DefaultTopK         = 7
	MaxTopK             = 20
	defaultTemperature  = 0.2
	defaultMaxTokens    = 600
	defaultHistoryTurns = 10
	previewRunes        = 200
)

var DefaultCategories = []string{"menu", "sop", "hr", "equipment", "general"}

// Settings are the per-deployment query defaults and call budgets.
type Settings struct {
	DefaultTopK        int
	MaxTopK            int
	Threshold          float64
	Categories         []string
	Temperature        float64
	MaxTokens          int
	PromptHistoryTurns int

	ResolveTimeout  time.Duration
	RetrieveTimeout time.Duration
	GenerateTimeout time.Duration
	MemoryTimeout   time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		DefaultTopK:        DefaultTopK,
		MaxTopK:            MaxTopK,
		Categories:         DefaultCategories,
		Temperature:        defaultTemperature,
		MaxTokens:          defaultMaxTokens,
		PromptHistoryTurns: defaultHistoryTurns,
		ResolveTimeout:     5 * time.Second,
		RetrieveTimeout:    8 * time.Second,
		GenerateTimeout:    30 * time.Second,
		MemoryTimeout:      2 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.DefaultTopK <= 0 {
		s.DefaultTopK = d.DefaultTopK
	}
	if s.MaxTopK <= 0 {
		s.MaxTopK = d.MaxTopK
	}
	if s.Categories == nil {
		s.Categories = d.Categories
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = d.MaxTokens
	}
	if s.PromptHistoryTurns <= 0 {
		s.PromptHistoryTurns = d.PromptHistoryTurns
	}
	if s.ResolveTimeout <= 0 {
		s.ResolveTimeout = d.ResolveTimeout
	}
	if s.RetrieveTimeout <= 0 {
		s.RetrieveTimeout = d.RetrieveTimeout
	}
	if s.GenerateTimeout <= 0 {
		s.GenerateTimeout = d.GenerateTimeout
	}
	if s.MemoryTimeout <= 0 {
		s.MemoryTimeout = d.MemoryTimeout
	}
	return s
}

// normalize applies defaults to the per-query overrides and validates them.
func (s Settings) normalize(in AskInput) (AskInput, error) {
	if in.TopK == 0 {
		in.TopK = s.DefaultTopK
	}
	if in.TopK < 1 || in.TopK > s.MaxTopK {
		return in, newError(ErrorValidation, "invalid_top_k", nil)
	}
	in.Category = strings.ToLower(strings.TrimSpace(in.Category))
	if in.Category != "" {
		known := false
		for _, c := range s.Categories {
			if c == in.Category {
				known = true
				break
			}
		}
		if !known {
			return in, newError(ErrorValidation, "invalid_category", nil)
		}
	}
	return in, nil
}

type AskInput struct {
	Question  string
	SessionID string
	UserID    string
	ClientIP  string
	// TopK and Category override the defaults for this query only.
	TopK     int
	Category string
	Debug    bool
}

type PromptSource interface {
	Current(ctx context.Context) PromptConfig
}

type Dependencies struct {
	Memory    SessionStore
	Resolver  *Resolver
	Retriever *Retriever
	Generator *Generator
	Prompts   PromptSource
	Audit     AuditSink
	Logger    *zap.Logger
}

// AskService orchestrates one query: history, resolution, retrieval,
// generation and persistence. Memory and resolution failures are absorbed;
// retrieval and generation failures produce a degraded result.
type AskService struct {
	memory    SessionStore
	resolver  *Resolver
	retriever *Retriever
	generator *Generator
	prompts   PromptSource
	audit     AuditSink
	settings  Settings
	logger    *zap.Logger
	now       func() time.Time
}

func NewAskService(deps Dependencies, settings Settings) (*AskService, error) {
	if deps.Retriever == nil {
		return nil, errors.New("usecase: retriever must not be nil")
	}
	if deps.Generator == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if deps.Prompts == nil {
		return nil, errors.New("usecase: prompt source must not be nil")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &AskService{
		memory:    deps.Memory,
		resolver:  deps.Resolver,
		retriever: deps.Retriever,
		generator: deps.Generator,
		prompts:   deps.Prompts,
		audit:     deps.Audit,
		settings:  settings.withDefaults(),
		logger:    log,
		now:       time.Now,
	}, nil
}

// queryRun carries the state of one Ask call through the stages.
type queryRun struct {
	in         AskInput
	sessionID  string
	question   string
	resolved   string
	prompt     PromptConfig
	passages   []domain.Passage
	stage      Stage
	stageStart time.Time
	start      time.Time
	err        error
	logger     *zap.Logger
}

func (r *queryRun) advance(next Stage) {
	metrics.ObserveStage(string(r.stage), r.stageStart)
	r.logger.Debug("stage_transition", zap.String("from", string(r.stage)), zap.String("to", string(next)))
	r.stage = next
	r.stageStart = time.Now()
}

// Ask answers one question. The only error it returns is a VALIDATION_ERROR
// for malformed input; every other outcome is described by the result.
//
// Upstream calls run detached from ctx under their own timeouts so that a
// disconnecting caller does not tear down half-finished work. Once ctx is
// done, results are discarded and the turn is not persisted.
func (s *AskService) Ask(ctx context.Context, in AskInput) (domain.QueryResult, error) {
	now := s.now()
	run := &queryRun{in: in, stage: StageReceived, stageStart: now, start: now}
	run.sessionID = strings.TrimSpace(in.SessionID)
	if run.sessionID == "" {
		run.sessionID = newUUID()
	}
	run.logger = s.logger.With(zap.String("session_id", run.sessionID))

	normalized, err := s.settings.normalize(in)
	run.in = normalized
	run.question = strings.TrimSpace(normalized.Question)
	if err == nil && run.question == "" {
		err = newError(ErrorValidation, "empty_question", nil)
	}
	if err != nil {
		return s.fail(run, err), err
	}
	run.advance(StageSanitized)

	run.prompt = s.prompts.Current(ctx)
	detached := context.WithoutCancel(ctx)

	history := s.loadHistory(detached, run)
	run.advance(StageHistoryLoaded)
	if ctx.Err() != nil {
		return s.abandon(run, ctx.Err()), nil
	}

	resolveCtx, cancel := context.WithTimeout(detached, s.settings.ResolveTimeout)
	run.resolved = s.resolver.Resolve(resolveCtx, run.question, history, run.prompt)
	cancel()
	run.advance(StageQuestionResolved)
	if ctx.Err() != nil {
		return s.abandon(run, ctx.Err()), nil
	}

	retrieveCtx, cancel := context.WithTimeout(detached, s.settings.RetrieveTimeout)
	run.passages, err = s.retriever.Retrieve(retrieveCtx, domain.SearchRequest{
		Query:     run.resolved,
		TopK:      run.in.TopK,
		Threshold: s.settings.Threshold,
		Category:  run.in.Category,
	})
	cancel()
	if err != nil {
		return s.fail(run, err), nil
	}
	run.advance(StageRetrieved)
	if ctx.Err() != nil {
		return s.abandon(run, ctx.Err()), nil
	}

	promptHistory := history
	if len(promptHistory) > s.settings.PromptHistoryTurns {
		promptHistory = promptHistory[len(promptHistory)-s.settings.PromptHistoryTurns:]
	}
	generateCtx, cancel := context.WithTimeout(detached, s.settings.GenerateTimeout)
	gen, err := s.generator.Generate(generateCtx, GenerateInput{
		Question:    run.question,
		History:     promptHistory,
		Passages:    run.passages,
		Prompt:      run.prompt,
		Temperature: s.settings.Temperature,
		MaxTokens:   s.settings.MaxTokens,
	})
	cancel()
	if err != nil {
		return s.fail(run, err), nil
	}
	run.advance(StageGenerated)
	if ctx.Err() != nil {
		return s.abandon(run, ctx.Err()), nil
	}

	if gen.HasAnswer && s.persist(detached, run, gen) {
		run.advance(StagePersisted)
	}

	res := domain.QueryResult{
		Answer:     gen.Answer,
		HasAnswer:  gen.HasAnswer,
		Confidence: gen.Confidence,
		Sources:    gen.Sources,
		Reason:     gen.Reason,
	}
	return s.finish(run, res), nil
}

func (s *AskService) loadHistory(ctx context.Context, run *queryRun) []domain.ConversationTurn {
	if s.memory == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.settings.MemoryTimeout)
	defer cancel()
	history, err := s.memory.Get(ctx, run.sessionID)
	if err != nil {
		metrics.IncMemoryFailure("get")
		run.logger.Warn("memory_read_failed", zap.String("code", string(ErrorMemoryUnavailable)), zap.Error(err))
		return nil
	}
	return history
}

func (s *AskService) persist(ctx context.Context, run *queryRun, gen Generation) bool {
	if s.memory == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.settings.MemoryTimeout)
	defer cancel()
	err := s.memory.Append(ctx, run.sessionID, domain.ConversationTurn{
		Question:  run.question,
		Answer:    gen.Answer,
		Timestamp: s.now().UTC(),
		Sources:   gen.Sources,
	})
	if err != nil {
		metrics.IncMemoryFailure("append")
		run.logger.Warn("memory_write_failed", zap.String("code", string(ErrorMemoryUnavailable)), zap.Error(err))
		return false
	}
	return true
}

func (s *AskService) fail(run *queryRun, err error) domain.QueryResult {
	reason := "internal_error"
	var ue *Error
	if errors.As(err, &ue) {
		reason = ue.Reason
	}
	metrics.IncStageFailure(string(run.stage), reason)
	run.logger.Warn("query_failed", zap.String("stage", string(run.stage)), zap.String("reason", reason), zap.Error(err))
	run.err = err
	run.stage = StageError

	answer := ErrorAnswer
	if CodeOf(err) == ErrorValidation {
		answer = InvalidQuestionAnswer
	}
	return s.finish(run, domain.QueryResult{
		Answer:     answer,
		Confidence: domain.ConfidenceLow,
		Reason:     reason,
	})
}

func (s *AskService) abandon(run *queryRun, err error) domain.QueryResult {
	run.logger.Info("query_abandoned", zap.String("stage", string(run.stage)), zap.Error(err))
	run.err = err
	run.stage = StageError
	return s.finish(run, domain.QueryResult{
		Answer:     ErrorAnswer,
		Confidence: domain.ConfidenceLow,
		Reason:     "cancelled",
	})
}

func (s *AskService) finish(run *queryRun, res domain.QueryResult) domain.QueryResult {
	if run.stage != StageError {
		run.advance(StageReturned)
	}
	res.SessionID = run.sessionID
	res.ResponseTimeSeconds = math.Round(s.now().Sub(run.start).Seconds()*1000) / 1000
	if res.Sources == nil {
		res.Sources = []string{}
	}
	if run.resolved != "" && run.resolved != run.question {
		resolved := run.resolved
		res.ResolvedQuestion = &resolved
	}
	if run.in.Debug {
		res.Debug = debugInfo(run)
	}

	metrics.IncQuery(string(res.Confidence), res.Reason)
	run.logger.Info("query_completed",
		zap.String("user", logger.MaskID(run.in.UserID)),
		zap.String("confidence", string(res.Confidence)),
		zap.Bool("has_answer", res.HasAnswer),
		zap.Int("passages", len(run.passages)),
		zap.String("prompt_version", run.prompt.Version),
		zap.Float64("response_time_s", res.ResponseTimeSeconds),
		zap.String("reason", res.Reason))
	s.submitAudit(run, res)
	return res
}

func debugInfo(run *queryRun) *domain.DebugInfo {
	info := &domain.DebugInfo{PromptVersion: run.prompt.Version, Passages: []domain.PassagePreview{}}
	for _, p := range run.passages {
		preview := []rune(p.Text)
		if len(preview) > previewRunes {
			preview = preview[:previewRunes]
		}
		info.Passages = append(info.Passages, domain.PassagePreview{
			Source:   p.Source,
			Category: p.Category,
			Score:    p.Score,
			Preview:  string(preview),
		})
	}
	return info
}

func (s *AskService) submitAudit(run *queryRun, res domain.QueryResult) {
	if s.audit == nil {
		return
	}
	rec := domain.QueryLog{
		ID:                  newUUID(),
		SessionID:           run.sessionID,
		UserID:              run.in.UserID,
		ClientIP:            run.in.ClientIP,
		Question:            run.question,
		ResolvedQuestion:    run.resolved,
		Answer:              res.Answer,
		HasAnswer:           res.HasAnswer,
		Confidence:          res.Confidence,
		Sources:             res.Sources,
		PassagesRetrieved:   len(run.passages),
		ResponseTimeSeconds: res.ResponseTimeSeconds,
		Model:               run.prompt.Model,
		PromptVersion:       run.prompt.Version,
		TopK:                run.in.TopK,
		Threshold:           s.settings.Threshold,
		Category:            run.in.Category,
		Temperature:         s.settings.Temperature,
		MaxTokens:           s.settings.MaxTokens,
		Stage:               string(run.stage),
		CreatedAt:           s.now().UTC(),
	}
	if run.err != nil {
		rec.ErrorType = string(CodeOf(run.err))
		rec.ErrorMessage = run.err.Error()
	}
	s.audit.Submit(rec)
}

var newUUID = func() string {
	return uuid.NewString()
}
