package usecase

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"knowledge-agent/internal/domain"
)

const (
	DefaultStrictCutoff  = 0.75
	DefaultRelaxedCutoff = 0.45
	implicitOverlapRatio = 0.5
)

type GenerateInput struct {
	Question    string
	History     []domain.ConversationTurn
	Passages    []domain.Passage
	Prompt      PromptConfig
	Temperature float64
	MaxTokens   int
}

type Generation struct {
	Answer     string
	HasAnswer  bool
	Confidence domain.Confidence
	Sources    []string
	// Reason explains why HasAnswer is false.
	Reason string
	// Generated is false when the model was not called.
	Generated bool
}

// Generator produces grounded answers and classifies their confidence from
// retrieval scores and citations. The model's own opinion of its certainty is
// never used.
type Generator struct {
	llm           LanguageModel
	retry         RetryPolicy
	strictCutoff  float64
	relaxedCutoff float64
	logger        *zap.Logger
}

func NewGenerator(llm LanguageModel, retry RetryPolicy, strictCutoff, relaxedCutoff float64, log *zap.Logger) *Generator {
	if strictCutoff <= 0 {
		strictCutoff = DefaultStrictCutoff
	}
	if relaxedCutoff <= 0 || relaxedCutoff > strictCutoff {
		relaxedCutoff = DefaultRelaxedCutoff
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{llm: llm, retry: retry, strictCutoff: strictCutoff, relaxedCutoff: relaxedCutoff, logger: log}
}

func (g *Generator) Generate(ctx context.Context, in GenerateInput) (Generation, error) {
	top := 0.0
	for _, p := range in.Passages {
		if p.Score > top {
			top = p.Score
		}
	}
	if len(in.Passages) == 0 || top < g.relaxedCutoff {
		return noInformation("no_relevant_passages"), nil
	}

	req := domain.ChatRequest{
		Model:       in.Prompt.Model,
		Messages:    buildAnswerMessages(in.Prompt, in.Question, in.History, in.Passages),
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
	}
	var raw string
	attempt := 0
	err := g.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		out, err := g.llm.Chat(ctx, req)
		if err != nil {
			g.logger.Warn("generation_attempt_failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		if IsTransient(err) {
			return Generation{}, newError(ErrorTerminalUpstream, "generation_unavailable", err)
		}
		return Generation{}, newError(ErrorTerminalUpstream, "generation_failed", err)
	}

	answer := strings.TrimSpace(raw)
	if answer == "" {
		gen := noInformation("empty_generation")
		gen.Generated = true
		return gen, nil
	}
	if isRefusal(answer) {
		return Generation{Answer: answer, Confidence: domain.ConfidenceLow, Reason: "not_in_documents", Generated: true}, nil
	}

	if cited := citedSources(answer, in.Passages); len(cited) > 0 {
		conf := domain.ConfidenceMedium
		if top >= g.strictCutoff {
			conf = domain.ConfidenceHigh
		}
		return Generation{Answer: answer, HasAnswer: true, Confidence: conf, Sources: cited, Generated: true}, nil
	}
	if lexicalOverlap(answer, in.Passages) >= implicitOverlapRatio {
		return Generation{Answer: answer, HasAnswer: true, Confidence: domain.ConfidenceMedium, Sources: allSources(in.Passages), Generated: true}, nil
	}

	g.logger.Info("answer_not_grounded", zap.Int("passages", len(in.Passages)))
	gen := noInformation("unsupported_answer")
	gen.Generated = true
	return gen, nil
}

func noInformation(reason string) Generation {
	return Generation{
		Answer:     NoInformationAnswer,
		Confidence: domain.ConfidenceLow,
		Reason:     reason,
	}
}
