package usecase

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"knowledge-agent/internal/domain"
)

const (
	defaultResolverTurns     = 3
	resolverMaxTokens        = 120
	resolverMaxGrowthFactor  = 4
	resolverMinGrowthAllowed = 200
)

// LanguageModel is the chat completion capability used by the resolver and
// the generator.
type LanguageModel interface {
	Chat(ctx context.Context, req domain.ChatRequest) (string, error)
}

var contextWords = map[string]struct{}{
	// English pronouns
	"it": {}, "its": {}, "it's": {}, "they": {}, "them": {}, "their": {}, "those": {}, "these": {},
	"he": {}, "she": {}, "him": {}, "her": {}, "ones": {}, "same": {}, "former": {}, "latter": {},
	// Dutch pronominal adverbs and pronouns
	"ervan": {}, "erbij": {}, "erin": {}, "ermee": {}, "erover": {}, "daar": {}, "daarvan": {},
	"daarmee": {}, "daarbij": {}, "daarin": {}, "ze": {}, "zij": {}, "hun": {}, "hem": {}, "zelfde": {},
}

// demonstratives double as relatives and determiners ("the sauce that...",
// "this week"), so they only count standing alone: last in the question or
// right after a verb or preposition.
var demonstratives = map[string]struct{}{
	"that": {}, "this": {}, "dat": {}, "dit": {}, "die": {}, "deze": {},
}

var demonstrativeAnchors = map[string]struct{}{
	"is": {}, "are": {}, "was": {}, "were": {}, "does": {}, "do": {}, "did": {}, "can": {}, "cost": {},
	"about": {}, "of": {}, "for": {}, "with": {}, "from": {}, "like": {}, "order": {}, "serve": {},
	"kost": {}, "duurt": {}, "zit": {}, "heeft": {}, "hebben": {}, "kan": {}, "wordt": {},
	"van": {}, "met": {}, "over": {}, "voor": {}, "bij": {}, "aan": {},
}

var followUpOpeners = []string{
	"and ", "also ", "what about", "how about", "and what", "what else", "same for", "or ",
	"en ", "ook ", "wat als", "hoe zit het met", "en wat", "wat nog meer", "of ",
}

// needsContext reports whether question likely depends on earlier turns.
// Only explicit openers and referring words count; length alone does not.
func needsContext(question string) bool {
	q := strings.ToLower(strings.TrimSpace(question))
	for _, opener := range followUpOpeners {
		if strings.HasPrefix(q, opener) {
			return true
		}
	}
	words := strings.FieldsFunc(q, func(r rune) bool {
		return r == ' ' || r == '?' || r == '!' || r == '.' || r == ',' || r == ';' || r == ':'
	})
	for i, w := range words {
		if _, ok := contextWords[w]; ok {
			return true
		}
		if _, ok := demonstratives[w]; !ok {
			continue
		}
		if i == len(words)-1 {
			return true
		}
		if i > 0 {
			if _, ok := demonstrativeAnchors[words[i-1]]; ok {
				return true
			}
		}
	}
	return false
}

// Resolver turns context-dependent follow-ups into standalone questions.
// Self-contained questions never reach the model, so their resolution does not
// depend on history. Every failure returns the original question.
type Resolver struct {
	llm      LanguageModel
	maxTurns int
	logger   *zap.Logger
}

func NewResolver(llm LanguageModel, maxTurns int, log *zap.Logger) *Resolver {
	if maxTurns <= 0 {
		maxTurns = defaultResolverTurns
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{llm: llm, maxTurns: maxTurns, logger: log}
}

func (r *Resolver) Resolve(ctx context.Context, question string, history []domain.ConversationTurn, prompt PromptConfig) string {
	if r == nil || r.llm == nil || len(history) == 0 || !needsContext(question) {
		return question
	}
	if len(history) > r.maxTurns {
		history = history[len(history)-r.maxTurns:]
	}

	raw, err := r.llm.Chat(ctx, domain.ChatRequest{
		Model:       prompt.Model,
		Messages:    buildResolverMessages(question, history),
		Temperature: 0,
		MaxTokens:   resolverMaxTokens,
	})
	if err != nil {
		r.logger.Warn("question_resolution_failed", zap.Error(err))
		return question
	}
	rewritten, ok := cleanRewrite(raw, question)
	if !ok {
		r.logger.Warn("question_resolution_rejected", zap.Int("length", utf8.RuneCountInString(raw)))
		return question
	}
	return rewritten
}

func cleanRewrite(raw, original string) (string, bool) {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	s = strings.Trim(s, "\"'“”`")
	s = strings.TrimSpace(strings.TrimPrefix(s, "Standalone question:"))
	if s == "" {
		return "", false
	}
	limit := resolverMaxGrowthFactor * utf8.RuneCountInString(original)
	if limit < resolverMinGrowthAllowed {
		limit = resolverMinGrowthAllowed
	}
	if utf8.RuneCountInString(s) > limit {
		return "", false
	}
	return s, true
}
