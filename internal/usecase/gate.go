package usecase

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"knowledge-agent/internal/domain"
	"knowledge-agent/internal/logger"
	"knowledge-agent/internal/metrics"
)

// Asker answers a single question.
type Asker interface {
	Ask(ctx context.Context, in AskInput) (domain.QueryResult, error)
}

// Gate rejects malformed or over-quota requests before the orchestrator runs,
// so rejected requests cost no upstream calls.
type Gate struct {
	sanitizer *Sanitizer
	limiter   *RateLimiter
	next      Asker
	settings  Settings
	logger    *zap.Logger
}

// NewGate wires the gate. limiter may be nil to disable rate limiting.
func NewGate(sanitizer *Sanitizer, limiter *RateLimiter, next Asker, settings Settings, log *zap.Logger) (*Gate, error) {
	if sanitizer == nil {
		return nil, errors.New("usecase: sanitizer must not be nil")
	}
	if next == nil {
		return nil, errors.New("usecase: asker must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{sanitizer: sanitizer, limiter: limiter, next: next, settings: settings.withDefaults(), logger: log}, nil
}

// Ask returns a VALIDATION_ERROR or RATE_LIMITED error, together with a
// well-formed result, when the request is rejected.
func (g *Gate) Ask(ctx context.Context, in AskInput) (domain.QueryResult, error) {
	start := time.Now()

	question, err := g.sanitizer.Sanitize(in.Question)
	if err != nil {
		return g.reject(in, err, start), err
	}
	in.Question = question

	in, err = g.settings.normalize(in)
	if err != nil {
		return g.reject(in, err, start), err
	}

	if g.limiter != nil {
		userKey := in.UserID
		if userKey == "" {
			userKey = in.SessionID
		}
		if err := g.limiter.Allow(ctx, userKey, in.ClientIP); err != nil {
			return g.reject(in, err, start), err
		}
	}
	return g.next.Ask(ctx, in)
}

func (g *Gate) reject(in AskInput, err error, start time.Time) domain.QueryResult {
	reason := string(CodeOf(err))
	var ue *Error
	if errors.As(err, &ue) {
		reason = ue.Reason
	}
	answer := InvalidQuestionAnswer
	if CodeOf(err) == ErrorRateLimited {
		answer = RateLimitedAnswer
	} else {
		metrics.IncRejected(reason)
		g.logger.Info("question_rejected", zap.String("user", logger.MaskID(in.UserID)), zap.String("reason", reason))
	}
	return domain.QueryResult{
		Answer:              answer,
		Confidence:          domain.ConfidenceLow,
		Sources:             []string{},
		SessionID:           in.SessionID,
		Reason:              reason,
		ResponseTimeSeconds: math.Round(time.Since(start).Seconds()*1000) / 1000,
	}
}
