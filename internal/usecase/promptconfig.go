package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	builtinPromptVersion = "builtin-v1"
	defaultModel         = "gpt-4o"
	defaultPromptRefresh = 5 * time.Minute
	promptLoadTimeout    = 3 * time.Second
	promptRetryAfterFail = 30 * time.Second
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// PromptConfig is an immutable snapshot of the active prompt. One snapshot is
// taken per query and passed down explicitly.
type PromptConfig struct {
	Version      string
	SystemPrompt string
	Model        string
}

func BuiltinPromptConfig() PromptConfig {
	return PromptConfig{
		Version: builtinPromptVersion,
		SystemPrompt: "You are the internal knowledge assistant for the company's staff. " +
			"You answer questions about menus, standard operating procedures, HR policies and equipment " +
			"using only the company documents provided to you.",
		Model: defaultModel,
	}
}

// PromptLoader reads the active prompt version from parameter store:
//
//	<prefix>/prompts/active_version    version name, e.g. "v3"
//	<prefix>/prompts/<version>         prompt text
//	<prefix>/config/openai_model       chat model
//
// Snapshots are cached for the refresh interval. When loading fails the last
// good snapshot is kept, or the builtin prompt if there never was one, and the
// failure itself is cached briefly. Concurrent refreshes share one load, and no
// lock is held while parameter store is called.
type PromptLoader struct {
	params      ParamGetter
	paramPrefix string
	refresh     time.Duration
	loadTimeout time.Duration
	fallback    PromptConfig
	logger      *zap.Logger
	now         func() time.Time

	group     singleflight.Group
	cacheMu   sync.RWMutex
	cached    PromptConfig
	loaded    bool
	nextCheck time.Time
}

func NewPromptLoader(p ParamGetter, paramPrefix string, refresh time.Duration, fallback PromptConfig, log *zap.Logger) *PromptLoader {
	if refresh <= 0 {
		refresh = defaultPromptRefresh
	}
	if fallback.Model == "" {
		fallback.Model = defaultModel
	}
	if fallback.Version == "" {
		fallback.Version = builtinPromptVersion
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PromptLoader{
		params:      p,
		paramPrefix: strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
		refresh:     refresh,
		loadTimeout: promptLoadTimeout,
		fallback:    fallback,
		logger:      log,
		now:         time.Now,
	}
}

// Current returns the active prompt snapshot. It never fails and never waits
// longer than the load timeout or the caller's context.
func (l *PromptLoader) Current(ctx context.Context) PromptConfig {
	if l == nil {
		return BuiltinPromptConfig()
	}
	if l.params == nil || l.paramPrefix == "" {
		return l.fallback
	}

	cfg, fresh := l.snapshot()
	if fresh {
		return cfg
	}

	ch := l.group.DoChan("prompt", func() (any, error) {
		if cfg, fresh := l.snapshot(); fresh {
			return cfg, nil
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.loadTimeout)
		defer cancel()
		return l.store(l.load(loadCtx)), nil
	})
	select {
	case res := <-ch:
		return res.Val.(PromptConfig)
	case <-ctx.Done():
		return cfg
	}
}

// snapshot returns the cached prompt, or the fallback before the first
// successful load, and whether it is still within its check interval.
func (l *PromptLoader) snapshot() (PromptConfig, bool) {
	l.cacheMu.RLock()
	defer l.cacheMu.RUnlock()
	cfg := l.fallback
	if l.loaded {
		cfg = l.cached
	}
	return cfg, l.now().Before(l.nextCheck)
}

func (l *PromptLoader) store(cfg PromptConfig, err error) PromptConfig {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	now := l.now()
	if err != nil {
		l.logger.Warn("prompt_config_load_failed", zap.Error(err))
		if l.loaded {
			// Keep serving the last good snapshot but try again next refresh.
			l.nextCheck = now.Add(l.refresh)
			return l.cached
		}
		l.nextCheck = now.Add(min(promptRetryAfterFail, l.refresh))
		return l.fallback
	}
	l.cached = cfg
	l.loaded = true
	l.nextCheck = now.Add(l.refresh)
	return cfg
}

func (l *PromptLoader) load(ctx context.Context) (PromptConfig, error) {
	version, err := l.params.GetParameter(ctx, l.paramPrefix+"/prompts/active_version")
	if err != nil {
		return PromptConfig{}, fmt.Errorf("usecase: load active prompt version: %w", err)
	}
	version = strings.TrimSpace(version)
	if version == "" {
		return PromptConfig{}, fmt.Errorf("usecase: active prompt version is empty")
	}
	prompt, err := l.params.GetParameter(ctx, l.paramPrefix+"/prompts/"+version)
	if err != nil {
		return PromptConfig{}, fmt.Errorf("usecase: load prompt %q: %w", version, err)
	}
	if strings.TrimSpace(prompt) == "" {
		return PromptConfig{}, fmt.Errorf("usecase: prompt %q is empty", version)
	}
	model, err := l.params.GetParameter(ctx, l.paramPrefix+"/config/openai_model")
	if err != nil || strings.TrimSpace(model) == "" {
		model = l.fallback.Model
	}
	return PromptConfig{
		Version:      version,
		SystemPrompt: strings.TrimSpace(prompt),
		Model:        strings.TrimSpace(model),
	}, nil
}
