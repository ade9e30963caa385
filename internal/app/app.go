package app

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"knowledge-agent/internal/audit"
	"knowledge-agent/internal/config"
	"knowledge-agent/internal/integrations/milvus"
	"knowledge-agent/internal/integrations/openai"
	"knowledge-agent/internal/integrations/paramstore"
	"knowledge-agent/internal/repository"
	"knowledge-agent/internal/usecase"
)

// Store is a backend that keeps both session history and rate counters.
type Store interface {
	usecase.SessionStore
	usecase.CounterStore
}

// Components are the external collaborators the query pipeline runs on.
type Components struct {
	Store  Store
	Index  usecase.DocumentIndex
	LLM    usecase.LanguageModel
	Params usecase.ParamGetter
	Audit  usecase.AuditSink
	// Ping reports backend health; nil means always healthy.
	Ping func(ctx context.Context) error
}

// App is the assembled service shared by every entry point.
type App struct {
	Gate     *usecase.Gate
	Sessions usecase.SessionStore
	Prompts  *usecase.PromptLoader
	Recorder *audit.Recorder

	ping    func(ctx context.Context) error
	closers []func(ctx context.Context) error
}

// Health reports whether the session backend is reachable.
func (a *App) Health(ctx context.Context) error {
	if a.ping == nil {
		return nil
	}
	return a.ping(ctx)
}

// Close releases clients in reverse order of creation and flushes pending
// audit records.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Settings maps the query section of cfg onto orchestrator settings.
func Settings(cfg *config.Config) usecase.Settings {
	s := usecase.DefaultSettings()
	s.DefaultTopK = cfg.Query.DefaultTopK
	s.MaxTopK = cfg.Query.MaxTopK
	s.Threshold = cfg.Query.Threshold
	s.Categories = cfg.Query.Categories
	s.Temperature = cfg.Query.Temperature
	s.MaxTokens = cfg.Query.MaxTokens
	s.PromptHistoryTurns = cfg.Query.PromptHistoryTurns
	return s
}

func retryPolicy(cfg *config.Config) usecase.RetryPolicy {
	return usecase.RetryPolicy{
		Attempts:  cfg.Retry.Attempts,
		Delay:     cfg.Retry.Delay,
		MaxDelay:  cfg.Retry.MaxDelay,
		MaxJitter: cfg.Retry.MaxJitter,
	}
}

// Assemble builds the gated query pipeline on top of c.
func Assemble(cfg *config.Config, c Components, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if c.Store == nil || c.Index == nil || c.LLM == nil {
		return nil, errors.New("app: store, index and language model are required")
	}

	settings := Settings(cfg)
	retry := retryPolicy(cfg)

	sanitizer, err := usecase.NewSanitizer(cfg.Gate.MaxQuestionLength, cfg.Gate.DenyPatterns)
	if err != nil {
		return nil, fmt.Errorf("app: sanitizer: %w", err)
	}
	limiter, err := usecase.NewRateLimiter(c.Store,
		usecase.RateLimit{Limit: cfg.Gate.UserLimit, Window: cfg.Gate.Window},
		usecase.RateLimit{Limit: cfg.Gate.IPLimit, Window: cfg.Gate.Window},
		log.Named("ratelimit"))
	if err != nil {
		return nil, fmt.Errorf("app: rate limiter: %w", err)
	}

	prompts := usecase.NewPromptLoader(c.Params, cfg.AWS.ParamPrefix, cfg.Query.PromptRefresh,
		usecase.BuiltinPromptConfig(), log.Named("prompts"))

	ask, err := usecase.NewAskService(usecase.Dependencies{
		Memory:    c.Store,
		Resolver:  usecase.NewResolver(c.LLM, cfg.Query.ResolverTurns, log.Named("resolver")),
		Retriever: usecase.NewRetriever(c.Index, retry, log.Named("retriever")),
		Generator: usecase.NewGenerator(c.LLM, retry, cfg.Query.StrictCutoff, cfg.Query.RelaxedCutoff, log.Named("generator")),
		Prompts:   prompts,
		Audit:     c.Audit,
		Logger:    log.Named("ask"),
	}, settings)
	if err != nil {
		return nil, fmt.Errorf("app: ask service: %w", err)
	}

	gate, err := usecase.NewGate(sanitizer, limiter, ask, settings, log.Named("gate"))
	if err != nil {
		return nil, fmt.Errorf("app: gate: %w", err)
	}

	return &App{Gate: gate, Sessions: c.Store, Prompts: prompts, ping: c.Ping}, nil
}

// Build connects to every configured backend and assembles the App. The
// caller must Close it.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var closers []func(ctx context.Context) error
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i](ctx)
		}
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}

	var params usecase.ParamGetter
	var keyGetter openai.Getter
	if cfg.AWS.ParamPrefix != "" {
		ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, fmt.Errorf("app: paramstore: %w", err)
		}
		params, keyGetter = ps, ps
	}

	llm, err := openai.NewClient(keyGetter, cfg.AWS.ParamPrefix,
		openai.WithBaseURL(cfg.OpenAI.BaseURL),
		openai.WithAPIKey(cfg.OpenAI.APIKey),
		openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel, cfg.OpenAI.EmbeddingDims),
		openai.WithRateLimit(cfg.OpenAI.RPS, cfg.OpenAI.Burst),
	)
	if err != nil {
		return nil, fmt.Errorf("app: openai: %w", err)
	}

	var store Store
	var ping func(ctx context.Context) error
	switch cfg.Session.Backend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Session.RedisAddr,
			Password: cfg.Session.RedisPassword,
			DB:       cfg.Session.RedisDB,
		})
		closers = append(closers, func(context.Context) error { return rdb.Close() })
		rs, err := repository.NewRedisStore(rdb, cfg.Session.MaxTurns, cfg.Session.TTL)
		if err != nil {
			return fail(fmt.Errorf("app: redis store: %w", err))
		}
		store, ping = rs, rs.Ping
	default:
		dc, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.AWS.StateTable, cfg.Session.MaxTurns, cfg.Session.TTL)
		if err != nil {
			return fail(fmt.Errorf("app: dynamodb store: %w", err))
		}
		store = dc
	}

	mc, err := milvus.Dial(ctx, milvus.Config{
		Address:  cfg.Milvus.Address,
		Username: cfg.Milvus.Username,
		Password: cfg.Milvus.Password,
		DBName:   cfg.Milvus.DBName,
	})
	if err != nil {
		return fail(fmt.Errorf("app: %w", err))
	}
	closers = append(closers, func(context.Context) error { return mc.Close() })
	index, err := milvus.New(mc, llm, cfg.Milvus.Collection, milvus.WithSearchLevel(cfg.Milvus.SearchLevel))
	if err != nil {
		return fail(fmt.Errorf("app: %w", err))
	}

	var sink usecase.AuditSink
	var recorder *audit.Recorder
	if cfg.Audit.DSN != "" {
		recorder, err = audit.Open(cfg.Audit.DSN)
		if err != nil {
			return fail(fmt.Errorf("app: %w", err))
		}
		closers = append(closers, func(context.Context) error { return recorder.Close() })
		dispatcher, err := audit.NewDispatcher(recorder, cfg.Audit.QueueSize, log.Named("audit"))
		if err != nil {
			return fail(fmt.Errorf("app: %w", err))
		}
		closers = append(closers, dispatcher.Close)
		sink = dispatcher
	} else {
		log.Info("audit_disabled")
	}

	a, err := Assemble(cfg, Components{
		Store:  store,
		Index:  index,
		LLM:    llm,
		Params: params,
		Audit:  sink,
		Ping:   ping,
	}, log)
	if err != nil {
		return fail(err)
	}
	a.Recorder = recorder
	a.closers = closers
	return a, nil
}

// ParamStore returns a parameter store client for operator commands.
func ParamStore(ctx context.Context) (*paramstore.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}
	return paramstore.New(awsssm.NewFromConfig(awsCfg))
}
