package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
)

// Config aggregates every setting of the service. Values come from, in
// increasing precedence: built-in defaults, the YAML file named by
// KA_CONFIG_FILE, and environment variables (optionally seeded from .env).
type Config struct {
	Debug   bool          `yaml:"debug"`
	Server  ServerConfig  `yaml:"server"`
	AWS     AWSConfig     `yaml:"aws"`
	Session SessionConfig `yaml:"session"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Milvus  MilvusConfig  `yaml:"milvus"`
	Audit   AuditConfig   `yaml:"audit"`
	Query   QueryConfig   `yaml:"query"`
	Gate    GateConfig    `yaml:"gate"`
	Retry   RetryConfig   `yaml:"retry"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type AWSConfig struct {
	StateTable  string `yaml:"state_table"`
	ParamPrefix string `yaml:"param_prefix"`
}

type SessionConfig struct {
	Backend       string        `yaml:"backend"`
	MaxTurns      int           `yaml:"max_turns"`
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

type OpenAIConfig struct {
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"-"`
	EmbeddingModel string  `yaml:"embedding_model"`
	EmbeddingDims  int     `yaml:"embedding_dims"`
	RPS            float64 `yaml:"rps"`
	Burst          int     `yaml:"burst"`
}

type MilvusConfig struct {
	Address     string `yaml:"address"`
	Username    string `yaml:"username"`
	Password    string `yaml:"-"`
	DBName      string `yaml:"db_name"`
	Collection  string `yaml:"collection"`
	SearchLevel int    `yaml:"search_level"`
}

type AuditConfig struct {
	DSN       string `yaml:"dsn"`
	QueueSize int    `yaml:"queue_size"`
}

type QueryConfig struct {
	DefaultTopK        int           `yaml:"default_top_k"`
	MaxTopK            int           `yaml:"max_top_k"`
	Threshold          float64       `yaml:"threshold"`
	Categories         []string      `yaml:"categories"`
	Temperature        float64       `yaml:"temperature"`
	MaxTokens          int           `yaml:"max_tokens"`
	StrictCutoff       float64       `yaml:"strict_cutoff"`
	RelaxedCutoff      float64       `yaml:"relaxed_cutoff"`
	ResolverTurns      int           `yaml:"resolver_turns"`
	PromptHistoryTurns int           `yaml:"prompt_history_turns"`
	PromptRefresh      time.Duration `yaml:"prompt_refresh"`
}

type GateConfig struct {
	MaxQuestionLength int           `yaml:"max_question_length"`
	DenyPatterns      []string      `yaml:"deny_patterns"`
	UserLimit         int           `yaml:"user_limit"`
	IPLimit           int           `yaml:"ip_limit"`
	Window            time.Duration `yaml:"window"`
}

type RetryConfig struct {
	Attempts  uint          `yaml:"attempts"`
	Delay     time.Duration `yaml:"delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	MaxJitter time.Duration `yaml:"max_jitter"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Session: SessionConfig{
			Backend:   BackendDynamoDB,
			MaxTurns:  10,
			TTL:       30 * time.Minute,
			RedisAddr: "localhost:6379",
		},
		OpenAI: OpenAIConfig{
			BaseURL:        "https://api.openai.com/v1",
			EmbeddingModel: "text-embedding-3-large",
			EmbeddingDims:  3072,
			RPS:            5,
			Burst:          5,
		},
		Milvus: MilvusConfig{
			Address:     "localhost:19530",
			Collection:  "documents",
			SearchLevel: 1,
		},
		Audit: AuditConfig{QueueSize: 256},
		Query: QueryConfig{
			DefaultTopK:        7,
			MaxTopK:            20,
			Categories:         []string{"menu", "sop", "hr", "equipment", "general"},
			Temperature:        0.2,
			MaxTokens:          600,
			StrictCutoff:       0.75,
			RelaxedCutoff:      0.45,
			ResolverTurns:      3,
			PromptHistoryTurns: 10,
			PromptRefresh:      5 * time.Minute,
		},
		Gate: GateConfig{
			MaxQuestionLength: 500,
			UserLimit:         20,
			IPLimit:           60,
			Window:            time.Minute,
		},
		Retry: RetryConfig{
			Attempts:  3,
			Delay:     2 * time.Second,
			MaxDelay:  10 * time.Second,
			MaxJitter: 500 * time.Millisecond,
		},
	}
}

// Load builds the configuration and validates it.
func Load() (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("KA_CONFIG_FILE")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// envReader collects parse errors so that all bad variables are reported at
// once.
type envReader struct {
	errs []error
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return
	}
	*dst = n
}

func (r *envReader) uinteger(key string, dst *uint) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid unsigned integer %q", key, v))
		return
	}
	*dst = uint(n)
}

func (r *envReader) float(key string, dst *float64) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return
	}
	*dst = f
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return
	}
	*dst = b
}

// duration accepts Go duration strings ("90s") or a bare number of seconds.
func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return
	}
	*dst = d
}

// list splits a comma separated value, dropping empty entries.
func (r *envReader) list(key string, dst *[]string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (c *Config) applyEnv() error {
	r := &envReader{}

	r.boolean("DEBUG", &c.Debug)
	r.str("HTTP_ADDR", &c.Server.Addr)

	r.str("STATE_TABLE", &c.AWS.StateTable)
	r.str("PARAM_PREFIX", &c.AWS.ParamPrefix)

	r.str("SESSION_BACKEND", &c.Session.Backend)
	r.integer("MAX_CONTEXT_ITEMS", &c.Session.MaxTurns)
	r.duration("SESSION_TTL", &c.Session.TTL)
	r.str("REDIS_ADDR", &c.Session.RedisAddr)
	r.str("REDIS_PASSWORD", &c.Session.RedisPassword)
	r.integer("REDIS_DB", &c.Session.RedisDB)

	r.str("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	r.str("OPENAI_API_KEY", &c.OpenAI.APIKey)
	r.str("OPENAI_EMBEDDING_MODEL", &c.OpenAI.EmbeddingModel)
	r.integer("OPENAI_EMBEDDING_DIMS", &c.OpenAI.EmbeddingDims)
	r.float("OPENAI_RPS", &c.OpenAI.RPS)
	r.integer("OPENAI_BURST", &c.OpenAI.Burst)

	r.str("MILVUS_ADDRESS", &c.Milvus.Address)
	r.str("MILVUS_USERNAME", &c.Milvus.Username)
	r.str("MILVUS_PASSWORD", &c.Milvus.Password)
	r.str("MILVUS_DB", &c.Milvus.DBName)
	r.str("MILVUS_COLLECTION", &c.Milvus.Collection)
	r.integer("MILVUS_SEARCH_LEVEL", &c.Milvus.SearchLevel)

	r.str("AUDIT_DSN", &c.Audit.DSN)
	r.integer("AUDIT_QUEUE_SIZE", &c.Audit.QueueSize)

	r.integer("DEFAULT_TOP_K", &c.Query.DefaultTopK)
	r.integer("MAX_TOP_K", &c.Query.MaxTopK)
	r.float("SIMILARITY_THRESHOLD", &c.Query.Threshold)
	r.list("CATEGORIES", &c.Query.Categories)
	r.float("TEMPERATURE", &c.Query.Temperature)
	r.integer("MAX_TOKENS", &c.Query.MaxTokens)
	r.float("STRICT_CUTOFF", &c.Query.StrictCutoff)
	r.float("RELAXED_CUTOFF", &c.Query.RelaxedCutoff)
	r.integer("RESOLVER_TURNS", &c.Query.ResolverTurns)
	r.integer("PROMPT_HISTORY_TURNS", &c.Query.PromptHistoryTurns)
	r.duration("PROMPT_REFRESH", &c.Query.PromptRefresh)

	r.integer("MAX_QUESTION_LENGTH", &c.Gate.MaxQuestionLength)
	r.list("DENY_PATTERNS", &c.Gate.DenyPatterns)
	r.integer("RATE_LIMIT_USER", &c.Gate.UserLimit)
	r.integer("RATE_LIMIT_IP", &c.Gate.IPLimit)
	r.duration("RATE_LIMIT_WINDOW", &c.Gate.Window)

	r.uinteger("RETRY_ATTEMPTS", &c.Retry.Attempts)
	r.duration("RETRY_DELAY", &c.Retry.Delay)
	r.duration("RETRY_MAX_DELAY", &c.Retry.MaxDelay)
	r.duration("RETRY_MAX_JITTER", &c.Retry.MaxJitter)

	if len(r.errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(r.errs...))
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Session.Backend {
	case BackendDynamoDB:
		if c.AWS.StateTable == "" {
			add("STATE_TABLE is required for the dynamodb session backend")
		}
	case BackendRedis:
		if c.Session.RedisAddr == "" {
			add("REDIS_ADDR is required for the redis session backend")
		}
	default:
		add("SESSION_BACKEND must be %q or %q, got %q", BackendDynamoDB, BackendRedis, c.Session.Backend)
	}
	if c.AWS.ParamPrefix == "" && c.OpenAI.APIKey == "" {
		add("PARAM_PREFIX or OPENAI_API_KEY is required")
	}
	if c.Session.MaxTurns < 1 {
		add("session max turns must be at least 1, got %d", c.Session.MaxTurns)
	}
	if c.Session.TTL <= 0 {
		add("session ttl must be positive")
	}
	if c.Milvus.Address == "" || c.Milvus.Collection == "" {
		add("MILVUS_ADDRESS and MILVUS_COLLECTION are required")
	}
	if c.OpenAI.EmbeddingDims <= 0 {
		add("embedding dimensions must be positive")
	}
	if c.Query.MaxTopK < 1 || c.Query.DefaultTopK < 1 || c.Query.DefaultTopK > c.Query.MaxTopK {
		add("top k defaults must satisfy 1 <= default (%d) <= max (%d)", c.Query.DefaultTopK, c.Query.MaxTopK)
	}
	if c.Query.Threshold < 0 || c.Query.Threshold > 1 {
		add("similarity threshold must be within [0, 1], got %g", c.Query.Threshold)
	}
	if c.Query.RelaxedCutoff < 0 || c.Query.StrictCutoff > 1 || c.Query.RelaxedCutoff > c.Query.StrictCutoff {
		add("cutoffs must satisfy 0 <= relaxed (%g) <= strict (%g) <= 1", c.Query.RelaxedCutoff, c.Query.StrictCutoff)
	}
	if c.Query.Temperature < 0 || c.Query.Temperature > 2 {
		add("temperature must be within [0, 2], got %g", c.Query.Temperature)
	}
	if c.Query.MaxTokens < 1 {
		add("max tokens must be positive")
	}
	if c.Gate.MaxQuestionLength < 1 {
		add("MAX_QUESTION_LENGTH must be positive")
	}
	if c.Gate.UserLimit < 0 || c.Gate.IPLimit < 0 {
		add("rate limits must not be negative")
	}
	if (c.Gate.UserLimit > 0 || c.Gate.IPLimit > 0) && c.Gate.Window <= 0 {
		add("RATE_LIMIT_WINDOW must be positive when rate limiting is enabled")
	}
	if c.Retry.Attempts < 1 {
		add("RETRY_ATTEMPTS must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
