package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// baseEnv sets the minimum required variables and isolates the test from any
// .env file or config file in the environment.
func baseEnv(t *testing.T) {
	t.Helper()
	chdir(t, t.TempDir())
	t.Setenv("KA_CONFIG_FILE", "")
	t.Setenv("STATE_TABLE", "ka-state")
	t.Setenv("PARAM_PREFIX", "/ka/prod")
}

func TestLoad_Defaults(t *testing.T) {
	baseEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "ka-state", cfg.AWS.StateTable)
	require.Equal(t, "/ka/prod", cfg.AWS.ParamPrefix)
	require.Equal(t, BackendDynamoDB, cfg.Session.Backend)
	require.Equal(t, 10, cfg.Session.MaxTurns)
	require.Equal(t, 30*time.Minute, cfg.Session.TTL)
	require.Equal(t, 7, cfg.Query.DefaultTopK)
	require.Equal(t, 20, cfg.Query.MaxTopK)
	require.Equal(t, 0.75, cfg.Query.StrictCutoff)
	require.Equal(t, 0.45, cfg.Query.RelaxedCutoff)
	require.Equal(t, 500, cfg.Gate.MaxQuestionLength)
	require.Equal(t, []string{"menu", "sop", "hr", "equipment", "general"}, cfg.Query.Categories)
	require.EqualValues(t, 3, cfg.Retry.Attempts)
}

func TestLoad_EnvOverrides(t *testing.T) {
	baseEnv(t)
	t.Setenv("SESSION_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("SESSION_TTL", "900")
	t.Setenv("MAX_CONTEXT_ITEMS", "6")
	t.Setenv("CATEGORIES", "hr, ,menu")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("DEBUG", "true")
	t.Setenv("OPENAI_RPS", "2.5")
	t.Setenv("RETRY_ATTEMPTS", "5")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendRedis, cfg.Session.Backend)
	require.Equal(t, "cache:6379", cfg.Session.RedisAddr)
	require.Equal(t, 15*time.Minute, cfg.Session.TTL)
	require.Equal(t, 6, cfg.Session.MaxTurns)
	require.Equal(t, []string{"hr", "menu"}, cfg.Query.Categories)
	require.Equal(t, 30*time.Second, cfg.Gate.Window)
	require.True(t, cfg.Debug)
	require.Equal(t, 2.5, cfg.OpenAI.RPS)
	require.EqualValues(t, 5, cfg.Retry.Attempts)
}

func TestLoad_ReportsAllParseErrors(t *testing.T) {
	baseEnv(t)
	t.Setenv("MAX_TOKENS", "lots")
	t.Setenv("TEMPERATURE", "warm")
	t.Setenv("SESSION_TTL", "forever")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "MAX_TOKENS")
	require.Contains(t, err.Error(), "TEMPERATURE")
	require.Contains(t, err.Error(), "SESSION_TTL")
}

func TestLoad_YAMLOverlayBelowEnv(t *testing.T) {
	baseEnv(t)
	path := filepath.Join(t.TempDir(), "ka.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
query:
  strict_cutoff: 0.8
  relaxed_cutoff: 0.5
  categories: [faq, hr]
  prompt_refresh: 1m
gate:
  deny_patterns:
    - "reveal .* secrets"
  max_question_length: 300
`), 0o600))
	t.Setenv("KA_CONFIG_FILE", path)
	t.Setenv("MAX_QUESTION_LENGTH", "250")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 0.8, cfg.Query.StrictCutoff)
	require.Equal(t, 0.5, cfg.Query.RelaxedCutoff)
	require.Equal(t, []string{"faq", "hr"}, cfg.Query.Categories)
	require.Equal(t, time.Minute, cfg.Query.PromptRefresh)
	require.Equal(t, []string{"reveal .* secrets"}, cfg.Gate.DenyPatterns)
	require.Equal(t, 250, cfg.Gate.MaxQuestionLength)
	// Untouched values keep their defaults.
	require.Equal(t, 7, cfg.Query.DefaultTopK)
}

func TestLoad_BadYAMLFile(t *testing.T) {
	baseEnv(t)
	t.Setenv("KA_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.ErrorContains(t, err, "config: read")
}

func TestLoad_DotEnvSeedsEnvironment(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("KA_CONFIG_FILE", "")
	// Registered with t.Setenv so the values godotenv sets are cleaned up.
	t.Setenv("STATE_TABLE", "")
	t.Setenv("PARAM_PREFIX", "")
	require.NoError(t, os.Unsetenv("STATE_TABLE"))
	require.NoError(t, os.Unsetenv("PARAM_PREFIX"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("STATE_TABLE=from-dotenv\nPARAM_PREFIX=/ka/dev\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "from-dotenv", cfg.AWS.StateTable)
	require.Equal(t, "/ka/dev", cfg.AWS.ParamPrefix)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.AWS.StateTable = "t"
		c.AWS.ParamPrefix = "/p"
		return c
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "api key instead of prefix", mutate: func(c *Config) { c.AWS.ParamPrefix = ""; c.OpenAI.APIKey = "sk" }},
		{name: "missing table", mutate: func(c *Config) { c.AWS.StateTable = "" }, wantErr: "STATE_TABLE"},
		{name: "redis without table", mutate: func(c *Config) { c.Session.Backend = BackendRedis; c.AWS.StateTable = "" }},
		{name: "unknown backend", mutate: func(c *Config) { c.Session.Backend = "memcached" }, wantErr: "SESSION_BACKEND"},
		{name: "no credentials", mutate: func(c *Config) { c.AWS.ParamPrefix = "" }, wantErr: "OPENAI_API_KEY"},
		{name: "top k order", mutate: func(c *Config) { c.Query.DefaultTopK = 30 }, wantErr: "top k"},
		{name: "cutoff order", mutate: func(c *Config) { c.Query.RelaxedCutoff = 0.9 }, wantErr: "cutoffs"},
		{name: "threshold range", mutate: func(c *Config) { c.Query.Threshold = 1.5 }, wantErr: "threshold"},
		{name: "zero turns", mutate: func(c *Config) { c.Session.MaxTurns = 0 }, wantErr: "max turns"},
		{name: "window", mutate: func(c *Config) { c.Gate.Window = 0 }, wantErr: "RATE_LIMIT_WINDOW"},
		{name: "limits disabled", mutate: func(c *Config) { c.Gate.UserLimit, c.Gate.IPLimit, c.Gate.Window = 0, 0, 0 }},
		{name: "attempts", mutate: func(c *Config) { c.Retry.Attempts = 0 }, wantErr: "RETRY_ATTEMPTS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			err := c.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestValidate_AggregatesProblems(t *testing.T) {
	c := Default()
	c.Query.MaxTokens = 0
	c.Gate.MaxQuestionLength = 0
	err := c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "STATE_TABLE")
	require.Contains(t, err.Error(), "max tokens")
	require.Contains(t, err.Error(), "MAX_QUESTION_LENGTH")
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(prev)) })
}
