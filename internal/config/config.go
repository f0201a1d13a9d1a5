// Package config loads reportd configuration: defaults, then an optional YAML
// file, then .env and environment overrides.
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

	"weatherfish/internal/cache"
	"weatherfish/internal/llm"
	"weatherfish/internal/persist"
	"weatherfish/internal/pipeline"
	"weatherfish/internal/prompt"
)

type Config struct {
	Env       string          `yaml:"env"`
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Redis     RedisConfig     `yaml:"redis"`
	LLM       LLMConfig       `yaml:"llm"`
	Prompt    PromptConfig    `yaml:"prompt"`
	Weather   WeatherConfig   `yaml:"weather"`
	Persist   PersistConfig   `yaml:"persist"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pipeline  pipeline.Config `yaml:"pipeline"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig lets the browser frontend call the API from another origin.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"` // "*" allows any origin
	AllowCredentials bool     `yaml:"allow_credentials"`
}

type CacheConfig struct {
	Backend    string        `yaml:"backend"` // memory | redis
	TTL        time.Duration `yaml:"ttl"`     // 0 = never expire
	Prefix     string        `yaml:"prefix"`
	MaxEntries int           `yaml:"max_entries"` // memory only; 0 = unbounded
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LLMConfig struct {
	BaseURL           string            `yaml:"base_url"`
	Model             string            `yaml:"model"`
	APIKey            string            `yaml:"api_key"`
	Backend           string            `yaml:"backend"`  // chat | completion
	Template          string            `yaml:"template"` // llama3 | chatml | plain
	GenerationTimeout time.Duration     `yaml:"generation_timeout"`
	ProbeOnInit       bool              `yaml:"probe_on_init"`
	Concurrency       int64             `yaml:"concurrency"` // permits at the backend gate
	Breaker           llm.BreakerConfig `yaml:"breaker"`
}

type PromptConfig struct {
	Budget int `yaml:"budget"`
}

type WeatherConfig struct {
	Dir string `yaml:"dir"` // one <location>.json per location
}

type PersistConfig struct {
	Backend string           `yaml:"backend"` // none | file | s3
	Dir     string           `yaml:"dir"`
	S3      persist.S3Config `yaml:"s3"`
}

type SchedulerConfig struct {
	Enabled  bool            `yaml:"enabled"`
	At       string          `yaml:"at"` // HH:MM, daily
	Timezone string          `yaml:"timezone"`
	Profiles []ReportProfile `yaml:"profiles"`
}

// ReportProfile is a saved report request the scheduler produces daily.
type ReportProfile struct {
	Name     string   `yaml:"name"`
	Cities   []string `yaml:"cities"`
	Zipcodes []string `yaml:"zipcodes"`
	Person   string   `yaml:"person"`
	Hobbies  []string `yaml:"hobbies"`
	Language string   `yaml:"language"`
}

// Default returns a config that runs locally against a llama.cpp-style server.
func Default() *Config {
	return &Config{
		Env:      "production",
		LogLevel: "info",
		Server: ServerConfig{
			Port:            "8080",
			RequestTimeout:  90 * time.Second,
			MaxBodyBytes:    64 * 1024,
			ShutdownTimeout: 15 * time.Second,
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
			},
		},
		Cache: CacheConfig{
			Backend: "memory",
			Prefix:  "weatherfish",
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		LLM: LLMConfig{
			BaseURL:           "http://127.0.0.1:8081",
			Model:             "llama-3.2-3b-instruct",
			Backend:           string(llm.BackendChat),
			Template:          string(llm.TemplateLlama3),
			GenerationTimeout: 60 * time.Second,
			Concurrency:       1,
		},
		Prompt: PromptConfig{
			Budget: prompt.DefaultBudget,
		},
		Weather: WeatherConfig{
			Dir: "data/weather",
		},
		Persist: PersistConfig{
			Backend: "file",
			Dir:     "data/reports",
		},
		Scheduler: SchedulerConfig{
			At:       "07:00",
			Timezone: "UTC",
		},
		Pipeline: pipeline.Config{
			Generation: llm.DefaultGenerationConfig(),
			Retry: pipeline.RetryPolicy{
				BaseBackoff: 500 * time.Millisecond,
			},
		},
	}
}

// searchPaths are tried in order when REPORTD_CONFIG is not set.
var searchPaths = []string{
	"configs/reportd.yaml",
	"reportd.yaml",
}

// Load builds the effective configuration. A missing .env or config file is
// not an error; a malformed one is.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()

	path := os.Getenv("REPORTD_CONFIG")
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	} else {
		for _, p := range searchPaths {
			err := cfg.loadFile(p)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			break
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() error {
	c.Env = getenv("ENV", c.Env)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)

	c.Server.Port = getenv("PORT", c.Server.Port)
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORS.AllowedOrigins = splitList(v)
	}

	c.Cache.Backend = getenv("CACHE_BACKEND", c.Cache.Backend)
	c.Cache.Prefix = getenv("CACHE_PREFIX", c.Cache.Prefix)
	c.Redis.Addr = getenv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getenv("REDIS_PASSWORD", c.Redis.Password)

	c.LLM.BaseURL = getenv("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = getenv("LLM_MODEL", c.LLM.Model)
	c.LLM.APIKey = getenv("LLM_API_KEY", c.LLM.APIKey)
	c.LLM.Backend = getenv("LLM_BACKEND", c.LLM.Backend)
	c.LLM.Template = getenv("LLM_TEMPLATE", c.LLM.Template)

	c.Weather.Dir = getenv("WEATHER_DIR", c.Weather.Dir)
	c.Persist.Backend = getenv("PERSIST_BACKEND", c.Persist.Backend)
	c.Persist.Dir = getenv("PERSIST_DIR", c.Persist.Dir)
	c.Persist.S3.Bucket = getenv("S3_BUCKET_NAME", c.Persist.S3.Bucket)
	c.Persist.S3.Region = getenv("AWS_REGION", c.Persist.S3.Region)
	c.Persist.S3.AccessKeyID = getenv("AWS_ACCESS_KEY_ID", c.Persist.S3.AccessKeyID)
	c.Persist.S3.SecretKey = getenv("AWS_SECRET_ACCESS_KEY", c.Persist.S3.SecretKey)
	c.Persist.S3.Endpoint = getenv("S3_ENDPOINT", c.Persist.S3.Endpoint)
	c.Persist.S3.Prefix = getenv("S3_PATH_PREFIX", c.Persist.S3.Prefix)

	c.Scheduler.At = getenv("SCHEDULER_AT", c.Scheduler.At)

	var err error
	if c.Cache.TTL, err = getenvDuration("CACHE_TTL", c.Cache.TTL); err != nil {
		return err
	}
	if c.Cache.MaxEntries, err = getenvInt("CACHE_MAX_ENTRIES", c.Cache.MaxEntries); err != nil {
		return err
	}
	if c.LLM.GenerationTimeout, err = getenvDuration("GENERATION_TIMEOUT", c.LLM.GenerationTimeout); err != nil {
		return err
	}
	if c.Server.RequestTimeout, err = getenvDuration("REQUEST_TIMEOUT", c.Server.RequestTimeout); err != nil {
		return err
	}
	if c.Prompt.Budget, err = getenvInt("PROMPT_BUDGET", c.Prompt.Budget); err != nil {
		return err
	}
	if c.Pipeline.Retry.MaxRetries, err = getenvInt("GENERATION_MAX_RETRIES", c.Pipeline.Retry.MaxRetries); err != nil {
		return err
	}
	if c.LLM.ProbeOnInit, err = getenvBool("LLM_PROBE_ON_INIT", c.LLM.ProbeOnInit); err != nil {
		return err
	}
	if c.LLM.Breaker.Enabled, err = getenvBool("LLM_BREAKER_ENABLED", c.LLM.Breaker.Enabled); err != nil {
		return err
	}
	if c.Scheduler.Enabled, err = getenvBool("SCHEDULER_ENABLED", c.Scheduler.Enabled); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend))
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, errors.New("cache.max_entries must not be negative"))
	}
	if c.Cache.Backend == "redis" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required for the redis cache"))
	}

	if c.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url is required"))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	switch llm.Backend(c.LLM.Backend) {
	case llm.BackendChat, llm.BackendCompletion:
	default:
		errs = append(errs, fmt.Errorf("llm.backend must be chat or completion, got %q", c.LLM.Backend))
	}
	if c.LLM.Backend == string(llm.BackendCompletion) && !llm.Template(c.LLM.Template).Valid() {
		errs = append(errs, fmt.Errorf("llm.template %q is not supported", c.LLM.Template))
	}

	if c.Prompt.Budget <= 0 {
		errs = append(errs, errors.New("prompt.budget must be positive"))
	}
	if err := c.Pipeline.Generation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.generation: %w", err))
	}
	if c.Pipeline.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("pipeline.retry.max_retries must not be negative"))
	}

	switch c.Persist.Backend {
	case "", "none":
	case "file":
		if c.Persist.Dir == "" {
			errs = append(errs, errors.New("persist.dir is required for the file sink"))
		}
	case "s3":
		if c.Persist.S3.Bucket == "" {
			errs = append(errs, errors.New("persist.s3.bucket is required for the s3 sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("persist.backend must be none, file or s3, got %q", c.Persist.Backend))
	}

	if c.Scheduler.Enabled {
		if _, err := time.Parse("15:04", c.Scheduler.At); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.at must be HH:MM: %w", err))
		}
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	return errors.Join(errs...)
}

// StoreConfig maps the cache section onto the store factory's config.
func (c CacheConfig) StoreConfig() cache.Config {
	return cache.Config{
		Backend:    c.Backend,
		TTL:        c.TTL,
		Prefix:     c.Prefix,
		MaxEntries: c.MaxEntries,
	}
}

// ClientConfig maps the llm section onto the client's config.
func (c LLMConfig) ClientConfig() llm.Config {
	return llm.Config{
		BaseURL:           c.BaseURL,
		Model:             c.Model,
		APIKey:            c.APIKey,
		Backend:           llm.Backend(c.Backend),
		Template:          llm.Template(c.Template),
		GenerationTimeout: c.GenerationTimeout,
		ProbeOnInit:       c.ProbeOnInit,
	}
}

// Request turns a profile into a pipeline request.
func (p ReportProfile) Request() cache.ReportRequest {
	return cache.ReportRequest{
		Cities:   p.Cities,
		Zipcodes: p.Zipcodes,
		Person:   p.Person,
		Hobbies:  p.Hobbies,
		Language: p.Language,
	}
}

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// splitList parses a comma-separated env value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
