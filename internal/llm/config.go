package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	reporterrors "weatherfish/pkg/errors"
)

// Backend selects the upstream API shape.
type Backend string

const (
	// BackendChat sends system/user messages to /v1/chat/completions.
	BackendChat Backend = "chat"
	// BackendCompletion renders the prompt through a Template and sends it to /v1/completions.
	BackendCompletion Backend = "completion"
)

type Config struct {
	//required fields
	BaseURL string
	Model   string

	APIKey   string   // optional for local servers (llama.cpp, vLLM, Ollama)
	Backend  Backend  // default: chat
	Template Template // completion backend only (default: llama3)

	GenerationTimeout time.Duration // per-call timeout (default: 60s)
	ProbeOnInit       bool          // GET /v1/models in NewClient
	ProbeTimeout      time.Duration // default: 5s

	// Optional connection pool settings
	MaxIdleConns        int // default: 100
	MaxIdleConnsPerHost int // default: 100

	// Custom HTTP client (for testing or special configs)
	HTTPClient *http.Client
}

// Validate checks required fields only.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("BaseURL is required")
	}
	if c.Model == "" {
		return errors.New("Model is required")
	}
	switch c.Backend {
	case BackendChat:
	case BackendCompletion:
		if !c.Template.Valid() {
			return fmt.Errorf("unknown template %q", c.Template)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}

// WithDefaults returns a copy of Config with sane defaults applied.
func (c *Config) WithDefaults() Config {
	cfg := *c

	// Normalize BaseURL: trim trailing slashes so we can safely append paths.
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.Backend == "" {
		cfg.Backend = BackendChat
	}
	if cfg.Template == "" {
		cfg.Template = TemplateLlama3
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 100
	}

	return cfg
}

// Client talks to an OpenAI-compatible generation server.
// It is safe for concurrent use; whether the backend is, is the gate's concern.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates the generation client. It is meant to be called once at
// process start; when ProbeOnInit is set it also checks that the backend
// answers. Any failure is a backend-unavailable error.
func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	// Apply defaults + normalize BaseURL
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, reporterrors.NewBackendUnavailableError("llm.init", "invalid config", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: defaultTransport(cfg),
		}
	}

	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.Named("llmclient"),
	}

	if cfg.ProbeOnInit {
		if err := c.Probe(ctx); err != nil {
			return nil, err
		}
	}

	c.logger.Info("generation backend ready",
		zap.String("base_url", cfg.BaseURL),
		zap.String("model", cfg.Model),
		zap.String("backend", string(cfg.Backend)),
		zap.String("template", string(cfg.Template)),
	)
	return c, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// defaultTransport creates a production-ready HTTP transport
// with connection pooling and reasonable timeouts.
func defaultTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
