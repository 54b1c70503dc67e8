package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"llama-gateway/internal/logger"
)

// EnvPrefix is the prefix of environment variables that override the file.
const EnvPrefix = "LLAMA_GATEWAY"

const (
	templateAuto    = "auto"
	templateChatML  = "chatml"
	templateLlama2  = "llama2"
	templateLlama3  = "llama3"
	templateMistral = "mistral"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Security   SecurityConfig   `yaml:"security"`
	CORS       CORSConfig       `yaml:"cors"`
	Model      ModelConfig      `yaml:"model"`
	Engine     EngineConfig     `yaml:"engine"`
	Generation GenerationConfig `yaml:"generation"`
	Logging    logger.Config    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// SecurityConfig controls API key checks on the generation endpoints.
type SecurityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	APIKey       string `yaml:"api_key"`
	APIKeyHeader string `yaml:"api_key_header"`
}

// CORSConfig mirrors the browser access policy.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
}

// ModelConfig describes the GGUF model served by the engine.
type ModelConfig struct {
	Path         string   `yaml:"path"`
	Name         string   `yaml:"name"`
	Aliases      []string `yaml:"aliases"`
	CtxSize      int      `yaml:"ctx_size"`
	GPULayers    int      `yaml:"gpu_layers"`
	Threads      int      `yaml:"threads"`
	ChatTemplate string   `yaml:"chat_template"`
	Verbose      bool     `yaml:"verbose"`
}

// EngineConfig configures the llama.cpp backend and the access policy around it.
type EngineConfig struct {
	// URL of an already running llama-server. When empty the gateway starts
	// Binary itself.
	URL               string        `yaml:"url"`
	Binary            string        `yaml:"binary"`
	ExtraArgs         []string      `yaml:"extra_args"`
	StartupTimeout    time.Duration `yaml:"startup_timeout"`
	Slots             int           `yaml:"slots"`
	QueueDepth        int           `yaml:"queue_depth"`
	QueueTimeout      time.Duration `yaml:"queue_timeout"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
}

// GenerationConfig holds the sampling defaults applied to every request.
type GenerationConfig struct {
	DefaultTemperature float64 `yaml:"default_temperature"`
	DefaultMaxTokens   int     `yaml:"default_max_tokens"`
	DefaultTopP        float64 `yaml:"default_top_p"`
	MaxTokensLimit     int     `yaml:"max_tokens_limit"`
	TokenizerFallback  string  `yaml:"tokenizer_fallback"`
}

// MonitoringConfig controls the Prometheus endpoint.
type MonitoringConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsPath string `yaml:"metrics_path"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Security: SecurityConfig{
			APIKeyHeader: "X-API-Key",
		},
		CORS: CORSConfig{
			AllowedOrigins:   []string{"http://localhost:3080", "http://localhost:8000"},
			AllowCredentials: true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"*"},
		},
		Model: ModelConfig{
			Path:         "/app/models/llama-2-7b-chat.Q4_K_M.gguf",
			Name:         "llama-2-7b-chat",
			CtxSize:      4096,
			ChatTemplate: templateChatML,
		},
		Engine: EngineConfig{
			Binary:            "llama-server",
			StartupTimeout:    2 * time.Minute,
			Slots:             1,
			QueueDepth:        8,
			GenerationTimeout: 5 * time.Minute,
		},
		Generation: GenerationConfig{
			DefaultTemperature: 0.7,
			DefaultMaxTokens:   256,
			DefaultTopP:        0.95,
			TokenizerFallback:  "cl100k_base",
		},
		Logging: *logger.DefaultConfig(),
		Monitoring: MonitoringConfig{
			MetricsPath: "/metrics",
		},
	}
}

// Load reads YAML configuration from disk, applies overrides from v and
// validates the result. An empty path yields the defaults plus overrides.
func Load(path string, v *viper.Viper) (Config, error) {
	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	applyOverrides(&cfg, v)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if c.Security.Enabled {
		if strings.TrimSpace(c.Security.APIKey) == "" {
			return fmt.Errorf("security.api_key must be provided when security is enabled")
		}
		if !isCanonicalHTTPHeader(c.Security.APIKeyHeader) {
			return fmt.Errorf("security.api_key_header %q is not a valid canonical HTTP header", c.Security.APIKeyHeader)
		}
	}

	if strings.TrimSpace(c.Model.Name) == "" {
		return fmt.Errorf("model.name must not be empty")
	}
	if c.Engine.URL == "" && strings.TrimSpace(c.Model.Path) == "" {
		return fmt.Errorf("model.path is required unless engine.url points at a running server")
	}
	if c.Model.CtxSize <= 0 {
		return fmt.Errorf("model.ctx_size must be positive, got %d", c.Model.CtxSize)
	}
	if c.Model.GPULayers < -1 {
		return fmt.Errorf("model.gpu_layers must be -1 (all) or greater, got %d", c.Model.GPULayers)
	}
	if err := validateTemplate(c.Model.ChatTemplate); err != nil {
		return err
	}
	for _, alias := range c.Model.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("model.aliases must not contain empty names")
		}
	}

	if c.Engine.URL == "" && strings.TrimSpace(c.Engine.Binary) == "" {
		return fmt.Errorf("engine.binary is required when engine.url is empty")
	}
	if c.Engine.Slots < 1 {
		return fmt.Errorf("engine.slots must be at least 1, got %d", c.Engine.Slots)
	}
	if c.Engine.QueueDepth < 0 {
		return fmt.Errorf("engine.queue_depth must not be negative, got %d", c.Engine.QueueDepth)
	}
	if c.Engine.QueueTimeout < 0 || c.Engine.GenerationTimeout < 0 || c.Engine.StartupTimeout < 0 {
		return fmt.Errorf("engine timeouts must not be negative")
	}

	if c.Generation.DefaultTemperature < 0 || c.Generation.DefaultTemperature > 2 {
		return fmt.Errorf("generation.default_temperature must be within [0, 2], got %v", c.Generation.DefaultTemperature)
	}
	if c.Generation.DefaultTopP <= 0 || c.Generation.DefaultTopP > 1 {
		return fmt.Errorf("generation.default_top_p must be within (0, 1], got %v", c.Generation.DefaultTopP)
	}
	if c.Generation.DefaultMaxTokens <= 0 {
		return fmt.Errorf("generation.default_max_tokens must be positive, got %d", c.Generation.DefaultMaxTokens)
	}
	if c.Generation.MaxTokensLimit < 0 {
		return fmt.Errorf("generation.max_tokens_limit must not be negative, got %d", c.Generation.MaxTokensLimit)
	}

	if err := c.Logging.Validate(); err != nil {
		return err
	}

	if c.Monitoring.Enabled && !strings.HasPrefix(c.Monitoring.MetricsPath, "/") {
		return fmt.Errorf("monitoring.metrics_path must start with '/', got %q", c.Monitoring.MetricsPath)
	}

	return nil
}

// Address returns the listen address for the HTTP server.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func validateTemplate(name string) error {
	switch name {
	case templateAuto, templateChatML, templateLlama2, templateLlama3, templateMistral:
		return nil
	default:
		return fmt.Errorf("model.chat_template %q must be one of auto, chatml, llama2, llama3 or mistral", name)
	}
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
