package config

import (
	"strings"

	"github.com/spf13/viper"
)

// overrideKeys lists every key that may be overridden from the environment
// or from command-line flags bound to the same viper instance.
var overrideKeys = []string{
	"server.host",
	"server.port",
	"security.enabled",
	"security.api_key",
	"security.api_key_header",
	"model.path",
	"model.name",
	"model.ctx_size",
	"model.gpu_layers",
	"model.threads",
	"model.chat_template",
	"model.verbose",
	"engine.url",
	"engine.binary",
	"engine.startup_timeout",
	"engine.slots",
	"engine.queue_depth",
	"engine.queue_timeout",
	"engine.generation_timeout",
	"generation.default_temperature",
	"generation.default_max_tokens",
	"generation.default_top_p",
	"generation.max_tokens_limit",
	"logging.level",
	"logging.format",
	"logging.output",
	"logging.file.filename",
	"monitoring.enabled",
	"monitoring.metrics_path",
}

// NewViper returns a viper instance reading LLAMA_GATEWAY_* variables,
// e.g. LLAMA_GATEWAY_SERVER_PORT for server.port.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range overrideKeys {
		// BindEnv only errors when called without a key.
		_ = v.BindEnv(key)
	}
	return v
}

func applyOverrides(cfg *Config, v *viper.Viper) {
	if v == nil {
		return
	}

	overrideString(v, "server.host", &cfg.Server.Host)
	overrideInt(v, "server.port", &cfg.Server.Port)

	overrideBool(v, "security.enabled", &cfg.Security.Enabled)
	overrideString(v, "security.api_key", &cfg.Security.APIKey)
	overrideString(v, "security.api_key_header", &cfg.Security.APIKeyHeader)

	overrideString(v, "model.path", &cfg.Model.Path)
	overrideString(v, "model.name", &cfg.Model.Name)
	overrideInt(v, "model.ctx_size", &cfg.Model.CtxSize)
	overrideInt(v, "model.gpu_layers", &cfg.Model.GPULayers)
	overrideInt(v, "model.threads", &cfg.Model.Threads)
	overrideString(v, "model.chat_template", &cfg.Model.ChatTemplate)
	overrideBool(v, "model.verbose", &cfg.Model.Verbose)

	overrideString(v, "engine.url", &cfg.Engine.URL)
	overrideString(v, "engine.binary", &cfg.Engine.Binary)
	overrideInt(v, "engine.slots", &cfg.Engine.Slots)
	overrideInt(v, "engine.queue_depth", &cfg.Engine.QueueDepth)
	if v.IsSet("engine.startup_timeout") {
		cfg.Engine.StartupTimeout = v.GetDuration("engine.startup_timeout")
	}
	if v.IsSet("engine.queue_timeout") {
		cfg.Engine.QueueTimeout = v.GetDuration("engine.queue_timeout")
	}
	if v.IsSet("engine.generation_timeout") {
		cfg.Engine.GenerationTimeout = v.GetDuration("engine.generation_timeout")
	}

	overrideFloat(v, "generation.default_temperature", &cfg.Generation.DefaultTemperature)
	overrideInt(v, "generation.default_max_tokens", &cfg.Generation.DefaultMaxTokens)
	overrideFloat(v, "generation.default_top_p", &cfg.Generation.DefaultTopP)
	overrideInt(v, "generation.max_tokens_limit", &cfg.Generation.MaxTokensLimit)

	overrideString(v, "logging.level", &cfg.Logging.Level)
	overrideString(v, "logging.format", &cfg.Logging.Format)
	overrideString(v, "logging.output", &cfg.Logging.Output)
	overrideString(v, "logging.file.filename", &cfg.Logging.File.Filename)

	overrideBool(v, "monitoring.enabled", &cfg.Monitoring.Enabled)
	overrideString(v, "monitoring.metrics_path", &cfg.Monitoring.MetricsPath)
}

func overrideString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func overrideInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func overrideFloat(v *viper.Viper, key string, dst *float64) {
	if v.IsSet(key) {
		*dst = v.GetFloat64(key)
	}
}

func overrideBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}
