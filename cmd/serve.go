package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"llama-gateway/internal/catalog"
	"llama-gateway/internal/config"
	"llama-gateway/internal/engine"
	"llama-gateway/internal/engine/gguf"
	"llama-gateway/internal/engine/llamacpp"
	"llama-gateway/internal/logger"
	"llama-gateway/internal/metrics"
	"llama-gateway/internal/orchestrator"
	"llama-gateway/internal/prompt"
	"llama-gateway/internal/scheduler"
	"llama-gateway/internal/server"
	"llama-gateway/internal/tokenizer"
)

const (
	drainTimeout      = 30 * time.Second
	engineStopTimeout = 10 * time.Second
)

// serveFlags maps command-line flags onto configuration keys.
var serveFlags = []struct {
	name  string
	key   string
	usage string
	kind  string
}{
	{"host", "server.host", "listen host", "string"},
	{"port", "server.port", "listen port", "int"},
	{"model", "model.path", "path to the GGUF model file", "string"},
	{"model-name", "model.name", "model id reported to clients", "string"},
	{"ctx-size", "model.ctx_size", "context window in tokens", "int"},
	{"gpu-layers", "model.gpu_layers", "layers to offload to the GPU (-1 for all)", "int"},
	{"chat-template", "model.chat_template", "prompt template: auto, chatml, llama2, llama3 or mistral", "string"},
	{"engine-url", "engine.url", "URL of a running llama-server to use instead of starting one", "string"},
	{"queue-depth", "engine.queue_depth", "requests allowed to wait for the engine", "int"},
	{"log-level", "logging.level", "log level: debug, info, warn or error", "string"},
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine and the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cmd.Flags())
		},
	}

	f := cmd.Flags()
	for _, fl := range serveFlags {
		switch fl.kind {
		case "int":
			f.Int(fl.name, 0, fl.usage)
		default:
			f.String(fl.name, "", fl.usage)
		}
	}
	return cmd
}

func bindServeFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for _, fl := range serveFlags {
		if err := v.BindPFlag(fl.key, flags.Lookup(fl.name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", fl.name, err)
		}
	}
	return nil
}

func serve(ctx context.Context, flags *pflag.FlagSet) error {
	v := config.NewViper()
	if err := bindServeFlags(v, flags); err != nil {
		return err
	}
	cfgPath, err := flags.GetString("config")
	if err != nil {
		return err
	}

	cfg, err := config.Load(cfgPath, v)
	if err != nil {
		return err
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	templateName := resolveTemplate(cfg, log)
	builder, err := prompt.New(templateName)
	if err != nil {
		return err
	}

	eng, proc, err := startEngine(ctx, cfg, log)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(cfg.Engine.Slots, cfg.Engine.QueueDepth, cfg.Engine.QueueTimeout)
	if err != nil {
		return err
	}
	cat, err := catalog.New(cfg.Model.Name, cfg.Model.Aliases)
	if err != nil {
		return err
	}

	counter := tokenizer.Chain{tokenizer.CounterFunc(eng.Tokenize)}
	if cfg.Generation.TokenizerFallback != "" {
		counter = append(counter, tokenizer.NewTiktoken(cfg.Generation.TokenizerFallback))
	}

	opts := []orchestrator.Option{
		orchestrator.WithCounter(counter),
		orchestrator.WithLogger(log),
	}
	var m *metrics.Metrics
	if cfg.Monitoring.Enabled {
		m = metrics.New(sched.Stats)
		opts = append(opts, orchestrator.WithRecorder(m))
	}

	orch, err := orchestrator.New(orchestrator.Config{
		ModelName: cfg.Model.Name,
		Defaults: orchestrator.Defaults{
			Temperature:    cfg.Generation.DefaultTemperature,
			TopP:           cfg.Generation.DefaultTopP,
			MaxTokens:      cfg.Generation.DefaultMaxTokens,
			MaxTokensLimit: cfg.Generation.MaxTokensLimit,
		},
		GenerationTimeout: cfg.Engine.GenerationTimeout,
	}, eng, builder, sched, opts...)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, server.Deps{
		Orchestrator: orch,
		Engine:       eng,
		Scheduler:    sched,
		Catalog:      cat,
		Metrics:      m,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	log.Info("gateway configured",
		zap.String("model", cfg.Model.Name),
		zap.String("template", templateName),
		zap.String("engine", eng.Name()),
		zap.Int("slots", cfg.Engine.Slots),
		zap.Int("queue_depth", cfg.Engine.QueueDepth),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		// stop admitting work as soon as shutdown starts
		<-gctx.Done()
		sched.Close()
		return nil
	})
	if proc != nil {
		g.Go(func() error {
			select {
			case <-proc.Done():
				if err := proc.Err(); err != nil {
					return fmt.Errorf("engine process exited: %w", err)
				}
				return errors.New("engine process exited")
			case <-gctx.Done():
				return nil
			}
		})
	}
	runErr := g.Wait()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := sched.Drain(drainCtx); err != nil {
		log.Warn("in-flight generations did not finish", zap.Error(err))
	}
	if proc != nil {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), engineStopTimeout)
		defer cancelStop()
		if err := proc.Stop(stopCtx); err != nil {
			log.Warn("stop engine process", zap.Error(err))
		}
	}
	log.Info("gateway stopped")
	return runErr
}

// startEngine connects to engine.url when set and otherwise launches
// llama-server on the configured model.
func startEngine(ctx context.Context, cfg config.Config, log *logger.Logger) (engine.Engine, *llamacpp.Process, error) {
	if cfg.Engine.URL != "" {
		client, err := llamacpp.NewClient(cfg.Engine.URL, nil)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using external engine", zap.String("url", cfg.Engine.URL))
		return client, nil, nil
	}

	proc, err := llamacpp.Start(ctx, llamacpp.ProcessConfig{
		Binary:         cfg.Engine.Binary,
		ModelPath:      cfg.Model.Path,
		CtxSize:        cfg.Model.CtxSize,
		GPULayers:      cfg.Model.GPULayers,
		Threads:        cfg.Model.Threads,
		Slots:          cfg.Engine.Slots,
		Verbose:        cfg.Model.Verbose,
		ExtraArgs:      cfg.Engine.ExtraArgs,
		StartupTimeout: cfg.Engine.StartupTimeout,
	}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("start engine: %w", err)
	}
	return proc.Client(), proc, nil
}

// resolveTemplate reads the GGUF header when the model file is local. It
// picks the template for "auto" and warns about a context window larger than
// the model was trained for.
func resolveTemplate(cfg config.Config, log *logger.Logger) string {
	name := cfg.Model.ChatTemplate

	meta, err := gguf.ReadFile(cfg.Model.Path)
	if err != nil {
		if cfg.Engine.URL == "" {
			log.Warn("could not read model metadata", zap.Error(err))
		}
		if name == "auto" {
			name = prompt.ChatML
		}
		return name
	}

	log.Info("model metadata",
		zap.String("name", meta.Name()),
		zap.String("architecture", meta.Architecture()),
		zap.Uint64("context_length", meta.ContextLength()),
	)
	if trained := meta.ContextLength(); trained > 0 && uint64(cfg.Model.CtxSize) > trained {
		log.Warn("ctx_size exceeds the model's training context",
			zap.Int("ctx_size", cfg.Model.CtxSize),
			zap.Uint64("trained", trained),
		)
	}
	if name == "auto" {
		name = prompt.Detect(meta.ChatTemplate())
		log.Info("chat template detected", zap.String("template", name))
	}
	return name
}
