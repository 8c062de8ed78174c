package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/rahul/vibe/internal/agent"
	"github.com/rahul/vibe/internal/artifact"
	"github.com/rahul/vibe/internal/audit"
	"github.com/rahul/vibe/internal/governance"
	"github.com/rahul/vibe/internal/knowledge"
	"github.com/rahul/vibe/internal/observability"
	"github.com/rahul/vibe/internal/store"
	"github.com/rahul/vibe/internal/tools"
	"github.com/rahul/vibe/internal/trace"
	"github.com/rahul/vibe/internal/worker"
	"github.com/rahul/vibe/pkg/config"
)

// sessionStore is what the CLI needs from either store backend.
type sessionStore interface {
	store.Store
	store.TaskStore
}

// app holds the wired components shared by the serve and chat commands.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      sessionStore
	audit      *audit.Logger
	emitter    *trace.Emitter
	metrics    *observability.Metrics
	registry   *tools.Registry
	knowledge  knowledge.Adapter
	supervisor *agent.Supervisor

	closers []func() error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
}

func openStore(cfg *config.Config) (sessionStore, func() error, error) {
	if cfg.Store.Type == "memory" {
		return store.NewMemoryStore(), func() error { return nil }, nil
	}
	st, err := store.NewSQLStore(cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	return st, st.Close, nil
}

// newApp builds every component from cfg. The metrics are registered with
// reg.
func newApp(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, closeStore)

	auditLog, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a.audit = auditLog
	a.closers = append(a.closers, auditLog.Close)

	a.metrics = observability.NewMetrics(reg)
	a.emitter = trace.NewEmitter(st, logger)
	a.emitter.OnEmit = func(evt trace.Event) {
		a.metrics.EventEmitted(string(evt.Kind))
	}

	pName, pCfg := cfg.GetDefaultProvider()
	if pName == "" {
		return nil, errors.New("no enabled provider found in config (set " + config.APIKeyEnv + ")")
	}
	var llm *openai.LLM
	switch pName {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(pCfg.APIKey),
			openai.WithModel(pCfg.Model),
		}
		if pCfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pCfg.BaseURL))
		}
		if pCfg.EmbeddingModel != "" {
			opts = append(opts, openai.WithEmbeddingModel(pCfg.EmbeddingModel))
		}
		llm, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("provider %s is not supported", pName)
	}
	if err != nil {
		return nil, fmt.Errorf("init provider %s: %w", pName, err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	a.knowledge = knowledge.NewVectorAdapter(knowledge.NewMemoryVectorStore(embedder),
		cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap)

	policy, err := governance.NewPolicyEngine(cfg.Tools.Denied, cfg.Tools.DeniedPatterns)
	if err != nil {
		return nil, err
	}
	for name, allowed := range worker.ToolPolicy() {
		policy.RestrictWorker(name, allowed...)
	}

	a.registry = tools.NewRegistry(policy, logger)
	if err := a.registerTools(); err != nil {
		return nil, err
	}

	a.supervisor, err = agent.NewSupervisor(agent.Config{
		MaxIterations:   cfg.Supervisor.MaxIterations,
		MaxStepAttempts: cfg.Supervisor.MaxStepAttempts,
		HistoryWindow:   cfg.Supervisor.HistoryWindow,
	}, agent.Deps{
		Store:    st,
		Emitter:  a.emitter,
		Registry: a.registry,
		Workers:  worker.Team(llm, worker.NewPromptManager(cfg.App.PromptsDir)),
		Audit:    auditLog,
		Metrics:  a.metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func (a *app) registerTools() error {
	cfg := a.cfg
	if err := os.MkdirAll(cfg.App.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	files, err := artifact.NewFileRenderer(cfg.App.Workspace)
	if err != nil {
		return err
	}
	renderers := artifact.Router{
		artifact.FormatMarkdown: files,
		artifact.FormatText:     files,
	}

	list := []tools.Tool{
		tools.NewScraperTool(cfg.Tools.ScrapeMaxChars),
		tools.NewArxivSearchTool(),
		tools.NewArxivDetailsTool(),
		tools.NewHNSearchTool(),
		tools.NewSaveFileTool(renderers),
		tools.NewCronTool(a.store),
		tools.NewIndexTool(a.knowledge),
		tools.NewRAGTool(a.knowledge),
	}

	if search, err := tools.NewSearchTool(cfg.Tools.SearchResults); err != nil {
		a.logger.Warn("web search unavailable", "error", err)
	} else {
		list = append(list, search)
	}

	if cfg.Tools.PDF {
		pdf, err := artifact.NewPDFRenderer(cfg.App.Workspace)
		if err != nil {
			return fmt.Errorf("init pdf renderer: %w", err)
		}
		a.closers = append(a.closers, func() error { pdf.Close(); return nil })
		renderers[artifact.FormatPDF] = pdf
		list = append(list, tools.NewSavePDFTool(renderers))
	}

	for _, t := range list {
		if err := a.registry.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name(), err)
		}
	}
	a.logger.Info("tools registered", "tools", a.registry.Names())
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown error", "error", err)
		}
	}
	a.closers = nil
}
