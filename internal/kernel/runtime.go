// Package kernel wires every other package in this module into one
// constructible Runtime value: org registry, message bus, conversation
// store, context builder, LLM clients, tool dispatcher, LLM handler,
// scheduler, artifact store and audit trail. There are no package-level
// globals anywhere in this wiring; every collaborator is an explicit
// field threaded through config structs, building the Runtime by hand
// rather than relying on DI magic or init()-time registration.
package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zhanglunet/agentsociety/internal/agentstate"
	"github.com/zhanglunet/agentsociety/internal/artifactstore"
	"github.com/zhanglunet/agentsociety/internal/audit"
	"github.com/zhanglunet/agentsociety/internal/bus"
	"github.com/zhanglunet/agentsociety/internal/config"
	"github.com/zhanglunet/agentsociety/internal/contextbuilder"
	"github.com/zhanglunet/agentsociety/internal/conversation"
	"github.com/zhanglunet/agentsociety/internal/llmclient"
	"github.com/zhanglunet/agentsociety/internal/llmhandler"
	"github.com/zhanglunet/agentsociety/internal/observability"
	"github.com/zhanglunet/agentsociety/internal/org"
	"github.com/zhanglunet/agentsociety/internal/scheduler"
	"github.com/zhanglunet/agentsociety/internal/tooldispatch"
	"github.com/zhanglunet/agentsociety/internal/wiresurface"
)

// basePrompt and toolRulesPrompt are the two static fragments that open
// every agent's system prompt; the rest is composed at request time from
// the agent's role, task brief and contacts.
const (
	basePrompt = "You are an autonomous agent in a multi-agent organization. " +
		"Collaborate with your contacts, delegate work by spawning child agents " +
		"when a task calls for specialization, and report results to your parent."
	toolRulesPrompt = "Only call tools that appear in your tool catalog. " +
		"Always supply arguments that validate against the tool's schema."
)

// Runtime owns every long-lived component and the background goroutine
// driving the scheduler.
type Runtime struct {
	Config       *config.Config
	Log          *observability.Logger
	Metrics      *observability.Metrics
	Registry     prometheus.Registerer
	Org          *org.Registry
	Bus          *bus.Bus
	Conversation *conversation.Manager
	ContextBuild *contextbuilder.Builder
	State        *agentstate.Tracker
	Tools        *tooldispatch.Dispatcher
	Handler      *llmhandler.Handler
	Scheduler    *scheduler.Scheduler
	Artifacts    artifactstore.Store
	Audit        *audit.Store
	Events       *wiresurface.EventHub
	HTTP         *wiresurface.Server

	cancelRun  context.CancelFunc
	cancelHTTP context.CancelFunc
}

// Build constructs a Runtime from cfg but does not start the scheduler
// loop; call Start for that. Separated so callers such as tests can
// inspect a fully wired Runtime without a background goroutine running
// against it.
func Build(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kernel: invalid config: %w", err)
	}

	log := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.Log.Level,
		Format: cfg.Observability.Log.Format,
	})

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	orgRegistry := org.New(cfg.RuntimeDir, log)
	if err := orgRegistry.Load(); err != nil {
		return nil, fmt.Errorf("kernel: loading org registry: %w", err)
	}

	state := agentstate.New()

	thresholds := conversation.Thresholds{
		MaxTokens: cfg.ContextLimit.MaxTokens,
		Warning:   cfg.ContextLimit.WarningThreshold,
		Critical:  cfg.ContextLimit.CriticalThreshold,
		Hard:      cfg.ContextLimit.HardLimitThreshold,
	}
	debounce := time.Duration(cfg.PersistDebounceMs) * time.Millisecond
	convMgr := conversation.New(cfg.RuntimeDir, thresholds, debounce, log)
	if err := convMgr.LoadAll(); err != nil {
		return nil, fmt.Errorf("kernel: loading conversation store: %w", err)
	}

	contextBuild := contextbuilder.New(basePrompt, toolRulesPrompt, orgRegistry)

	artifacts, err := artifactstore.NewFromConfig(ctx, cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("kernel: building artifact store: %w", err)
	}

	var auditStore *audit.Store
	if cfg.Audit.Enabled {
		auditStore, err = audit.Open(cfg.Audit.DBPath)
		if err != nil {
			return nil, fmt.Errorf("kernel: opening audit store: %w", err)
		}
	}

	clients, err := buildLLMClients(cfg)
	if err != nil {
		return nil, fmt.Errorf("kernel: building LLM clients: %w", err)
	}

	rt := &Runtime{
		Config:       cfg,
		Log:          log,
		Metrics:      metrics,
		Registry:     reg,
		Org:          orgRegistry,
		Conversation: convMgr,
		ContextBuild: contextBuild,
		State:        state,
		Artifacts:    artifacts,
		Audit:        auditStore,
	}

	messageBus := bus.New(bus.Config{
		Status:        orgRegistry,
		ComputeStatus: state,
		Metrics:       metrics,
		Log:           log,
	})
	rt.Bus = messageBus

	tools := tooldispatch.New(orgRegistry, convMgr, messageBus, artifacts, cfg.RuntimeDir, log)
	if auditStore != nil {
		tools.SetAudit(auditStore)
	}
	rt.Tools = tools

	handler := llmhandler.New(llmhandler.Config{
		Org:           orgRegistry,
		Conversation:  convMgr,
		ContextBuild:  contextBuild,
		Bus:           messageBus,
		Tools:         tools,
		State:         state,
		Clients:       clients,
		DefaultClient: cfg.DefaultLLMServiceID,
		MaxToolRounds: cfg.MaxToolRounds,
		Log:           log,
		Metrics:       metrics,
	})
	rt.Handler = handler

	// The bus's interruption hook must be wired after the handler exists,
	// since OnInterruption is a method on Handler.
	messageBus.SetInterruptionFunc(handler.OnInterruption)

	events := wiresurface.NewEventHub()
	rt.Events = events

	rt.Scheduler = scheduler.New(scheduler.Config{
		Bus:           messageBus,
		State:         state,
		Handler:       handler,
		Conversation:  convMgr,
		MaxConcurrent: cfg.MaxConcurrent,
		Log:           log,
		Metrics:       metrics,
		OnStalled: func(agentID string, since time.Duration) {
			events.Publish(wiresurface.Event{
				Type:    "agent.stalled",
				AgentID: agentID,
				Data:    map[string]any{"waitingSeconds": since.Seconds()},
			})
		},
	})

	rt.HTTP = wiresurface.New(cfg.HTTP.ListenAddr, wiresurface.Deps{
		Org:        orgRegistry,
		Bus:        messageBus,
		State:      state,
		Events:     events,
		AuthSecret: cfg.HTTP.AuthToken,
		Log:        log,
	})

	return rt, nil
}

func buildLLMClients(cfg *config.Config) (map[string]llmclient.Client, error) {
	clients := make(map[string]llmclient.Client, len(cfg.LLMProviders))
	for _, p := range cfg.LLMProviders {
		apiKey, err := p.ResolveAPIKey()
		if err != nil {
			return nil, err
		}
		retry := llmclient.RetryConfig{MaxRetries: p.MaxRetries}
		switch p.Provider {
		case "anthropic":
			c, err := llmclient.NewAnthropicClient(llmclient.AnthropicConfig{
				APIKey:       apiKey,
				BaseURL:      p.BaseURL,
				DefaultModel: p.Model,
				Retry:        retry,
			})
			if err != nil {
				return nil, fmt.Errorf("llm provider %q: %w", p.ID, err)
			}
			clients[p.ID] = c
		case "openai":
			c, err := llmclient.NewOpenAIClient(llmclient.OpenAIConfig{
				APIKey:       apiKey,
				BaseURL:      p.BaseURL,
				DefaultModel: p.Model,
				Retry:        retry,
			})
			if err != nil {
				return nil, fmt.Errorf("llm provider %q: %w", p.ID, err)
			}
			clients[p.ID] = c
		default:
			return nil, fmt.Errorf("llm provider %q: unknown provider type %q", p.ID, p.Provider)
		}
	}
	return clients, nil
}

// Start launches the scheduler's driver loop and the HTTP wire surface,
// each in its own goroutine.
func (rt *Runtime) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	rt.cancelRun = cancel
	go rt.Scheduler.Run(runCtx)

	if rt.Config.HTTP.ListenAddr != "" {
		httpCtx, httpCancel := context.WithCancel(ctx)
		rt.cancelHTTP = httpCancel
		go func() {
			if err := rt.HTTP.Start(httpCtx); err != nil {
				rt.Log.Error(ctx, "wire surface stopped", "error", err)
			}
		}()
	}
}

// Shutdown performs a graceful drain-and-persist shutdown.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if rt.cancelHTTP != nil {
		rt.cancelHTTP()
	}
	rt.Scheduler.Stop(ctx)
	if rt.cancelRun != nil {
		rt.cancelRun()
	}
	return rt.closeStores()
}

// ForceShutdown aborts in-flight LLM calls before draining.
func (rt *Runtime) ForceShutdown(ctx context.Context) error {
	if rt.cancelHTTP != nil {
		rt.cancelHTTP()
	}
	rt.Scheduler.ForceStop(ctx)
	if rt.cancelRun != nil {
		rt.cancelRun()
	}
	return rt.closeStores()
}

func (rt *Runtime) closeStores() error {
	if rt.Audit != nil {
		return rt.Audit.Close()
	}
	return nil
}
