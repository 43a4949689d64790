package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/haru0416-dev/asteroniris/pkg/agent"
	"github.com/haru0416-dev/asteroniris/pkg/channel"
	"github.com/haru0416-dev/asteroniris/pkg/config"
	"github.com/haru0416-dev/asteroniris/pkg/defense"
	"github.com/haru0416-dev/asteroniris/pkg/gateway"
	"github.com/haru0416-dev/asteroniris/pkg/guard"
	"github.com/haru0416-dev/asteroniris/pkg/ingest"
	"github.com/haru0416-dev/asteroniris/pkg/memory"
	memfactory "github.com/haru0416-dev/asteroniris/pkg/memory/factory"
	"github.com/haru0416-dev/asteroniris/pkg/memory/sqlite"
	"github.com/haru0416-dev/asteroniris/pkg/metrics"
	"github.com/haru0416-dev/asteroniris/pkg/models"
	"github.com/haru0416-dev/asteroniris/pkg/persona"
	"github.com/haru0416-dev/asteroniris/pkg/planner"
	"github.com/haru0416-dev/asteroniris/pkg/policy"
	"github.com/haru0416-dev/asteroniris/pkg/provider"
	"github.com/haru0416-dev/asteroniris/pkg/sched"
	"github.com/haru0416-dev/asteroniris/pkg/scrub"
	"github.com/haru0416-dev/asteroniris/pkg/supervisor"
	"github.com/haru0416-dev/asteroniris/pkg/tools"
	"github.com/haru0416-dev/asteroniris/pkg/tools/builtin"
	"github.com/haru0416-dev/asteroniris/pkg/vault"
)

// runtime holds the wired component graph for agent/daemon commands.
type runtime struct {
	cfg       *config.Config
	vault     *vault.Vault
	scrubber  *scrub.Scrubber
	policy    *policy.Policy
	defense   *defense.Defense
	metrics   *metrics.Metrics
	memory    memory.Backend
	sqliteDB  *sqlite.Store // nil unless the reference backend is active
	pipeline  *ingest.Pipeline
	registry  *tools.Registry
	ledger    *tools.AuditLedger
	provider  provider.Provider
	guard     *guard.Guard
	persona   *persona.Store
	jobStore  *sched.Store
	planStore *planner.Store
	scheduler *sched.Scheduler
	loop      *agent.Loop
}

// buildRuntime wires the component graph in dependency order.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	r := &runtime{cfg: cfg}

	if err := os.MkdirAll(cfg.Workspace, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	// Secret vault: decrypt the configured API key if enveloped.
	v, err := vault.New(cfg.Vault.KeyPath, cfg.Vault.Encrypt)
	if err != nil {
		return nil, err
	}
	r.vault = v
	apiKey := cfg.APIKey
	if vault.IsEnvelope(apiKey) {
		buf, _, err := v.Open(apiKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt api_key: %w", err)
		}
		apiKey = buf.String()
		buf.Zero()
	}

	r.scrubber = scrub.New()
	r.policy = policy.New(cfg.Autonomy)
	r.defense = defense.New(defense.Mode(cfg.Gateway.DefenseMode))
	if cfg.Observability.Backend == "prometheus" {
		r.metrics = metrics.New()
	}

	// Memory backend.
	cfgCopy := *cfg
	cfgCopy.APIKey = apiKey
	backend, err := memfactory.Build(ctx, &cfgCopy)
	if err != nil {
		return nil, fmt.Errorf("memory backend: %w", err)
	}
	r.memory = backend
	if store, ok := backend.(*sqlite.Store); ok {
		r.sqliteDB = store
	}

	r.pipeline = ingest.New(backend, r.metrics)

	// Tool registry with the spec-ordered middleware chain.
	r.ledger, err = tools.NewAuditLedger(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	r.registry = tools.NewRegistry(tools.DefaultChain(
		r.policy, r.ledger, r.defense, r.scrubber, 0)...)
	for _, tool := range []tools.Tool{
		builtin.ShellTool{},
		builtin.FileReadTool{},
		builtin.FileWriteTool{},
		&builtin.MemoryRecallTool{Memory: backend},
		&builtin.MemoryAppendTool{Memory: backend},
		builtin.NewWebFetchTool([]string{"github.com", "raw.githubusercontent.com"}),
	} {
		if err := r.registry.Register(tool); err != nil {
			return nil, fmt.Errorf("register tool: %w", err)
		}
	}

	// Provider chain.
	primary, err := buildProvider(cfg.Provider, apiKey, cfg.Model, cfg.Temperature)
	if err != nil {
		return nil, err
	}
	var fallbacks []provider.Provider
	for _, name := range cfg.Reliability.FallbackProviders {
		fb, err := buildProvider(name, apiKey, cfg.Model, cfg.Temperature)
		if err != nil {
			return nil, fmt.Errorf("fallback provider %q: %w", name, err)
		}
		fallbacks = append(fallbacks, fb)
	}
	r.provider = provider.NewReliable(primary, fallbacks,
		cfg.Reliability.ProviderRetries,
		time.Duration(cfg.Reliability.ProviderBackoffMS)*time.Millisecond,
		r.scrubber)

	r.guard = guard.New()
	r.persona = persona.NewStore(backend, cfg.Workspace)
	if err := r.persona.Load(ctx); err != nil {
		return nil, fmt.Errorf("persona reconcile: %w", err)
	}

	// Scheduler + planner over brain.db when the reference backend is active.
	if r.sqliteDB != nil {
		r.jobStore = sched.NewStore(r.sqliteDB.DB())
		r.planStore = planner.NewStore(r.sqliteDB.DB())
	}

	r.loop = &agent.Loop{
		Provider: r.provider,
		Registry: r.registry,
		Memory:   backend,
		Guard:    r.guard,
		Policy:   r.policy,
		Persona:  r.persona,
		Metrics:  r.metrics,
	}

	if r.jobStore != nil {
		stepRunner := &loopStepRunner{loop: r.loop, workspace: cfg.Workspace, level: r.policy.Level()}
		r.scheduler = sched.New(sched.Options{
			Store:      r.jobStore,
			Policy:     r.policy,
			Registry:   r.registry,
			Executor:   planner.NewExecutor(stepRunner),
			PlanStore:  r.planStore,
			Metrics:    r.metrics,
			Workspace:  cfg.Workspace,
			Tick:       cfg.Scheduler.TickInterval.Duration(),
			MaxPending: cfg.Scheduler.MaxPendingSelfTasks,
		})
		r.loop.SelfTasks = r.scheduler
	}

	return r, nil
}

// Close releases runtime resources.
func (r *runtime) Close() {
	if r.memory != nil {
		_ = r.memory.Close()
	}
}

func buildProvider(name, apiKey, model string, temperature float64) (provider.Provider, error) {
	switch name {
	case "anthropic":
		return provider.NewAnthropic(apiKey, model, temperature), nil
	case "openai":
		return provider.NewOpenAI(apiKey, model, temperature), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// loopStepRunner executes plan steps: tool_call steps through the registry,
// prompt steps through the agent loop, checkpoints as no-ops.
type loopStepRunner struct {
	loop      *agent.Loop
	workspace string
	level     models.AutonomyLevel
}

// RunStep implements planner.StepRunner.
func (s *loopStepRunner) RunStep(ctx context.Context, plan *models.Plan, step *models.PlanStep) (string, error) {
	switch step.Action {
	case models.StepCheckpoint:
		return "checkpoint", nil

	case models.StepToolCall:
		args := map[string]any{}
		if step.Args != "" {
			if err := jsonUnmarshal(step.Args, &args); err != nil {
				return "", fmt.Errorf("step args: %w", err)
			}
		}
		res, err := s.loop.Registry.Execute(ctx, &tools.Call{
			ID: step.ID, Name: step.Tool, Args: args,
		}, &tools.Context{
			EntityID:  plan.EntityID,
			Workspace: s.workspace,
			Autonomy:  s.level,
		}, tools.AutoDenyBroker{})
		if err != nil {
			return "", err
		}
		if res.IsError {
			return "", fmt.Errorf("tool step: %s", res.Output)
		}
		return res.Output, nil

	case models.StepPrompt:
		result := s.loop.RunTurn(ctx, &agent.TurnInput{
			EntityID:  plan.EntityID,
			Channel:   "planner",
			Message:   step.Prompt,
			Autonomy:  s.level,
			Workspace: s.workspace,
		})
		if result.Status != agent.LoopCompleted {
			return "", fmt.Errorf("prompt step ended with %s: %s", result.Status, result.Err)
		}
		return result.Reply, nil

	default:
		return "", fmt.Errorf("unknown step action %q", step.Action)
	}
}

// buildChannels constructs enabled channel adapters from config.
func buildChannels(cfg *config.Config) (map[string]channel.Channel, error) {
	out := make(map[string]channel.Channel)
	for name, chCfg := range cfg.Channels {
		if !chCfg.Enabled {
			continue
		}
		token := os.Getenv(chCfg.TokenEnv)
		if token == "" {
			return nil, fmt.Errorf("channel %q: env %s is empty", name, chCfg.TokenEnv)
		}
		switch name {
		case "slack":
			out[name] = channel.NewSlack(token, os.Getenv(chCfg.AppTokenEnv))
		case "telegram":
			out[name] = channel.NewTelegram(token)
		default:
			return nil, fmt.Errorf("unknown channel %q", name)
		}
	}
	return out, nil
}

// buildGateway wires the HTTP ingress against the agent loop.
func (r *runtime) buildGateway(sup *supervisor.Supervisor) *gateway.Server {
	handler := func(ctx context.Context, msg *models.ChannelMessage) (string, error) {
		result := r.loop.RunTurn(ctx, &agent.TurnInput{
			EntityID:    "webhook:" + msg.SenderID,
			Channel:     msg.Channel,
			Message:     msg.Content,
			Autonomy:     r.policy.Level(),
			Workspace:    r.cfg.Workspace,
			Temperature:  r.cfg.Temperature,
			TenantScoped: true,
		})
		if result.Status == agent.LoopError {
			return "", fmt.Errorf("%s", result.Err)
		}
		return result.Reply, nil
	}

	var health gateway.HealthReporter
	if sup != nil {
		health = sup.Health
	}
	return gateway.NewServer(r.cfg.Gateway, r.defense, handler, health)
}
