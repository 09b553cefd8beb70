package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/bnema/agentloop/internal/adapters/agent/process"
	"github.com/bnema/agentloop/internal/adapters/metrics"
	"github.com/bnema/agentloop/internal/adapters/proc"
	staterepo "github.com/bnema/agentloop/internal/adapters/repo/state"
	tomlrepo "github.com/bnema/agentloop/internal/adapters/repo/toml"
	"github.com/bnema/agentloop/internal/adapters/secrets"
	"github.com/bnema/agentloop/internal/adapters/secrets/chain"
	"github.com/bnema/agentloop/internal/adapters/statestore"
	"github.com/bnema/agentloop/internal/adapters/workspace"
	"github.com/bnema/agentloop/internal/application"
	"github.com/bnema/agentloop/internal/observability"
	"github.com/bnema/agentloop/internal/ports"
)

type app struct {
	cfg    *viper.Viper
	logger *slog.Logger

	tiers       *tomlrepo.TierRepository
	sessions    *application.SessionService
	retention   *application.RetentionService
	modelStates ports.ModelStateRepository
	probe       ports.ProcessProbe
	clock       ports.Clock
	secretStore ports.SecretStore

	// newAgent is swapped in tests.
	newAgent func(cfg *viper.Viper, env map[string]string, logger *slog.Logger) (ports.AgentRunner, error)
}

func newApp(cfg *viper.Viper) *app {
	return &app{cfg: cfg, newAgent: newProcessAgent}
}

// wire builds the adapters once config has been loaded.
func (a *app) wire(stderr io.Writer) error {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  a.cfg.GetString(keyLogLevel),
		Format: a.cfg.GetString(keyLogFormat),
		Output: stderr,
	})
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	stateDir, err := filepath.Abs(a.cfg.GetString(keyStateDir))
	if err != nil {
		return fmt.Errorf("resolve state directory: %w", err)
	}

	tiers, err := tomlrepo.NewTierRepository(a.cfg, stateDir)
	if err != nil {
		return fmt.Errorf("wire tier repository: %w", err)
	}

	secretStore, err := chain.NewPassFirst(a.cfg.GetString(keySecretsPassPrefix), a.cfg.GetString(keySecretsDir))
	if err != nil {
		return fmt.Errorf("wire secret store: %w", err)
	}

	a.clock = ports.SystemClock{}
	a.probe = proc.Probe{}
	store := statestore.New(statestore.Options{
		LockTimeout: a.cfg.GetDuration(keyLockTimeout),
		StaleAfter:  a.cfg.GetDuration(keyLockStaleAfter),
		Clock:       a.clock,
		Logger:      logger,
	})
	sessionRepo := staterepo.NewSessionRepository(store, stateDir, logger)

	a.logger = logger
	a.tiers = tiers
	a.secretStore = secretStore
	a.modelStates = staterepo.NewModelStateRepository(store, stateDir, logger)
	a.sessions = application.NewSessionService(sessionRepo, a.clock, application.SessionServiceOptions{
		OwnerStaleAfter: a.cfg.GetDuration(keyLockStaleAfter),
		Probe:           a.probe,
		Logger:          logger,
	})
	a.retention = application.NewRetentionService(sessionRepo, a.clock, logger)

	return nil
}

// newLoop assembles the orchestration loop from the current configuration.
func (a *app) newLoop(ctx context.Context, config application.LoopConfig) (*application.Loop, error) {
	leaseMaxAge := a.cfg.GetDuration(keyLeaseMaxAge)
	if leaseMaxAge > 0 && config.AgentTimeout > leaseMaxAge {
		return nil, fmt.Errorf("%s (%s) exceeds %s (%s): a running agent's lease would be pruned",
			keyAgentTimeout, config.AgentTimeout, keyLeaseMaxAge, leaseMaxAge)
	}

	tiers, err := a.tiers.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tier config: %w", err)
	}

	registry, err := application.NewModelRegistry(a.modelStates, tiers, a.clock, application.ModelRegistryOptions{
		LeaseMaxAge: leaseMaxAge,
		Probe:       a.probe,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, err
	}

	env, err := a.agentEnv(ctx)
	if err != nil {
		return nil, err
	}

	agent, err := a.newAgent(a.cfg, env, a.logger)
	if err != nil {
		return nil, fmt.Errorf("wire agent runner: %w", err)
	}

	var watcher ports.ChangeWatcher
	if a.cfg.GetBool(keyWorkspaceWatch) {
		watcher = workspace.NewWatcher(workspace.Options{Logger: a.logger})
	}

	return application.NewLoop(application.LoopDeps{
		Registry: registry,
		Sessions: a.sessions,
		Agent:    agent,
		Watcher:  watcher,
		Metrics:  metrics.NewLoopMetrics(a.cfg.GetString(keyMetricsFile)),
		Clock:    a.clock,
		Logger:   a.logger,
	}, config)
}

// agentEnv resolves agent.secret_env through the secret store.
func (a *app) agentEnv(ctx context.Context) (map[string]string, error) {
	refs, err := secretEnvFrom(a.cfg)
	if err != nil {
		return nil, err
	}

	env, err := secrets.ResolveEnv(ctx, a.secretStore, refs)
	if err != nil {
		return nil, fmt.Errorf("agent secrets: %w", err)
	}
	return env, nil
}

func newProcessAgent(cfg *viper.Viper, env map[string]string, logger *slog.Logger) (ports.AgentRunner, error) {
	return process.New(process.Options{
		Command:    cfg.GetString(keyAgentCommand),
		Args:       cfg.GetStringSlice(keyAgentArgs),
		ResumeArgs: cfg.GetStringSlice(keyAgentResumeArgs),
		Env:        env,
		Logger:     logger,
	})
}
