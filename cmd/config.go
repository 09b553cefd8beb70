package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	tomlrepo "github.com/bnema/agentloop/internal/adapters/repo/toml"
	passstore "github.com/bnema/agentloop/internal/adapters/secrets/pass"
	"github.com/bnema/agentloop/internal/application"
	"github.com/bnema/agentloop/internal/domain"
)

const (
	configDirName = ".agentloop"
	configName    = "config"
	configType    = "toml"
	envPrefix     = "AGENTLOOP"
)

const (
	keyStateDir  = "state.dir"
	keyLogLevel  = "log.level"
	keyLogFormat = "log.format"

	keyAgentCommand    = "agent.command"
	keyAgentArgs       = "agent.args"
	keyAgentResumeArgs = "agent.resume_args"
	keyAgentTimeout    = "agent.timeout"
	keyAgentSecretEnv  = "agent.secret_env"

	keySecretsDir        = "secrets.dir"
	keySecretsPassPrefix = "secrets.pass_prefix"

	keyLoopTier                 = "loop.tier"
	keyLoopFallback             = "loop.fallback"
	keyLoopMinIterations        = "loop.min_iterations"
	keyLoopMaxIterations        = "loop.max_iterations"
	keyLoopContextResetEvery    = "loop.context_reset_every"
	keyLoopMaxConsecutiveErrors = "loop.max_consecutive_errors"
	keyLoopCompletionMarker     = "loop.completion_marker"

	keyBudgetMaxCost = "budget.max_cost"

	keyRateLimitDefaultCooldown = "rate_limit.default_cooldown"
	keyRateLimitMaxCooldownWait = "rate_limit.max_cooldown_wait"
	keyRateLimitMaxTotalWait    = "rate_limit.max_total_wait"
	keyRateLimitPollInterval    = "rate_limit.poll_interval"

	keyStruggleWindow             = "struggle.window"
	keyStruggleMinWorkDuration    = "struggle.min_work_duration"
	keyStruggleNonTrivialDuration = "struggle.non_trivial_duration"

	keyLockTimeout     = "lock.timeout"
	keyLockStaleAfter  = "lock.stale_after"
	keyLeaseMaxAge     = "lease.max_age"
	keySandboxMode     = "sandbox.mode"
	keyMetricsFile     = "metrics.textfile"
	keyWorkspaceWatch  = "workspace.watch"
	keyWorkspaceSettle = "workspace.settle"
)

func setDefaults(cfg *viper.Viper, configDir string) {
	loop := application.DefaultLoopConfig()

	cfg.SetDefault(keyStateDir, configDir)
	cfg.SetDefault(tomlrepo.ModelsPathKey, filepath.Join(configDir, "models.toml"))
	cfg.SetDefault(keyLogLevel, "info")
	cfg.SetDefault(keyLogFormat, "text")

	cfg.SetDefault(keyAgentCommand, "claude")
	cfg.SetDefault(keyAgentArgs, []string{"-p", "--output-format", "stream-json", "--verbose", "--model", "{model}"})
	cfg.SetDefault(keyAgentResumeArgs, []string{"--resume", "{agent_session}"})
	cfg.SetDefault(keyAgentTimeout, loop.AgentTimeout)
	cfg.SetDefault(keyAgentSecretEnv, []string{})

	cfg.SetDefault(keySecretsDir, filepath.Join(configDir, "secrets"))
	cfg.SetDefault(keySecretsPassPrefix, passstore.DefaultPrefix)

	cfg.SetDefault(keyLoopTier, string(loop.Tier))
	cfg.SetDefault(keyLoopFallback, loop.Fallback)
	cfg.SetDefault(keyLoopMinIterations, loop.MinIterations)
	cfg.SetDefault(keyLoopMaxIterations, loop.MaxIterations)
	cfg.SetDefault(keyLoopContextResetEvery, loop.ContextResetEvery)
	cfg.SetDefault(keyLoopMaxConsecutiveErrors, loop.MaxConsecutiveErrors)
	cfg.SetDefault(keyLoopCompletionMarker, loop.CompletionMarker)

	cfg.SetDefault(keyBudgetMaxCost, 0.0)

	cfg.SetDefault(keyRateLimitDefaultCooldown, loop.DefaultCooldown)
	cfg.SetDefault(keyRateLimitMaxCooldownWait, loop.MaxCooldownWait)
	cfg.SetDefault(keyRateLimitMaxTotalWait, loop.MaxTotalWait)
	cfg.SetDefault(keyRateLimitPollInterval, loop.PollInterval)

	cfg.SetDefault(keyStruggleWindow, loop.Struggle.Window)
	cfg.SetDefault(keyStruggleMinWorkDuration, loop.Struggle.MinWorkDuration)
	cfg.SetDefault(keyStruggleNonTrivialDuration, loop.Struggle.NonTrivialDuration)

	cfg.SetDefault(keyLockTimeout, 10*time.Second)
	cfg.SetDefault(keyLockStaleAfter, 2*time.Minute)
	cfg.SetDefault(keyLeaseMaxAge, 2*time.Hour)
	cfg.SetDefault(keySandboxMode, "")
	cfg.SetDefault(keyMetricsFile, "")
	cfg.SetDefault(keyWorkspaceWatch, true)
	cfg.SetDefault(keyWorkspaceSettle, loop.ChangeSettle)
}

// loadConfig layers defaults, the config file and AGENTLOOP_* variables onto
// cfg. Flags bound before the call take precedence over all three.
func loadConfig(cfg *viper.Viper, configFile string) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	configDir := filepath.Join(homeDir, configDirName)

	setDefaults(cfg, configDir)
	cfg.SetEnvPrefix(envPrefix)
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cfg.AutomaticEnv()

	if configFile != "" {
		cfg.SetConfigFile(configFile)
	} else {
		cfg.SetConfigName(configName)
		cfg.SetConfigType(configType)
		cfg.AddConfigPath(configDir)
	}

	if err := cfg.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &configNotFound) {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	return nil
}

func loopConfigFrom(cfg *viper.Viper) application.LoopConfig {
	return application.LoopConfig{
		Tier:                 domain.Tier(cfg.GetString(keyLoopTier)),
		Fallback:             cfg.GetBool(keyLoopFallback),
		MinIterations:        cfg.GetInt(keyLoopMinIterations),
		MaxIterations:        cfg.GetInt(keyLoopMaxIterations),
		ContextResetEvery:    cfg.GetInt(keyLoopContextResetEvery),
		MaxConsecutiveErrors: cfg.GetInt(keyLoopMaxConsecutiveErrors),
		CompletionMarker:     cfg.GetString(keyLoopCompletionMarker),
		Budget:               domain.Budget{Ceiling: cfg.GetFloat64(keyBudgetMaxCost)},
		SandboxMode:          cfg.GetString(keySandboxMode),
		AgentTimeout:         cfg.GetDuration(keyAgentTimeout),
		DefaultCooldown:      cfg.GetDuration(keyRateLimitDefaultCooldown),
		MaxCooldownWait:      cfg.GetDuration(keyRateLimitMaxCooldownWait),
		MaxTotalWait:         cfg.GetDuration(keyRateLimitMaxTotalWait),
		PollInterval:         cfg.GetDuration(keyRateLimitPollInterval),
		ChangeSettle:         cfg.GetDuration(keyWorkspaceSettle),
		Struggle: domain.StruggleConfig{
			Window:             cfg.GetInt(keyStruggleWindow),
			MinWorkDuration:    cfg.GetDuration(keyStruggleMinWorkDuration),
			NonTrivialDuration: cfg.GetDuration(keyStruggleNonTrivialDuration),
		},
	}
}

// secretEnvFrom parses agent.secret_env entries of the form NAME=key. A list
// is used instead of a table because viper folds table keys to lower case.
func secretEnvFrom(cfg *viper.Viper) (map[string]string, error) {
	entries := cfg.GetStringSlice(keyAgentSecretEnv)
	if len(entries) == 0 {
		return nil, nil
	}

	refs := make(map[string]string, len(entries))
	for _, entry := range entries {
		name, key, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%s entry %q must look like NAME=key", keyAgentSecretEnv, entry)
		}
		if _, dup := refs[name]; dup {
			return nil, fmt.Errorf("%s sets %s twice", keyAgentSecretEnv, name)
		}
		refs[name] = key
	}

	return refs, nil
}
