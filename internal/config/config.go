// Package config loads and validates the run configuration from a YAML file
// with environment variable overrides. Configuration errors are fatal and
// surface before any phase executes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Phase kinds understood by the built-in handler adapters.
const (
	PhaseKindSleep   = "sleep"
	PhaseKindCommand = "command"
)

// Duration wraps time.Duration so YAML can carry values like "90s".
type Duration time.Duration

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML parses either a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %w", err)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Phase configures one unit of orchestrated work.
type Phase struct {
	Name      string   `yaml:"name"`
	Kind      string   `yaml:"kind"`
	Timeout   Duration `yaml:"timeout"`
	Command   []string `yaml:"command,omitempty"`
	Duration  Duration `yaml:"duration,omitempty"`
	FailTimes int      `yaml:"fail_times,omitempty"`
}

// Retry configures the backoff policy applied to failing phase handlers.
type Retry struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

// SLO configures the declared objectives.
type SLO struct {
	ErrorRateThreshold    float64 `yaml:"error_rate_threshold"`
	RenderTimeThresholdMs float64 `yaml:"render_time_threshold_ms"`
	BreachBudgetPct       float64 `yaml:"breach_budget_pct"`
}

// Config is the full run configuration.
type Config struct {
	Phases            []Phase  `yaml:"phases"`
	Retry             Retry    `yaml:"retry"`
	Pause             Duration `yaml:"pause"`
	MaxPause          Duration `yaml:"max_pause"`
	ContinueOnFailure bool     `yaml:"continue_on_failure"`
	InitialCapital    float64  `yaml:"initial_capital"`
	SLO               SLO      `yaml:"slo"`
}

// Default returns the configuration used when no file is present: the three
// readiness phases as short dry-run sleeps.
func Default() Config {
	return Config{
		Phases: []Phase{
			{Name: "data", Kind: PhaseKindSleep, Timeout: Duration(60 * time.Second), Duration: Duration(100 * time.Millisecond)},
			{Name: "strategy", Kind: PhaseKindSleep, Timeout: Duration(120 * time.Second), Duration: Duration(100 * time.Millisecond)},
			{Name: "api", Kind: PhaseKindSleep, Timeout: Duration(60 * time.Second), Duration: Duration(100 * time.Millisecond)},
		},
		Retry:          Retry{MaxAttempts: 3, BaseDelay: Duration(1 * time.Second), MaxDelay: Duration(30 * time.Second)},
		Pause:          Duration(2 * time.Second),
		MaxPause:       Duration(30 * time.Second),
		InitialCapital: 10000,
		SLO: SLO{
			ErrorRateThreshold:    0.01,
			RenderTimeThresholdMs: 500,
			BreachBudgetPct:       20,
		},
	}
}

// Load reads the config file if it exists, fills defaults, applies
// environment overrides, and validates. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else {
			cfg = Config{}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
			cfg.fillDefaults()
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = d.Retry.MaxDelay
	}
	if c.MaxPause == 0 {
		c.MaxPause = d.MaxPause
	}
	if c.InitialCapital == 0 {
		c.InitialCapital = d.InitialCapital
	}
	if c.SLO.ErrorRateThreshold == 0 {
		c.SLO.ErrorRateThreshold = d.SLO.ErrorRateThreshold
	}
	if c.SLO.RenderTimeThresholdMs == 0 {
		c.SLO.RenderTimeThresholdMs = d.SLO.RenderTimeThresholdMs
	}
	if c.SLO.BreachBudgetPct == 0 {
		c.SLO.BreachBudgetPct = d.SLO.BreachBudgetPct
	}
}

func (c *Config) applyEnv() {
	c.Pause = envDuration("TRADEFLOW_PAUSE", c.Pause)
	c.MaxPause = envDuration("TRADEFLOW_MAX_PAUSE", c.MaxPause)
	c.ContinueOnFailure = envBool("TRADEFLOW_CONTINUE_ON_FAILURE", c.ContinueOnFailure)
	c.Retry.MaxAttempts = envInt("TRADEFLOW_RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.Retry.BaseDelay = envDuration("TRADEFLOW_RETRY_BASE_DELAY", c.Retry.BaseDelay)
	c.Retry.MaxDelay = envDuration("TRADEFLOW_RETRY_MAX_DELAY", c.Retry.MaxDelay)
	c.InitialCapital = envFloat("TRADEFLOW_INITIAL_CAPITAL", c.InitialCapital)
}

// Validate rejects configurations that must never reach the runner.
func (c Config) Validate() error {
	if len(c.Phases) == 0 {
		return fmt.Errorf("config: at least one phase is required")
	}
	seen := make(map[string]bool, len(c.Phases))
	for _, p := range c.Phases {
		if p.Name == "" {
			return fmt.Errorf("config: phase name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate phase name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Timeout <= 0 {
			return fmt.Errorf("config: phase %s: timeout must be positive", p.Name)
		}
		if p.Kind != PhaseKindSleep && p.Kind != PhaseKindCommand {
			return fmt.Errorf("config: phase %s: unknown kind %q", p.Name, p.Kind)
		}
		if p.Kind == PhaseKindCommand && len(p.Command) == 0 {
			return fmt.Errorf("config: phase %s: command is required", p.Name)
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config: retry max_attempts must be positive")
	}
	if c.Pause < 0 {
		return fmt.Errorf("config: pause must not be negative")
	}
	if c.MaxPause <= 0 {
		return fmt.Errorf("config: max_pause must be positive")
	}
	if c.SLO.ErrorRateThreshold <= 0 || c.SLO.ErrorRateThreshold >= 1 {
		return fmt.Errorf("config: slo error_rate_threshold must be in (0, 1)")
	}
	if c.SLO.RenderTimeThresholdMs <= 0 {
		return fmt.Errorf("config: slo render_time_threshold_ms must be positive")
	}
	if c.SLO.BreachBudgetPct <= 0 || c.SLO.BreachBudgetPct >= 100 {
		return fmt.Errorf("config: slo breach_budget_pct must be in (0, 100)")
	}
	if c.InitialCapital <= 0 {
		return fmt.Errorf("config: initial_capital must be positive")
	}
	return nil
}

func envDuration(key string, fallback Duration) Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return Duration(parsed)
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
