// Package config handles TOML configuration loading with sensible defaults.
//
// Secrets (API keys, DSNs, the origin hash salt) are not read here; they come from the
// environment in cmd/CrisisRelay.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

// Config is the top-level configuration for CrisisRelay.
type Config struct {
	Session    SessionConfig    `toml:"session"`
	Escalation EscalationConfig `toml:"escalation"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Pool       PoolConfig       `toml:"pool"`
	Notify     NotifyConfig     `toml:"notify"`
	Log        LogConfig        `toml:"log"`
}

// SessionConfig controls the session manager.
type SessionConfig struct {
	MaxConcurrent           int      `toml:"max_concurrent"`
	AutoEscalationThreshold int      `toml:"auto_escalation_threshold"`
	MaxDuration             Duration `toml:"max_duration"`
	IdleTimeout             Duration `toml:"idle_timeout"`
	EndedGrace              Duration `toml:"ended_grace"`
	CleanupInterval         Duration `toml:"cleanup_interval"`
}

// EscalationConfig controls response targets and who gets notified.
type EscalationConfig struct {
	Targets  TargetsConfig  `toml:"targets"`
	Contacts ContactsConfig `toml:"contacts"`
}

// TargetsConfig holds the response-time target for each escalation level.
type TargetsConfig struct {
	Level1 Duration `toml:"level_1"`
	Level2 Duration `toml:"level_2"`
	Level3 Duration `toml:"level_3"`
	Level4 Duration `toml:"level_4"`
	Level5 Duration `toml:"level_5"`
}

// ContactsConfig lists notification addresses ("sms:+1555...", "ntfy:https://...", "log:oncall").
type ContactsConfig struct {
	Supervisors       []string `toml:"supervisors"`
	Volunteers        []string `toml:"volunteers"`
	Hotline           []string `toml:"hotline"`
	EmergencyServices []string `toml:"emergency_services"`
	Directors         []string `toml:"directors"`
}

// MonitorConfig controls the escalation monitor.
type MonitorConfig struct {
	SuccessRateThreshold float64  `toml:"success_rate_threshold"`
	ReportWindow         Duration `toml:"report_window"`
	ReportInterval       Duration `toml:"report_interval"`
}

// PoolConfig controls connection pooling and message routing.
type PoolConfig struct {
	CriticalCapacity     int      `toml:"critical_capacity"`
	NormalCapacity       int      `toml:"normal_capacity"`
	IdleCeiling          Duration `toml:"idle_ceiling"`
	LatencyTarget        Duration `toml:"latency_target"`
	ConnectTarget        Duration `toml:"connect_target"`
	MessageLatencyTarget Duration `toml:"message_latency_target"`
	QueueSize            int      `toml:"queue_size"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	CleanupInterval      Duration `toml:"cleanup_interval"`
	BatchInterval        Duration `toml:"batch_interval"`
	OptimizeInterval     Duration `toml:"optimize_interval"`
	MaxParallelSends     int      `toml:"max_parallel_sends"`
}

// NotifyConfig controls escalation notification delivery. MaxAttempts does not apply to level 5
// notifications, which retry until delivered.
type NotifyConfig struct {
	RatePerMinute int      `toml:"rate_per_minute"`
	Burst         int      `toml:"burst"`
	PollInterval  Duration `toml:"poll_interval"`
	MaxAttempts   int      `toml:"max_attempts"`
	RetryBase     Duration `toml:"retry_base"`
	RetryCeiling  Duration `toml:"retry_ceiling"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Duration wraps time.Duration for TOML string parsing (e.g. "30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			MaxConcurrent:           500,
			AutoEscalationThreshold: 3,
			MaxDuration:             Duration{4 * time.Hour},
			IdleTimeout:             Duration{30 * time.Minute},
			EndedGrace:              Duration{5 * time.Minute},
			CleanupInterval:         Duration{time.Minute},
		},
		Escalation: EscalationConfig{
			Targets: TargetsConfig{
				Level1: Duration{5 * time.Minute},
				Level2: Duration{3 * time.Minute},
				Level3: Duration{2 * time.Minute},
				Level4: Duration{time.Minute},
				Level5: Duration{30 * time.Second},
			},
			Contacts: ContactsConfig{
				Supervisors:       []string{"log:supervisor-on-call"},
				Volunteers:        []string{"log:volunteer-queue"},
				Hotline:           []string{"log:crisis-hotline"},
				EmergencyServices: []string{"log:emergency-services"},
				Directors:         []string{"log:clinical-director"},
			},
		},
		Monitor: MonitorConfig{
			SuccessRateThreshold: 0.95,
			ReportWindow:         Duration{24 * time.Hour},
			ReportInterval:       Duration{5 * time.Minute},
		},
		Pool: PoolConfig{
			CriticalCapacity:     200,
			NormalCapacity:       1000,
			IdleCeiling:          Duration{2 * time.Minute},
			LatencyTarget:        Duration{100 * time.Millisecond},
			ConnectTarget:        Duration{500 * time.Millisecond},
			MessageLatencyTarget: Duration{200 * time.Millisecond},
			QueueSize:            100,
			HeartbeatInterval:    Duration{15 * time.Second},
			CleanupInterval:      Duration{time.Minute},
			BatchInterval:        Duration{100 * time.Millisecond},
			OptimizeInterval:     Duration{5 * time.Minute},
			MaxParallelSends:     16,
		},
		Notify: NotifyConfig{
			RatePerMinute: 30,
			Burst:         5,
			PollInterval:  Duration{2 * time.Second},
			MaxAttempts:   8,
			RetryBase:     Duration{5 * time.Second},
			RetryCeiling:  Duration{5 * time.Minute},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given path, falling back to defaults
// for any unset fields. An empty path or a missing file returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	if c.Session.MaxConcurrent <= 0 {
		return fmt.Errorf("session.max_concurrent must be positive")
	}
	if c.Session.AutoEscalationThreshold <= 0 {
		return fmt.Errorf("session.auto_escalation_threshold must be positive")
	}
	if c.Pool.QueueSize <= 0 {
		return fmt.Errorf("pool.queue_size must be positive")
	}
	if c.Pool.CriticalCapacity <= 0 || c.Pool.NormalCapacity <= 0 {
		return fmt.Errorf("pool capacities must be positive")
	}
	for level, d := range c.EscalationTargets() {
		if d <= 0 {
			return fmt.Errorf("escalation target for level %d must be positive", level)
		}
	}
	return nil
}

// EscalationTargets returns the response-time target for each level.
func (c *Config) EscalationTargets() map[models.EscalationLevel]time.Duration {
	t := c.Escalation.Targets
	return map[models.EscalationLevel]time.Duration{
		models.LevelLow:      t.Level1.Duration,
		models.LevelModerate: t.Level2.Duration,
		models.LevelElevated: t.Level3.Duration,
		models.LevelHigh:     t.Level4.Duration,
		models.LevelCritical: t.Level5.Duration,
	}
}

// SlogLevel parses the configured log level name.
func (c *Config) SlogLevel() string {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(c.Log.Level)
	default:
		return "info"
	}
}
