package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"

	"resellpilot/internal/rules"
)

type Config struct {
	General   GeneralConfig   `toml:"general"`
	Schedule  ScheduleConfig  `toml:"schedule"`
	Limits    LimitsConfig    `toml:"limits"`
	Execution ExecutionConfig `toml:"execution"`
	Undo      UndoConfig      `toml:"undo"`
	Server    ServerConfig    `toml:"server"`
	Defaults  DefaultsConfig  `toml:"defaults"`
}

type GeneralConfig struct {
	DBPath   string `toml:"db_path"`
	LogLevel string `toml:"log_level"`
	// Timezone is the reference zone for daily windows (rate limits,
	// "already repriced today").
	Timezone string `toml:"timezone"`
}

type ScheduleConfig struct {
	SweepInterval   Duration `toml:"sweep_interval"`
	ExecuteInterval Duration `toml:"execute_interval"`
	ReportInterval  Duration `toml:"report_interval"`
	// ApprovalTTL is how long an action may wait in pending before the
	// scheduler rejects it.
	ApprovalTTL Duration `toml:"approval_ttl"`
}

type LimitsConfig struct {
	DailyRepriceQuota int `toml:"daily_reprice_quota"`
	SweepWorkers      int `toml:"sweep_workers"`
}

type ExecutionConfig struct {
	MaxAttempts int `toml:"max_attempts"`
}

// UndoConfig maps action types to their undo window. Types that are not
// listed are not reversible.
type UndoConfig struct {
	Windows map[string]Duration `toml:"windows"`
}

type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

type DefaultsConfig struct {
	Offer   rules.Offer   `toml:"offer"`
	Reprice rules.Reprice `toml:"reprice"`
}

// Duration wraps time.Duration for TOML unmarshaling.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Location resolves the reference timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.General.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", c.General.Timezone, err)
	}
	return loc, nil
}

// UndoWindows flattens the undo table into plain durations.
func (c *Config) UndoWindows() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Undo.Windows))
	for actionType, d := range c.Undo.Windows {
		out[actionType] = d.Duration
	}
	return out
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	// A windows table in the file replaces the defaults rather than
	// merging into them, so omitting a type makes it irreversible.
	if md.IsDefined("undo", "windows") {
		var undo struct {
			Undo UndoConfig `toml:"undo"`
		}
		if _, err := toml.Decode(string(data), &undo); err != nil {
			return nil, fmt.Errorf("parsing undo windows: %w", err)
		}
		cfg.Undo.Windows = undo.Undo.Windows
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded values, including the default rule sets.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Limits.DailyRepriceQuota < 1 {
		return fmt.Errorf("limits.daily_reprice_quota must be at least 1")
	}
	if c.Limits.SweepWorkers < 1 {
		return fmt.Errorf("limits.sweep_workers must be at least 1")
	}
	for actionType, d := range c.Undo.Windows {
		if d.Duration <= 0 {
			return fmt.Errorf("undo window for %s must be positive", actionType)
		}
	}
	if err := rules.ValidateOffer(c.Defaults.Offer); err != nil {
		return fmt.Errorf("defaults.offer: %w", err)
	}
	if err := rules.ValidateReprice(c.Defaults.Reprice); err != nil {
		return fmt.Errorf("defaults.reprice: %w", err)
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DBPath:   "./data/resellpilot.db",
			LogLevel: "info",
			Timezone: "America/New_York",
		},
		Schedule: ScheduleConfig{
			SweepInterval:   Duration{1 * time.Hour},
			ExecuteInterval: Duration{1 * time.Minute},
			ReportInterval:  Duration{6 * time.Hour},
			ApprovalTTL:     Duration{72 * time.Hour},
		},
		Limits: LimitsConfig{
			DailyRepriceQuota: 50,
			SweepWorkers:      4,
		},
		Execution: ExecutionConfig{
			MaxAttempts: 3,
		},
		Undo: UndoConfig{
			Windows: map[string]Duration{
				"REPRICE":       {24 * time.Hour},
				"OFFER_COUNTER": {1 * time.Hour},
				"DELIST":        {30 * 24 * time.Hour},
				"RELIST":        {24 * time.Hour},
			},
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Defaults: DefaultsConfig{
			Offer: rules.Offer{
				AutoAcceptThreshold:  0.9,
				AutoDeclineThreshold: 0.5,
				AutoCounterEnabled:   true,
				CounterStrategy:      rules.CounterMidpoint,
				MaxCounterRounds:     3,
				HighValueThreshold:   500,
			},
			Reprice: rules.Reprice{
				Strategy:             rules.StrategyTimeDecay,
				MaxDailyDropPercent:  0.10,
				MaxWeeklyDropPercent: 0.20,
				RespectFloorPrice:    true,
				HighValueThreshold:   1000,
			},
		},
	}
}
