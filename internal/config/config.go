// Package config loads the dispatch engine's six configuration knobs from a
// TOML file, following a named-constant-default style and toml.Marshal-based
// config file handling.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	defaultAssignmentTimeout    = 20 * time.Second
	defaultNotificationInterval = 500 * time.Millisecond
	defaultInactivityThreshold  = 10 * time.Minute
	defaultCleanInterval        = 15 * time.Second
	defaultWaitMax              = 5 * time.Second
	defaultFairnessCap          = 200
)

// Config is the dispatch engine's tunable surface.
type Config struct {
	// AssignmentTimeout bounds how long an Assigned message may sit
	// unacknowledged before it is revoked back to Unassigned.
	AssignmentTimeout time.Duration `toml:"assignment_timeout"`
	// NotificationInterval is the period between notification-worker ticks.
	NotificationInterval time.Duration `toml:"notification_interval"`
	// InactivityThreshold is how long a subscription may go idle before the
	// inactivity sweep unsubscribes it.
	InactivityThreshold time.Duration `toml:"inactivity_threshold"`
	// CleanInterval is the expiration task's period.
	CleanInterval time.Duration `toml:"clean_interval"`
	// WaitMax bounds the dispatch worker's idle sleep.
	WaitMax time.Duration `toml:"wait_max"`
	// FairnessCap is the per-phase item cap before a phase yields.
	FairnessCap int `toml:"fairness_cap"`
}

// fileConfig mirrors Config for TOML (de)serialization with durations
// expressed as strings, since go-toml v1 doesn't natively round-trip
// time.Duration through its native types.
type fileConfig struct {
	AssignmentTimeout    string `toml:"assignment_timeout"`
	NotificationInterval string `toml:"notification_interval"`
	InactivityThreshold  string `toml:"inactivity_threshold"`
	CleanInterval        string `toml:"clean_interval"`
	WaitMax              string `toml:"wait_max"`
	FairnessCap          int    `toml:"fairness_cap"`
}

// Default returns the engine's documented default configuration.
func Default() Config {
	return Config{
		AssignmentTimeout:    defaultAssignmentTimeout,
		NotificationInterval: defaultNotificationInterval,
		InactivityThreshold:  defaultInactivityThreshold,
		CleanInterval:        defaultCleanInterval,
		WaitMax:              defaultWaitMax,
		FairnessCap:          defaultFairnessCap,
	}
}

// Load reads a TOML config file at path, falling back to Default() for any
// field the file omits or sets to a non-positive value — mirroring the
// teacher's "non-positive values are ignored" setter convention.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	applyDuration(&cfg.AssignmentTimeout, fc.AssignmentTimeout)
	applyDuration(&cfg.NotificationInterval, fc.NotificationInterval)
	applyDuration(&cfg.InactivityThreshold, fc.InactivityThreshold)
	applyDuration(&cfg.CleanInterval, fc.CleanInterval)
	applyDuration(&cfg.WaitMax, fc.WaitMax)
	if fc.FairnessCap > 0 {
		cfg.FairnessCap = fc.FairnessCap
	}
	return cfg, nil
}

func applyDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return
	}
	*dst = d
}

// WriteExample writes a commented example config file to path, following
// an exampleConfigBytes/ensureExampleFile pattern.
func WriteExample(path string) error {
	cfg := Default()
	fc := fileConfig{
		AssignmentTimeout:    cfg.AssignmentTimeout.String(),
		NotificationInterval: cfg.NotificationInterval.String(),
		InactivityThreshold:  cfg.InactivityThreshold.String(),
		CleanInterval:        cfg.CleanInterval.String(),
		WaitMax:              cfg.WaitMax.String(),
		FairnessCap:          cfg.FairnessCap,
	}
	data, err := toml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode example config: %w", err)
	}
	header := []byte("# Generated dispatch engine config example (copy and edit as needed)\n\n")
	return os.WriteFile(path, append(header, data...), 0o644)
}
