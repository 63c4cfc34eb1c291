package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedTarget is one polling-target declaration in a seed file. Zero values
// fall back to engine defaults when the target is registered.
type SeedTarget struct {
	ID            string   `yaml:"id"`
	URL           string   `yaml:"url"`
	BaseIntervalS int64    `yaml:"base_interval_s"`
	MinIntervalS  int64    `yaml:"min_interval_s"`
	MaxIntervalS  int64    `yaml:"max_interval_s"`
	GracePeriodS  int64    `yaml:"grace_period_s"`
	TrackedFields []string `yaml:"tracked_fields"`
	IgnoreFields  []string `yaml:"ignore_fields"`
	Enabled       *bool    `yaml:"enabled"`

	Adaptive struct {
		ChangeThreshold     float64 `yaml:"change_threshold"`
		StabilityBonus      float64 `yaml:"stability_bonus"`
		ActivityBoost       float64 `yaml:"activity_boost"`
		LearningWindowHours float64 `yaml:"learning_window_hours"`
	} `yaml:"adaptive"`

	RateLimit struct {
		PerMinute int `yaml:"per_minute"`
		PerHour   int `yaml:"per_hour"`
		Burst     int `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// SeedSubscriber is one subscriber declaration in a seed file.
type SeedSubscriber struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	Endpoint   string `yaml:"endpoint"`
	TimeoutMs  int    `yaml:"timeout_ms"`
	MaxRetries int    `yaml:"max_retries"`
	Secret     string `yaml:"secret"`
	Enabled    *bool  `yaml:"enabled"`
}

// SeedFile declares targets and subscribers registered at startup.
// Rows that already exist in the store win over seed entries.
type SeedFile struct {
	Targets     []SeedTarget     `yaml:"targets"`
	Subscribers []SeedSubscriber `yaml:"subscribers"`
}

// LoadSeedFile reads and parses the YAML seed file at path. Semantic
// validation (URL shape, interval ordering) happens at registration time;
// this only rejects unreadable or syntactically malformed files.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed file %s: %w", path, err)
	}

	var seed SeedFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("seed file %s: invalid YAML: %w", path, err)
	}

	for i := range seed.Targets {
		if seed.Targets[i].URL == "" {
			return nil, fmt.Errorf("seed file %s: targets[%d]: url is required", path, i)
		}
	}
	for i := range seed.Subscribers {
		if seed.Subscribers[i].Endpoint == "" {
			return nil, fmt.Errorf("seed file %s: subscribers[%d]: endpoint is required", path, i)
		}
	}
	return &seed, nil
}
