package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	return path
}

func TestLoadSeedFile(t *testing.T) {
	path := writeSeedFile(t, `
targets:
  - id: ebay-laptops
    url: https://www.ebay.com/sch/i.html?_nkw=laptop
    base_interval_s: 300
    min_interval_s: 60
    max_interval_s: 3600
    grace_period_s: 600
    tracked_fields: [title, price, condition]
    adaptive:
      change_threshold: 3
      stability_bonus: 0.8
      activity_boost: 2.5
      learning_window_hours: 2
    rate_limit:
      per_minute: 10
      per_hour: 300
      burst: 2
  - url: https://sfbay.craigslist.org/search/sss?query=bike
subscribers:
  - id: ops-hook
    type: WEBHOOK
    endpoint: https://hooks.internal/driftwatch
    timeout_ms: 5000
    max_retries: 3
    secret: hV9mT2qXw7LpZs4Rk8Jn
`)

	seed, err := LoadSeedFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(seed.Targets) != 2 {
		t.Fatalf("targets: got %d, want 2", len(seed.Targets))
	}
	first := seed.Targets[0]
	assertEqual(t, "ID", first.ID, "ebay-laptops")
	assertEqual(t, "URL", first.URL, "https://www.ebay.com/sch/i.html?_nkw=laptop")
	assertEqual(t, "BaseIntervalS", first.BaseIntervalS, int64(300))
	assertEqual(t, "MinIntervalS", first.MinIntervalS, int64(60))
	assertEqual(t, "MaxIntervalS", first.MaxIntervalS, int64(3600))
	assertEqual(t, "GracePeriodS", first.GracePeriodS, int64(600))
	assertEqual(t, "TrackedFieldsLen", len(first.TrackedFields), 3)
	assertEqual(t, "ChangeThreshold", first.Adaptive.ChangeThreshold, 3.0)
	assertEqual(t, "StabilityBonus", first.Adaptive.StabilityBonus, 0.8)
	assertEqual(t, "ActivityBoost", first.Adaptive.ActivityBoost, 2.5)
	assertEqual(t, "LearningWindowHours", first.Adaptive.LearningWindowHours, 2.0)
	assertEqual(t, "PerMinute", first.RateLimit.PerMinute, 10)
	assertEqual(t, "PerHour", first.RateLimit.PerHour, 300)
	assertEqual(t, "Burst", first.RateLimit.Burst, 2)

	// Second target has no explicit id; registration generates one.
	assertEqual(t, "second ID", seed.Targets[1].ID, "")

	if len(seed.Subscribers) != 1 {
		t.Fatalf("subscribers: got %d, want 1", len(seed.Subscribers))
	}
	sub := seed.Subscribers[0]
	assertEqual(t, "sub ID", sub.ID, "ops-hook")
	assertEqual(t, "sub Type", sub.Type, "WEBHOOK")
	assertEqual(t, "sub Endpoint", sub.Endpoint, "https://hooks.internal/driftwatch")
	assertEqual(t, "sub TimeoutMs", sub.TimeoutMs, 5000)
	assertEqual(t, "sub MaxRetries", sub.MaxRetries, 3)
}

func TestLoadSeedFile_MissingFile(t *testing.T) {
	_, err := LoadSeedFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadSeedFile_InvalidYAML(t *testing.T) {
	path := writeSeedFile(t, "targets: [\n")
	_, err := LoadSeedFile(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	assertContains(t, err.Error(), "invalid YAML")
}

func TestLoadSeedFile_UnknownField(t *testing.T) {
	path := writeSeedFile(t, `
targets:
  - url: https://example.com/search
    poll_every: 60
`)
	_, err := LoadSeedFile(path)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadSeedFile_TargetMissingURL(t *testing.T) {
	path := writeSeedFile(t, `
targets:
  - id: no-url
    base_interval_s: 300
`)
	_, err := LoadSeedFile(path)
	if err == nil {
		t.Fatal("expected error for target without url")
	}
	assertContains(t, err.Error(), "url is required")
}

func TestLoadSeedFile_SubscriberMissingEndpoint(t *testing.T) {
	path := writeSeedFile(t, `
subscribers:
  - id: no-endpoint
    type: WEBHOOK
`)
	_, err := LoadSeedFile(path)
	if err == nil {
		t.Fatal("expected error for subscriber without endpoint")
	}
	assertContains(t, err.Error(), "endpoint is required")
}
