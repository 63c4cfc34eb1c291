package service

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPatchRuntimeConfig_AppliesAndPersists(t *testing.T) {
	svc, _ := newTestService(t)

	updated, err := svc.PatchRuntimeConfig(json.RawMessage(`{"min_significance": 0.5, "request_timeout": "45s"}`))
	if err != nil {
		t.Fatal(err)
	}
	if updated.MinSignificance != 0.5 {
		t.Fatalf("expected min_significance 0.5, got %v", updated.MinSignificance)
	}
	if updated.RequestTimeout.Std() != 45*time.Second {
		t.Fatalf("expected 45s request timeout, got %v", updated.RequestTimeout.Std())
	}
	// Untouched fields survive.
	if updated.DispatchMaxRetries != 5 {
		t.Fatalf("untouched field changed: %+v", updated)
	}
	if svc.GetRuntimeConfig().MinSignificance != 0.5 {
		t.Fatal("live config pointer not swapped")
	}

	persisted, version, err := svc.Engine.GetSystemConfig()
	if err != nil {
		t.Fatal(err)
	}
	if persisted == nil || persisted.MinSignificance != 0.5 {
		t.Fatalf("persisted config mismatch: %+v", persisted)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}

	// A second patch keeps the version monotonically increasing.
	if _, err := svc.PatchRuntimeConfig(json.RawMessage(`{"peak_start_hour": 6}`)); err != nil {
		t.Fatal(err)
	}
	if _, version, err = svc.Engine.GetSystemConfig(); err != nil || version != 2 {
		t.Fatalf("expected version 2, got %d (%v)", version, err)
	}
}

func TestPatchRuntimeConfig_PropagatesReconcileSchedule(t *testing.T) {
	svc, sched := newTestService(t)

	if _, err := svc.PatchRuntimeConfig(json.RawMessage(`{"reconcile_schedule": "30 4 * * *"}`)); err != nil {
		t.Fatal(err)
	}
	if sched.schedule != "30 4 * * *" {
		t.Fatalf("schedule not propagated, got %q", sched.schedule)
	}

	// Patches that leave the schedule untouched do not re-arm the cron.
	sched.schedule = ""
	if _, err := svc.PatchRuntimeConfig(json.RawMessage(`{"peak_end_hour": 23}`)); err != nil {
		t.Fatal(err)
	}
	if sched.schedule != "" {
		t.Fatalf("unexpected schedule call: %q", sched.schedule)
	}
}

func TestPatchRuntimeConfig_Rejections(t *testing.T) {
	svc, _ := newTestService(t)

	cases := []struct {
		name  string
		patch string
	}{
		{"empty patch", `{}`},
		{"unknown field", `{"store_path": "/tmp/x"}`},
		{"null value", `{"user_agent": null}`},
		{"empty user agent", `{"user_agent": ""}`},
		{"bad duration", `{"request_timeout": "soon"}`},
		{"negative significance", `{"min_significance": -0.1}`},
		{"peak hour out of range", `{"peak_start_hour": 24}`},
		{"bad cron", `{"reconcile_schedule": "every tuesday"}`},
		{"zero failure threshold", `{"failure_threshold": 0}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.PatchRuntimeConfig(json.RawMessage(tc.patch))
			if serviceCode(t, err) != "INVALID_ARGUMENT" {
				t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
			}
		})
	}

	// Rejected patches leave the live config untouched.
	if svc.GetRuntimeConfig().UserAgent == "" {
		t.Fatal("rejected patch mutated live config")
	}
}
