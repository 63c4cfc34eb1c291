package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/driftwatch/driftwatch/internal/model"
)

func seedListing(t *testing.T, env *testEnv, source, id string, status model.ListingStatus) {
	t.Helper()
	now := time.Now().UnixNano()
	err := env.cp.Engine.Repo.UpsertListing(&model.CanonicalListing{
		Source:        source,
		ListingID:     id,
		FirstSeenAtNs: now,
		LastSeenAtNs:  now,
		Status:        status,
		Title:         "Pentax K1000",
		FieldHash:     "h1",
		Version:       1,
		UpdatedAtNs:   now,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func seedEvent(t *testing.T, env *testEnv, id string, status model.EventStatus) {
	t.Helper()
	now := time.Now().UnixNano()
	err := env.cp.Engine.Repo.AppendEvents([]model.ChangeEvent{{
		EventID:      id,
		EventType:    model.EventUpdated,
		Source:       "ebay.com",
		ListingID:    "l-1",
		DetectedAtNs: now,
		Version:      1,
		Confidence:   1.0,
		Significance: model.SignificanceLow,
		Status:       status,
		CreatedAtNs:  now,
	}})
	if err != nil {
		t.Fatal(err)
	}
}

func TestListListingsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env, "ebay.com", "a", model.StatusActive)
	seedListing(t, env, "ebay.com", "b", model.StatusRemoved)

	rec := env.do(t, http.MethodGet, "/api/listings?source=ebay.com&status=ACTIVE", nil)
	wantStatus(t, rec, http.StatusOK)
	page := decodeJSON[ListResponse[model.CanonicalListing]](t, rec)
	if len(page.Items) != 1 || page.Items[0].ListingID != "a" {
		t.Fatalf("unexpected listings: %+v", page)
	}

	rec = env.do(t, http.MethodGet, "/api/listings?status=GONE", nil)
	wantStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodGet, "/api/listings?limit=nope", nil)
	wantStatus(t, rec, http.StatusBadRequest)
}

func TestGetListingEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env, "ebay.com", "a", model.StatusActive)

	rec := env.do(t, http.MethodGet, "/api/listings/ebay.com/a", nil)
	wantStatus(t, rec, http.StatusOK)
	got := decodeJSON[model.CanonicalListing](t, rec)
	if got.Title != "Pentax K1000" {
		t.Fatalf("unexpected listing: %+v", got)
	}

	rec = env.do(t, http.MethodGet, "/api/listings/ebay.com/zzz", nil)
	wantStatus(t, rec, http.StatusNotFound)
}

func TestEventsAndRetryEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seedEvent(t, env, "e-dead", model.EventFailed)
	seedEvent(t, env, "e-live", model.EventPending)

	rec := env.do(t, http.MethodGet, "/api/events?status=FAILED", nil)
	wantStatus(t, rec, http.StatusOK)
	page := decodeJSON[ListResponse[model.ChangeEvent]](t, rec)
	if len(page.Items) != 1 || page.Items[0].EventID != "e-dead" {
		t.Fatalf("unexpected events: %+v", page)
	}

	rec = env.do(t, http.MethodPost, "/api/events/e-dead/retry", nil)
	wantStatus(t, rec, http.StatusOK)
	ev := decodeJSON[model.ChangeEvent](t, rec)
	if ev.Status != model.EventPending {
		t.Fatalf("expected PENDING after retry, got %+v", ev)
	}

	rec = env.do(t, http.MethodPost, "/api/events/e-live/retry", nil)
	wantStatus(t, rec, http.StatusConflict)

	rec = env.do(t, http.MethodPost, "/api/events/e-missing/retry", nil)
	wantStatus(t, rec, http.StatusNotFound)
}
