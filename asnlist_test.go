package asngate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scraperwall/asngate/config"
	"github.com/scraperwall/asngate/data"
)

func testASNList(ctx context.Context, cfg *config.Config) *ASNList {
	if cfg.ASNCacheTTL <= 0 {
		cfg.ASNCacheTTL = time.Minute
	}
	return NewASNList(ctx, NewResources(), cfg)
}

func TestASNListAllowedWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := testASNList(ctx, &config.Config{})

	l.AddOverride(13335, OverrideBlocked)
	if !l.IsBlocked(13335) {
		t.Error("AS13335 should be blocked")
	}

	l.AddOverride(13335, OverrideAllowed)
	if l.IsBlocked(13335) {
		t.Error("AS13335 is allowed, allowed must win over blocked")
	}

	// a refresh re-introducing the ASN into the blocked set must not block it
	l.mutex.Lock()
	l.blocked[13335] = true
	l.mutex.Unlock()
	l.decisionCache.Purge()

	if l.IsBlocked(13335) {
		t.Error("AS13335 is still allowed, a refresh must not override that")
	}
}

func TestASNListOverrideRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := testASNList(ctx, &config.Config{})

	if err := l.AddOverride(12345, OverrideBlocked); err != nil {
		t.Fatalf("AddOverride failed: %s", err)
	}
	if !l.IsBlocked(12345) {
		t.Error("AS12345 should be blocked after AddOverride")
	}

	l.RemoveOverride(12345)
	if l.IsBlocked(12345) {
		t.Error("AS12345 should not be blocked after RemoveOverride")
	}
}

func TestASNListUnknownOverrideKind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := testASNList(ctx, &config.Config{})

	if err := l.AddOverride(12345, "maybe"); err == nil {
		t.Error("expected an error for an unknown override kind")
	}
}

func TestASNListInitPartialFailure(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("AS13335\nAS16509\n"))
	}))
	defer good.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{
		Sources: []config.ASNSource{
			{URL: bad.URL, Format: "text"},
			{URL: good.URL, Format: "text"},
		},
	}

	l := testASNList(ctx, cfg)
	l.Init()

	if !l.IsBlocked(13335) || !l.IsBlocked(16509) {
		t.Error("the working source should have loaded despite the failing one")
	}

	if l.BlockedCount() != 2 {
		t.Errorf("expected 2 blocked ASNs, got %d", l.BlockedCount())
	}

	refreshes := l.LastRefresh()
	if _, ok := refreshes[good.URL]; !ok {
		t.Error("the working source should have a refresh timestamp")
	}
	if _, ok := refreshes[bad.URL]; ok {
		t.Error("the failing source must not have a refresh timestamp")
	}
}

func TestASNListRefreshIsAdditive(t *testing.T) {
	payload := "AS13335\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{
		Sources: []config.ASNSource{{URL: srv.URL, Format: "text"}},
	}

	l := testASNList(ctx, cfg)
	l.refreshSource(cfg.Sources[0])

	// the source shrinks, previously learned entries must survive
	payload = "AS16509\n"
	l.refreshSource(cfg.Sources[0])

	if l.BlockedCount() != 2 {
		t.Errorf("expected the merge to be additive, got %d blocked ASNs", l.BlockedCount())
	}
}

func TestASNListCustomRecordsSuperseded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := testASNList(ctx, &config.Config{})

	l.SetCustomRecords(
		[]data.ASNRecord{{ASN: 13335, Organization: "Cloudflare", Reason: "test"}},
		[]data.ASNRecord{{ASN: 15169, Organization: "Google"}},
	)

	if !l.IsBlocked(13335) {
		t.Error("AS13335 should be blocked by the custom list")
	}
	if l.IsBlocked(15169) {
		t.Error("AS15169 should be allowed by the custom list")
	}

	rec, ok := l.CustomRecord(13335)
	if !ok || rec.Organization != "Cloudflare" {
		t.Errorf("expected the custom record for AS13335, got %+v", rec)
	}

	// a reload supersedes the previous contents wholesale
	l.SetCustomRecords([]data.ASNRecord{{ASN: 32934, Organization: "Facebook"}}, nil)

	if l.IsBlocked(13335) {
		t.Error("AS13335 should no longer be blocked after the reload")
	}
	if !l.IsBlocked(32934) {
		t.Error("AS32934 should be blocked after the reload")
	}
	if len(l.Allowed()) != 0 {
		t.Errorf("the allowed set should be empty after the reload, got %v", l.Allowed())
	}
}

func TestASNListDecisionCacheInvalidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := testASNList(ctx, &config.Config{ASNCacheTTL: time.Hour})

	if l.IsBlocked(64512) {
		t.Error("AS64512 should not be blocked yet")
	}

	// the cached decision must be dropped by the override
	l.AddOverride(64512, OverrideBlocked)

	if !l.IsBlocked(64512) {
		t.Error("AS64512 should be blocked right after the override")
	}
}
