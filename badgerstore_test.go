package asngate

import (
	"context"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/scraperwall/asngate/config"
)

func testStore(t *testing.T, ctx context.Context) (string, *Resources) {
	t.Helper()

	dir, err := ioutil.TempDir("", "asngate-badger")
	if err != nil {
		t.Fatal(err)
	}

	resources := NewResources()
	resources.Store, err = NewBadgerDB(ctx, dir)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open badger: %s", err)
	}

	return dir, resources
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir, resources := testStore(t, ctx)
	defer os.RemoveAll(dir)
	defer resources.Store.Close()

	ns := []byte("test")

	if err := resources.Store.Set(ns, []byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}

	v, err := resources.Store.Get(ns, []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "1" {
		t.Errorf("expected 1, got %s", v)
	}

	if _, err := resources.Store.Get(ns, []byte("missing")); err != resources.Store.ErrNotFound() {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := resources.Store.Remove(ns, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := resources.Store.Get(ns, []byte("a")); err != resources.Store.ErrNotFound() {
		t.Error("the entry should be gone after Remove")
	}
}

func TestBadgerStoreEachAndCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir, resources := testStore(t, ctx)
	defer os.RemoveAll(dir)
	defer resources.Store.Close()

	ns := []byte("ov")
	resources.Store.Set(ns, []byte("13335"), []byte(`{"asn":13335,"kind":"blocked"}`))
	resources.Store.Set(ns, []byte("15169"), []byte(`{"asn":15169,"kind":"allowed"}`))

	n, err := resources.Store.Count(ns, []byte{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}

	seen := 0
	err = resources.Store.Each(ns, []byte{}, func(v []byte) {
		seen++
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen != 2 {
		t.Errorf("Each visited %d entries, expected 2", seen)
	}
}

func TestTrustSurvivesEngineRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir, resources := testStore(t, ctx)
	defer os.RemoveAll(dir)
	defer resources.Store.Close()

	cfg := &config.Config{
		ChallengeTTL: time.Minute,
		TrustTTL:     time.Minute,
	}

	first := NewChallenges(ctx, resources, cfg)
	first.MarkTrusted("178.22.33.44")

	// a new engine on the same kvstore still sees the grant
	second := NewChallenges(ctx, resources, cfg)
	if !second.IsTrusted("178.22.33.44") {
		t.Error("the trust grant should have been restored from the kvstore")
	}
	if second.IsTrusted("178.22.33.45") {
		t.Error("an unknown identity must not be trusted")
	}
}

func TestOverridesSurviveRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir, resources := testStore(t, ctx)
	defer os.RemoveAll(dir)
	defer resources.Store.Close()

	cfg := &config.Config{ASNCacheTTL: time.Minute}

	first := NewASNList(ctx, resources, cfg)
	first.Init()
	first.AddOverride(13335, OverrideBlocked)
	first.AddOverride(15169, OverrideAllowed)

	second := NewASNList(ctx, resources, cfg)
	second.Init()

	if !second.IsBlocked(13335) {
		t.Error("the blocked override should have been restored")
	}
	if second.IsBlocked(15169) {
		t.Error("the allowed override should have been restored")
	}
	if second.AllowedCount() != 1 {
		t.Errorf("expected 1 allowed ASN after restore, got %d", second.AllowedCount())
	}
}
