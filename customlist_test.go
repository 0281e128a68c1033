package asngate

import (
	"context"
	"io/ioutil"
	"os"
	"testing"

	"github.com/scraperwall/asngate/config"
)

const customListTestTOML = `
[[Blocked]]
ASN = 13335
Organization = "Cloudflare"
Reason = "bulk scraping"

[[Blocked]]
ASN = 16509
Organization = "Amazon"
Reason = "cloud egress"

[[Blocked]]
ASN = 0
Organization = "invalid"

[[Allowed]]
ASN = 15169
Organization = "Google LLC"
Reason = "verified crawler"
`

func TestCustomListLoad(t *testing.T) {
	fh, err := ioutil.TempFile("", "asngate-customlist")
	if err != nil {
		t.Error(err)
	}
	_, err = fh.WriteString(customListTestTOML)
	if err != nil {
		t.Error(err)
	}

	cfg := config.Config{
		CustomListTOML: fh.Name(),
	}

	fh.Close()
	defer os.Remove(fh.Name())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := testASNList(ctx, &cfg)
	NewCustomList(ctx, l, &cfg)

	if !l.IsBlocked(13335) {
		t.Error("AS13335 should be blocked by the custom list")
	}
	if !l.IsBlocked(16509) {
		t.Error("AS16509 should be blocked by the custom list")
	}
	if l.IsBlocked(15169) {
		t.Error("AS15169 should be allowed by the custom list")
	}
	if l.IsBlocked(0) {
		t.Error("the invalid entry should have been skipped")
	}

	rec, ok := l.CustomRecord(13335)
	if !ok {
		t.Fatal("expected a custom record for AS13335")
	}
	if rec.Reason != "bulk scraping" {
		t.Errorf("expected reason 'bulk scraping', got %q", rec.Reason)
	}

	if l.BlockedCount() != 2 {
		t.Errorf("expected 2 blocked ASNs, got %d", l.BlockedCount())
	}
	if l.AllowedCount() != 1 {
		t.Errorf("expected 1 allowed ASN, got %d", l.AllowedCount())
	}
}

func TestCustomListMissingFile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Config{
		CustomListTOML: "/nonexistent/asngate-customlist.toml",
	}

	l := testASNList(ctx, &cfg)

	// a missing file is a warning, not a failure
	cl := NewCustomList(ctx, l, &cfg)
	if cl == nil {
		t.Fatal("NewCustomList should always return an instance")
	}

	if l.BlockedCount() != 0 {
		t.Errorf("expected no blocked ASNs, got %d", l.BlockedCount())
	}
}

func TestCustomListGarbage(t *testing.T) {
	fh, err := ioutil.TempFile("", "asngate-customlist")
	if err != nil {
		t.Error(err)
	}
	fh.WriteString("this is [[not\nvalid toml")
	fh.Close()
	defer os.Remove(fh.Name())

	cfg := config.Config{
		CustomListTOML: fh.Name(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := testASNList(ctx, &cfg)
	cl := NewCustomList(ctx, l, &cfg)

	if err := cl.Load(); err == nil {
		t.Error("loading garbage should return an error")
	}

	if l.BlockedCount() != 0 {
		t.Errorf("a failed load must not have applied anything, got %d blocked ASNs", l.BlockedCount())
	}
}
