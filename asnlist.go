package asngate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	"github.com/scraperwall/asngate/config"
	"github.com/scraperwall/asngate/data"
	log "github.com/sirupsen/logrus"
)

const overrideNamespace = "ov"

// Override kinds
const (
	OverrideBlocked = "blocked"
	OverrideAllowed = "allowed"
)

type override struct {
	ASN  uint32 `json:"asn"`
	Kind string `json:"kind"`
}

// ASNList owns the merged blocked and allowed ASN sets together with a short
// lived membership decision cache. It is refreshed in the background from the
// configured remote sources. Allowed entries always win over blocked ones
type ASNList struct {
	blocked       map[uint32]bool
	allowed       map[uint32]bool
	customBlocked map[uint32]data.ASNRecord
	customAllowed map[uint32]data.ASNRecord
	lastRefresh   map[string]time.Time
	decisionCache *ttlcache.Cache
	client        *http.Client
	hits          int64
	misses        int64
	resources     *Resources
	config        *config.Config
	mutex         sync.RWMutex
	ctx           context.Context
}

// NewASNList creates a new ASNList.
// The parent context and application configuration are passed on to the new instance
func NewASNList(ctx context.Context, resources *Resources, config *config.Config) *ASNList {
	cache := ttlcache.NewCache()
	cache.SkipTTLExtensionOnHit(true)
	cache.SetTTL(config.ASNCacheTTL)

	timeout := config.SourceTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	l := &ASNList{
		blocked:       make(map[uint32]bool),
		allowed:       make(map[uint32]bool),
		customBlocked: make(map[uint32]data.ASNRecord),
		customAllowed: make(map[uint32]data.ASNRecord),
		lastRefresh:   make(map[string]time.Time),
		decisionCache: cache,
		client:        &http.Client{Timeout: timeout},
		resources:     resources,
		config:        config,
		ctx:           ctx,
	}

	go l.autoClose()

	return l
}

// Init loads persisted overrides and fetches every configured remote source
// once. A failing source is logged and skipped, the others still load.
// When at least one source has a refresh interval the background refresher
// is started
func (l *ASNList) Init() {
	l.loadOverrides()

	for _, src := range l.config.Sources {
		l.refreshSource(src)
	}

	if interval := l.refreshInterval(); interval > 0 {
		go l.refresher(interval)
	}
}

// IsBlocked reports whether asn should be challenged. Allowed membership wins
// over blocked membership at check time, a later refresh that reintroduces an
// allowed ASN into the blocked set therefore never blocks it.
// Decisions are cached for the configured TTL
func (l *ASNList) IsBlocked(asn uint32) bool {
	key := strconv.FormatUint(uint64(asn), 10)

	if v, err := l.decisionCache.Get(key); err == nil {
		atomic.AddInt64(&l.hits, 1)
		return v.(bool)
	}

	atomic.AddInt64(&l.misses, 1)

	l.mutex.RLock()
	blocked := l.blocked[asn] && !l.allowed[asn]
	l.mutex.RUnlock()

	if err := l.decisionCache.SetWithTTL(key, blocked, l.config.ASNCacheTTL); err != nil {
		log.Warnf("failed to cache decision for AS%d: %s", asn, err)
	}

	return blocked
}

// AddOverride puts asn on the blocked or allowed list and invalidates its
// decision cache entry. Allowing an ASN evicts it from the blocked set.
// The override is persisted when a kvstore is available
func (l *ASNList) AddOverride(asn uint32, kind string) error {
	if kind != OverrideBlocked && kind != OverrideAllowed {
		return fmt.Errorf("unknown override kind %q", kind)
	}

	l.mutex.Lock()
	if kind == OverrideAllowed {
		l.allowed[asn] = true
		delete(l.blocked, asn)
	} else {
		l.blocked[asn] = true
	}
	l.mutex.Unlock()

	l.decisionCache.Remove(strconv.FormatUint(uint64(asn), 10))

	l.persistOverride(asn, kind)

	return nil
}

// RemoveOverride removes asn from both sets and invalidates its decision
// cache entry
func (l *ASNList) RemoveOverride(asn uint32) {
	l.mutex.Lock()
	delete(l.blocked, asn)
	delete(l.allowed, asn)
	l.mutex.Unlock()

	l.decisionCache.Remove(strconv.FormatUint(uint64(asn), 10))

	if l.resources.Store != nil {
		key := []byte(strconv.FormatUint(uint64(asn), 10))
		if err := l.resources.Store.Remove([]byte(overrideNamespace), key); err != nil {
			log.Warnf("failed to remove persisted override for AS%d: %s", asn, err)
		}
	}
}

// SetCustomRecords replaces the custom list contribution wholesale. Entries
// from the previous load that are no longer present are removed from the sets
func (l *ASNList) SetCustomRecords(blocked, allowed []data.ASNRecord) {
	l.mutex.Lock()

	for asn := range l.customBlocked {
		delete(l.blocked, asn)
	}
	for asn := range l.customAllowed {
		delete(l.allowed, asn)
	}

	l.customBlocked = make(map[uint32]data.ASNRecord)
	l.customAllowed = make(map[uint32]data.ASNRecord)

	for _, rec := range blocked {
		l.customBlocked[rec.ASN] = rec
		l.blocked[rec.ASN] = true
	}
	for _, rec := range allowed {
		l.customAllowed[rec.ASN] = rec
		l.allowed[rec.ASN] = true
	}

	l.mutex.Unlock()

	// decisions may have changed for any ASN the old or new list touched
	l.decisionCache.Purge()

	log.Infof("custom ASN list applied: %d blocked, %d allowed", len(blocked), len(allowed))
}

// CustomRecord returns the custom list entry for asn if one exists
func (l *ASNList) CustomRecord(asn uint32) (data.ASNRecord, bool) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	if rec, ok := l.customBlocked[asn]; ok {
		return rec, true
	}
	rec, ok := l.customAllowed[asn]
	return rec, ok
}

// Blocked returns all blocked ASNs in ascending order, minus the allowed ones
func (l *ASNList) Blocked() []uint32 {
	l.mutex.RLock()
	asns := make([]uint32, 0, len(l.blocked))
	for asn := range l.blocked {
		if !l.allowed[asn] {
			asns = append(asns, asn)
		}
	}
	l.mutex.RUnlock()

	sort.Slice(asns, func(a, b int) bool { return asns[a] < asns[b] })
	return asns
}

// Allowed returns all allowed ASNs in ascending order
func (l *ASNList) Allowed() []uint32 {
	l.mutex.RLock()
	asns := make([]uint32, 0, len(l.allowed))
	for asn := range l.allowed {
		asns = append(asns, asn)
	}
	l.mutex.RUnlock()

	sort.Slice(asns, func(a, b int) bool { return asns[a] < asns[b] })
	return asns
}

// BlockedCount returns the number of effectively blocked ASNs
func (l *ASNList) BlockedCount() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	n := 0
	for asn := range l.blocked {
		if !l.allowed[asn] {
			n++
		}
	}
	return n
}

// AllowedCount returns the number of allowed ASNs
func (l *ASNList) AllowedCount() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.allowed)
}

// CacheStats returns the decision cache hit and miss counters
func (l *ASNList) CacheStats() (hits, misses int64) {
	return atomic.LoadInt64(&l.hits), atomic.LoadInt64(&l.misses)
}

// LastRefresh returns the time of the last successful refresh per source URL
func (l *ASNList) LastRefresh() map[string]time.Time {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	res := make(map[string]time.Time, len(l.lastRefresh))
	for url, t := range l.lastRefresh {
		res[url] = t
	}
	return res
}

// refreshInterval is the minimum refresh interval across all sources
func (l *ASNList) refreshInterval() time.Duration {
	var interval time.Duration

	for _, src := range l.config.Sources {
		if src.RefreshInterval <= 0 {
			continue
		}
		if interval == 0 || src.RefreshInterval < interval {
			interval = src.RefreshInterval
		}
	}

	return interval
}

// refresher re-fetches remote sources periodically. The ticker runs at the
// smallest configured interval, each tick only refreshes sources whose own
// interval has elapsed
func (l *ASNList) refresher(interval time.Duration) {
	ticker := time.NewTicker(interval)

	for {
		select {
		case <-l.ctx.Done():
			ticker.Stop()
			return
		case <-ticker.C:
			for _, src := range l.config.Sources {
				l.mutex.RLock()
				last := l.lastRefresh[src.URL]
				l.mutex.RUnlock()

				if time.Since(last) >= src.RefreshInterval {
					l.refreshSource(src)
				}
			}
		}
	}
}

// refreshSource fetches one source and merges its ASNs into the blocked set.
// The merge is additive so that a failed or shrunken fetch never erodes the
// protection the last good fetch established
func (l *ASNList) refreshSource(src config.ASNSource) {
	asns, err := FetchSource(l.ctx, l.client, src)
	if err != nil {
		log.Warnf("failed to refresh ASN source %s: %s", src.URL, err)
		return
	}

	l.mutex.Lock()
	added := 0
	for asn := range asns {
		if !l.blocked[asn] {
			added++
		}
		l.blocked[asn] = true
	}
	l.lastRefresh[src.URL] = time.Now()
	l.mutex.Unlock()

	log.Infof("refreshed %s: %d ASNs, %d new", src.URL, len(asns), added)
}

// loadOverrides restores persisted overrides from the kvstore
func (l *ASNList) loadOverrides() {
	if l.resources.Store == nil {
		return
	}

	n := 0
	err := l.resources.Store.Each([]byte(overrideNamespace), []byte{}, func(v []byte) {
		var o override
		if err := json.Unmarshal(v, &o); err != nil {
			log.Warnf("skipping malformed persisted override: %s", err)
			return
		}

		l.mutex.Lock()
		if o.Kind == OverrideAllowed {
			l.allowed[o.ASN] = true
		} else {
			l.blocked[o.ASN] = true
		}
		l.mutex.Unlock()
		n++
	})

	if err != nil {
		log.Warnf("failed to load persisted overrides: %s", err)
		return
	}

	if n > 0 {
		log.Infof("restored %d persisted ASN overrides", n)
	}
}

func (l *ASNList) persistOverride(asn uint32, kind string) {
	if l.resources.Store == nil {
		return
	}

	v, err := json.Marshal(override{ASN: asn, Kind: kind})
	if err != nil {
		log.Warnf("failed to marshal override for AS%d: %s", asn, err)
		return
	}

	key := []byte(strconv.FormatUint(uint64(asn), 10))
	if err := l.resources.Store.Set([]byte(overrideNamespace), key, v); err != nil {
		log.Warnf("failed to persist override for AS%d: %s", asn, err)
	}
}

func (l *ASNList) autoClose() {
	<-l.ctx.Done()
	l.decisionCache.Close()
}
