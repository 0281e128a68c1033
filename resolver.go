/*
	asngate - an ASN-based traffic admission gateway by ScraperWall
	Copyright (C) 2021 ScraperWall, Tobias von Dewitz <tobias@scraperwall.com>

	This program is free software: you can redistribute it and/or modify it
	under the terms of the GNU Affero General Public License as published by
	the Free Software Foundation, either version 3 of the License, or (at your
	option) any later version.

	This program is distributed in the hope that it will be useful, but WITHOUT
	ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
	FITNESS FOR A PARTICULAR PURPOSE. See the GNU Affero General Public License
	for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program. If not, see <https://www.gnu.org/licenses/>.
*/

package asngate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	"github.com/miekg/dns"
	"github.com/scraperwall/asngate/config"
	"github.com/scraperwall/asngate/data"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidIP is returned when an IP can't be parsed at all. It is the only
// error Resolve ever returns, everything else degrades to an absent result
var ErrInvalidIP = errors.New("invalid IP address")

// negativeTTL is how long an unresolvable IP stays cached. It is deliberately
// much shorter than the positive TTL so that unresolved IPs get retried soon
const negativeTTL = 2 * time.Minute

var privateNetworks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"fc00::/7",
		"fe80::/10",
		"::1/128",
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		privateNetworks = append(privateNetworks, network)
	}
}

// IsPrivateIP determines whether ip belongs to a private, loopback or
// link-local range. Those addresses never have an ASN
func IsPrivateIP(ip net.IP) bool {
	if ip.IsUnspecified() {
		return true
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}

	return false
}

// extractor is one strategy to pull an ASN and organization out of a remote
// API response. The strategies are tried in order, the first match wins
type extractor struct {
	name string
	fn   func(map[string]interface{}) *data.Resolution
}

var apiExtractors = []extractor{
	{"asn-field", extractASNField},
	{"as-field", extractASField},
	{"autonomous-system", extractAutonomousSystem},
}

// Resolver maps IP addresses to autonomous systems. It consults a local
// MaxMind ASN database first and falls back to a remote HTTP API and,
// optionally, a Team Cymru style DNS zone. Results are cached with separate
// TTLs for positive and negative answers
type Resolver struct {
	cache     *ttlcache.Cache
	client    *http.Client
	dnsClient *dns.Client
	hits      int64
	misses    int64
	resources *Resources
	config    *config.Config
	ctx       context.Context
}

// NewResolver creates a new Resolver item
func NewResolver(ctx context.Context, resources *Resources, config *config.Config) *Resolver {
	cache := ttlcache.NewCache()
	cache.SkipTTLExtensionOnHit(true)

	timeout := config.ResolverTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	r := &Resolver{
		cache:     cache,
		client:    &http.Client{Timeout: timeout},
		dnsClient: &dns.Client{Timeout: timeout},
		resources: resources,
		config:    config,
		ctx:       ctx,
	}

	go r.autoClose()

	return r
}

// Resolve maps an IP address to its ASN. A nil result means the IP could not
// be resolved by any source. The only error condition is a syntactically
// invalid IP, lookup failures degrade to an absent result so that callers
// never fail a request because resolution failed
func (r *Resolver) Resolve(ipstr string) (*data.Resolution, error) {
	ip := net.ParseIP(strings.TrimSpace(ipstr))
	if ip == nil {
		return nil, ErrInvalidIP
	}

	if IsPrivateIP(ip) {
		return nil, nil
	}

	key := ip.String()

	if v, err := r.cache.Get(key); err == nil {
		atomic.AddInt64(&r.hits, 1)
		return v.(*data.Resolution), nil
	}

	atomic.AddInt64(&r.misses, 1)

	res := r.lookupLocal(ip)
	if res == nil {
		res = r.lookupAPI(ip)
	}
	if res == nil {
		res = r.lookupDNS(ip)
	}

	if res == nil {
		if err := r.cache.SetWithTTL(key, (*data.Resolution)(nil), negativeTTL); err != nil {
			log.Warnf("failed to cache negative result for %s: %s", key, err)
		}
		return nil, nil
	}

	if err := r.cache.SetWithTTL(key, res, r.config.ResolutionCacheTTL); err != nil {
		log.Warnf("failed to cache resolution for %s: %s", key, err)
	}

	return res, nil
}

// BulkResolve resolves a batch of IPs concurrently. A failure for one IP
// never affects the result of any other, failed entries are nil
func (r *Resolver) BulkResolve(ips []string) map[string]*data.Resolution {
	res := make(map[string]*data.Resolution, len(ips))
	var mutex sync.Mutex
	var wg sync.WaitGroup

	for _, ip := range ips {
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()

			resolution, err := r.Resolve(ip)
			if err != nil {
				resolution = nil
			}

			mutex.Lock()
			res[ip] = resolution
			mutex.Unlock()
		}(ip)
	}

	wg.Wait()

	return res
}

// CacheStats returns the resolution cache hit and miss counters
func (r *Resolver) CacheStats() (hits, misses int64) {
	return atomic.LoadInt64(&r.hits), atomic.LoadInt64(&r.misses)
}

// lookupLocal consults the local MaxMind ASN database
func (r *Resolver) lookupLocal(ip net.IP) *data.Resolution {
	if r.resources.ASNDB == nil {
		return nil
	}

	record, err := r.resources.ASNDB.ASN(ip)
	if err != nil {
		log.Tracef("local ASN lookup for %s failed: %s", ip, err)
		return nil
	}

	if record.AutonomousSystemNumber == 0 {
		return nil
	}

	return &data.Resolution{
		ASN:          uint32(record.AutonomousSystemNumber),
		Organization: record.AutonomousSystemOrganization,
		Source:       data.SourceLocalDB,
	}
}

// lookupAPI queries the configured fallback HTTP API. The {ip} placeholder in
// the URL template is replaced with the address being resolved
func (r *Resolver) lookupAPI(ip net.IP) *data.Resolution {
	if r.config.FallbackAPI == "" {
		return nil
	}

	url := strings.Replace(r.config.FallbackAPI, "{ip}", ip.String(), 1)

	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Warnf("bad fallback API request for %s: %s", ip, err)
		return nil
	}

	resp, err := r.client.Do(req)
	if err != nil {
		log.Tracef("fallback API error for %s: %s", ip, err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Tracef("fallback API returned status %d for %s", resp.StatusCode, ip)
		return nil
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Tracef("malformed fallback API body for %s: %s", ip, err)
		return nil
	}

	for _, e := range apiExtractors {
		if res := e.fn(payload); res != nil {
			log.Tracef("resolved %s via %s strategy", ip, e.name)
			res.Source = data.SourceRemoteAPI
			return res
		}
	}

	return nil
}

// extractASNField handles payloads like {"asn":"AS15169","org":"Google LLC"}
// where the asn field may also be a raw number
func extractASNField(payload map[string]interface{}) *data.Resolution {
	v, ok := payload["asn"]
	if !ok {
		return nil
	}

	asn, ok := coerceASN(v)
	if !ok {
		return nil
	}

	org := ""
	for _, key := range []string{"org", "organization", "asn_org"} {
		if s, ok := payload[key].(string); ok {
			org = s
			break
		}
	}

	return &data.Resolution{ASN: asn, Organization: org}
}

// extractASField handles payloads like {"as":"AS15169 Google LLC"}
func extractASField(payload map[string]interface{}) *data.Resolution {
	s, ok := payload["as"].(string)
	if !ok {
		return nil
	}

	parts := strings.SplitN(strings.TrimSpace(s), " ", 2)
	asn, ok := parseASNToken(parts[0])
	if !ok {
		return nil
	}

	org := ""
	if len(parts) > 1 {
		org = strings.TrimSpace(parts[1])
	}

	return &data.Resolution{ASN: asn, Organization: org}
}

// extractAutonomousSystem handles the generic autonomous_system_number field
func extractAutonomousSystem(payload map[string]interface{}) *data.Resolution {
	v, ok := payload["autonomous_system_number"]
	if !ok {
		return nil
	}

	asn, ok := coerceASN(v)
	if !ok {
		return nil
	}

	org := ""
	if s, ok := payload["autonomous_system_organization"].(string); ok {
		org = s
	}

	return &data.Resolution{ASN: asn, Organization: org}
}

// lookupDNS resolves the origin ASN via the Team Cymru DNS zone
func (r *Resolver) lookupDNS(ip net.IP) *data.Resolution {
	if r.config.DNSFallbackServer == "" {
		return nil
	}

	query, err := cymruQuery(ip)
	if err != nil {
		return nil
	}

	txt, err := r.txtLookup(query)
	if err != nil {
		log.Tracef("dns ASN lookup for %s failed: %s", ip, err)
		return nil
	}

	// "13335 | 1.1.1.0/24 | AU | apnic | 2011-08-11"
	parts := strings.Split(txt, "|")
	asnToken := strings.Fields(strings.TrimSpace(parts[0]))
	if len(asnToken) == 0 {
		return nil
	}

	asn, ok := parseASNToken(asnToken[0])
	if !ok {
		return nil
	}

	res := &data.Resolution{ASN: asn, Source: data.SourceDNS}

	// a second lookup yields the AS description, best effort only
	if txt, err := r.txtLookup(fmt.Sprintf("AS%d.asn.cymru.com.", asn)); err == nil {
		descParts := strings.Split(txt, "|")
		if len(descParts) >= 5 {
			res.Organization = strings.TrimSpace(descParts[4])
		}
	}

	return res
}

func (r *Resolver) txtLookup(name string) (string, error) {
	p := new(dns.Msg)
	p.Id = dns.Id()
	p.RecursionDesired = true
	p.SetQuestion(name, dns.TypeTXT)

	resp, _, err := r.dnsClient.Exchange(p, r.config.DNSFallbackServer)
	if err != nil {
		return "", err
	}

	if len(resp.Answer) == 0 {
		return "", fmt.Errorf("no TXT answer for %s", name)
	}

	if t, ok := resp.Answer[0].(*dns.TXT); ok && len(t.Txt) > 0 {
		return t.Txt[0], nil
	}

	return "", fmt.Errorf("unexpected answer type for %s", name)
}

// cymruQuery builds the origin zone query name for ip
func cymruQuery(ip net.IP) (string, error) {
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.%d.origin.asn.cymru.com.", v4[3], v4[2], v4[1], v4[0]), nil
	}

	v6 := ip.To16()
	if v6 == nil {
		return "", fmt.Errorf("%s is neither IPv4 nor IPv6", ip)
	}

	var b strings.Builder
	for i := len(v6) - 1; i >= 0; i-- {
		b.WriteString(fmt.Sprintf("%x.%x.", v6[i]&0x0f, v6[i]>>4))
	}

	return b.String() + "origin6.asn.cymru.com.", nil
}

func (r *Resolver) autoClose() {
	<-r.ctx.Done()
	r.cache.Close()
}
