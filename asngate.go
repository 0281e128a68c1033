package asngate

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oschwald/geoip2-golang"
	"github.com/scraperwall/asngate/config"
	"github.com/scraperwall/asngate/data"
	log "github.com/sirupsen/logrus"
)

// ChallengePath is where the excluded proxy layer renders the challenge page
const ChallengePath = "/__challenge"

// Gateway answers one question per inbound request: allow, challenge or
// already trusted. It owns the ASN list store, the IP resolver and the
// challenge engine and orchestrates them per request
type Gateway struct {
	asnlist    *ASNList
	resolver   *Resolver
	challenges *Challenges
	customList *CustomList
	events     *Events
	stats      *DecisionStats
	api        *API
	resources  *Resources
	config     *config.Config

	ctx context.Context
}

// New creates a new Gateway instance. Missing optional collaborators (local
// ASN database, kvstore, event bus) are logged and skipped, the gateway
// always comes up, in the worst case fully open
func New(ctx context.Context, config *config.Config) (*Gateway, error) {
	var err error

	resources := NewResources()

	g := &Gateway{
		resources: resources,
		config:    config,
		ctx:       ctx,
	}

	// Badger
	//
	if config.BadgerPath != "" {
		resources.Store, err = NewBadgerDB(ctx, config.BadgerPath)
		if err != nil {
			return nil, err
		}
	}

	// local ASN database
	//
	if config.ASNDBFile != "" {
		resources.ASNDB, err = geoip2.Open(config.ASNDBFile)
		if err != nil {
			log.Warnf("local ASN database unavailable, relying on remote resolution: %s", err)
			resources.ASNDB = nil
		} else {
			log.Infof("asndb loaded from %s", config.ASNDBFile)
		}
	}

	// decision event bus
	//
	if config.WithEvents {
		g.events, err = NewEvents(ctx, resources, config)
		if err != nil {
			return nil, err
		}
	}

	// ASN list store and custom list
	//
	g.asnlist = NewASNList(ctx, resources, config)
	g.asnlist.Init()
	g.customList = NewCustomList(ctx, g.asnlist, config)

	// Resolver
	//
	g.resolver = NewResolver(ctx, resources, config)

	// Challenges
	//
	g.challenges = NewChallenges(ctx, resources, config)

	g.stats = NewDecisionStats(time.Hour)

	// API
	//
	if config.APIAddress != "" {
		g.api = NewAPI(ctx, config, g)
	}

	if config.LogMemoryStats {
		go g.logMemoryStats(ctx)
	}

	go g.statsLogWorker()

	// clean up when we're done
	go func() {
		<-ctx.Done()
		if resources.Store != nil {
			resources.Store.Close()
		}
		if resources.ASNDB != nil {
			resources.ASNDB.Close()
		}
	}()

	return g, nil
}

// HandleRequest runs one inbound request through the admission pipeline.
// Private addresses and trusted identities pass immediately, unresolvable
// IPs and unblocked ASNs fail open, only a blocked ASN leads to a challenge
func (g *Gateway) HandleRequest(clientIP, requestedPath string) *data.Decision {
	decision := &data.Decision{
		IP:   clientIP,
		Time: time.Now(),
	}

	ip := net.ParseIP(strings.TrimSpace(clientIP))
	if ip == nil {
		decision.Action = data.ActionError
		decision.Reason = "invalid client IP"
		g.stats.Record(decision.Action, false)
		return decision
	}

	if IsPrivateIP(ip) {
		decision.Action = data.ActionAllow
		decision.Reason = "private address"
		g.stats.Record(decision.Action, false)
		return decision
	}

	if g.challenges.IsTrusted(ip.String()) {
		decision.Action = data.ActionAllow
		decision.Reason = "trusted"
		g.stats.Record(decision.Action, true)
		return decision
	}

	res, err := g.resolver.Resolve(clientIP)
	if err != nil {
		// can't happen for a parsed IP, treat it like an absent result
		res = nil
	}

	if res == nil {
		// fail open: inability to classify must never deny service
		decision.Action = data.ActionAllow
		decision.Reason = "unresolved"
		g.stats.Record(decision.Action, false)
		return decision
	}

	decision.ASN = res.ASN
	decision.Organization = res.Organization

	if !g.asnlist.IsBlocked(res.ASN) {
		decision.Action = data.ActionAllow
		decision.Reason = "asn not blocked"
		g.stats.Record(decision.Action, false)
		return decision
	}

	prompt := g.challenges.Issue(g.config.ChallengeDifficulty)

	decision.Action = data.ActionChallenge
	decision.Reason = fmt.Sprintf("AS%d is blocked", res.ASN)
	if rec, ok := g.asnlist.CustomRecord(res.ASN); ok && rec.Reason != "" {
		decision.Reason = rec.Reason
	}
	decision.ChallengeID = prompt.ID
	decision.Question = prompt.Question
	decision.RedirectTarget = challengeTarget(prompt.ID, requestedPath, false)

	g.stats.Record(decision.Action, false)
	g.publish(decision)

	log.Tracef("challenging %s (AS%d %s)", clientIP, res.ASN, res.Organization)

	return decision
}

// HandleVerify checks a submitted challenge answer. On success the identity
// is trusted for the configured window and sent back to where it wanted to
// go, on failure a fresh challenge is issued and the destination preserved
func (g *Gateway) HandleVerify(clientIP, challengeID, submittedAnswer, originalDestination string) *data.VerifyResult {
	destination := sanitizeDestination(originalDestination)

	// trust is keyed by the canonical form, the same one HandleRequest checks
	ip := net.ParseIP(strings.TrimSpace(clientIP))
	if ip == nil {
		return &data.VerifyResult{
			Success:        false,
			RedirectTarget: destination,
		}
	}

	answer, err := strconv.Atoi(strings.TrimSpace(submittedAnswer))
	if err != nil {
		// malformed submission, rejected without consuming the challenge
		prompt := g.challenges.Issue(g.config.ChallengeDifficulty)
		return &data.VerifyResult{
			Success:        false,
			RedirectTarget: challengeTarget(prompt.ID, destination, true),
		}
	}

	if g.challenges.Verify(challengeID, answer) {
		g.challenges.MarkTrusted(ip.String())

		g.publish(&data.Decision{
			Action: data.ActionAllow,
			IP:     ip.String(),
			Reason: "challenge solved",
			Time:   time.Now(),
		})

		log.Infof("%s solved challenge %s", ip, challengeID)

		return &data.VerifyResult{
			Success:        true,
			RedirectTarget: destination,
		}
	}

	prompt := g.challenges.Issue(g.config.ChallengeDifficulty)

	return &data.VerifyResult{
		Success:        false,
		RedirectTarget: challengeTarget(prompt.ID, destination, true),
	}
}

// ASNList returns the gateway's ASN list store
func (g *Gateway) ASNList() *ASNList {
	return g.asnlist
}

// Resolver returns the gateway's IP resolver
func (g *Gateway) Resolver() *Resolver {
	return g.resolver
}

// Challenges returns the gateway's challenge engine
func (g *Gateway) Challenges() *Challenges {
	return g.challenges
}

// publish hands a decision to the event bus without ever blocking the
// request path
func (g *Gateway) publish(decision *data.Decision) {
	if g.events == nil {
		return
	}

	select {
	case g.resources.DecisionChan <- &data.DecisionMessage{Decision: *decision}:
	default:
		log.Warn("decision channel is full, dropping event")
	}
}

// challengeTarget builds the redirect target for the challenge page while
// preserving the originally requested destination
func challengeTarget(id, destination string, retry bool) string {
	target := fmt.Sprintf("%s?id=%s&dst=%s", ChallengePath, id, url.QueryEscape(destination))
	if retry {
		target += "&retry=1"
	}
	return target
}

// sanitizeDestination keeps redirects on-site. Anything that doesn't look
// like a local absolute path is replaced with the root path
func sanitizeDestination(destination string) string {
	if destination == "" || !strings.HasPrefix(destination, "/") || strings.HasPrefix(destination, "//") {
		return "/"
	}
	return destination
}

func (g *Gateway) logMemoryStats(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			log.Infof("-=- alloc: %s, in_use: %s, objs: %s, idle: %s, released: %s, stack: %s, goroutines: %s",
				humanize.Bytes(m.Alloc),
				humanize.Bytes(m.HeapInuse),
				humanize.FormatInteger("#,###.", int(m.HeapObjects)),
				humanize.Bytes(m.HeapIdle),
				humanize.Bytes(m.HeapReleased),
				humanize.Bytes(m.StackInuse),
				humanize.FormatInteger("#,###.", runtime.NumGoroutine()))
		}
	}
}

func (g *Gateway) statsLogWorker() {
	ticker := time.NewTicker(time.Minute)
	for {
		select {
		case <-g.ctx.Done():
			ticker.Stop()
			return
		case <-ticker.C:
			totals := g.stats.Totals()
			log.Infof("stats :: %d blocked / %d allowed ASNs :: %d live challenges / %d trusted :: Decisions %d Total / %d Allowed / %d Challenged",
				g.asnlist.BlockedCount(), g.asnlist.AllowedCount(),
				g.challenges.LiveCount(), g.challenges.TrustedCount(),
				totals.Total, totals.Allowed, totals.Challenged)
		}
	}
}
