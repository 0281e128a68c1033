package asngate

import (
	"context"
	"net/http"
	"strconv"

	"github.com/fvbock/endless"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/scraperwall/asngate/config"
)

// API provides the HTTP REST API for asngate
type API struct {
	gateway *Gateway
	router  *gin.Engine
	config  *config.Config
	ctx     context.Context
}

// NewAPI creates a new REST-API for asngate
func NewAPI(ctx context.Context, config *config.Config, gateway *Gateway) *API {
	api := &API{
		config:  config,
		gateway: gateway,
		ctx:     ctx,
	}

	api.run()

	return api
}

func (a *API) run() {
	a.router = gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	a.router.Use(cors.New(corsConfig))

	a.router.GET("/decision/:ip", a.getDecision)
	a.router.GET("/challenge", a.getChallenge)
	a.router.POST("/verify", a.postVerify)
	a.router.GET("/resolve/:ip", a.getResolution)
	a.router.POST("/resolve/bulk", a.postBulkResolve)
	a.router.GET("/asns/blocked", a.getBlockedASNs)
	a.router.GET("/asns/allowed", a.getAllowedASNs)
	a.router.POST("/asns/override", a.postOverride)
	a.router.DELETE("/asns/override/:asn", a.deleteOverride)
	a.router.GET("/stats", a.getStats)

	go endless.ListenAndServe(a.config.APIAddress, a.router)
}

func (a *API) getDecision(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		path = "/"
	}

	decision := a.gateway.HandleRequest(c.Param("ip"), path)
	c.JSON(http.StatusOK, decision)
}

func (a *API) getChallenge(c *gin.Context) {
	difficulty := c.Query("difficulty")
	if difficulty == "" {
		difficulty = a.config.ChallengeDifficulty
	}

	c.JSON(http.StatusOK, a.gateway.challenges.Issue(difficulty))
}

func (a *API) postVerify(c *gin.Context) {
	var req struct {
		IP          string `json:"ip"`
		ChallengeID string `json:"challenge_id"`
		Answer      string `json:"answer"`
		Destination string `json:"destination"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed verification request"})
		return
	}

	result := a.gateway.HandleVerify(req.IP, req.ChallengeID, req.Answer, req.Destination)
	c.JSON(http.StatusOK, result)
}

func (a *API) getResolution(c *gin.Context) {
	res, err := a.gateway.resolver.Resolve(c.Param("ip"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotAcceptable, gin.H{"error": err.Error()})
		return
	}

	if res == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{})
		return
	}

	c.JSON(http.StatusOK, res)
}

func (a *API) postBulkResolve(c *gin.Context) {
	var req struct {
		IPs []string `json:"ips"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed bulk request"})
		return
	}

	c.JSON(http.StatusOK, a.gateway.resolver.BulkResolve(req.IPs))
}

func (a *API) getBlockedASNs(c *gin.Context) {
	c.JSON(http.StatusOK, a.gateway.asnlist.Blocked())
}

func (a *API) getAllowedASNs(c *gin.Context) {
	c.JSON(http.StatusOK, a.gateway.asnlist.Allowed())
}

func (a *API) postOverride(c *gin.Context) {
	var req struct {
		ASN  uint32 `json:"asn"`
		Kind string `json:"kind"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed override request"})
		return
	}

	if err := a.gateway.asnlist.AddOverride(req.ASN, req.Kind); err != nil {
		c.AbortWithStatusJSON(http.StatusNotAcceptable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"asn": req.ASN, "kind": req.Kind})
}

func (a *API) deleteOverride(c *gin.Context) {
	asn, err := strconv.ParseUint(c.Param("asn"), 10, 32)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotAcceptable, gin.H{"error": "asn must be a number"})
		return
	}

	a.gateway.asnlist.RemoveOverride(uint32(asn))
	c.JSON(http.StatusOK, gin.H{"asn": asn})
}

func (a *API) getStats(c *gin.Context) {
	asnHits, asnMisses := a.gateway.asnlist.CacheStats()
	resHits, resMisses := a.gateway.resolver.CacheStats()

	c.JSON(http.StatusOK, gin.H{
		"blocked_asns":            a.gateway.asnlist.BlockedCount(),
		"allowed_asns":            a.gateway.asnlist.AllowedCount(),
		"decision_cache_hits":     asnHits,
		"decision_cache_misses":   asnMisses,
		"resolution_cache_hits":   resHits,
		"resolution_cache_misses": resMisses,
		"live_challenges":         a.gateway.challenges.LiveCount(),
		"trusted_identities":      a.gateway.challenges.TrustedCount(),
		"last_refresh":            a.gateway.asnlist.LastRefresh(),
		"decisions":               a.gateway.stats.All(),
		"totals":                  a.gateway.stats.Totals(),
	})
}
