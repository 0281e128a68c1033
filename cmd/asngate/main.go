package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/namsral/flag"
	"github.com/scraperwall/asngate"
	"github.com/scraperwall/asngate/config"
	log "github.com/sirupsen/logrus"
)

// parseSources turns "url|format|interval,url|format|interval" into source
// descriptors. Entries that don't parse are fatal, they are operator input
func parseSources(raw string) []config.ASNSource {
	sources := make([]config.ASNSource, 0)

	if raw == "" {
		return sources
	}

	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), "|")
		if len(parts) != 3 {
			log.Fatalf("malformed ASN source %q, expected url|format|interval", entry)
		}

		format := strings.ToLower(parts[1])
		if format != "json" && format != "text" {
			log.Fatalf("ASN source %s has unknown format %q", parts[0], parts[1])
		}

		interval, err := time.ParseDuration(parts[2])
		if err != nil {
			log.Fatalf("ASN source %s has a bad refresh interval: %s", parts[0], err)
		}

		sources = append(sources, config.ASNSource{
			URL:             parts[0],
			Format:          format,
			RefreshInterval: interval,
		})
	}

	return sources
}

func main() {
	config := config.Config{}

	var sources string

	flag.StringVar(&sources, "asn-sources", "", "remote ASN lists as url|format|interval, comma separated")
	flag.StringVar(&config.CustomListTOML, "custom-list", "", "the TOML file with custom blocked/allowed ASNs")
	flag.DurationVar(&config.ASNCacheTTL, "asn-cache-ttl", 5*time.Minute, "cache ASN block decisions this long")
	flag.DurationVar(&config.SourceTimeout, "source-timeout", 30*time.Second, "timeout for fetching a remote ASN list")
	flag.StringVar(&config.ASNDBFile, "asndb-file", "", "the MaxMind ASN database file")
	flag.StringVar(&config.FallbackAPI, "fallback-api", "", "IP resolution API URL template containing {ip}")
	flag.StringVar(&config.DNSFallbackServer, "dns-fallback-server", "", "DNS server for Cymru origin lookups, empty disables them")
	flag.DurationVar(&config.ResolverTimeout, "resolver-timeout", 5*time.Second, "timeout for a single remote resolution call")
	flag.DurationVar(&config.ResolutionCacheTTL, "resolution-cache-ttl", time.Hour, "cache IP resolutions this long")
	flag.StringVar(&config.ChallengeDifficulty, "challenge-difficulty", asngate.DifficultyEasy, "challenge difficulty: easy, medium or hard")
	flag.DurationVar(&config.ChallengeTTL, "challenge-ttl", 5*time.Minute, "an unanswered challenge expires after this long")
	flag.DurationVar(&config.TrustTTL, "trust-ttl", 24*time.Hour, "a solved challenge grants trust for this long")
	flag.StringVar(&config.BadgerPath, "badger-path", "", "the directory where the badger database resides, empty disables persistence")
	flag.BoolVar(&config.WithEvents, "with-events", false, "publish admission decisions via NATS")
	flag.StringVar(&config.NatsAddr, "nats-addr", "0.0.0.0", "bind NATS to this IP")
	flag.IntVar(&config.NatsPort, "nats-port", 4223, "the port on which NATS listens")
	flag.IntVar(&config.NatsHTTPPort, "nats-http-port", 8889, "the HTTP port on which NATS listens")
	flag.StringVar(&config.NatsUser, "nats-user", "scw", "the NATS user")
	flag.StringVar(&config.NatsPassword, "nats-password", "scw", "the NATS password")
	flag.StringVar(&config.APIAddress, "api-address", "127.0.0.1:4343", "the address the REST API listens on")
	flag.IntVar(&config.LogLevel, "loglevel", int(log.InfoLevel), "the log level")
	flag.BoolVar(&config.LogMemoryStats, "log-memory-stats", false, "periodically log memory usage")
	flag.StringVar(&config.LogReplay, "log-replay", "", "replay this access log through the pipeline and exit")
	flag.StringVar(&config.LogFormat, "log-format", "", "the access log format for -log-replay")

	flag.Parse()

	log.SetLevel(log.Level(config.LogLevel))

	config.Sources = parseSources(sources)

	ctx, cancel := context.WithCancel(context.Background())

	g, err := asngate.New(ctx, &config)
	if err != nil {
		log.Fatal(err)
	}

	if config.LogReplay != "" {
		g.LogReplay(config.LogReplay, config.LogFormat)
		cancel()
		return
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Println("exiting...")
	cancel()

	time.Sleep(time.Second)
}
