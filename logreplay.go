package asngate

import (
	"bufio"
	"os"
	"regexp"

	"github.com/dustin/go-humanize"
	"github.com/satyrius/gonx"
	"github.com/scraperwall/asngate/data"
	log "github.com/sirupsen/logrus"
)

// LogReplay runs an access log through the admission pipeline without side
// effects on upstream traffic and reports what would have been decided.
// It is meant for sizing blocklists before putting the gateway live
func (g *Gateway) LogReplay(logfile, format string) {
	fh, err := os.Open(logfile)
	if err != nil {
		log.Fatalf("%s: %s", logfile, err)
	}
	defer fh.Close()

	if format == "" {
		format = `$remote_addr - $remote_user [$time_local] "$request" $status $body_bytes_sent "$http_referer" "$http_user_agent"`
	}
	p := gonx.NewParser(format)
	reqRegexp := regexp.MustCompile(`^([A-Z]+)\s+(.+?)\s+(HTTP/\d+\.\d+)$`)

	var lines, allowed, challenged, errors int

	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		logEntry, err := p.ParseString(scanner.Text())
		if err != nil {
			continue
		}

		remote, err := logEntry.Field("remote_addr")
		if err != nil || remote == "" {
			continue
		}

		path := "/"
		if request, err := logEntry.Field("request"); err == nil {
			if m := reqRegexp.FindStringSubmatch(request); m != nil {
				path = m[2]
			}
		}

		lines++

		decision := g.HandleRequest(remote, path)
		switch decision.Action {
		case data.ActionChallenge:
			challenged++
			log.Infof("would challenge %s (AS%d %s): %s", remote, decision.ASN, decision.Organization, decision.Reason)
		case data.ActionError:
			errors++
		default:
			allowed++
		}
	}

	if err := scanner.Err(); err != nil {
		log.Errorf("reading %s failed: %s", logfile, err)
	}

	log.Infof("replayed %s requests: %s allowed / %s challenged / %s malformed",
		humanize.Comma(int64(lines)),
		humanize.Comma(int64(allowed)),
		humanize.Comma(int64(challenged)),
		humanize.Comma(int64(errors)))
}
