package asngate

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/scraperwall/asngate/config"
)

// ASNs are 32 bit numbers. 0 is reserved and never valid.
const (
	asnMin = 1
	asnMax = 4294967295
)

var textASNRegexp = regexp.MustCompile(`(?i)\b(?:asn?)?(\d+)\b`)

// ParseSource turns a raw payload fetched from a remote list endpoint into a
// set of ASNs. Malformed entries are dropped silently, the endpoints are third
// party and their data is not schema-guaranteed.
func ParseSource(raw []byte, format string) (map[uint32]bool, error) {
	switch format {
	case "json":
		return parseJSONSource(raw), nil
	case "text":
		return parseTextSource(raw), nil
	}

	return nil, fmt.Errorf("unknown source format %q", format)
}

// parseJSONSource handles the JSON dialects the known list providers use:
// an object with an "asn" array, a bare array of objects, a bare array of
// numbers and a {"data": [...]} wrapper
func parseJSONSource(raw []byte) map[uint32]bool {
	asns := make(map[uint32]bool)

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return asns
	}

	var items []interface{}

	switch v := doc.(type) {
	case []interface{}:
		items = v
	case map[string]interface{}:
		if list, ok := v["asn"].([]interface{}); ok {
			items = list
		} else if list, ok := v["data"].([]interface{}); ok {
			items = list
		}
	}

	for _, item := range items {
		switch entry := item.(type) {
		case map[string]interface{}:
			for _, key := range []string{"asn", "ASN", "as_number", "number"} {
				if v, ok := entry[key]; ok {
					if asn, ok := coerceASN(v); ok {
						asns[asn] = true
					}
					break
				}
			}
		default:
			if asn, ok := coerceASN(entry); ok {
				asns[asn] = true
			}
		}
	}

	return asns
}

// parseTextSource handles line oriented lists. Blank lines and comments are
// skipped, the first numeric token of each line is taken as the ASN. An
// optional AS or ASN prefix is accepted in any case
func parseTextSource(raw []byte) map[uint32]bool {
	asns := make(map[uint32]bool)

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}

		m := textASNRegexp.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		if asn, ok := parseASNToken(m[1]); ok {
			asns[asn] = true
		}
	}

	return asns
}

// coerceASN turns a value of whatever type the payload carried into an ASN.
// Strings may be prefixed with AS or ASN
func coerceASN(v interface{}) (uint32, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return validASN(int64(n))
	case string:
		return parseASNToken(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return validASN(i)
	}

	return 0, false
}

func parseASNToken(s string) (uint32, bool) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	if strings.HasPrefix(upper, "ASN") {
		s = s[3:]
	} else if strings.HasPrefix(upper, "AS") {
		s = s[2:]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}

	return validASN(n)
}

func validASN(n int64) (uint32, bool) {
	if n < asnMin || n > asnMax {
		return 0, false
	}

	return uint32(n), true
}

// FetchSource downloads and parses a single remote ASN list
func FetchSource(ctx context.Context, client *http.Client, src config.ASNSource) (map[uint32]bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", src.URL, resp.StatusCode)
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return ParseSource(body, src.Format)
}
