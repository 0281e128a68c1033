package asngate

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/scraperwall/asngate/config"
	"github.com/scraperwall/asngate/data"
	log "github.com/sirupsen/logrus"
	fsnotify "gopkg.in/fsnotify.v1"
)

// CustomListRules contains the custom ASN list configuration as it appears
// in the TOML file
type CustomListRules struct {
	Blocked []CustomListEntry
	Allowed []CustomListEntry
}

// CustomListEntry represents a single custom list rule
type CustomListEntry struct {
	ASN          int64
	Organization string
	Reason       string
}

// CustomList loads the operator supplied ASN list from a TOML file and feeds
// it into the ASNList. The file is reloaded whenever it changes on disk, a
// reload supersedes the previous contents wholesale
type CustomList struct {
	asnlist      *ASNList
	rulesWatcher *fsnotify.Watcher
	UpdatedAt    time.Time
	appConfig    *config.Config
	ctx          context.Context
}

// NewCustomList creates a new CustomList and performs the initial load.
// A missing file is a warning, not an error, the gateway still starts
func NewCustomList(ctx context.Context, asnlist *ASNList, config *config.Config) *CustomList {
	cl := &CustomList{
		ctx:       ctx,
		asnlist:   asnlist,
		appConfig: config,
	}

	if config.CustomListTOML == "" {
		return cl
	}

	if err := cl.Load(); err != nil {
		log.Warnf("custom ASN list not loaded: %s", err)
	}

	cl.reloadOnConfigChanges()

	return cl
}

// Load reads the custom list file and applies it to the ASN list store
func (cl *CustomList) Load() error {
	fh, err := os.Open(cl.appConfig.CustomListTOML)
	if err != nil {
		return err
	}
	defer fh.Close()

	configBytes, err := ioutil.ReadAll(fh)
	if err != nil {
		return err
	}

	var rules CustomListRules
	if err := toml.Unmarshal(configBytes, &rules); err != nil {
		return fmt.Errorf("can't parse custom ASN list %s: %s", cl.appConfig.CustomListTOML, err)
	}

	blocked := make([]data.ASNRecord, 0, len(rules.Blocked))
	for _, e := range rules.Blocked {
		asn, ok := validASN(e.ASN)
		if !ok {
			log.Warnf("skipping custom list entry with invalid ASN %d (%s)", e.ASN, e.Organization)
			continue
		}
		blocked = append(blocked, data.ASNRecord{ASN: asn, Organization: e.Organization, Reason: e.Reason})
	}

	allowed := make([]data.ASNRecord, 0, len(rules.Allowed))
	for _, e := range rules.Allowed {
		asn, ok := validASN(e.ASN)
		if !ok {
			log.Warnf("skipping custom list entry with invalid ASN %d (%s)", e.ASN, e.Organization)
			continue
		}
		allowed = append(allowed, data.ASNRecord{ASN: asn, Organization: e.Organization, Reason: e.Reason})
	}

	cl.asnlist.SetCustomRecords(blocked, allowed)
	cl.UpdatedAt = time.Now()

	return nil
}

func (cl *CustomList) reloadOnConfigChanges() {
	if cl.rulesWatcher != nil {
		log.Warn("custom ASN list file watcher already exists")
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Errorf("couldn't start custom list fsnotify watcher: %s", err)
		return
	}
	cl.rulesWatcher = watcher

	go func() {
		for {
			select {
			case <-cl.ctx.Done():
				watcher.Close()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					if err := cl.Load(); err != nil {
						log.Warnf("custom ASN list reload failed: %s", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("custom list watcher error event: %s", err)
			}
		}
	}()

	if err := watcher.Add(cl.appConfig.CustomListTOML); err != nil {
		log.Warnf("can't watch custom ASN list file: %s", err)
	}
}
