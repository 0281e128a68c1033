package asngate

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/scraperwall/asngate/data"
)

// Stats aggregates the decisions of one time bucket
type Stats struct {
	Total      int64     `json:"total"`
	Allowed    int64     `json:"allowed"`
	Trusted    int64     `json:"trusted"`
	Challenged int64     `json:"challenged"`
	Errors     int64     `json:"errors"`
	Time       time.Time `json:"time,string"`
	UpdatedAt  time.Time `json:"updated_at,string"`
}

// DecisionStats keeps per-minute decision counts in a sorted map so that the
// API can render them in chronological order. Buckets older than the
// retention are pruned as new ones are created
type DecisionStats struct {
	Map       *treemap.Map `json:"data"`
	retention time.Duration
	mutex     sync.RWMutex
}

// NewDecisionStats creates a new DecisionStats that keeps retention worth of
// minute buckets
func NewDecisionStats(retention time.Duration) *DecisionStats {
	if retention <= 0 {
		retention = time.Hour
	}

	return &DecisionStats{
		Map:       treemap.NewWith(utils.TimeComparator),
		retention: retention,
	}
}

// Record counts one decision and whether it was taken because the identity
// was already trusted
func (s *DecisionStats) Record(action data.Action, trusted bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	bucket := now.Truncate(time.Minute)

	var stats Stats
	if v, ok := s.Map.Get(bucket); ok {
		stats = v.(Stats)
	} else {
		stats = Stats{Time: bucket}
		s.prune(now)
	}

	stats.Total++
	switch action {
	case data.ActionAllow:
		stats.Allowed++
		if trusted {
			stats.Trusted++
		}
	case data.ActionChallenge:
		stats.Challenged++
	case data.ActionError:
		stats.Errors++
	}
	stats.UpdatedAt = now

	s.Map.Put(bucket, stats)
}

// All returns every retained bucket keyed by its RFC3339 timestamp
func (s *DecisionStats) All() map[string]Stats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	res := make(map[string]Stats)

	iter := s.Map.Iterator()
	for iter.Next() {
		key := iter.Key().(time.Time)
		res[key.Format(time.RFC3339)] = iter.Value().(Stats)
	}

	return res
}

// Totals sums all retained buckets
func (s *DecisionStats) Totals() Stats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	total := Stats{}

	iter := s.Map.Iterator()
	for iter.Next() {
		stats := iter.Value().(Stats)
		total.Total += stats.Total
		total.Allowed += stats.Allowed
		total.Trusted += stats.Trusted
		total.Challenged += stats.Challenged
		total.Errors += stats.Errors
	}

	return total
}

// prune removes buckets older than the retention. The caller must hold the
// write lock
func (s *DecisionStats) prune(now time.Time) {
	cutoff := now.Add(-s.retention)

	for {
		k, _ := s.Map.Min()
		if k == nil {
			return
		}
		if k.(time.Time).After(cutoff) {
			return
		}
		s.Map.Remove(k)
	}
}
