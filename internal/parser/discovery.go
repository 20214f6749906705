package parser

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// discoveryWarnThreshold is how many sightings an unmapped program
// needs before it is surfaced as a possible new venue.
const discoveryWarnThreshold = 100

// Discovery counts sightings of program IDs that carry token flow but
// are not in the venue table. Frequently seen unknowns are candidates
// for a venue-table addition and are logged once when they cross the
// threshold.
type Discovery struct {
	log *logrus.Logger

	mu     sync.Mutex
	counts map[string]int64
	warned map[string]bool
}

func NewDiscovery(log *logrus.Logger) *Discovery {
	return &Discovery{
		log:    log,
		counts: make(map[string]int64),
		warned: make(map[string]bool),
	}
}

// Record counts unknown programs from one transaction. Only called for
// transactions that actually moved token balances, so system noise
// (compute budget, token program itself) stays out of the tallies by
// volume rather than by allowlist.
func (dc *Discovery) Record(programIDs []string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	for _, p := range programIDs {
		if p == "" || IsVenueProgram(p) {
			continue
		}
		dc.counts[p]++
		if dc.counts[p] == discoveryWarnThreshold && !dc.warned[p] {
			dc.warned[p] = true
			dc.log.WithFields(logrus.Fields{
				"component": "discovery",
				"program":   p,
				"sightings": dc.counts[p],
			}).Warn("Unmapped program seen frequently in token transactions; possible new venue")
		}
	}
}

// ProgramCount is one discovery tally.
type ProgramCount struct {
	Program string `json:"program"`
	Count   int64  `json:"count"`
}

// Top returns the n most-seen unmapped programs.
func (dc *Discovery) Top(n int) []ProgramCount {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	out := make([]ProgramCount, 0, len(dc.counts))
	for p, c := range dc.counts {
		out = append(out, ProgramCount{Program: p, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Program < out[j].Program
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
