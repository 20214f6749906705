package detect

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/internal/config"
	"github.com/rawblock/swapradar-engine/internal/counters"
)

// TriggerResult reports the first rule that fired for a mint.
type TriggerResult struct {
	Name     string
	Reason   string
	Snapshot *counters.Snapshot
}

// Evaluator holds the active compiled rule list and evaluates mints
// against aggregate snapshots. The list is swapped atomically, so a
// reload never tears an in-flight evaluation.
type Evaluator struct {
	log   *logrus.Logger
	rules atomic.Pointer[[]Rule]

	evaluations atomic.Int64
	fired       atomic.Int64
}

func NewEvaluator(log *logrus.Logger) *Evaluator {
	e := &Evaluator{log: log}
	empty := []Rule{}
	e.rules.Store(&empty)
	return e
}

// Load compiles and installs a rule document. On error the active list
// is left untouched.
func (e *Evaluator) Load(doc *config.RulesDoc) error {
	rules, err := Compile(doc)
	if err != nil {
		return err
	}
	e.rules.Store(&rules)
	e.log.WithFields(logrus.Fields{
		"component": "detect",
		"rules":     len(rules),
	}).Info("Trigger rules installed")
	return nil
}

// Reload parses a raw YAML rule document and installs it, keeping the
// current rules when parsing or validation fails.
func (e *Evaluator) Reload(payload []byte) error {
	doc, err := config.ParseRules(payload)
	if err != nil {
		return fmt.Errorf("parsing rule document: %w", err)
	}
	return e.Load(doc)
}

// Rules returns the active compiled list.
func (e *Evaluator) Rules() []Rule {
	return *e.rules.Load()
}

// Evaluate runs the active rules against a snapshot; the first firing
// rule wins. Fast rules run before slow ones.
func (e *Evaluator) Evaluate(sn *counters.Snapshot) *TriggerResult {
	e.evaluations.Add(1)
	rules := *e.rules.Load()
	for i := range rules {
		r := &rules[i]
		if !r.fires(sn) {
			continue
		}
		e.fired.Add(1)
		return &TriggerResult{
			Name:     r.Name,
			Reason:   formatReason(r, sn),
			Snapshot: sn,
		}
	}
	return nil
}

// formatReason renders the firing rule with the actual values behind
// each condition.
func formatReason(r *Rule, sn *counters.Snapshot) string {
	parts := make([]string, 0, len(r.Conditions)+1)
	parts = append(parts, "Trigger: "+r.Name)
	for _, c := range r.Conditions {
		actual := fields[c.Field].get(sn)
		parts = append(parts, fmt.Sprintf("%s=%.2f (%s %g)", c.Name(), actual, c.Op, c.Value))
	}
	return strings.Join(parts, " | ")
}

// Stats reports evaluator counters for the stats surface.
func (e *Evaluator) Stats() (rules int, evaluations, fired int64) {
	return len(*e.rules.Load()), e.evaluations.Load(), e.fired.Load()
}
