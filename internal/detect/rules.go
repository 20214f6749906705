package detect

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rawblock/swapradar-engine/internal/config"
	"github.com/rawblock/swapradar-engine/internal/counters"
)

// FieldID indexes the fixed aggregate field set rules may reference.
type FieldID uint8

type fieldDef struct {
	name string
	get  func(*counters.Snapshot) float64
}

// fields is the complete trigger-visible aggregate surface. Conditions
// referencing anything else are rejected at load time.
var fields = []fieldDef{
	{"buy_count_5m", func(s *counters.Snapshot) float64 { return float64(s.M5.BuyCount) }},
	{"sell_count_5m", func(s *counters.Snapshot) float64 { return float64(s.M5.SellCount) }},
	{"unique_buyers_5m", func(s *counters.Snapshot) float64 { return float64(s.M5.UniqueBuyers) }},
	{"unique_sellers_5m", func(s *counters.Snapshot) float64 { return float64(s.M5.UniqueSellers) }},
	{"buy_volume_sol_5m", func(s *counters.Snapshot) float64 { return s.M5.BuyVolumeSol }},
	{"sell_volume_sol_5m", func(s *counters.Snapshot) float64 { return s.M5.SellVolumeSol }},
	{"avg_buy_size_5m", func(s *counters.Snapshot) float64 { return s.M5.AvgBuySize }},
	{"buy_sell_ratio_5m", func(s *counters.Snapshot) float64 { return s.M5.BuySellRatio }},
	{"top_3_buyers_volume_share_5m", func(s *counters.Snapshot) float64 { return s.M5.Top3VolumeShare }},
	{"new_wallet_pct_5m", func(s *counters.Snapshot) float64 { return s.M5.NewWalletPct }},
	{"buy_count_1h", func(s *counters.Snapshot) float64 { return float64(s.H1.BuyCount) }},
	{"sell_count_1h", func(s *counters.Snapshot) float64 { return float64(s.H1.SellCount) }},
	{"unique_buyers_1h", func(s *counters.Snapshot) float64 { return float64(s.H1.UniqueBuyers) }},
	{"unique_sellers_1h", func(s *counters.Snapshot) float64 { return float64(s.H1.UniqueSellers) }},
	{"buy_volume_sol_1h", func(s *counters.Snapshot) float64 { return s.H1.BuyVolumeSol }},
	{"sell_volume_sol_1h", func(s *counters.Snapshot) float64 { return s.H1.SellVolumeSol }},
	{"avg_buy_size_1h", func(s *counters.Snapshot) float64 { return s.H1.AvgBuySize }},
	{"buy_sell_ratio_1h", func(s *counters.Snapshot) float64 { return s.H1.BuySellRatio }},
	{"top_3_buyers_volume_share_1h", func(s *counters.Snapshot) float64 { return s.H1.Top3VolumeShare }},
	{"new_wallet_pct_1h", func(s *counters.Snapshot) float64 { return s.H1.NewWalletPct }},
}

var fieldIndex = func() map[string]FieldID {
	m := make(map[string]FieldID, len(fields))
	for i, f := range fields {
		m[f.name] = FieldID(i)
	}
	return m
}()

// KnownFields lists every referenceable aggregate, in definition order.
func KnownFields() []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.name
	}
	return out
}

// Op is a comparison operator in a trigger condition.
type Op uint8

const (
	OpGE Op = iota
	OpLE
	OpEQ
	OpGT
	OpLT
)

func (o Op) String() string {
	switch o {
	case OpGE:
		return ">="
	case OpLE:
		return "<="
	case OpEQ:
		return "=="
	case OpGT:
		return ">"
	case OpLT:
		return "<"
	}
	return "?"
}

func (o Op) compare(actual, value float64) bool {
	switch o {
	case OpGE:
		return actual >= value
	case OpLE:
		return actual <= value
	case OpEQ:
		return actual == value
	case OpGT:
		return actual > value
	case OpLT:
		return actual < value
	}
	return false
}

// opScanOrder puts two-character operators first so ">=" never parses
// as ">" with a dangling "=".
var opScanOrder = []struct {
	text string
	op   Op
}{
	{">=", OpGE},
	{"<=", OpLE},
	{"==", OpEQ},
	{">", OpGT},
	{"<", OpLT},
}

// Condition is one compiled comparison.
type Condition struct {
	Field FieldID
	Op    Op
	Value float64
}

// Name returns the aggregate field name the condition references.
func (c Condition) Name() string { return fields[c.Field].name }

func (c Condition) holds(sn *counters.Snapshot) bool {
	return c.Op.compare(fields[c.Field].get(sn), c.Value)
}

// Rule is a compiled trigger: fires when every condition holds.
type Rule struct {
	Name       string
	Conditions []Condition
	slow       bool // references a 1h aggregate
}

func (r *Rule) fires(sn *counters.Snapshot) bool {
	for _, c := range r.Conditions {
		if !c.holds(sn) {
			return false
		}
	}
	return true
}

// parseCondition compiles a condition string like "buy_count_5m >= 20".
func parseCondition(s string) (Condition, error) {
	for _, cand := range opScanOrder {
		idx := strings.Index(s, cand.text)
		if idx < 0 {
			continue
		}
		fieldName := strings.TrimSpace(s[:idx])
		literal := strings.TrimSpace(s[idx+len(cand.text):])

		id, ok := fieldIndex[fieldName]
		if !ok {
			return Condition{}, fmt.Errorf("unknown aggregate field %q", fieldName)
		}
		value, err := strconv.ParseFloat(literal, 64)
		if err != nil {
			return Condition{}, fmt.Errorf("invalid numeric literal %q", literal)
		}
		return Condition{Field: id, Op: cand.op, Value: value}, nil
	}
	return Condition{}, fmt.Errorf("no comparison operator in %q", s)
}

// Compile validates and compiles a rule document. All-or-nothing: any
// invalid trigger rejects the whole list. Disabled triggers are
// dropped. Fast (5m-only) rules sort ahead of rules touching 1h
// aggregates, preserving order within each group.
func Compile(doc *config.RulesDoc) ([]Rule, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil rule document")
	}
	rules := make([]Rule, 0, len(doc.Triggers))
	for i, def := range doc.Triggers {
		if strings.TrimSpace(def.Name) == "" {
			return nil, fmt.Errorf("trigger %d has no name", i)
		}
		if !def.IsEnabled() {
			continue
		}
		if len(def.Conditions) == 0 {
			return nil, fmt.Errorf("trigger %q has no conditions", def.Name)
		}
		r := Rule{Name: def.Name, Conditions: make([]Condition, 0, len(def.Conditions))}
		for _, cs := range def.Conditions {
			c, err := parseCondition(cs)
			if err != nil {
				return nil, fmt.Errorf("trigger %q: %w", def.Name, err)
			}
			if strings.HasSuffix(c.Name(), "_1h") {
				r.slow = true
			}
			r.Conditions = append(r.Conditions, c)
		}
		rules = append(rules, r)
	}
	sort.SliceStable(rules, func(i, j int) bool { return !rules[i].slow && rules[j].slow })
	return rules, nil
}
