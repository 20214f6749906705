package api

import (
	"testing"

	"github.com/rawblock/swapradar-engine/internal/config"
)

func TestCheckSectionSyntax_AcceptsWellFormedDocuments(t *testing.T) {
	cases := []struct {
		section config.Section
		doc     string
	}{
		{config.SectionThresholds, "min_swap_confidence: 0.8\nhot_ttl_seconds: 600"},
		{config.SectionBackpressure, "lag_warn_s: 30\nbuf_crit: 200000"},
		{config.SectionAlerts, "rate_per_minute: 10\nburst: 5"},
		{config.SectionDetection, "triggers:\n  - name: surge\n    conditions:\n      - \"buy_count_5m >= 20\""},
	}

	for _, tc := range cases {
		if err := checkSectionSyntax(tc.section, []byte(tc.doc)); err != nil {
			t.Errorf("Expected %s document to pass syntax check, Got: %v", tc.section, err)
		}
	}
}

func TestCheckSectionSyntax_RejectsBrokenYAML(t *testing.T) {
	broken := []byte("triggers: [unclosed")
	if err := checkSectionSyntax(config.SectionDetection, broken); err == nil {
		t.Error("Expected a syntax error for malformed YAML")
	}
}

func TestCheckSectionSyntax_RejectsWrongShape(t *testing.T) {
	// A list where the thresholds document wants a mapping.
	doc := []byte("- one\n- two")
	if err := checkSectionSyntax(config.SectionThresholds, doc); err == nil {
		t.Error("Expected a shape error for a sequence document")
	}
}
