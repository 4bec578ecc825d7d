package app

import (
	"strings"
	"testing"
)

func TestParseWorldSpecs(t *testing.T) {
	specs, err := ParseWorldSpecs("keep:1:7801:42, crypt:2:7802")
	if err != nil {
		t.Fatalf("parse world specs: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("specs = %d, want 2", len(specs))
	}
	if specs[0].InstanceID != "keep" || specs[0].ShardID != "1" || specs[0].Port != 7801 || specs[0].Seed != 42 {
		t.Fatalf("spec = %+v, want keep:1:7801:42", specs[0])
	}
	if specs[1].Seed != 0 {
		t.Fatalf("seed = %d, want 0 when omitted", specs[1].Seed)
	}
}

func TestParseWorldSpecsEmpty(t *testing.T) {
	specs, err := ParseWorldSpecs("  ")
	if err != nil {
		t.Fatalf("parse world specs: %v", err)
	}
	if specs != nil {
		t.Fatalf("specs = %v, want nil", specs)
	}
}

func TestParseWorldSpecsRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"too few fields", "keep:1"},
		{"bad port", "keep:1:border"},
		{"negative port", "keep:1:-1"},
		{"bad seed", "keep:1:7801:soon"},
		{"missing ids", ":1:7801"},
		{"duplicate instance", "keep:1:7801,keep:2:7802"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseWorldSpecs(tc.raw); err == nil {
				t.Fatalf("ParseWorldSpecs(%q) = nil error", tc.raw)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{
		TicketSecret:   "deadbeef",
		InternalSecret: "secret",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	cfg.TicketSecret = "not-hex"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "EMBERFALL_TICKET_SECRET") {
		t.Fatalf("err = %v, want ticket secret error", err)
	}

	cfg.TicketSecret = "deadbeef"
	cfg.InternalSecret = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "EMBERFALL_INTERNAL_SECRET") {
		t.Fatalf("err = %v, want internal secret error", err)
	}

	cfg.InternalSecret = "secret"
	cfg.WorldSpecs = "keep:1:7801"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "EMBERFALL_WORLD_COMMAND") {
		t.Fatalf("err = %v, want world command error", err)
	}
}
