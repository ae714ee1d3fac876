package config

import "testing"

func TestValidateConfigYAML_Valid(t *testing.T) {
	data := []byte("worker_count: 3\nlog_level: info\nagents:\n  - agent_id: lead\n    tier: 1\n")
	if err := validateConfigYAML(data); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidateConfigYAML_Empty(t *testing.T) {
	if err := validateConfigYAML(nil); err != nil {
		t.Fatalf("expected empty config to be valid, got: %v", err)
	}
}

func TestValidateConfigYAML_InvalidLogLevel(t *testing.T) {
	data := []byte("log_level: extremely-verbose\n")
	if err := validateConfigYAML(data); err == nil {
		t.Fatal("expected schema validation error for invalid log_level")
	}
}

func TestValidateConfigYAML_MissingAgentID(t *testing.T) {
	data := []byte("agents:\n  - tier: 1\n")
	if err := validateConfigYAML(data); err == nil {
		t.Fatal("expected schema validation error for agent entry missing agent_id")
	}
}

func TestValidateConfigYAML_TierOutOfRange(t *testing.T) {
	data := []byte("agents:\n  - agent_id: lead\n    tier: 9\n")
	if err := validateConfigYAML(data); err == nil {
		t.Fatal("expected schema validation error for tier out of range")
	}
}
