package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// configSchemaJSON constrains the shape of config.yaml the way
// internal/engine/structured.go constrains an agent's structured response:
// compiled once, validated against the parsed document before it is merged
// into the Config struct.
const configSchemaJSON = `{
  "type": "object",
  "properties": {
    "worker_count": {"type": "integer", "minimum": 0},
    "task_timeout_seconds": {"type": "integer", "minimum": 0},
    "bind_addr": {"type": "string"},
    "log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "default_agent_id": {"type": "string"},
    "free_chat": {"type": "boolean"},
    "agents": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["agent_id"],
        "properties": {
          "agent_id": {"type": "string", "minLength": 1},
          "tier": {"type": "integer", "minimum": 1, "maximum": 3},
          "pool_size": {"type": "integer", "minimum": 0},
          "provider": {"type": "string"}
        }
      }
    },
    "loop_prevention": {
      "type": "object",
      "properties": {
        "max_chain_length": {"type": "integer", "minimum": 0},
        "global_cooldown_ms": {"type": "integer", "minimum": 0},
        "chain_window_ms": {"type": "integer", "minimum": 0}
      }
    },
    "ultrawork": {
      "type": "object",
      "properties": {
        "max_steps": {"type": "integer", "minimum": 0},
        "max_duration_minutes": {"type": "integer", "minimum": 0},
        "step_timeout_minutes": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var compiledConfigSchema *jsonschema.Schema

func compileConfigSchema() (*jsonschema.Schema, error) {
	if compiledConfigSchema != nil {
		return compiledConfigSchema, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.json", doc); err != nil {
		return nil, fmt.Errorf("add config schema resource: %w", err)
	}
	schema, err := c.Compile("config.json")
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	compiledConfigSchema = schema
	return schema, nil
}

// validateConfigYAML checks raw config.yaml bytes against configSchemaJSON
// before they are merged into defaultConfig's Config value, the same
// validate-before-merge order doctor.checkConfig expects to diagnose.
func validateConfigYAML(data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	schema, err := compileConfigSchema()
	if err != nil {
		return err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config.yaml: %w", err)
	}
	// jsonschema validates decoded-JSON shapes (map[string]any with
	// json.Number), so round-trip through encoding/json rather than
	// handing it the yaml.v3 decode result directly.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config for validation: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(asJSON)))
	if err != nil {
		return fmt.Errorf("decode config for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config.yaml schema validation: %w", err)
	}
	return nil
}
